package http

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Strob0t/PyForge/internal/config"
	"github.com/Strob0t/PyForge/internal/middleware"
)

// NewRouter assembles the debug listener: middleware chain plus routes.
func NewRouter(cfg config.Debug, h *Handlers) chi.Router {
	r := chi.NewRouter()

	// RequestID must run before Logger so the ID lands in the log record.
	r.Use(CORS(cfg.CORSOrigin))
	r.Use(middleware.RequestID)
	r.Use(Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(SecurityHeaders)
	r.Use(BearerAuth(cfg.AuthToken))

	MountRoutes(r, h)
	return r
}

// MountRoutes attaches the debug endpoints to the router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/healthz", h.Healthz)
	r.Get("/statz", h.Statz)
	r.Get("/debug/events", h.Hub.HandleWS)
}
