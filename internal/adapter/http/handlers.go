// Package http serves the optional debug listener: liveness, pool and
// operation statistics, and the lifecycle event stream.
package http

import (
	"context"
	"net/http"

	lspAdapter "github.com/Strob0t/PyForge/internal/adapter/lsp"
	"github.com/Strob0t/PyForge/internal/adapter/ws"
	"github.com/Strob0t/PyForge/internal/metrics"
	"github.com/Strob0t/PyForge/internal/service"
)

// LanguageService is the slice of the LSP service the debug endpoints read.
type LanguageService interface {
	Health(ctx context.Context) service.HealthInfo
	PoolStats() lspAdapter.PoolStats
	Metrics() metrics.Snapshot
}

// Handlers bundles the dependencies of the debug endpoints.
type Handlers struct {
	LSP LanguageService
	Hub *ws.Hub
}

// Healthz reports service status and engine reachability. A degraded
// engine turns the response into 503 so probes notice.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	info := h.LSP.Health(r.Context())

	status := http.StatusOK
	if info.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, info)
}

// Statz reports pool statistics and per-operation counters.
func (h *Handlers) Statz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statzResponse{
		Pool:    h.LSP.PoolStats(),
		Metrics: h.LSP.Metrics(),
	})
}

type statzResponse struct {
	Pool    lspAdapter.PoolStats `json:"pool"`
	Metrics metrics.Snapshot     `json:"metrics"`
}
