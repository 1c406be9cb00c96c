// Command pyforge serves Python language intelligence over the Model
// Context Protocol. The MCP client owns stdin/stdout; logs go to stderr
// and an optional HTTP debug listener exposes health, statistics, and a
// live event stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	cfhttp "github.com/Strob0t/PyForge/internal/adapter/http"
	"github.com/Strob0t/PyForge/internal/adapter/mcp"
	"github.com/Strob0t/PyForge/internal/adapter/otel"
	"github.com/Strob0t/PyForge/internal/adapter/ristretto"
	"github.com/Strob0t/PyForge/internal/adapter/ws"
	"github.com/Strob0t/PyForge/internal/config"
	"github.com/Strob0t/PyForge/internal/logger"
	"github.com/Strob0t/PyForge/internal/port/cache"
	"github.com/Strob0t/PyForge/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	slog.SetDefault(log)
	defer closeLog.Close()

	slog.Info("config loaded",
		"engine", cfg.Engine.Command[0],
		"pool_capacity", cfg.Pool.Capacity,
		"cache_enabled", cfg.Cache.Enabled,
		"debug_addr", cfg.Debug.Addr,
	)

	if term.IsTerminal(int(os.Stdin.Fd())) {
		slog.Warn("stdin is a terminal; this server speaks MCP over stdio and expects a client on the other end")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry export is a no-op without an endpoint; the instruments
	// then record into no-op providers.
	shutdownTelemetry, err := otel.Init(ctx, cfg.Telemetry, cfg.Server.Name, cfg.Server.Version)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	tele, err := otel.NewTelemetry()
	if err != nil {
		return fmt.Errorf("telemetry instruments: %w", err)
	}

	var store cache.Cache
	if cfg.Cache.Enabled {
		store, err = ristretto.New(cfg.Cache.MaxSizeMB << 20)
		if err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}

	hub := ws.NewHub(cfg.Debug.CORSOrigin)

	svc := service.NewLSPService(cfg, hub, store, tele)

	if err := otel.RegisterPoolGauges(func() (int, int, float64) {
		st := svc.PoolStats()
		return st.Size, st.Capacity, st.HitRate
	}); err != nil {
		return fmt.Errorf("pool gauges: %w", err)
	}

	mcpSrv := mcp.NewServer(
		mcp.ServerConfig{Name: cfg.Server.Name, Version: cfg.Server.Version},
		mcp.ServerDeps{LSP: svc},
	)

	var debugSrv *http.Server
	if cfg.Debug.Addr != "" {
		router := cfhttp.NewRouter(cfg.Debug, &cfhttp.Handlers{LSP: svc, Hub: hub})
		debugSrv = &http.Server{
			Addr:              cfg.Debug.Addr,
			Handler:           otel.HTTPMiddleware(cfg.Server.Name)(router),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("debug listener started", "addr", cfg.Debug.Addr)
			if err := debugSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("debug listener failed", "error", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("serving MCP over stdio", "server", cfg.Server.Name, "version", cfg.Server.Version)
		serveErr <- mcpSrv.Serve(ctx)
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-done:
		slog.Info("signal received", "signal", sig.String())
		cancel()
		<-serveErr
	case err := <-serveErr:
		// Client closed stdin or the stdio server failed.
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = fmt.Errorf("mcp serve: %w", err)
		}
	}

	slog.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if debugSrv != nil {
		if err := debugSrv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("debug listener shutdown", "error", err)
		}
	}
	hub.Close()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Warn("engine shutdown", "error", err)
	}

	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown", "error", err)
	}

	return runErr
}
