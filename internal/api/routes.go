package api

import (
	"net/http"

	"sandboxd/internal/hub"
	"sandboxd/internal/identity"
	"sandboxd/internal/logging"
	"sandboxd/internal/metrics"
	"sandboxd/internal/sandbox"
)

type RoutesConfig struct {
	Supervisor     *sandbox.Supervisor
	Hub            *hub.Hub
	Resolver       identity.Resolver
	AuthToken      string
	AllowedOrigins []string
	Logger         *logging.Logger
	Metrics        *metrics.Registry
}

func RegisterRoutes(mux *http.ServeMux, cfg RoutesConfig) {
	rest := &RestHandler{
		Supervisor: cfg.Supervisor,
		Sessions:   cfg.Hub,
		Logger:     cfg.Logger,
		Metrics:    cfg.Metrics,
	}

	terminal := &TerminalHandler{
		Hub:            cfg.Hub,
		Resolver:       cfg.Resolver,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         cfg.Logger,
	}

	wrap := func(handler http.Handler) http.Handler {
		return loggingMiddleware(cfg.Logger, handler)
	}

	mux.Handle("/ws/terminal", wrap(terminal))
	mux.Handle("/api/status", wrap(restHandler(cfg.AuthToken, rest.handleStatus)))
	mux.Handle("/api/logs", wrap(restHandler(cfg.AuthToken, rest.handleLogs)))
	mux.Handle("/metrics", wrap(http.HandlerFunc(rest.handleMetrics)))
}
