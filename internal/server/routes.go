package server

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config contains server configuration options.
type Config struct {
	// AllowedOrigins is the list of allowed CORS origins.
	AllowedOrigins []string
	// Gatherer backs GET /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
	// Metrics records per-route request metrics when set.
	Metrics *HTTPMetrics
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		AllowedOrigins: []string{"*"},
	}
}

// NewRouter creates a new HTTP router with all routes configured.
// It uses Go 1.22+ ServeMux with method-based routing.
func NewRouter(h *Handlers, logger *slog.Logger, cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)

	// Scripts and scenes
	mux.HandleFunc("POST /webhooks/scripts", h.ScriptWebhook)
	mux.HandleFunc("POST /scripts", h.CreateScript)
	mux.HandleFunc("GET /scripts/{id}", h.GetScript)
	mux.HandleFunc("POST /scripts/{id}/compose", h.ComposeScript)
	mux.HandleFunc("PATCH /scripts/{id}/scenes/{sceneID}", h.UpdateScene)

	// Standalone units
	mux.HandleFunc("POST /units", h.CreateUnit)
	mux.HandleFunc("GET /units/{id}", h.GetUnit)

	// Ledger administration
	mux.HandleFunc("GET /admin/accounts/{user}", h.GetAccount)
	mux.HandleFunc("POST /admin/accounts/{user}/grant", h.GrantCredits)
	mux.HandleFunc("PUT /admin/accounts/{user}/limit", h.SetMonthlyLimit)
	mux.HandleFunc("POST /admin/accounts/{user}/reset", h.ResetAccount)
	mux.HandleFunc("GET /admin/accounts/{user}/transactions", h.ListTransactions)
	mux.HandleFunc("GET /admin/accounts/{user}/audit", h.AuditAccount)
	mux.HandleFunc("POST /admin/resets", h.ResetDue)
	mux.HandleFunc("POST /admin/units/{id}/refund", h.RefundUnit)
	mux.HandleFunc("POST /admin/reconcile", h.Reconcile)

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Metrics sits innermost so it sees the pattern the mux matched.
	chain := ChainMiddleware(
		LoggingMiddleware(logger),
		RecoveryMiddleware(logger),
		CORSMiddleware(cfg.AllowedOrigins),
		MetricsMiddleware(cfg.Metrics),
	)

	return chain(mux)
}
