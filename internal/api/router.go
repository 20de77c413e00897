package api

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/northstar-lms/custodian/internal/middleware"
)

// RouterConfig holds the dependencies of the HTTP router.
type RouterConfig struct {
	Governance    *GovernanceHandlers
	Health        *HealthHandlers
	Authenticator middleware.Authenticator
	Logger        *slog.Logger
	// RateLimitStore is shared by the global and ledger limiters.
	RateLimitStore middleware.RateLimitStore
	GlobalLimit    middleware.RateLimitConfig
	LedgerLimit    middleware.RateLimitConfig
	// Metrics and Gatherer are optional. /metrics is served when Gatherer is set.
	Metrics     *middleware.Metrics
	Gatherer    prometheus.Gatherer
	ServiceName string
}

// NewRouter builds the HTTP handler:
//
//	RequestID -> Tracing -> Logging -> RateLimiter(ip) -> HTTPMetrics -> mux
//
// Routes under /v1 additionally require a bearer token; ledger reads and
// archives carry a per-user limit on top of the global one.
func NewRouter(config RouterConfig) http.Handler {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ServiceName == "" {
		config.ServiceName = "custodian"
	}
	if config.GlobalLimit.RequestsPerWindow == 0 {
		config.GlobalLimit = middleware.DefaultGlobalLimit()
	}
	if config.LedgerLimit.RequestsPerWindow == 0 {
		config.LedgerLimit = middleware.DefaultLedgerLimit()
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", config.Health.Health)
	mux.HandleFunc("GET /ready", config.Health.Ready)
	if config.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{}))
	}

	requireAuth := middleware.RequireAuth(config.Authenticator, config.Metrics)
	v1 := func(h http.HandlerFunc) http.Handler { return requireAuth(h) }

	var ledgerLimit func(http.Handler) http.Handler = func(h http.Handler) http.Handler { return h }
	if config.RateLimitStore != nil {
		ledgerLimit = middleware.RateLimiter(config.RateLimitStore, config.LedgerLimit, middleware.UserKeyFunc(), config.Metrics)
	}
	ledger := func(h http.HandlerFunc) http.Handler { return requireAuth(ledgerLimit(h)) }

	g := config.Governance
	mux.Handle("POST /v1/holds", v1(g.PlaceHold))
	mux.Handle("GET /v1/holds/{id}", v1(g.GetHold))
	mux.Handle("POST /v1/holds/{id}/release", v1(g.ReleaseHold))
	mux.Handle("POST /v1/holds/{id}/renew", v1(g.RenewHold))
	mux.Handle("GET /v1/entities/{type}/{id}/holds", v1(g.ListEntityHolds))
	mux.Handle("GET /v1/entities/{type}/{id}/history", v1(g.EntityHistory))

	mux.Handle("POST /v1/policies", v1(g.CreatePolicy))
	mux.Handle("GET /v1/policies/resolve", v1(g.ResolvePolicy))

	mux.Handle("GET /v1/ledger/{scope}/verify", ledger(g.VerifyLedger))
	mux.Handle("GET /v1/ledger/{scope}/export", ledger(g.ExportLedger))
	mux.Handle("POST /v1/ledger/{scope}/archive", ledger(g.ArchiveLedger))
	mux.Handle("POST /v1/ledger/{scope}/records", ledger(g.RecordLedgerEntry))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
	})

	var handler http.Handler = mux
	handler = middleware.SpanRoute(handler)
	if config.Metrics != nil {
		handler = middleware.HTTPMetrics(config.Metrics)(handler)
	}
	if config.RateLimitStore != nil {
		handler = middleware.RateLimiter(config.RateLimitStore, config.GlobalLimit, middleware.IPKeyFunc(), config.Metrics)(handler)
	}
	handler = middleware.Logging(config.Logger)(handler)
	handler = middleware.Tracing(config.ServiceName)(handler)
	return middleware.RequestID(handler)
}
