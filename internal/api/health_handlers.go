package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// HealthChecker defines the interface for components that can be health checked.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandlers provides health and readiness check endpoints for Kubernetes probes.
type HealthHandlers struct {
	dbChecker     HealthChecker
	redisChecker  HealthChecker
	ledgerChecker HealthChecker
	timeout       time.Duration
}

// HealthHandlersConfig configures the health check handlers. Nil checkers
// are reported as not configured.
type HealthHandlersConfig struct {
	DBChecker    HealthChecker
	RedisChecker HealthChecker
	// LedgerChecker reports chain integrity. A failure marks the service
	// degraded but keeps it ready, since serving traffic does not depend on
	// past records.
	LedgerChecker HealthChecker
	// Timeout bounds all readiness checks. Defaults to 5s.
	Timeout time.Duration
}

// NewHealthHandlers creates a new health check handler.
func NewHealthHandlers(config HealthHandlersConfig) *HealthHandlers {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &HealthHandlers{
		dbChecker:     config.DBChecker,
		redisChecker:  config.RedisChecker,
		ledgerChecker: config.LedgerChecker,
		timeout:       config.Timeout,
	}
}

// HealthResponse represents the JSON response for health checks.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health (liveness probe).
// Returns 200 if the process can serve requests.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, r.Context(), http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	writeJSON(w, r.Context(), http.StatusOK, HealthResponse{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": "ok"},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready (readiness probe).
// Returns 503 if the database or Redis is unreachable.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteError(w, r.Context(), http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := make(map[string]string)
	ready := check(ctx, checks, "database", h.dbChecker)
	ready = check(ctx, checks, "redis", h.redisChecker) && ready
	ledgerOK := check(ctx, checks, "ledger", h.ledgerChecker)

	status := "healthy"
	statusCode := http.StatusOK
	switch {
	case !ready:
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	case !ledgerOK:
		status = "degraded"
	}

	writeJSON(w, r.Context(), statusCode, HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// check runs c and records its result under name.
func check(ctx context.Context, checks map[string]string, name string, c HealthChecker) bool {
	if c == nil {
		checks[name] = "not_configured"
		return true
	}
	if err := c.HealthCheck(ctx); err != nil {
		checks[name] = "error"
		slog.WarnContext(ctx, name+" health check failed", "error", err)
		return false
	}
	checks[name] = "ok"
	return true
}
