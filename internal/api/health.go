package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/promptdev/internal/feed"
	"github.com/ashureev/promptdev/internal/metrics"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check and metrics endpoints.
type HealthHandler struct {
	db      Pinger
	hub     *feed.Hub
	metrics *metrics.Metrics
	timeout time.Duration
}

// NewHealthHandler creates a health handler. hub and m may be nil.
func NewHealthHandler(db Pinger, hub *feed.Hub, m *metrics.Metrics, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HealthHandler{db: db, hub: hub, metrics: m, timeout: timeout}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status": "healthy",
		"checks": checks,
	}
	statusCode := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		status["status"] = "degraded"
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}
	if h.hub != nil {
		status["feed_dropped"] = h.hub.Dropped()
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the health check and Prometheus routes.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
	if h.metrics != nil {
		r.Handle("/metrics", h.metrics.Handler())
	}
}
