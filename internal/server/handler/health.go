package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/orderflow/internal/queue"
)

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// QueueStatser reports queue depth.
type QueueStatser interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	checks map[string]Check
	queue  QueueStatser
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. checks and q may be nil.
func NewHealthHandler(checks map[string]Check, q QueueStatser, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, queue: q, logger: logger.With(slog.String("handler", "health"))}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
	Queue     *queue.Stats      `json:"queue,omitempty"`
}

// HealthCheck answers 200 when every check passes and 503 otherwise.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{Status: "ok", Timestamp: time.Now().UTC().Format(time.RFC3339)}
	if len(h.checks) > 0 {
		resp.Checks = make(map[string]string, len(h.checks))
	}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.WarnContext(ctx, "health check failed",
				slog.String("check", name),
				slog.String("error", err.Error()),
			)
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Checks[name] = "ok"
	}
	if h.queue != nil {
		if stats, err := h.queue.Stats(ctx); err == nil {
			resp.Queue = &stats
		}
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
