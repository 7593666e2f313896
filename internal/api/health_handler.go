package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/phrazzld/docqueue/internal/api/shared"
	"github.com/phrazzld/docqueue/internal/redact"
	"github.com/phrazzld/docqueue/internal/task"
)

// HealthChecker produces a health report; *task.Monitor satisfies it
type HealthChecker interface {
	Check(ctx context.Context) task.HealthReport
}

// HealthHandler serves the liveness and readiness probes
type HealthHandler struct {
	checker HealthChecker
	logger  *slog.Logger
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(checker HealthChecker, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthHandler{
		checker: checker,
		logger:  logger.With("component", "health_handler"),
	}
}

// Live reports that the process is up. It never touches the queue, so an
// orchestrator does not restart a worker whose backend is merely down.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	shared.RespondWithJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready returns the full health report: 200 when healthy, 503 when the
// pool is degraded or the queue is unreachable. Backend error text is
// redacted before it leaves the process.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	report := h.checker.Check(r.Context())
	report.Queue.Error = redact.String(report.Queue.Error)

	status := http.StatusOK
	if report.Status != task.HealthStatusHealthy {
		status = http.StatusServiceUnavailable
		h.logger.Warn("readiness check failed",
			"status", report.Status,
			"queue_status", report.Queue.Status,
			"pool_state", report.Pool.State,
			"error", report.Queue.Error)
	}

	shared.RespondWithJSON(w, r, status, report)
}
