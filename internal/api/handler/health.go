package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/kiranshivaraju/inferq/internal/api/response"
)

const healthCheckTimeout = 2 * time.Second

// Check reports whether one dependency is reachable.
type Check func(ctx context.Context) error

// HealthInfo supplies the non-dependency fields of the health report.
type HealthInfo struct {
	ModelsLoaded func() int
	QueueDepth   func() int
	Backend      string
}

// NewHealthHandler returns an http.HandlerFunc for GET /health. Any failing
// check degrades the service and answers 503.
func NewHealthHandler(checks map[string]Check, info HealthInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		services := make(map[string]string, len(checks))
		degraded := false
		for name, check := range checks {
			services[name] = "ok"
			if err := check(ctx); err != nil {
				services[name] = "degraded"
				degraded = true
			}
		}

		body := map[string]any{
			"status":   "ok",
			"services": services,
			"backend":  info.Backend,
		}
		if info.ModelsLoaded != nil {
			body["models_loaded"] = info.ModelsLoaded()
		}
		if info.QueueDepth != nil {
			body["queue_size"] = info.QueueDepth()
		}

		if degraded {
			body["status"] = "degraded"
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", body)
			return
		}
		response.JSON(w, body)
	}
}
