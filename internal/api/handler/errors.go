package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/inferq/internal/api/response"
	"github.com/kiranshivaraju/inferq/internal/jobs"
)

// queueFullRetryAfter is the Retry-After hint, in seconds, for QUEUE_FULL.
const queueFullRetryAfter = "30"

// writeError maps a jobs error to its HTTP status and error code.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var domain *jobs.Error
	if !errors.As(err, &domain) {
		slog.Error("unhandled error", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
		return
	}

	switch domain.Kind {
	case jobs.KindInvalidModel:
		response.Error(w, http.StatusBadRequest, "INVALID_MODEL", domain.Message, nil)
	case jobs.KindInvalidRequest:
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", domain.Message, nil)
	case jobs.KindQueueFull:
		w.Header().Set("Retry-After", queueFullRetryAfter)
		response.Error(w, http.StatusServiceUnavailable, "QUEUE_FULL", domain.Message, nil)
	case jobs.KindDuplicateJobID:
		response.Error(w, http.StatusConflict, "DUPLICATE_JOB_ID", domain.Message, nil)
	case jobs.KindNotFound:
		response.Error(w, http.StatusNotFound, "NOT_FOUND", domain.Message, nil)
	case jobs.KindAlreadyTerminal:
		response.Error(w, http.StatusConflict, "ALREADY_TERMINAL", domain.Message, nil)
	case jobs.KindInvalidTransition:
		response.Error(w, http.StatusConflict, "INVALID_TRANSITION", domain.Message, nil)
	case jobs.KindStoreError:
		slog.Error("store error", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Job store is unavailable", nil)
	default:
		slog.Error("unmapped job error", "kind", domain.Kind, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
