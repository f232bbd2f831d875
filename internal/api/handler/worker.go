package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/inferq/internal/api/response"
	"github.com/kiranshivaraju/inferq/internal/jobs"
	"github.com/kiranshivaraju/inferq/internal/queue"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

const (
	defaultClaimWait = 20 * time.Second
	maxClaimWait     = 60 * time.Second
)

// WorkerService is the lifecycle surface used by out-of-process workers.
type WorkerService interface {
	ClaimNext(ctx context.Context) (*models.Job, error)
	ReportProgress(ctx context.Context, id string, pct int) (*models.Job, error)
	Complete(ctx context.Context, id string, result json.RawMessage) (*models.Job, error)
	Fail(ctx context.Context, id string, kind jobs.Kind, message string) (*models.Job, error)
	AckCancel(ctx context.Context, id string) (*models.Job, error)
}

// NewClaimHandler returns an http.HandlerFunc for POST /v1/worker/claim.
// It long-polls for up to ?wait= (default 20s, max 60s) and answers 204 when
// no job became available.
func NewClaimHandler(svc WorkerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wait := defaultClaimWait
		if v := r.URL.Query().Get("wait"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d < 0 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "wait must be a non-negative duration", nil)
				return
			}
			wait = min(d, maxClaimWait)
		}

		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()

		job, err := svc.ClaimNext(ctx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				response.NoContent(w)
				return
			}
			if errors.Is(err, queue.ErrClosed) {
				response.Error(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "Service is shutting down", nil)
				return
			}
			writeError(w, r, err)
			return
		}
		response.JSON(w, job)
	}
}

// NewProgressHandler returns an http.HandlerFunc for POST /v1/jobs/{jobID}/progress.
func NewProgressHandler(svc WorkerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Progress *int `json:"progress"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Progress == nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "progress is required", nil)
			return
		}
		job, err := svc.ReportProgress(r.Context(), chi.URLParam(r, "jobID"), *req.Progress)
		writeJob(w, r, job, err)
	}
}

// NewCompleteHandler returns an http.HandlerFunc for POST /v1/jobs/{jobID}/complete.
func NewCompleteHandler(svc WorkerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Result json.RawMessage `json:"result"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		job, err := svc.Complete(r.Context(), chi.URLParam(r, "jobID"), req.Result)
		writeJob(w, r, job, err)
	}
}

// NewFailHandler returns an http.HandlerFunc for POST /v1/jobs/{jobID}/fail.
// Workers may report WorkerError or ExecutionTimeout; any other kind is
// recorded as WorkerError.
func NewFailHandler(svc WorkerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Kind    string `json:"kind"`
			Message string `json:"message"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		kind := jobs.KindWorkerError
		if jobs.Kind(req.Kind) == jobs.KindExecutionTimeout {
			kind = jobs.KindExecutionTimeout
		}
		job, err := svc.Fail(r.Context(), chi.URLParam(r, "jobID"), kind, req.Message)
		writeJob(w, r, job, err)
	}
}

// NewAckCancelHandler returns an http.HandlerFunc for POST /v1/jobs/{jobID}/ack-cancel.
func NewAckCancelHandler(svc WorkerService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := svc.AckCancel(r.Context(), chi.URLParam(r, "jobID"))
		writeJob(w, r, job, err)
	}
}

// writeJob answers a lifecycle call. An illegal call against an in-flight job
// still reports INVALID_TRANSITION even though the job was failed as a result.
func writeJob(w http.ResponseWriter, r *http.Request, job *models.Job, err error) {
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, job)
}
