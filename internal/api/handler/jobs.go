package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/inferq/internal/api/response"
	"github.com/kiranshivaraju/inferq/internal/jobs"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

const maxRequestBody = 1 << 20

// JobService is the part of the jobs service the client endpoints use.
type JobService interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.SubmitResult, error)
	Get(ctx context.Context, id string) (*jobs.JobView, error)
	Cancel(ctx context.Context, id string) (*models.Job, error)
}

type submitResponse struct {
	JobID      string           `json:"job_id"`
	Status     models.JobStatus `json:"status"`
	Position   int              `json:"position"`
	ETASeconds int              `json:"eta_seconds"`
	CreatedAt  time.Time        `json:"created_at"`
	Duplicate  bool             `json:"duplicate,omitempty"`
}

type cancelResponse struct {
	JobID  string           `json:"job_id"`
	Status models.JobStatus `json:"status"`
}

// NewSubmitHandler returns an http.HandlerFunc for POST /v1/jobs.
// A new job answers 202; an identical re-submission answers 200 with the
// existing record.
func NewSubmitHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jobs.SubmitRequest
		if !decodeBody(w, r, &req) {
			return
		}

		res, err := svc.Submit(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}

		body := submitResponse{
			JobID:      res.Job.ID,
			Status:     res.Job.Status,
			Position:   res.Position,
			ETASeconds: res.ETASeconds,
			CreatedAt:  res.Job.CreatedAt,
			Duplicate:  res.Duplicate,
		}
		if res.Duplicate {
			response.JSON(w, body)
			return
		}
		response.Accepted(w, body)
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /v1/jobs/{jobID}.
func NewGetJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := svc.Get(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, view)
	}
}

// NewCancelHandler returns an http.HandlerFunc for DELETE /v1/jobs/{jobID}.
func NewCancelHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := svc.Cancel(r.Context(), chi.URLParam(r, "jobID"))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, cancelResponse{JobID: job.ID, Status: job.Status})
	}
}

// decodeBody reads a JSON request body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}
	return true
}
