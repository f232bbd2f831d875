package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/inferq/pkg/models"
)

// claimTimeout bounds the store work of a claim whose ID has left the queue.
const claimTimeout = 10 * time.Second

// violation records an illegal worker call. Against an in-flight job it is
// committed as a FAILED transition; otherwise the record is left untouched.
type violation struct {
	op     string
	status models.JobStatus
}

func (v *violation) apply(s *Service, j *models.Job, now time.Time) error {
	v.status = j.Status
	if !j.Status.InFlight() {
		if j.Status.Terminal() {
			return newError(KindInvalidTransition, "%s not allowed: job %s is already %s", v.op, j.ID, j.Status)
		}
		return newError(KindInvalidTransition, "%s not allowed from %s", v.op, j.Status)
	}
	j.Result = nil
	j.Error = &models.JobError{
		Kind:    string(KindInvalidTransition),
		Message: fmt.Sprintf("%s not allowed from %s", v.op, j.Status),
	}
	s.finish(j, models.JobStatusFailed, now)
	return nil
}

// Claim moves a QUEUED job to RUNNING on behalf of a worker.
func (s *Service) Claim(ctx context.Context, id string) (*models.Job, error) {
	var v *violation
	job, err := s.update(ctx, id, func(j *models.Job, now time.Time) error {
		v = nil
		if j.Status != models.JobStatusQueued {
			v = &violation{op: "claim"}
			return v.apply(s, j, now)
		}
		j.Status = models.JobStatusRunning
		j.Sequence++
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
		return nil
	})
	if err != nil {
		switch KindOf(err) {
		case KindNotFound, KindInvalidTransition:
		default:
			// Any other failure leaves the record QUEUED, so it must go back
			// into the queue or no worker would ever see it again.
			s.requeue(id)
		}
		return nil, err
	}
	if v != nil {
		return s.afterViolation(job, v)
	}

	s.registerCancel(id)
	s.metrics.JobStarted()
	s.afterTransition(job)
	slog.Info("job claimed", "job_id", id, "model", job.ModelName)
	return job, nil
}

// ClaimNext blocks until a queued job can be claimed or ctx is done. Jobs that
// were cancelled or expired while queued are skipped.
//
// Once an ID has been dequeued its claim is no longer tied to ctx: a caller
// giving up at that point would otherwise strand a QUEUED record outside the
// queue.
func (s *Service) ClaimNext(ctx context.Context) (*models.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id, err := s.queue.Dequeue(ctx)
		if err != nil {
			return nil, err
		}
		s.metrics.QueueDepth(s.queue.Depth())

		claimCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), claimTimeout)
		job, err := s.Claim(claimCtx, id)
		cancel()
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
			slog.Debug("skipping dequeued job", "job_id", id, "error", err)
			continue
		}
		return job, err
	}
}

// requeue puts a job back after its claim could not be persisted.
func (s *Service) requeue(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), claimTimeout)
	defer cancel()

	priority := models.PriorityNormal
	if job, err := s.store.GetJob(ctx, id); err == nil {
		if job.Status != models.JobStatusQueued {
			return
		}
		priority = job.Priority
	}
	if err := s.queue.Enqueue(id, priority); err != nil {
		slog.Error("failed to requeue job after claim error", "job_id", id, "error", err)
		return
	}
	slog.Warn("claim not persisted, job requeued", "job_id", id)
}

// ReportProgress records a completion percentage. Values lower than the
// current progress are ignored.
func (s *Service) ReportProgress(ctx context.Context, id string, pct int) (*models.Job, error) {
	if pct < 0 || pct > 100 {
		return nil, newError(KindInvalidRequest, "progress must be between 0 and 100")
	}
	var v *violation
	job, err := s.update(ctx, id, func(j *models.Job, now time.Time) error {
		v = nil
		if !j.Status.InFlight() {
			v = &violation{op: "report_progress"}
			return v.apply(s, j, now)
		}
		if pct <= j.Progress {
			return errNoChange
		}
		j.Progress = pct
		return nil
	})
	if errors.Is(err, errNoChange) {
		return s.current(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if v != nil {
		return s.afterViolation(job, v)
	}
	s.cacheSnapshot(ctx, job)
	return job, nil
}

// Complete finishes an in-flight job with result. An empty result is stored
// as an empty JSON object.
func (s *Service) Complete(ctx context.Context, id string, result json.RawMessage) (*models.Job, error) {
	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	if !json.Valid(result) {
		return nil, newError(KindInvalidRequest, "result must be valid JSON")
	}
	return s.finishInFlight(ctx, id, "complete", func(j *models.Job, now time.Time) {
		j.Progress = 100
		j.Result = append(json.RawMessage(nil), result...)
		j.Error = nil
		s.finish(j, models.JobStatusSucceeded, now)
	})
}

// Fail finishes an in-flight job with an error. An empty kind means WorkerError.
func (s *Service) Fail(ctx context.Context, id string, kind Kind, message string) (*models.Job, error) {
	if kind == "" {
		kind = KindWorkerError
	}
	return s.finishInFlight(ctx, id, "fail", func(j *models.Job, now time.Time) {
		j.Result = nil
		j.Error = &models.JobError{Kind: string(kind), Message: message}
		s.finish(j, models.JobStatusFailed, now)
	})
}

// AckCancel confirms that the worker stopped a CANCELLING job.
func (s *Service) AckCancel(ctx context.Context, id string) (*models.Job, error) {
	var v *violation
	job, err := s.update(ctx, id, func(j *models.Job, now time.Time) error {
		v = nil
		if j.Status != models.JobStatusCancelling {
			v = &violation{op: "ack_cancel"}
			return v.apply(s, j, now)
		}
		s.finish(j, models.JobStatusCancelled, now)
		return nil
	})
	if err != nil {
		if KindOf(err) == KindStoreError {
			s.failAfterStoreError(id, err)
		}
		return nil, err
	}
	if v != nil {
		return s.afterViolation(job, v)
	}
	s.afterTerminal(job)
	return job, nil
}

func (s *Service) finishInFlight(ctx context.Context, id, op string, mutate func(j *models.Job, now time.Time)) (*models.Job, error) {
	var v *violation
	job, err := s.update(ctx, id, func(j *models.Job, now time.Time) error {
		v = nil
		if !j.Status.InFlight() {
			v = &violation{op: op}
			return v.apply(s, j, now)
		}
		mutate(j, now)
		return nil
	})
	if err != nil {
		if KindOf(err) == KindStoreError {
			s.failAfterStoreError(id, err)
		}
		return nil, err
	}
	if v != nil {
		return s.afterViolation(job, v)
	}
	s.afterTerminal(job)
	return job, nil
}

func (s *Service) afterTerminal(job *models.Job) {
	s.forgetCancel(job.ID)
	s.metrics.JobFinished(string(job.Status), true, job.EndedAt.Sub(job.CreatedAt))
	s.afterTransition(job)
	slog.Info("job finished", "job_id", job.ID, "status", job.Status)
}

// afterViolation runs the side effects of a committed violation, which always
// leaves the job FAILED, and reports InvalidTransition to the caller.
func (s *Service) afterViolation(job *models.Job, v *violation) (*models.Job, error) {
	slog.Warn("invalid transition on in-flight job, marking failed",
		"job_id", job.ID, "op", v.op, "status", v.status)
	s.afterTerminal(job)
	return job, newError(KindInvalidTransition, "%s not allowed from %s", v.op, v.status)
}

// failAfterStoreError makes one last attempt to move an in-flight job whose
// transition could not be persisted to FAILED, so it does not stay RUNNING.
func (s *Service) failAfterStoreError(id string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := s.update(ctx, id, func(j *models.Job, now time.Time) error {
		if !j.Status.InFlight() {
			return errNoChange
		}
		j.Result = nil
		j.Error = &models.JobError{Kind: string(KindStoreError), Message: cause.Error()}
		s.finish(j, models.JobStatusFailed, now)
		return nil
	})
	if err != nil {
		if !errors.Is(err, errNoChange) {
			slog.Error("job left in flight after store failure", "job_id", id, "error", err, "cause", cause)
		}
		return
	}
	s.afterTerminal(job)
}
