// Package worker runs in-process worker units that claim queued jobs and
// execute them on an inference backend.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/inferq/internal/jobs"
	"github.com/kiranshivaraju/inferq/internal/queue"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

var (
	errCancelRequested = errors.New("cancellation requested")
	errJobTimeout      = errors.New("job execution timeout")
	errShutdown        = errors.New("worker shutting down")
)

// finalizeTimeout bounds the lifecycle call that ends a job.
const finalizeTimeout = 10 * time.Second

// claimRetryDelay is the pause after a claim fails for a reason other than shutdown.
const claimRetryDelay = time.Second

// Lifecycle is the subset of the jobs service a worker drives.
type Lifecycle interface {
	ClaimNext(ctx context.Context) (*models.Job, error)
	ReportProgress(ctx context.Context, id string, pct int) (*models.Job, error)
	Complete(ctx context.Context, id string, result json.RawMessage) (*models.Job, error)
	Fail(ctx context.Context, id string, kind jobs.Kind, message string) (*models.Job, error)
	AckCancel(ctx context.Context, id string) (*models.Job, error)
	CancelSignal(id string) <-chan struct{}
}

// Pool runs a fixed number of worker units.
type Pool struct {
	lifecycle  Lifecycle
	backend    models.InferenceBackend
	size       int
	jobTimeout time.Duration
}

// NewPool creates a pool of size units. A size of zero runs nothing, leaving
// execution to external workers.
func NewPool(lc Lifecycle, backend models.InferenceBackend, size int, jobTimeout time.Duration) *Pool {
	return &Pool{
		lifecycle:  lc,
		backend:    backend,
		size:       size,
		jobTimeout: jobTimeout,
	}
}

// Run blocks until ctx is done or the queue is closed and every unit has
// returned. A job still executing at shutdown is failed.
func (p *Pool) Run(ctx context.Context) error {
	if p.size <= 0 {
		return nil
	}

	slog.Info("worker pool starting", "units", p.size, "backend", p.backend.Name())

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		unit := i
		g.Go(func() error {
			return p.loop(gctx, unit)
		})
	}
	err := g.Wait()

	slog.Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, unit int) error {
	for {
		job, err := p.lifecycle.ClaimNext(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			slog.Error("claim failed", "unit", unit, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(claimRetryDelay):
			}
			continue
		}

		p.execute(ctx, unit, job)
	}
}

// execute runs one claimed job and reports its outcome. The backend call is
// interrupted by a cancel request, the job timeout, or shutdown.
func (p *Pool) execute(parent context.Context, unit int, job *models.Job) {
	log := slog.With("unit", unit, "job_id", job.ID, "model", job.ModelName)
	log.Info("job execution started")
	start := time.Now()

	runCtx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	if p.jobTimeout > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeoutCause(runCtx, p.jobTimeout, errJobTimeout)
		defer stop()
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-p.lifecycle.CancelSignal(job.ID):
			cancel(errCancelRequested)
		case <-parent.Done():
			cancel(errShutdown)
		case <-done:
		}
	}()

	result, err := p.run(runCtx, job, log)
	cause := context.Cause(runCtx)

	finCtx, finCancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer finCancel()

	var finErr error
	switch {
	case err == nil:
		_, finErr = p.lifecycle.Complete(finCtx, job.ID, result)
	case errors.Is(cause, errCancelRequested):
		_, finErr = p.lifecycle.AckCancel(finCtx, job.ID)
	case errors.Is(cause, errJobTimeout):
		_, finErr = p.lifecycle.Fail(finCtx, job.ID, jobs.KindExecutionTimeout,
			fmt.Sprintf("execution exceeded %s", p.jobTimeout))
	case errors.Is(cause, errShutdown):
		_, finErr = p.lifecycle.Fail(finCtx, job.ID, jobs.KindWorkerError, "worker shut down before the job finished")
	default:
		_, finErr = p.lifecycle.Fail(finCtx, job.ID, jobs.KindWorkerError, err.Error())
	}

	if finErr != nil {
		log.Error("failed to record job outcome", "error", finErr, "run_error", err)
		return
	}
	log.Info("job execution finished", "elapsed", time.Since(start), "error", err)
}

// run calls the backend, converting a panic into an error.
func (p *Pool) run(ctx context.Context, job *models.Job, log *slog.Logger) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in inference backend", "error", r)
			result, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()

	progress := func(pct int) {
		pctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()
		if _, err := p.lifecycle.ReportProgress(pctx, job.ID, pct); err != nil {
			log.Debug("progress not recorded", "progress", pct, "error", err)
		}
	}

	return p.backend.Run(ctx, job, progress)
}
