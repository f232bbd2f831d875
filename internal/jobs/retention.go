package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/inferq/pkg/models"
)

// Recover rebuilds the in-process queue from QUEUED records after a restart.
// In-flight records are left to their workers.
func (s *Service) Recover(ctx context.Context) (int, error) {
	queued, err := s.store.ListJobsByStatus(ctx, models.JobStatusQueued, 0)
	if err != nil {
		return 0, fmt.Errorf("listing queued jobs: %w", err)
	}
	for _, job := range queued {
		if err := s.queue.Enqueue(job.ID, job.Priority); err != nil {
			return 0, fmt.Errorf("requeueing job %s: %w", job.ID, err)
		}
	}
	s.metrics.QueueDepth(s.queue.Depth())

	for _, status := range []models.JobStatus{models.JobStatusRunning, models.JobStatusCancelling} {
		inFlight, err := s.store.ListJobsByStatus(ctx, status, 0)
		if err != nil {
			return len(queued), fmt.Errorf("listing %s jobs: %w", status, err)
		}
		for _, job := range inFlight {
			s.registerCancel(job.ID)
			if status == models.JobStatusCancelling {
				s.signalCancel(job.ID)
			}
		}
		if len(inFlight) > 0 {
			slog.Warn("in-flight jobs found at startup", "status", status, "count", len(inFlight))
		}
	}

	slog.Info("queue recovered", "queued", len(queued))
	return len(queued), nil
}

// RunJanitor expires terminal jobs whose retention has ended, every interval,
// until ctx is done.
func (s *Service) RunJanitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.ExpireNow(ctx)
		}
	}
}

// ExpireNow runs one retention sweep.
func (s *Service) ExpireNow(ctx context.Context) int {
	n, err := s.store.ExpireJobs(ctx, s.now())
	if err != nil {
		slog.Error("retention sweep failed", "error", err)
		return 0
	}
	if n > 0 {
		slog.Info("expired job records", "count", n)
	}
	return n
}
