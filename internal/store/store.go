package store

import (
	"context"
	"errors"
	"time"

	"github.com/kiranshivaraju/inferq/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// UpdateFunc mutates job in place. A non-nil return aborts the update and is
// handed back to the caller of UpdateJob unchanged.
type UpdateFunc func(job *models.Job) error

// Store is the data access interface. All job persistence goes through here.
//
// Expired records are tombstones: they are invisible to GetJob, UpdateJob and
// ListJobsByStatus, but still occupy their ID so CreateJob rejects it.
type Store interface {
	Ping(ctx context.Context) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	// UpdateJob runs fn against the current record and persists the result
	// atomically with respect to every other UpdateJob on the same ID.
	UpdateJob(ctx context.Context, id string, fn UpdateFunc) (*models.Job, error)
	// ListJobsByStatus returns live jobs oldest first. limit <= 0 means no limit.
	ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error)
	// ExpireJobs tombstones terminal jobs whose retention ended at or before now.
	ExpireJobs(ctx context.Context, now time.Time) (int, error)
}
