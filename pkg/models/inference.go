package models

import (
	"context"
	"encoding/json"
)

// ProgressFunc receives completion percentages (0-100) while a job runs.
type ProgressFunc func(pct int)

// InferenceBackend is the interface every inference backend must implement.
// Run executes the model for job and returns the opaque result payload.
// Implementations must return promptly once ctx is cancelled.
type InferenceBackend interface {
	Name() string
	Run(ctx context.Context, job *Job, progress ProgressFunc) (json.RawMessage, error)
}
