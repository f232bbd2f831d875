package mock

import (
	"context"
	"encoding/json"

	"github.com/kiranshivaraju/inferq/internal/inference"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

// MockBackend satisfies models.InferenceBackend for testing.
type MockBackend struct {
	Name_   string
	RunFunc func(ctx context.Context, job *models.Job, progress models.ProgressFunc) (json.RawMessage, error)
}

func (m *MockBackend) Name() string { return m.Name_ }

func (m *MockBackend) Run(ctx context.Context, job *models.Job, progress models.ProgressFunc) (json.RawMessage, error) {
	if m.RunFunc != nil {
		return m.RunFunc(ctx, job, progress)
	}
	return json.RawMessage(`{}`), nil
}

// NewMockBackend returns a MockBackend that reports half progress and then
// succeeds with a fixed score.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		Name_: "mock",
		RunFunc: func(_ context.Context, job *models.Job, progress models.ProgressFunc) (json.RawMessage, error) {
			if progress != nil {
				progress(50)
			}
			return json.Marshal(map[string]any{"model": job.ModelName, "score": 0.9})
		},
	}
}

// NewFailingBackend returns a MockBackend that always returns the given error.
func NewFailingBackend(err error) *MockBackend {
	return &MockBackend{
		Name_: "mock-failing",
		RunFunc: func(_ context.Context, _ *models.Job, _ models.ProgressFunc) (json.RawMessage, error) {
			return nil, err
		},
	}
}

// NewTimeoutBackend returns a MockBackend that blocks until context is cancelled.
func NewTimeoutBackend() *MockBackend {
	return &MockBackend{
		Name_: "mock-timeout",
		RunFunc: func(ctx context.Context, _ *models.Job, _ models.ProgressFunc) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, inference.ErrInferenceTimeout
		},
	}
}

// NewGatedBackend returns a MockBackend that reports progress pct, then waits
// for release to be closed before succeeding. It honours cancellation.
func NewGatedBackend(pct int, release <-chan struct{}) *MockBackend {
	return &MockBackend{
		Name_: "mock-gated",
		RunFunc: func(ctx context.Context, _ *models.Job, progress models.ProgressFunc) (json.RawMessage, error) {
			if progress != nil {
				progress(pct)
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-release:
				return json.RawMessage(`{"released":true}`), nil
			}
		},
	}
}

// Compile-time check that MockBackend implements InferenceBackend.
var _ models.InferenceBackend = (*MockBackend)(nil)
