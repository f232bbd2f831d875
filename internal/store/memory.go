package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kiranshivaraju/inferq/pkg/models"
)

// MemoryStore implements Store in process memory. Records do not survive a
// restart; it backs STORE_BACKEND=memory and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.Job
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*models.Job)}
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return ErrDuplicateKey
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok || job.Expired {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, id string, fn UpdateFunc) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[id]
	if !ok || current.Expired {
		return nil, ErrNotFound
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.UpdatedAt = time.Now().UTC()
	s.jobs[id] = next
	return next.Clone(), nil
}

func (s *MemoryStore) ListJobsByStatus(_ context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []*models.Job
	for _, j := range s.jobs {
		if j.Status == status && !j.Expired {
			jobs = append(jobs, j.Clone())
		}
	}
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].ID < jobs[b].ID
		}
		return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryStore) ExpireJobs(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if j.Expired || j.ExpiresAt == nil || j.ExpiresAt.After(now) {
			continue
		}
		j.Expired = true
		j.Parameters = map[string]any{}
		j.ImageReferences = []string{}
		j.Result = nil
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

var _ Store = (*MemoryStore)(nil)
