package jobs_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/inferq/internal/jobs"
	"github.com/kiranshivaraju/inferq/internal/queue"
	"github.com/kiranshivaraju/inferq/internal/registry"
	"github.com/kiranshivaraju/inferq/internal/store"
	"github.com/kiranshivaraju/inferq/internal/webhook"
	"github.com/kiranshivaraju/inferq/pkg/models"
	"github.com/stretchr/testify/require"
)

// --- Fakes ---

type recordingNotifier struct {
	mu       sync.Mutex
	payloads []webhook.Payload
	urls     []string
}

func (n *recordingNotifier) Notify(url string, p webhook.Payload) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.urls = append(n.urls, url)
	n.payloads = append(n.payloads, p)
}

func (n *recordingNotifier) statuses(jobID string) []models.JobStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []models.JobStatus
	for _, p := range n.payloads {
		if p.JobID == jobID {
			out = append(out, p.Status)
		}
	}
	return out
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.payloads)
}

type recordingEvents struct {
	mu   sync.Mutex
	jobs []*models.Job
	err  error
}

func (e *recordingEvents) Publish(_ context.Context, job *models.Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.jobs = append(e.jobs, job.Clone())
	return e.err
}

func (e *recordingEvents) Close() error { return nil }

type memCache struct {
	mu       sync.Mutex
	versions map[string]int64
	data     map[string][]byte
	setErr   error
}

func newMemCache() *memCache {
	return &memCache{versions: map[string]int64{}, data: map[string][]byte{}}
}

func (c *memCache) Ping(context.Context) error { return nil }

func (c *memCache) SetJobSnapshot(_ context.Context, id string, version int64, data []byte, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return false, c.setErr
	}
	if cur, ok := c.versions[id]; ok && cur > version {
		return false, nil
	}
	c.versions[id] = version
	c.data[id] = append([]byte(nil), data...)
	return true, nil
}

func (c *memCache) GetJobSnapshot(_ context.Context, id string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.data[id]
	return d, ok, nil
}

func (c *memCache) DeleteJobSnapshot(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.versions, id)
	delete(c.data, id)
	return nil
}

func (c *memCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 1, nil
}

var errTransient = errors.New("connection reset by peer")

// flakyStore fails the next updateFailures UpdateJob calls and the next
// createFailures CreateJob calls with a transient error. beforeUpdate, when
// set, runs ahead of every UpdateJob and fails it by returning an error.
type flakyStore struct {
	store.Store
	updateFailures atomic.Int32
	createFailures atomic.Int32
	beforeUpdate   func(ctx context.Context) error
}

func (f *flakyStore) UpdateJob(ctx context.Context, id string, fn store.UpdateFunc) (*models.Job, error) {
	if f.beforeUpdate != nil {
		if err := f.beforeUpdate(ctx); err != nil {
			return nil, err
		}
	}
	if f.updateFailures.Load() > 0 {
		f.updateFailures.Add(-1)
		return nil, errTransient
	}
	return f.Store.UpdateJob(ctx, id, fn)
}

func (f *flakyStore) CreateJob(ctx context.Context, job *models.Job) error {
	if f.createFailures.Load() > 0 {
		f.createFailures.Add(-1)
		return errTransient
	}
	return f.Store.CreateJob(ctx, job)
}

// --- Harness ---

type harness struct {
	svc      *jobs.Service
	store    *flakyStore
	queue    *queue.Queue
	notifier *recordingNotifier
	events   *recordingEvents
	cache    *memCache
	now      time.Time
}

func testRegistry(t *testing.T) registry.Registry {
	t.Helper()
	r, err := registry.NewStatic([]models.ModelInfo{
		{Name: "m", Versions: []string{"1"}, BaseSeconds: 10},
		{Name: "densenet121_chex", Versions: []string{"1.0.0", "1.1.0"}, BaseSeconds: 30},
	})
	require.NoError(t, err)
	return r
}

func newHarness(t *testing.T, opts jobs.Options) *harness {
	t.Helper()
	h := &harness{
		store:    &flakyStore{Store: store.NewMemoryStore()},
		queue:    queue.New(),
		notifier: &recordingNotifier{},
		events:   &recordingEvents{},
		cache:    newMemCache(),
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	reg := testRegistry(t)
	if opts.MaxQueueSize == 0 {
		opts.MaxQueueSize = 100
	}
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}
	h.svc = jobs.NewService(jobs.Dependencies{
		Store:    h.store,
		Queue:    h.queue,
		Registry: reg,
		ETA:      jobs.NewETAEstimator(map[string]int{"m": 10, "densenet121_chex": 30}),
		Notifier: h.notifier,
		Events:   h.events,
		Cache:    h.cache,
		Now:      func() time.Time { return h.now },
	}, opts)
	return h
}

func callback() *string {
	u := "https://ris.example.org/hooks/inference"
	return &u
}

func request(id string) jobs.SubmitRequest {
	return jobs.SubmitRequest{
		JobID:          id,
		StudyReference: "study-" + id,
		Model:          "m",
		Images:         []string{"img-1", "img-2"},
		Parameters:     map[string]any{"threshold": 0.5},
		CallbackURL:    callback(),
	}
}

func (h *harness) submit(t *testing.T, id string) *jobs.SubmitResult {
	t.Helper()
	res, err := h.svc.Submit(context.Background(), request(id))
	require.NoError(t, err)
	return res
}

func (h *harness) submitAndClaim(t *testing.T, id string) *models.Job {
	t.Helper()
	h.submit(t, id)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	job, err := h.svc.ClaimNext(ctx)
	require.NoError(t, err)
	require.Equal(t, id, job.ID)
	return job
}

func (h *harness) stored(t *testing.T, id string) *models.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

// validNext lists the statuses reachable from each status in one transition.
var validNext = map[models.JobStatus][]models.JobStatus{
	models.JobStatusQueued:     {models.JobStatusRunning, models.JobStatusCancelled},
	models.JobStatusRunning:    {models.JobStatusSucceeded, models.JobStatusFailed, models.JobStatusCancelling},
	models.JobStatusCancelling: {models.JobStatusCancelled, models.JobStatusSucceeded, models.JobStatusFailed},
}

func requireValidPath(t *testing.T, path []models.JobStatus) {
	t.Helper()
	require.NotEmpty(t, path)
	require.Equal(t, models.JobStatusQueued, path[0], "path must start at QUEUED: %v", path)
	for i := 1; i < len(path); i++ {
		require.Contains(t, validNext[path[i-1]], path[i], "invalid step %s -> %s in %v", path[i-1], path[i], path)
	}
}
