// Package jobs owns the job lifecycle: admission, status reads, cancellation
// and the transitions reported by workers.
//
// Every transition is a read-modify-write through store.UpdateJob, so the
// store decides atomically whether it is legal. Side effects (status cache,
// webhook, lifecycle event, metrics) run only after the store has committed.
package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/inferq/internal/cache"
	"github.com/kiranshivaraju/inferq/internal/events"
	"github.com/kiranshivaraju/inferq/internal/metrics"
	"github.com/kiranshivaraju/inferq/internal/queue"
	"github.com/kiranshivaraju/inferq/internal/registry"
	"github.com/kiranshivaraju/inferq/internal/store"
	"github.com/kiranshivaraju/inferq/internal/webhook"
	"github.com/kiranshivaraju/inferq/pkg/models"
)

const maxJobIDLength = 255

// Notifier is the webhook collaborator. Notify must not block.
type Notifier interface {
	Notify(callbackURL string, p webhook.Payload)
}

// Dependencies are the collaborators of a Service. Store, Queue and Registry
// are required; the rest default to no-ops.
type Dependencies struct {
	Store    store.Store
	Queue    *queue.Queue
	Registry registry.Registry
	ETA      *ETAEstimator
	Notifier Notifier
	Events   events.Publisher
	Cache    cache.Cache
	Metrics  metrics.Sink
	// Now is the clock; tests replace it.
	Now func() time.Time
}

// Options tune admission, retention and retry behaviour.
type Options struct {
	MaxQueueSize int
	ResultTTL    time.Duration
	CacheTTL     time.Duration
	// StoreRetries is the number of extra attempts for a transition whose
	// store write failed transiently.
	StoreRetries int
	RetryBackoff time.Duration
	EventTimeout time.Duration
}

// Service implements the job operations. It is safe for concurrent use.
type Service struct {
	store    store.Store
	queue    *queue.Queue
	registry registry.Registry
	eta      *ETAEstimator
	notifier Notifier
	events   events.Publisher
	cache    cache.Cache
	metrics  metrics.Sink
	now      func() time.Time
	opts     Options

	mu      sync.Mutex
	cancels map[string]*cancelSignal
}

type cancelSignal struct {
	ch     chan struct{}
	closed bool
}

// NewService wires a Service. A zero MaxQueueSize rejects every submission;
// other zero options fall back to a one hour retention, a 30s cache TTL and
// a 50ms retry backoff.
func NewService(deps Dependencies, opts Options) *Service {
	if opts.MaxQueueSize < 0 {
		opts.MaxQueueSize = 0
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = time.Hour
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 30 * time.Second
	}
	if opts.StoreRetries < 0 {
		opts.StoreRetries = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 50 * time.Millisecond
	}
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = 2 * time.Second
	}

	s := &Service{
		store:    deps.Store,
		queue:    deps.Queue,
		registry: deps.Registry,
		eta:      deps.ETA,
		notifier: deps.Notifier,
		events:   deps.Events,
		cache:    deps.Cache,
		metrics:  deps.Metrics,
		now:      deps.Now,
		opts:     opts,
		cancels:  make(map[string]*cancelSignal),
	}
	if s.eta == nil {
		s.eta = NewETAEstimator(nil)
	}
	if s.events == nil {
		s.events = events.Nop{}
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// SubmitRequest is a validated-at-the-edge submission.
type SubmitRequest struct {
	JobID          string         `json:"job_id"`
	StudyReference string         `json:"study_reference"`
	Model          string         `json:"model"`
	ModelVersion   string         `json:"model_version"`
	Priority       string         `json:"priority"`
	Parameters     map[string]any `json:"parameters"`
	Images         []string       `json:"images"`
	CallbackURL    *string        `json:"callback_url"`
}

// SubmitResult describes an accepted submission.
type SubmitResult struct {
	Job *models.Job
	// Position is the 1-based dispatch position at the time of admission.
	Position   int
	ETASeconds int
	// Duplicate is true when an identical earlier submission was returned.
	Duplicate bool
}

// JobView is a job record plus fields computed on read.
type JobView struct {
	*models.Job
	QueuePositionHint *int `json:"queue_position_hint,omitempty"`
}

// Submit admits a job. Identical re-submissions of an existing job_id return
// the existing record; conflicting ones fail with DuplicateJobId.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	priority, err := s.validate(&req)
	if err != nil {
		s.metrics.JobSubmitted(metrics.OutcomeInvalid)
		return nil, err
	}
	hash, err := fingerprint(req, priority)
	if err != nil {
		s.metrics.JobSubmitted(metrics.OutcomeInternalError)
		return nil, fmt.Errorf("fingerprinting request: %w", err)
	}

	existing, err := s.store.GetJob(ctx, req.JobID)
	switch {
	case err == nil:
		return s.resolveDuplicate(existing, hash)
	case !errors.Is(err, store.ErrNotFound):
		s.metrics.JobSubmitted(metrics.OutcomeInternalError)
		return nil, fmt.Errorf("checking existing job: %w", err)
	}

	if !s.registry.HasModel(req.Model) {
		s.metrics.JobSubmitted(metrics.OutcomeInvalidModel)
		return nil, newError(KindInvalidModel, "model %s not found", req.Model)
	}
	if !s.registry.HasVersion(req.Model, req.ModelVersion) {
		s.metrics.JobSubmitted(metrics.OutcomeInvalidModel)
		return nil, newError(KindInvalidModel, "model %s has no version %s", req.Model, req.ModelVersion)
	}

	reservation, err := s.queue.Reserve(s.opts.MaxQueueSize)
	if err != nil {
		s.metrics.JobSubmitted(metrics.OutcomeQueueFull)
		if errors.Is(err, queue.ErrFull) {
			return nil, newError(KindQueueFull, "queue is full, please try again later")
		}
		return nil, newError(KindQueueFull, "queue is not accepting jobs")
	}

	now := s.now()
	job := &models.Job{
		ID:              req.JobID,
		StudyReference:  req.StudyReference,
		ModelName:       req.Model,
		ModelVersion:    req.ModelVersion,
		Parameters:      req.Parameters,
		ImageReferences: req.Images,
		Priority:        priority,
		CallbackURL:     req.CallbackURL,
		Status:          models.JobStatusQueued,
		RequestHash:     hash,
		Sequence:        1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.createWithRetry(ctx, job); err != nil {
		reservation.Release()
		if errors.Is(err, store.ErrDuplicateKey) {
			// Lost a race with a concurrent submission of the same ID, or the
			// ID belongs to an expired job.
			if current, gerr := s.store.GetJob(ctx, req.JobID); gerr == nil {
				return s.resolveDuplicate(current, hash)
			}
			s.metrics.JobSubmitted(metrics.OutcomeConflict)
			return nil, newError(KindDuplicateJobID, "job %s already exists", req.JobID)
		}
		s.metrics.JobSubmitted(metrics.OutcomeInternalError)
		return nil, newError(KindStoreError, "persisting job: %v", err)
	}

	if err := reservation.Commit(job.ID, job.Priority); err != nil {
		// The record is durable and QUEUED; it is picked up again by Recover.
		slog.Warn("job persisted but not queued", "job_id", job.ID, "error", err)
	}

	s.metrics.JobSubmitted(metrics.OutcomeAccepted)
	s.metrics.QueueDepth(s.queue.Depth())
	s.afterTransition(job)

	slog.Info("job accepted",
		"job_id", job.ID,
		"model", job.ModelName,
		"priority", job.Priority,
		"images", len(job.ImageReferences),
	)

	return &SubmitResult{
		Job:        job,
		Position:   s.positionOf(job.ID),
		ETASeconds: s.eta.Estimate(job.ModelName, len(job.ImageReferences)),
	}, nil
}

func (s *Service) resolveDuplicate(existing *models.Job, hash string) (*SubmitResult, error) {
	if existing.RequestHash != hash {
		s.metrics.JobSubmitted(metrics.OutcomeConflict)
		return nil, newError(KindDuplicateJobID, "job %s already exists with different content", existing.ID)
	}
	s.metrics.JobSubmitted(metrics.OutcomeDuplicate)
	res := &SubmitResult{
		Job:        existing,
		ETASeconds: s.eta.Estimate(existing.ModelName, len(existing.ImageReferences)),
		Duplicate:  true,
	}
	if existing.Status == models.JobStatusQueued {
		res.Position = s.positionOf(existing.ID)
	}
	return res, nil
}

func (s *Service) positionOf(id string) int {
	if pos := s.queue.Position(id); pos > 0 {
		return pos
	}
	return 1
}

func (s *Service) validate(req *SubmitRequest) (models.Priority, error) {
	if req.JobID == "" {
		return "", newError(KindInvalidRequest, "job_id is required")
	}
	if len(req.JobID) > maxJobIDLength {
		return "", newError(KindInvalidRequest, "job_id must be at most %d characters", maxJobIDLength)
	}
	if req.StudyReference == "" {
		return "", newError(KindInvalidRequest, "study_reference is required")
	}
	if req.Model == "" {
		return "", newError(KindInvalidRequest, "model is required")
	}
	if req.ModelVersion == "" {
		req.ModelVersion = "latest"
	}
	priority, ok := models.ParsePriority(req.Priority)
	if !ok {
		return "", newError(KindInvalidRequest, "priority must be NORMAL or URGENT")
	}
	for i, img := range req.Images {
		if img == "" {
			return "", newError(KindInvalidRequest, "images[%d] is empty", i)
		}
	}
	if req.Images == nil {
		req.Images = []string{}
	}
	if req.Parameters == nil {
		req.Parameters = map[string]any{}
	}
	if req.CallbackURL != nil {
		if s.notifier == nil {
			return "", newError(KindInvalidRequest, "callback_url is not accepted: webhook signing is not configured")
		}
		u, err := url.Parse(*req.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", newError(KindInvalidRequest, "callback_url must be an absolute http(s) URL")
		}
	}
	return priority, nil
}

// fingerprint hashes the submission content. encoding/json sorts map keys, so
// equal requests always produce equal hashes.
func fingerprint(req SubmitRequest, priority models.Priority) (string, error) {
	req.Priority = string(priority)
	b, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Get returns the current view of a job, reading the status cache first.
func (s *Service) Get(ctx context.Context, id string) (*JobView, error) {
	job, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &JobView{Job: job}
	if job.Status == models.JobStatusQueued {
		if pos := s.queue.Position(id); pos > 0 {
			view.QueuePositionHint = &pos
		}
	}
	return view, nil
}

func (s *Service) load(ctx context.Context, id string) (*models.Job, error) {
	if s.cache != nil {
		data, found, err := s.cache.GetJobSnapshot(ctx, id)
		if err != nil {
			slog.Warn("status cache read failed", "job_id", id, "error", err)
		}
		if found {
			var job models.Job
			if err := json.Unmarshal(data, &job); err == nil {
				return &job, nil
			}
			slog.Warn("discarding unreadable cache snapshot", "job_id", id)
		}
	}

	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindNotFound, "job %s not found", id)
	}
	if err != nil {
		return nil, newError(KindStoreError, "loading job: %v", err)
	}
	s.cacheSnapshot(ctx, job)
	return job, nil
}

// Cancel requests cancellation. A QUEUED job is cancelled immediately; a
// RUNNING job moves to CANCELLING and its worker is signalled. Cancelling a
// job that is already CANCELLING returns it unchanged.
func (s *Service) Cancel(ctx context.Context, id string) (*models.Job, error) {
	var prev models.JobStatus
	job, err := s.update(ctx, id, func(j *models.Job, now time.Time) error {
		prev = j.Status
		switch j.Status {
		case models.JobStatusQueued:
			s.finish(j, models.JobStatusCancelled, now)
		case models.JobStatusRunning:
			j.Status = models.JobStatusCancelling
			j.Sequence++
		case models.JobStatusCancelling:
			return errNoChange
		default:
			return newError(KindAlreadyTerminal, "job %s is already %s", j.ID, j.Status)
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return s.current(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	switch prev {
	case models.JobStatusQueued:
		s.queue.Remove(id)
		s.metrics.QueueDepth(s.queue.Depth())
		s.metrics.JobFinished(string(job.Status), false, job.EndedAt.Sub(job.CreatedAt))
	case models.JobStatusRunning:
		s.signalCancel(id)
	}
	s.afterTransition(job)
	slog.Info("job cancel requested", "job_id", id, "from", prev, "to", job.Status)
	return job, nil
}

// CancelSignal returns a channel closed when cancellation of the claimed job id
// is requested. It returns nil for jobs not claimed through this Service.
func (s *Service) CancelSignal(id string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sig, ok := s.cancels[id]; ok {
		return sig.ch
	}
	return nil
}

func (s *Service) registerCancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cancels[id]; !ok {
		s.cancels[id] = &cancelSignal{ch: make(chan struct{})}
	}
}

func (s *Service) signalCancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sig, ok := s.cancels[id]; ok && !sig.closed {
		close(sig.ch)
		sig.closed = true
	}
}

func (s *Service) forgetCancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, id)
}

func (s *Service) current(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.store.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(KindNotFound, "job %s not found", id)
	}
	if err != nil {
		return nil, newError(KindStoreError, "loading job: %v", err)
	}
	return job, nil
}

// afterTransition runs the post-commit side effects of a state change.
func (s *Service) afterTransition(job *models.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.EventTimeout)
	defer cancel()

	s.cacheSnapshot(ctx, job)

	if job.CallbackURL != nil && s.notifier != nil {
		s.notifier.Notify(*job.CallbackURL, webhook.PayloadFor(job, s.now()))
	}

	if err := s.events.Publish(ctx, job); err != nil {
		slog.Warn("lifecycle event not published", "job_id", job.ID, "status", job.Status, "error", err)
	}
}

func (s *Service) cacheSnapshot(ctx context.Context, job *models.Job) {
	if s.cache == nil {
		return
	}
	ttl := s.opts.CacheTTL
	if job.ExpiresAt != nil {
		if left := job.ExpiresAt.Sub(s.now()); left < ttl {
			ttl = left
		}
	}
	if ttl <= 0 {
		return
	}
	data, err := json.Marshal(job)
	if err != nil {
		return
	}
	if _, err := s.cache.SetJobSnapshot(ctx, job.ID, job.Version(), data, ttl); err != nil {
		slog.Warn("status cache write failed", "job_id", job.ID, "error", err)
		// A snapshot we failed to replace must not outlive the transition.
		if derr := s.cache.DeleteJobSnapshot(ctx, job.ID); derr != nil {
			slog.Error("stale status snapshot left in cache", "job_id", job.ID, "error", derr)
		}
	}
}

// errNoChange aborts an update that would not modify the record.
var errNoChange = errors.New("no change")

// update applies fn through the store with bounded retry on transient errors.
// fn may run more than once and must derive everything from its arguments.
func (s *Service) update(ctx context.Context, id string, fn func(j *models.Job, now time.Time) error) (*models.Job, error) {
	var out *models.Job
	op := func() error {
		job, err := s.store.UpdateJob(ctx, id, func(j *models.Job) error {
			return fn(j, s.now())
		})
		if err != nil {
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = job
		return nil
	}

	err := backoff.Retry(op, s.retryPolicy(ctx))
	switch {
	case err == nil:
		return out, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, newError(KindNotFound, "job %s not found", id)
	case isPermanent(err):
		return nil, err
	default:
		return nil, newError(KindStoreError, "updating job %s: %v", id, err)
	}
}

func (s *Service) createWithRetry(ctx context.Context, job *models.Job) error {
	return backoff.Retry(func() error {
		err := s.store.CreateJob(ctx, job)
		if err != nil && isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, s.retryPolicy(ctx))
}

func (s *Service) retryPolicy(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.opts.RetryBackoff
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.opts.StoreRetries)), ctx)
}

func isPermanent(err error) bool {
	var domain *Error
	return errors.As(err, &domain) ||
		errors.Is(err, errNoChange) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrDuplicateKey) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// finish moves j to a terminal status and starts its retention period.
func (s *Service) finish(j *models.Job, status models.JobStatus, now time.Time) {
	j.Status = status
	j.Sequence++
	if j.EndedAt == nil {
		j.EndedAt = &now
	}
	expires := j.EndedAt.Add(s.opts.ResultTTL)
	j.ExpiresAt = &expires
}
