// Package webhook delivers signed job status callbacks.
//
// Deliveries run in background goroutines bounded by a semaphore. A failed
// delivery is logged and counted; it never reaches the caller of Notify and
// never changes a job.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/inferq/internal/metrics"
	"golang.org/x/sync/semaphore"
)

var (
	ErrDeliveryFailed = errors.New("webhook delivery failed")
	// ErrNoSecret is returned instead of sending a callback that cannot be signed.
	ErrNoSecret = errors.New("webhook signing secret not configured")
)

// Config controls delivery behaviour.
type Config struct {
	Secret string
	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration
	// MaxAttempts is the total number of attempts per delivery. 1 disables retry.
	MaxAttempts int
	// MaxInFlight bounds concurrent deliveries.
	MaxInFlight int64
	// InitialBackoff is the first retry delay; later delays grow exponentially.
	InitialBackoff time.Duration
}

// Notifier sends callbacks asynchronously. It is safe for concurrent use.
type Notifier struct {
	cfg     Config
	client  *http.Client
	sem     *semaphore.Weighted
	metrics metrics.Sink

	// ctx is cancelled when Close gives up waiting, which aborts every
	// delivery still in flight.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Notifier. Zero config values fall back to a 10s timeout, a
// single attempt, 64 concurrent deliveries and a 500ms initial backoff.
func New(cfg Config, sink metrics.Sink) *Notifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 64
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		sem:     semaphore.NewWeighted(cfg.MaxInFlight),
		metrics: sink,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Notify schedules delivery of p to callbackURL and returns immediately.
// After Close has been called deliveries are dropped.
func (n *Notifier) Notify(callbackURL string, p Payload) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		slog.Warn("webhook dropped after shutdown", "job_id", p.JobID, "status", p.Status)
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		if err := n.sem.Acquire(n.ctx, 1); err != nil {
			slog.Warn("webhook abandoned", "job_id", p.JobID, "status", p.Status, "error", err)
			n.metrics.WebhookDelivered(false)
			return
		}
		defer n.sem.Release(1)

		if err := n.Deliver(n.ctx, callbackURL, p); err != nil {
			slog.Warn("webhook delivery failed",
				"job_id", p.JobID,
				"status", p.Status,
				"sequence", p.Sequence,
				"error", err,
			)
		}
	}()
}

// Deliver sends p synchronously, retrying network errors and 5xx responses
// up to MaxAttempts. 4xx responses are not retried.
func (n *Notifier) Deliver(ctx context.Context, callbackURL string, p Payload) error {
	if n.cfg.Secret == "" {
		n.metrics.WebhookDelivered(false)
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, ErrNoSecret)
	}
	body, err := Canonical(p)
	if err != nil {
		n.metrics.WebhookDelivered(false)
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	deliveryID := uuid.NewString()

	attempt := 0
	op := func() error {
		attempt++
		return n.post(ctx, callbackURL, body, deliveryID, p.Sequence)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = n.cfg.InitialBackoff
	var b backoff.BackOff = backoff.WithMaxRetries(eb, uint64(n.cfg.MaxAttempts-1))
	b = backoff.WithContext(b, ctx)

	if err := backoff.Retry(op, b); err != nil {
		n.metrics.WebhookDelivered(false)
		return fmt.Errorf("%w after %d attempt(s): %v", ErrDeliveryFailed, attempt, err)
	}
	n.metrics.WebhookDelivered(true)
	slog.Debug("webhook delivered", "job_id", p.JobID, "status", p.Status, "attempts", attempt)
	return nil
}

func (n *Notifier) post(ctx context.Context, callbackURL string, body []byte, deliveryID string, sequence int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "inferq-webhook/1")
	req.Header.Set(HeaderDeliveryID, deliveryID)
	req.Header.Set(HeaderSequence, strconv.FormatInt(sequence, 10))
	req.Header.Set(HeaderSignature, Sign(n.cfg.Secret, body))

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("receiver returned status %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("receiver returned status %d", resp.StatusCode))
	}
}

// Close stops accepting deliveries and waits for in-flight ones until ctx is
// done. Deliveries still running at that point are aborted.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		n.cancel()
		return nil
	case <-ctx.Done():
		n.cancel()
		<-done
		return ctx.Err()
	}
}
