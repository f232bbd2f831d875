// Package events streams committed job transitions to a RabbitMQ topic
// exchange so downstream systems can follow job progress without polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/inferq/pkg/models"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher receives every committed transition.
type Publisher interface {
	Publish(ctx context.Context, job *models.Job) error
	Close() error
}

// Event is the message body published for a transition.
type Event struct {
	JobID      string           `json:"job_id"`
	Status     models.JobStatus `json:"status"`
	Progress   int              `json:"progress"`
	Sequence   int64            `json:"sequence"`
	Model      string           `json:"model"`
	Priority   models.Priority  `json:"priority"`
	Error      *models.JobError `json:"error,omitempty"`
	OccurredAt time.Time        `json:"occurred_at"`
}

// RoutingKey returns the topic routing key for status, e.g. "job.succeeded".
func RoutingKey(status models.JobStatus) string {
	return "job." + strings.ToLower(string(status))
}

// Channel is the subset of *amqp.Channel used by AMQPPublisher.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes events as persistent JSON messages.
type AMQPPublisher struct {
	mu       sync.Mutex
	ch       Channel
	conn     *amqp.Connection
	exchange string
	retries  uint64
	delay    time.Duration
}

// Dial connects to url, opens a channel and declares exchange.
func Dial(url, exchange string) (*AMQPPublisher, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{Heartbeat: 10 * time.Second, Locale: "en_US"})
	if err != nil {
		return nil, fmt.Errorf("connecting to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}
	p, err := NewAMQPPublisher(ch, exchange)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	slog.Info("event publisher connected", "exchange", exchange)
	return p, nil
}

// NewAMQPPublisher declares a durable topic exchange on ch.
func NewAMQPPublisher(ch Channel, exchange string) (*AMQPPublisher, error) {
	err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{ch: ch, exchange: exchange, retries: 2, delay: 100 * time.Millisecond}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, job *models.Job) error {
	body, err := json.Marshal(Event{
		JobID:      job.ID,
		Status:     job.Status,
		Progress:   job.Progress,
		Sequence:   job.Sequence,
		Model:      job.ModelName,
		Priority:   job.Priority,
		Error:      job.Error,
		OccurredAt: job.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    fmt.Sprintf("%s-%d", job.ID, job.Sequence),
		Timestamp:    time.Now(),
	}
	key := RoutingKey(job.Status)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.delay
	b := backoff.WithContext(backoff.WithMaxRetries(eb, p.retries), ctx)

	err = backoff.Retry(func() error {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.ch.PublishWithContext(ctx,
			p.exchange, // exchange
			key,        // routing key
			false,      // mandatory
			false,      // immediate
			msg,
		)
	}, b)
	if err != nil {
		return fmt.Errorf("publishing %s: %w", key, err)
	}
	return nil
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Nop discards events. It is used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, *models.Job) error { return nil }
func (Nop) Close() error { return nil }

var (
	_ Publisher = (*AMQPPublisher)(nil)
	_ Publisher = Nop{}
)
