package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/inferq/internal/events"
	"github.com/kiranshivaraju/inferq/pkg/models"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

// fakeChannel records declarations and publishes; failFirst makes the first
// n publishes fail.
type fakeChannel struct {
	mu         sync.Mutex
	declared   []string
	kinds      []string
	msgs       []published
	failFirst  int
	declareErr error
	closed     bool
}

func (f *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	f.declared = append(f.declared, name)
	f.kinds = append(f.kinds, kind)
	return f.declareErr
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFirst > 0 {
		f.failFirst--
		return errors.New("channel busy")
	}
	f.msgs = append(f.msgs, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed = true
	return nil
}

func testJob(status models.JobStatus) *models.Job {
	return &models.Job{
		ID:        "job-7",
		ModelName: "densenet121_chex",
		Priority:  models.PriorityUrgent,
		Status:    status,
		Progress:  50,
		Sequence:  3,
		UpdatedAt: time.Now().UTC(),
	}
}

func TestRoutingKey(t *testing.T) {
	assert.Equal(t, "job.queued", events.RoutingKey(models.JobStatusQueued))
	assert.Equal(t, "job.cancelling", events.RoutingKey(models.JobStatusCancelling))
	assert.Equal(t, "job.succeeded", events.RoutingKey(models.JobStatusSucceeded))
}

func TestNewAMQPPublisher_DeclaresTopicExchange(t *testing.T) {
	ch := &fakeChannel{}
	_, err := events.NewAMQPPublisher(ch, "inferq.events")
	require.NoError(t, err)
	assert.Equal(t, []string{"inferq.events"}, ch.declared)
	assert.Equal(t, []string{"topic"}, ch.kinds)
}

func TestNewAMQPPublisher_DeclareError(t *testing.T) {
	ch := &fakeChannel{declareErr: errors.New("access refused")}
	_, err := events.NewAMQPPublisher(ch, "inferq.events")
	assert.Error(t, err)
}

func TestPublish(t *testing.T) {
	ch := &fakeChannel{}
	p, err := events.NewAMQPPublisher(ch, "inferq.events")
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), testJob(models.JobStatusRunning)))

	require.Len(t, ch.msgs, 1)
	m := ch.msgs[0]
	assert.Equal(t, "inferq.events", m.exchange)
	assert.Equal(t, "job.running", m.key)
	assert.Equal(t, amqp.Persistent, m.msg.DeliveryMode)
	assert.Equal(t, "application/json", m.msg.ContentType)
	assert.Equal(t, "job-7-3", m.msg.MessageId)

	var ev events.Event
	require.NoError(t, json.Unmarshal(m.msg.Body, &ev))
	assert.Equal(t, "job-7", ev.JobID)
	assert.Equal(t, models.JobStatusRunning, ev.Status)
	assert.Equal(t, int64(3), ev.Sequence)
	assert.Equal(t, models.PriorityUrgent, ev.Priority)
}

func TestPublish_RetriesTransientFailure(t *testing.T) {
	ch := &fakeChannel{failFirst: 2}
	p, err := events.NewAMQPPublisher(ch, "inferq.events")
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), testJob(models.JobStatusFailed)))
	assert.Len(t, ch.msgs, 1)
}

func TestPublish_GivesUp(t *testing.T) {
	ch := &fakeChannel{failFirst: 10}
	p, err := events.NewAMQPPublisher(ch, "inferq.events")
	require.NoError(t, err)

	err = p.Publish(context.Background(), testJob(models.JobStatusFailed))
	assert.Error(t, err)
	assert.Empty(t, ch.msgs)
}

func TestClose(t *testing.T) {
	ch := &fakeChannel{}
	p, err := events.NewAMQPPublisher(ch, "inferq.events")
	require.NoError(t, err)
	require.NoError(t, p.Close())
	assert.True(t, ch.closed)
}

func TestNop(t *testing.T) {
	var p events.Publisher = events.Nop{}
	assert.NoError(t, p.Publish(context.Background(), testJob(models.JobStatusQueued)))
	assert.NoError(t, p.Close())
}
