// Package queue holds admitted job IDs in dispatch order.
//
// Two FIFO classes are kept: URGENT IDs are always dispatched before NORMAL
// ones, and within a class the oldest entry goes first. Dequeue suspends while
// the queue is empty; each Enqueue wakes exactly one suspended caller.
package queue

import (
	"container/list"
	"context"
	"errors"
	"sync"

	"github.com/kiranshivaraju/inferq/pkg/models"
)

var (
	ErrFull   = errors.New("queue full")
	ErrClosed = errors.New("queue closed")
)

type entry struct {
	id       string
	priority models.Priority
}

// Queue is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	urgent   *list.List
	normal   *list.List
	index    map[string]*list.Element
	reserved int
	waiters  *list.List // of chan struct{}
	closed   bool
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{
		urgent:  list.New(),
		normal:  list.New(),
		index:   make(map[string]*list.Element),
		waiters: list.New(),
	}
}

// Reservation is an admitted slot not yet bound to a job ID. Exactly one of
// Commit or Release must be called; later calls are no-ops.
type Reservation struct {
	q    *Queue
	done bool
}

// Reserve claims one slot if the current depth is below limit. Depth counts
// queued IDs plus outstanding reservations, so concurrent admissions can
// never push the queue past limit.
func (q *Queue) Reserve(limit int) (*Reservation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}
	if q.depthLocked() >= limit {
		return nil, ErrFull
	}
	q.reserved++
	return &Reservation{q: q}, nil
}

// Commit turns the reserved slot into a queued ID.
func (r *Reservation) Commit(id string, priority models.Priority) error {
	q := r.q
	q.mu.Lock()
	defer q.mu.Unlock()

	if r.done {
		return nil
	}
	r.done = true
	q.reserved--
	if q.closed {
		return ErrClosed
	}
	q.pushLocked(id, priority)
	return nil
}

// Release gives the slot back without queueing anything.
func (r *Reservation) Release() {
	q := r.q
	q.mu.Lock()
	defer q.mu.Unlock()

	if r.done {
		return
	}
	r.done = true
	q.reserved--
}

// Enqueue adds id without a capacity check. It is used for rehydration and for
// putting back a job whose claim could not be persisted. Enqueueing an ID that
// is already queued is a no-op.
func (q *Queue) Enqueue(id string, priority models.Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	q.pushLocked(id, priority)
	return nil
}

// Dequeue removes and returns the next ID, suspending until one is available,
// ctx is done, or the queue is closed.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return "", ErrClosed
		}
		if id, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return id, nil
		}
		wake := make(chan struct{}, 1)
		el := q.waiters.PushBack(wake)
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			q.mu.Lock()
			select {
			case <-wake:
				// Signalled and cancelled at once: hand the wakeup on so the
				// enqueued ID is not stranded.
				q.signalLocked()
			default:
				q.waiters.Remove(el)
			}
			q.mu.Unlock()
			return "", ctx.Err()
		}
	}
}

// Remove drops id from the queue. It reports false when id is not queued,
// for example because a worker already dequeued it.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, ok := q.index[id]
	if !ok {
		return false
	}
	delete(q.index, id)
	if el.Value.(entry).priority == models.PriorityUrgent {
		q.urgent.Remove(el)
	} else {
		q.normal.Remove(el)
	}
	return true
}

// Position returns the 1-based dispatch position of id, or 0 if it is not
// queued.
func (q *Queue) Position(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	el, ok := q.index[id]
	if !ok {
		return 0
	}
	l, offset := q.urgent, 0
	if el.Value.(entry).priority != models.PriorityUrgent {
		l, offset = q.normal, q.urgent.Len()
	}
	pos := 1
	for e := l.Front(); e != nil && e != el; e = e.Next() {
		pos++
	}
	return offset + pos
}

// Len returns the number of queued IDs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// Depth returns queued IDs plus outstanding reservations. This is the counter
// admission is checked against.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

// Close wakes every suspended Dequeue with ErrClosed and rejects further
// inserts. Queued IDs are dropped; their records stay QUEUED in the store.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	for q.waiters.Len() > 0 {
		q.signalLocked()
	}
}

func (q *Queue) depthLocked() int {
	return len(q.index) + q.reserved
}

func (q *Queue) pushLocked(id string, priority models.Priority) {
	if _, exists := q.index[id]; exists {
		return
	}
	e := entry{id: id, priority: priority}
	if priority == models.PriorityUrgent {
		q.index[id] = q.urgent.PushBack(e)
	} else {
		q.index[id] = q.normal.PushBack(e)
	}
	q.signalLocked()
}

func (q *Queue) popLocked() (string, bool) {
	l := q.urgent
	if l.Len() == 0 {
		l = q.normal
	}
	front := l.Front()
	if front == nil {
		return "", false
	}
	e := l.Remove(front).(entry)
	delete(q.index, e.id)
	return e.id, true
}

// signalLocked wakes the longest-waiting Dequeue, if any.
func (q *Queue) signalLocked() {
	front := q.waiters.Front()
	if front == nil {
		return
	}
	wake := q.waiters.Remove(front).(chan struct{})
	wake <- struct{}{}
}
