package hub

import (
	"context"
	"sync"

	"pkt.systems/doord/api"
)

// DefaultQueueSize is the per-observer buffer used by transports.
const DefaultQueueSize = 32

// Queue is an Observer backed by a bounded channel. A transport drains
// Events on its own writer goroutine.
type Queue struct {
	id string

	mu     sync.Mutex
	ch     chan api.Event
	closed bool
}

// NewQueue returns a Queue holding at most size undelivered events.
func NewQueue(id string, size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{id: id, ch: make(chan api.Event, size)}
}

// ID returns the observer id.
func (q *Queue) ID() string { return q.id }

// Deliver enqueues ev without blocking.
func (q *Queue) Deliver(_ context.Context, ev api.Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// Events returns the receive side of the queue. It is closed by Close.
func (q *Queue) Events() <-chan api.Event { return q.ch }

// Close stops accepting events. It is safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}
