package messagequeue

import (
	"context"
	"sync"

	"github.com/jasonkneen/claudesky/internal/observability"
	"github.com/rs/zerolog/log"
)

// Queue is a FIFO of pending messages with a resettable abort token.
type Queue struct {
	name   string
	mu     sync.Mutex
	items  []*Item
	notify chan struct{}
	abort  chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithName sets the label used for logging and metrics.
func WithName(name string) Option {
	return func(q *Queue) {
		q.name = name
	}
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	observability.EnsureRegistered()

	q := &Queue{
		name:   "main",
		items:  make([]*Item, 0),
		notify: make(chan struct{}, 1),
		abort:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends a message and returns its item. It never fails.
func (q *Queue) Enqueue(msg Message) *Item {
	item := newItem(msg)

	q.mu.Lock()
	q.items = append(q.items, item)
	size := len(q.items)
	q.mu.Unlock()

	q.wake()

	log.Debug().
		Str("queue", q.name).
		Str("messageId", item.Message.ID).
		Int("queueSize", size).
		Msg("Message enqueued")
	observability.RecordQueueEnqueue(q.name, size)

	return item
}

// DrainNext blocks until an item is available and returns it. It returns
// (nil, false) when the queue is aborted or ctx is done; both take
// precedence over buffered items, which stay queued.
func (q *Queue) DrainNext(ctx context.Context) (*Item, bool) {
	for {
		q.mu.Lock()
		abort := q.abort
		select {
		case <-abort:
			q.mu.Unlock()
			return nil, false
		default:
		}
		if ctx.Err() != nil {
			q.mu.Unlock()
			return nil, false
		}

		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			size := len(q.items)
			q.mu.Unlock()

			if size > 0 {
				q.wake()
			}
			observability.SetQueueSize(q.name, size)
			return item, true
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-abort:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Clear discards every buffered item, resolving each as not delivered.
func (q *Queue) Clear() int {
	q.mu.Lock()
	items := q.items
	q.items = make([]*Item, 0)
	q.mu.Unlock()

	for _, item := range items {
		item.discard()
	}

	if len(items) > 0 {
		log.Info().Str("queue", q.name).Int("cleared", len(items)).Msg("Queue cleared")
	}
	observability.SetQueueSize(q.name, 0)

	return len(items)
}

// Abort fires the cancellation token observed by DrainNext.
func (q *Queue) Abort() {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case <-q.abort:
	default:
		close(q.abort)
	}
}

// ResetAbort installs a fresh cancellation token.
func (q *Queue) ResetAbort() {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case <-q.abort:
		q.abort = make(chan struct{})
	default:
	}
}

// Aborted reports whether the current token has fired.
func (q *Queue) Aborted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	select {
	case <-q.abort:
		return true
	default:
		return false
	}
}

// Len returns the number of buffered items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
