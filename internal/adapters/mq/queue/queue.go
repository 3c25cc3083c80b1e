// Package queue is the bounded ingestion buffer between score producers and the
// batch drain worker. Many goroutines enqueue; exactly one drains.
package queue

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/okian/rankd/internal/domain/model"
	"github.com/okian/rankd/pkg/metrics"
)

const defaultQueueCapacity = 100_000

// Update is the payload flowing through the queue.
type Update = model.ScoreUpdate

// Queue is the producer/consumer contract of the ingestion buffer.
type Queue interface {
	// Enqueue adds u without blocking. It returns false and counts a drop when
	// the queue is full or closed; the incoming update is the one discarded.
	Enqueue(ctx context.Context, u Update) bool

	// EnqueueBatch enqueues us in order and returns how many were accepted.
	EnqueueBatch(ctx context.Context, us []Update) int

	// TryDequeueAll returns what is buffered right now without waiting.
	TryDequeueAll(ctx context.Context) []Update

	// Wait blocks until at least one update is buffered, ctx ends, or the
	// queue is closed and empty.
	Wait(ctx context.Context) error

	Len(ctx context.Context) int
	Capacity() int
	Dropped() int64

	// Close stops accepting updates. Buffered updates can still be drained.
	Close() error
	IsClosed() bool
}

// InMemoryQueue implements Queue on a buffered channel.
type InMemoryQueue struct {
	updates  chan Update
	notify   chan struct{}
	done     chan struct{}
	capacity int
	maxDrain int
	dropped  atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewInMemoryQueue creates a queue with configuration options.
func NewInMemoryQueue(opts ...Option) *InMemoryQueue {
	q := &InMemoryQueue{capacity: defaultQueueCapacity}
	for _, opt := range opts {
		opt(q)
	}
	q.updates = make(chan Update, q.capacity)
	q.notify = make(chan struct{}, 1)
	q.done = make(chan struct{})

	metrics.UpdateQueueCapacity(q.capacity)
	metrics.UpdateQueueSize(0)
	return q
}

func (q *InMemoryQueue) Enqueue(_ context.Context, u Update) bool { //nolint:gocritic // hugeParam: value semantics for channel send
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.drop(1)
		return false
	}

	select {
	case q.updates <- u:
		metrics.RecordQueueEnqueued(1)
		metrics.UpdateQueueSize(len(q.updates))
		select {
		case q.notify <- struct{}{}:
		default:
		}
		return true
	default:
		q.drop(1)
		return false
	}
}

func (q *InMemoryQueue) EnqueueBatch(ctx context.Context, us []Update) int {
	accepted := 0
	for i := range us {
		if q.Enqueue(ctx, us[i]) {
			accepted++
		}
	}
	return accepted
}

func (q *InMemoryQueue) drop(n int) {
	q.dropped.Add(int64(n))
	metrics.RecordQueueDropped(n)
}

func (q *InMemoryQueue) TryDequeueAll(_ context.Context) []Update {
	n := len(q.updates)
	if q.maxDrain > 0 && n > q.maxDrain {
		n = q.maxDrain
	}
	if n == 0 {
		return nil
	}
	out := make([]Update, 0, n)
	for len(out) < n {
		select {
		case u, ok := <-q.updates:
			if !ok {
				metrics.UpdateQueueSize(0)
				return out
			}
			out = append(out, u)
		default:
			metrics.UpdateQueueSize(len(q.updates))
			return out
		}
	}
	metrics.UpdateQueueSize(len(q.updates))
	return out
}

func (q *InMemoryQueue) Wait(ctx context.Context) error {
	for {
		if len(q.updates) > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			if len(q.updates) > 0 {
				return nil
			}
			return ErrClosed
		case <-q.notify:
		}
	}
}

func (q *InMemoryQueue) Len(_ context.Context) int {
	size := len(q.updates)
	metrics.UpdateQueueSize(size)
	return size
}

// Capacity returns the configured bound.
func (q *InMemoryQueue) Capacity() int { return q.capacity }

// Dropped returns how many updates were rejected since creation.
func (q *InMemoryQueue) Dropped() int64 { return q.dropped.Load() }

func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	close(q.updates)
	close(q.done)
	q.closed = true
	return nil
}

func (q *InMemoryQueue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}
