package queue

// Option applies a configuration option to the InMemoryQueue.
type Option func(*InMemoryQueue)

// WithCapacity sets the maximum number of buffered updates.
func WithCapacity(capacity int) Option {
	return func(q *InMemoryQueue) {
		if capacity > 0 {
			q.capacity = capacity
		}
	}
}

// WithMaxDrain caps how many updates one TryDequeueAll returns. Zero drains everything.
func WithMaxDrain(n int) Option {
	return func(q *InMemoryQueue) {
		if n >= 0 {
			q.maxDrain = n
		}
	}
}
