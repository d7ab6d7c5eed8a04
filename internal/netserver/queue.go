package netserver

import (
	"sync"

	"lockstep/server/internal/telemetry"
)

// Queue carries requests from other goroutines to the worker. Producers may
// push concurrently; the worker drains a consistent snapshot per iteration.
type Queue[T any] struct {
	mu       sync.Mutex
	name     string
	data     []T
	head     int
	tail     int
	count    int
	metrics  telemetry.Metrics
	onPushed func()
}

// NewQueue constructs a ring-backed queue with the provided capacity.
func NewQueue[T any](name string, capacity int, metrics telemetry.Metrics) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	return &Queue[T]{name: name, data: make([]T, capacity), metrics: metrics}
}

// Push stages an item, returning false if the queue is full.
func (q *Queue[T]) Push(item T) bool {
	q.mu.Lock()
	if q.count == len(q.data) {
		q.mu.Unlock()
		q.metrics.Add("lockstep_queue_overflow_total_"+q.name, 1)
		return false
	}
	q.data[q.tail] = item
	q.tail = (q.tail + 1) % len(q.data)
	q.count++
	q.metrics.Store("lockstep_queue_occupancy_"+q.name, uint64(q.count))
	notify := q.onPushed
	q.mu.Unlock()
	if notify != nil {
		notify()
	}
	return true
}

// Drain returns all staged items in FIFO order and clears the queue.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil
	}
	items := make([]T, q.count)
	var zero T
	for i := 0; i < q.count; i++ {
		idx := (q.head + i) % len(q.data)
		items[i] = q.data[idx]
		q.data[idx] = zero
	}
	q.head = 0
	q.tail = 0
	q.count = 0
	q.metrics.Store("lockstep_queue_occupancy_"+q.name, 0)
	return items
}

// Len reports the number of staged items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}
