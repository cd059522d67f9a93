// Package async moves fire-and-forget deliveries off the request path. A Queue
// buffers items for one worker goroutine; when the buffer is full the item is
// dropped and counted, so callers never block.
package async

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/model-arbiter/internal/metrics"
)

const (
	DefaultBuffer = 256
	// deliverTimeout bounds each delivery the worker makes.
	deliverTimeout = 5 * time.Second
)

type DeliverFunc[T any] func(ctx context.Context, item T) error

type Queue[T any] struct {
	name    string
	deliver DeliverFunc[T]
	attrs   func(T) []any

	ch chan T
	wg sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

type Option[T any] func(*Queue[T])

// WithLogAttrs adds item fields to the drop and failure log lines.
func WithLogAttrs[T any](fn func(T) []any) Option[T] {
	return func(q *Queue[T]) {
		q.attrs = fn
	}
}

// New starts the worker. name labels the drop metric and log lines.
func New[T any](name string, buffer int, deliver DeliverFunc[T], opts ...Option[T]) *Queue[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	q := &Queue[T]{
		name:    name,
		deliver: deliver,
		ch:      make(chan T, buffer),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *Queue[T]) run() {
	defer q.wg.Done()
	for item := range q.ch {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		if err := q.deliver(ctx, item); err != nil {
			slog.Warn("async delivery failed", q.logArgs(item, "error", err)...)
		}
		cancel()
	}
}

func (q *Queue[T]) logArgs(item T, extra ...any) []any {
	args := append([]any{"sink", q.name}, extra...)
	if q.attrs != nil {
		args = append(args, q.attrs(item)...)
	}
	return args
}

// Offer enqueues item without blocking. It reports false when the queue is
// closed or the buffer is full.
func (q *Queue[T]) Offer(item T) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.ch <- item:
		return true
	default:
		metrics.RecordSinkDrop(q.name)
		slog.Warn("async item dropped, buffer full", q.logArgs(item)...)
		return false
	}
}

// Len is the number of items waiting for the worker.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Close stops accepting items and waits for queued ones to be delivered.
// Safe to call more than once.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()
	q.wg.Wait()
}
