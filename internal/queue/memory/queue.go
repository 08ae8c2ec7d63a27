// Package memory provides the in-process queue feeding the normalization workers.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/kr0osti/image-processor/internal/ingest"
)

// DefaultCapacity is used when a non-positive capacity is requested.
const DefaultCapacity = 64

// ErrClosed is returned once the queue has been closed.
var ErrClosed = ingest.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan ingest.NormalizeTask
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		ch:   make(chan ingest.NormalizeTask, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue pushes a task into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, task ingest.NormalizeTask) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (ingest.NormalizeTask, error) {
	select {
	case <-ctx.Done():
		return ingest.NormalizeTask{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task := <-q.ch:
		return task, nil
	case <-q.done:
		return ingest.NormalizeTask{}, ErrClosed
	}
}

// Len reports the number of queued tasks.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops the queue for shutdown. Buffered tasks may never be delivered.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.done)
	q.closed = true
}
