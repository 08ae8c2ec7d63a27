// Package dispatcher manages worker fan-out over the normalization queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/kr0osti/image-processor/internal/ingest"
	"github.com/kr0osti/image-processor/internal/worker"
)

// MsgCanceled is reported for tasks still pending when the caller gives up.
const MsgCanceled = worker.MsgCanceled

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   ingest.TaskQueue
	workers []*worker.Worker
}

// New creates a Dispatcher.
func New(queue ingest.TaskQueue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Submit proxies to the underlying queue.
func (d *Dispatcher) Submit(ctx context.Context, task ingest.NormalizeTask) error {
	if err := d.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Process queues every task and waits for all of them. Results come back in
// submission order regardless of which worker finished first. Tasks still
// pending when ctx ends are reported canceled and are never stored.
func (d *Dispatcher) Process(ctx context.Context, tasks []ingest.NormalizeTask) []ingest.ItemResult {
	results := make([]ingest.ItemResult, len(tasks))
	if len(tasks) == 0 {
		return results
	}
	replies := make(chan ingest.TaskOutcome, len(tasks))
	pending := make(map[int]bool, len(tasks))

	for i, task := range tasks {
		task.Index = i
		task.Reply = replies
		task.Done = ctx.Done()
		if err := d.Submit(ctx, task); err != nil {
			results[i] = failed(task, MsgCanceled)
			continue
		}
		pending[i] = true
	}

	for len(pending) > 0 {
		select {
		case out := <-replies:
			if pending[out.Index] {
				results[out.Index] = out.Result
				delete(pending, out.Index)
			}
		case <-ctx.Done():
			for i := range pending {
				results[i] = failed(tasks[i], MsgCanceled)
			}
			return results
		}
	}
	return results
}

func failed(task ingest.NormalizeTask, msg string) ingest.ItemResult {
	item := ingest.ItemResult{Message: msg}
	if task.Kind == ingest.TaskBytes {
		item.OriginalName = task.Name
	} else {
		item.OriginalURL = task.Source
	}
	return item
}
