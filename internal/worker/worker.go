// Package worker runs the normalize-then-store pipeline for queued images.
package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kr0osti/image-processor/internal/ingest"
	"github.com/kr0osti/image-processor/internal/metrics"
	"github.com/kr0osti/image-processor/internal/normalize"
)

// Client-facing failure messages.
const (
	MsgProcessFailed = "Failed to process image"
	MsgSaveFailed    = "Failed to save image"
	MsgPlaceholder   = "Source unavailable; placeholder stored"
	MsgCanceled      = "Processing canceled"
)

// Normalizer renders sources onto the canonical canvas.
type Normalizer interface {
	Normalize(ctx context.Context, sourceURL string) (normalize.Result, error)
	NormalizeBytes(ctx context.Context, data []byte, name string) (normalize.Result, error)
}

// Saver persists encoded rasters.
type Saver interface {
	Save(ctx context.Context, payload []byte, contentType, source string) (ingest.StoredImage, error)
}

// Worker consumes queued tasks and replies with one ItemResult per task.
type Worker struct {
	id         int
	queue      ingest.TaskQueue
	normalizer Normalizer
	saver      Saver
	logger     *zap.Logger
}

// New constructs a Worker.
func New(id int, queue ingest.TaskQueue, normalizer Normalizer, saver Saver, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:         id,
		queue:      queue,
		normalizer: normalizer,
		saver:      saver,
		logger:     logger.With(zap.Int("worker", id)),
	}
}

// Run blocks, consuming queued tasks until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ingest.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued task",
			zap.Int("index", task.Index),
			zap.String("kind", string(task.Kind)),
		)
		var result ingest.ItemResult
		if abandoned(task) {
			w.logger.Debug("skipping abandoned task", zap.Int("index", task.Index))
			result = canceledItem(task)
		} else {
			taskCtx, cancel := withDone(ctx, task.Done)
			result = w.Process(taskCtx, task)
			cancel()
		}
		if task.Reply != nil {
			task.Reply <- ingest.TaskOutcome{Index: task.Index, Result: result}
		}
	}
}

// Process normalizes and stores a single task.
func (w *Worker) Process(ctx context.Context, task ingest.NormalizeTask) ingest.ItemResult {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	item := ingest.ItemResult{}
	var (
		res normalize.Result
		err error
	)
	switch task.Kind {
	case ingest.TaskURL:
		item.OriginalURL = task.Source
		res, err = w.normalizer.Normalize(ctx, task.Source)
	case ingest.TaskBytes:
		item.OriginalName = task.Name
		res, err = w.normalizer.NormalizeBytes(ctx, task.Data, task.Name)
	default:
		err = fmt.Errorf("unknown task kind %q", task.Kind)
	}
	if err != nil {
		w.logger.Error("normalize failed", zap.Int("index", task.Index), zap.Error(err))
		item.Message = MsgProcessFailed
		return item
	}

	if ctx.Err() != nil {
		w.logger.Debug("task canceled before save", zap.Int("index", task.Index))
		item.Message = MsgCanceled
		return item
	}

	source := task.Source
	if source == "" {
		source = task.Name
	}
	image, err := w.saver.Save(ctx, res.Raster.Data, res.Raster.ContentType, source)
	if err != nil {
		w.logger.Error("save failed", zap.Int("index", task.Index), zap.Error(err))
		item.Message = MsgSaveFailed
		return item
	}

	item.ProcessedURL = image.URL
	item.APIURL = image.APIURL
	item.Success = true
	item.Placeholder = res.Placeholder
	item.Width = res.Source.Width
	item.Height = res.Source.Height
	item.SizeClass = res.Source.SizeClass
	if res.Placeholder {
		item.Message = MsgPlaceholder
	}
	return item
}

func abandoned(task ingest.NormalizeTask) bool {
	select {
	case <-task.Done:
		return true
	default:
		return false
	}
}

// withDone derives a context that also ends when done closes. A nil done
// never closes.
func withDone(parent context.Context, done <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	if done == nil {
		return ctx, cancel
	}
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func canceledItem(task ingest.NormalizeTask) ingest.ItemResult {
	item := ingest.ItemResult{Message: MsgCanceled}
	if task.Kind == ingest.TaskBytes {
		item.OriginalName = task.Name
	} else {
		item.OriginalURL = task.Source
	}
	return item
}
