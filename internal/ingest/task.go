package ingest

import (
	"context"
	"errors"
)

// ErrQueueClosed is returned by a TaskQueue after shutdown.
var ErrQueueClosed = errors.New("queue closed")

// TaskKind distinguishes remote sources from uploaded bytes.
type TaskKind string

// Task kinds.
const (
	TaskURL   TaskKind = "url"
	TaskBytes TaskKind = "bytes"
)

// NormalizeTask is one image queued for normalization and storage.
type NormalizeTask struct {
	Index  int
	Kind   TaskKind
	Source string
	Name   string
	Data   []byte
	Reply  chan<- TaskOutcome
	// Done closes when the submitter stops waiting. Workers skip the task,
	// or abandon it before storage, once it is closed.
	Done <-chan struct{}
}

// TaskOutcome carries a finished task back to its submitter.
type TaskOutcome struct {
	Index  int
	Result ItemResult
}

// TaskQueue is the hand-off between request handlers and the worker pool.
type TaskQueue interface {
	Enqueue(ctx context.Context, task NormalizeTask) error
	Dequeue(ctx context.Context) (NormalizeTask, error)
}
