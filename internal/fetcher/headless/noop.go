package headless

import (
	"context"
	"errors"

	"github.com/kr0osti/image-processor/internal/ingest"
)

// ErrDisabled is returned by Noop.
var ErrDisabled = errors.New("headless rendering disabled")

// Noop stands in for the browser when headless rendering is turned off.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// FetchPage always fails with ErrDisabled.
func (Noop) FetchPage(context.Context, ingest.PageRequest) (ingest.PageResponse, error) {
	return ingest.PageResponse{}, ErrDisabled
}
