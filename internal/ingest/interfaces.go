package ingest

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by blob stores when a named file does not exist.
var ErrNotFound = errors.New("stored file not found")

// ErrInvalidName is returned when a file name would escape the upload directory.
var ErrInvalidName = errors.New("invalid file name")

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// NameGenerator produces random stored-file names.
type NameGenerator interface {
	NewName(ext string) (string, error)
}

// Hasher computes content checksums.
type Hasher interface {
	Hash(data []byte) (string, error)
	HashReader(r io.Reader) (string, error)
}

// BlobStore persists files in a flat namespace keyed by name.
type BlobStore interface {
	Put(ctx context.Context, name string, contentType string, data io.Reader) (StoredFile, error)
	Open(ctx context.Context, name string) (io.ReadSeekCloser, StoredFile, error)
	Stat(ctx context.Context, name string) (StoredFile, error)
	Delete(ctx context.Context, name string) error
}

// Mirror copies saved files to a secondary object store and returns its URI.
type Mirror interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes storage events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Ledger records the lifecycle of stored files.
type Ledger interface {
	RecordStored(ctx context.Context, image StoredImage, source string, at time.Time) error
	RecordEvicted(ctx context.Context, name string, at time.Time) error
}

// ImageLoader fetches remote image bytes.
type ImageLoader interface {
	Fetch(ctx context.Context, rawURL string) (Fetched, error)
}

// PageFetcher retrieves HTML pages for scraping.
type PageFetcher interface {
	FetchPage(ctx context.Context, request PageRequest) (PageResponse, error)
}

// HeadlessDetector decides whether a page needs a rendering browser.
type HeadlessDetector interface {
	ShouldPromote(page PageResponse) bool
}
