// Package memory stores blob content in-memory for development and tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kr0osti/image-processor/internal/clock/system"
	"github.com/kr0osti/image-processor/internal/ingest"
)

type object struct {
	data        []byte
	contentType string
	modTime     time.Time
}

// BlobStore keeps files in a map. It satisfies both ingest.BlobStore and ingest.Mirror.
type BlobStore struct {
	mu    sync.RWMutex
	data  map[string]object
	clock ingest.Clock
}

// NewBlobStore creates a new in-memory blob store. A nil clock uses wall time.
func NewBlobStore(clock ingest.Clock) *BlobStore {
	if clock == nil {
		clock = system.New()
	}
	return &BlobStore{
		data:  make(map[string]object),
		clock: clock,
	}
}

// Put stores a copy of data under name.
func (s *BlobStore) Put(_ context.Context, name string, contentType string, data io.Reader) (ingest.StoredFile, error) {
	if err := validName(name); err != nil {
		return ingest.StoredFile{}, err
	}
	byteData, err := io.ReadAll(data)
	if err != nil {
		return ingest.StoredFile{}, fmt.Errorf("failed to read data from reader: %w", err)
	}
	if contentType == "" {
		contentType = ingest.ContentTypeFor(name)
	}
	obj := object{data: byteData, contentType: contentType, modTime: s.clock.Now()}

	s.mu.Lock()
	s.data[name] = obj
	s.mu.Unlock()
	return toStoredFile(name, obj), nil
}

// PutObject persists the content and returns a memory:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}
	s.mu.Lock()
	s.data[path] = object{data: byteData, contentType: contentType, modTime: s.clock.Now()}
	s.mu.Unlock()
	return fmt.Sprintf("memory://%s", path), nil
}

// Open returns a reader over a snapshot of the named object.
func (s *BlobStore) Open(_ context.Context, name string) (io.ReadSeekCloser, ingest.StoredFile, error) {
	obj, err := s.lookup(name)
	if err != nil {
		return nil, ingest.StoredFile{}, err
	}
	return nopCloser{bytes.NewReader(obj.data)}, toStoredFile(name, obj), nil
}

// Stat describes the named object.
func (s *BlobStore) Stat(_ context.Context, name string) (ingest.StoredFile, error) {
	obj, err := s.lookup(name)
	if err != nil {
		return ingest.StoredFile{}, err
	}
	return toStoredFile(name, obj), nil
}

// Delete removes the named object.
func (s *BlobStore) Delete(_ context.Context, name string) error {
	if err := validName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[name]; !ok {
		return fmt.Errorf("%s: %w", name, ingest.ErrNotFound)
	}
	delete(s.data, name)
	return nil
}

// Names lists stored keys in lexical order.
func (s *BlobStore) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.data))
	for name := range s.data {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *BlobStore) lookup(name string) (object, error) {
	if err := validName(name); err != nil {
		return object{}, err
	}
	s.mu.RLock()
	obj, ok := s.data[name]
	s.mu.RUnlock()
	if !ok {
		return object{}, fmt.Errorf("%s: %w", name, ingest.ErrNotFound)
	}
	return obj, nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("%q: %w", name, ingest.ErrInvalidName)
	}
	return nil
}

func toStoredFile(name string, obj object) ingest.StoredFile {
	return ingest.StoredFile{
		Name:        name,
		Path:        "memory://" + name,
		Size:        int64(len(obj.data)),
		ModTime:     obj.modTime,
		ContentType: obj.contentType,
	}
}

type nopCloser struct {
	*bytes.Reader
}

func (nopCloser) Close() error { return nil }
