// Package local keeps uploaded files in a flat directory on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/kr0osti/image-processor/internal/ingest"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// Dir is the upload directory. It is created when missing.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// BlobStore writes uploads to the local filesystem.
type BlobStore struct {
	dir string
}

// New creates a new local filesystem-backed blob store and verifies the directory is writable.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("upload directory is required")
	}

	info, err := os.Stat(cfg.Dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.Dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create upload directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat upload directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("upload path %q is not a directory", cfg.Dir)
	}

	probe, err := os.CreateTemp(cfg.Dir, ".writable-*")
	if err != nil {
		return nil, fmt.Errorf("upload directory is not writable: %w", err)
	}
	probeName := probe.Name()
	if err := probe.Close(); err != nil {
		return nil, fmt.Errorf("close write probe: %w", err)
	}
	if err := os.Remove(probeName); err != nil {
		return nil, fmt.Errorf("remove write probe: %w", err)
	}

	return &BlobStore{dir: cfg.Dir}, nil
}

// Dir returns the upload directory.
func (s *BlobStore) Dir() string {
	return s.dir
}

// Put writes data under name. The file appears only once fully written, and
// never when ctx ends before that point.
func (s *BlobStore) Put(ctx context.Context, name string, contentType string, data io.Reader) (ingest.StoredFile, error) {
	fullPath, err := s.resolve(name)
	if err != nil {
		return ingest.StoredFile{}, err
	}

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return ingest.StoredFile{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	if _, err := io.Copy(tmp, data); err != nil {
		cleanup()
		return ingest.StoredFile{}, fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return ingest.StoredFile{}, fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return ingest.StoredFile{}, fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return ingest.StoredFile{}, fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := ctx.Err(); err != nil {
		_ = os.Remove(tmpName)
		return ingest.StoredFile{}, fmt.Errorf("store %s: %w", name, err)
	}
	if err := os.Rename(tmpName, fullPath); err != nil {
		_ = os.Remove(tmpName)
		return ingest.StoredFile{}, fmt.Errorf("rename %s: %w", name, err)
	}

	file, err := s.stat(name, fullPath)
	if err != nil {
		return ingest.StoredFile{}, err
	}
	if contentType != "" {
		file.ContentType = contentType
	}
	return file, nil
}

// Open returns a reader over the named file.
func (s *BlobStore) Open(_ context.Context, name string) (io.ReadSeekCloser, ingest.StoredFile, error) {
	fullPath, err := s.resolve(name)
	if err != nil {
		return nil, ingest.StoredFile{}, err
	}
	f, err := os.Open(fullPath) //nolint:gosec // path is confined to the upload directory by resolve.
	if err != nil {
		return nil, ingest.StoredFile{}, notFoundOr(name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, ingest.StoredFile{}, fmt.Errorf("stat %s: %w", name, err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, ingest.StoredFile{}, fmt.Errorf("%s: %w", name, ingest.ErrNotFound)
	}
	return f, toStoredFile(name, fullPath, info), nil
}

// Stat describes the named file.
func (s *BlobStore) Stat(_ context.Context, name string) (ingest.StoredFile, error) {
	fullPath, err := s.resolve(name)
	if err != nil {
		return ingest.StoredFile{}, err
	}
	return s.stat(name, fullPath)
}

// Delete removes the named file.
func (s *BlobStore) Delete(_ context.Context, name string) error {
	fullPath, err := s.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil {
		return notFoundOr(name, err)
	}
	return nil
}

func (s *BlobStore) stat(name, fullPath string) (ingest.StoredFile, error) {
	info, err := os.Stat(fullPath)
	if err != nil {
		return ingest.StoredFile{}, notFoundOr(name, err)
	}
	return toStoredFile(name, fullPath, info), nil
}

// resolve maps a bare file name into the upload directory, rejecting
// anything that could address a path outside it.
func (s *BlobStore) resolve(name string) (string, error) {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%q: %w", name, ingest.ErrInvalidName)
	}
	fullPath := filepath.Join(s.dir, name)
	if filepath.Dir(fullPath) != filepath.Clean(s.dir) {
		return "", fmt.Errorf("%q: %w", name, ingest.ErrInvalidName)
	}
	return fullPath, nil
}

func toStoredFile(name, fullPath string, info fs.FileInfo) ingest.StoredFile {
	return ingest.StoredFile{
		Name:        name,
		Path:        fullPath,
		Size:        info.Size(),
		ModTime:     info.ModTime(),
		ContentType: ingest.ContentTypeFor(name),
	}
}

func notFoundOr(name string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", name, ingest.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", name, err)
}
