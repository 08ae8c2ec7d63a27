package api

import (
	"crypto/subtle"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kr0osti/image-processor/internal/storage"
)

// Client-facing messages for file and maintenance endpoints.
const (
	MsgNoFilename    = "No filename provided"
	MsgFileNotFound  = "File not found"
	MsgServeFailed   = "Failed to serve image"
	MsgUnauthorized  = "Unauthorized"
	MsgInvalidMaxAge = "maxAge must be a positive number of minutes"
	MsgCleanupFailed = "Failed to run cleanup"
)

// CacheControl is sent with every stored or proxied image.
const CacheControl = "public, max-age=86400"

// isoMillis matches the millisecond ISO-8601 timestamps clients expect.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

func (s *Server) serveImage(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("file")
	if name == "" {
		writeError(w, http.StatusBadRequest, MsgNoFilename)
		return
	}
	s.serveStored(w, r, name)
}

func (s *Server) serveUpload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "*")
	if name == "" || strings.HasSuffix(name, "/") {
		writeError(w, http.StatusNotFound, MsgFileNotFound)
		return
	}
	s.serveStored(w, r, name)
}

func (s *Server) serveStored(w http.ResponseWriter, r *http.Request, name string) {
	rc, file, err := s.deps.Store.Open(r.Context(), name)
	if err != nil {
		if storage.IsNotFound(err) {
			writeError(w, http.StatusNotFound, MsgFileNotFound)
			return
		}
		s.logger.Error("open stored file failed", zap.String("file", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, MsgServeFailed)
		return
	}
	defer func() { _ = rc.Close() }()

	h := w.Header()
	h.Set("Content-Type", file.ContentType)
	h.Set("Cache-Control", CacheControl)
	etag, err := s.etag(rc)
	if err != nil {
		s.logger.Error("read stored file failed", zap.String("file", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, MsgServeFailed)
		return
	}
	if etag != "" {
		h.Set("ETag", etag)
	}
	http.ServeContent(w, r, file.Name, file.ModTime, rc)
}

// etag hashes the content and rewinds rc. An empty tag means no hasher is configured.
func (s *Server) etag(rc io.ReadSeeker) (string, error) {
	if s.deps.Hasher == nil {
		return "", nil
	}
	sum, err := s.deps.Hasher.HashReader(rc)
	if err != nil {
		return "", fmt.Errorf("hash content: %w", err)
	}
	if _, err := rc.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind content: %w", err)
	}
	return `"` + sum + `"`, nil
}

type cleanupResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Deleted int    `json:"deleted"`
	Errors  int    `json:"errors"`
}

func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	expected := s.cfg.Cleanup.APIKey
	if key == "" || expected == "" || subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
		writeError(w, http.StatusUnauthorized, MsgUnauthorized)
		return
	}

	maxAge := s.cfg.DefaultMaxAge()
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	minutes, provided, err := queryInt(r, "maxAge")
	if provided {
		if err != nil || minutes <= 0 {
			writeError(w, http.StatusBadRequest, MsgInvalidMaxAge)
			return
		}
		maxAge = time.Duration(minutes) * time.Minute
	}

	if s.deps.Sweeper == nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"message": MsgCleanupFailed,
			"error":   "sweeper is not configured",
		})
		return
	}
	result := s.deps.Sweeper.Sweep(r.Context(), maxAge)
	writeJSON(w, http.StatusOK, cleanupResponse{
		Success: true,
		Message: fmt.Sprintf("Cleanup complete. Deleted %d files, encountered %d errors.", result.Deleted, result.Errors),
		Deleted: result.Deleted,
		Errors:  result.Errors,
	})
}

func (s *Server) healthcheck(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	if s.deps.Clock != nil {
		now = s.deps.Clock.Now()
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": now.UTC().Format(isoMillis),
	})
}
