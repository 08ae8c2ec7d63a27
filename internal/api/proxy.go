package api

import (
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/kr0osti/image-processor/internal/fetcher/proxy"
)

// Client-facing messages for GET /api/proxy.
const (
	MsgURLRequired  = "URL parameter is required"
	MsgProxyFailed  = "Failed to proxy image"
	MsgNotSupported = "Proxying is not configured"
)

func (s *Server) proxyImage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	target := strings.TrimSpace(r.URL.Query().Get("url"))
	if target == "" {
		writeError(w, http.StatusBadRequest, MsgURLRequired)
		return
	}
	if s.deps.Fetcher == nil {
		writeError(w, http.StatusInternalServerError, MsgNotSupported)
		return
	}

	fetched, err := s.deps.Fetcher.Fetch(r.Context(), target)
	if err != nil {
		s.writeAppError(w, r, err, MsgProxyFailed)
		return
	}

	contentType := fetched.ContentType
	if contentType == "" {
		contentType = proxy.DefaultContentType
	}
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", CacheControl)
	h.Set("Content-Length", strconv.Itoa(len(fetched.Body)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(fetched.Body); err != nil {
		s.logger.Debug("write proxied image failed", zap.String("url", target), zap.Error(err))
	}
}
