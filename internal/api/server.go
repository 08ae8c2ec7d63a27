package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kr0osti/image-processor/internal/apperr"
	"github.com/kr0osti/image-processor/internal/config"
	"github.com/kr0osti/image-processor/internal/ingest"
	"github.com/kr0osti/image-processor/internal/metrics"
	"github.com/kr0osti/image-processor/internal/policy/ratelimit"
	"github.com/kr0osti/image-processor/internal/scraper"
	"github.com/kr0osti/image-processor/internal/sweeper"
	"github.com/kr0osti/image-processor/internal/telemetry"
)

// ImageStore saves data URLs and opens stored files.
type ImageStore interface {
	SaveDataURL(ctx context.Context, dataURL string) (ingest.StoredImage, error)
	Open(ctx context.Context, name string) (io.ReadSeekCloser, ingest.StoredFile, error)
}

// Processor normalizes and stores a batch, returning results in order.
type Processor interface {
	Process(ctx context.Context, tasks []ingest.NormalizeTask) []ingest.ItemResult
}

// PageScraper lists the images on a page.
type PageScraper interface {
	Scrape(ctx context.Context, pageURL, baseOverride string) (scraper.Result, error)
}

// Sweeper evicts old uploads.
type Sweeper interface {
	Sweep(ctx context.Context, maxAge time.Duration) sweeper.Result
}

// Limiters holds the per-route rate limiters. A nil limiter disables that limit.
type Limiters struct {
	Global      *ratelimit.Limiter
	Images      *ratelimit.Limiter
	Cleanup     *ratelimit.Limiter
	Healthcheck *ratelimit.Limiter
	Scrape      *ratelimit.Limiter
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Store     ImageStore
	Processor Processor
	Fetcher   ingest.ImageLoader
	Scraper   PageScraper
	Sweeper   Sweeper
	Hasher    ingest.Hasher
	Clock     ingest.Clock
	Limiters  Limiters
}

// Server wires HTTP handlers to the image pipeline.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger.Named("api"),
	}
	keyFunc := clientKeyFunc(cfg.Server.TrustedProxyHeader)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(telemetry.Middleware(nil, nil))
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: originsOrDefault(cfg.Server.CORSAllowedOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{
			"Retry-After",
			"X-Request-ID",
			"X-RateLimit-Limit",
			"X-RateLimit-Remaining",
			"X-RateLimit-Reset",
		},
		MaxAge: 300,
	}))
	if timeout := cfg.RequestTimeout(); timeout > 0 {
		r.Use(timeoutMiddleware(timeout))
	}

	r.Get("/metrics", metrics.Handler().ServeHTTP)
	r.Get("/uploads/*", s.serveUpload)

	r.Route("/api", func(r chi.Router) {
		r.Use(ratelimit.Skip(limit(deps.Limiters.Global, keyFunc), isHealthcheck))

		r.With(limit(deps.Limiters.Images, keyFunc)).Post("/images", s.handleImages)
		r.Get("/serve-image", s.serveImage)
		r.Get("/proxy", s.proxyImage)
		r.With(limit(deps.Limiters.Scrape, keyFunc)).Get("/scrape", s.scrape)
		r.With(limit(deps.Limiters.Cleanup, keyFunc)).Get("/cleanup", s.cleanup)
		r.With(limit(deps.Limiters.Healthcheck, keyFunc)).Get("/healthcheck", s.healthcheck)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func limit(l *ratelimit.Limiter, keyFunc ratelimit.KeyFunc) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return ratelimit.Middleware(l, keyFunc)
}

func isHealthcheck(r *http.Request) bool {
	return strings.TrimSuffix(r.URL.Path, "/") == "/api/healthcheck"
}

func clientKeyFunc(header string) ratelimit.KeyFunc {
	if header == "" || strings.EqualFold(header, "X-Forwarded-For") {
		return ratelimit.ClientKey
	}
	return func(r *http.Request) string {
		if v := strings.TrimSpace(r.Header.Get(header)); v != "" {
			return v
		}
		return ratelimit.ClientKey(r)
	}
}

func originsOrDefault(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the request ID stored by the middleware, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("bytes", ww.bytes),
				zap.String("request_id", RequestID(r.Context())),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.Error("panic recovered",
						zap.Any("error", rec),
						zap.String("path", r.URL.Path),
						zap.Stack("stack"),
					)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.status = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps err to its status. Non-app errors become fallback with a 500.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	if appErr, ok := apperr.As(err); ok {
		if appErr.Status >= http.StatusInternalServerError {
			s.logger.Error(appErr.Message, zap.String("path", r.URL.Path), zap.Error(err))
		}
		writeError(w, appErr.Status, appErr.Message)
		return
	}
	s.logger.Error(fallback, zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, http.StatusInternalServerError, fallback)
}

func queryInt(r *http.Request, key string) (int, bool, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0, false, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, true, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, true, nil
}
