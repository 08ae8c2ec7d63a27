package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kr0osti/image-processor/internal/metrics"
)

// UnknownClient is the shared bucket for requests without a forwarded address.
const UnknownClient = "unknown"

// KeyFunc derives the client identity for a request.
type KeyFunc func(r *http.Request) string

// ClientKey returns the first X-Forwarded-For entry, or UnknownClient.
func ClientKey(r *http.Request) string {
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded == "" {
		return UnknownClient
	}
	first, _, _ := strings.Cut(forwarded, ",")
	if first = strings.TrimSpace(first); first == "" {
		return UnknownClient
	}
	return first
}

type rejection struct {
	Error      string `json:"error"`
	RetryAfter int64  `json:"retryAfter"`
	ResetAt    string `json:"resetAt"`
}

// Middleware rejects requests over the limiter's budget with 429.
func Middleware(l *Limiter, keyFunc KeyFunc) func(http.Handler) http.Handler {
	if keyFunc == nil {
		keyFunc = ClientKey
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Check(r.Context(), keyFunc(r))
			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
			if d.Allowed {
				h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
				next.ServeHTTP(w, r)
				return
			}

			metrics.ObserveRateLimitRejection(l.Name())
			WriteRejection(w, l.Message(), d)
		})
	}
}

// WriteRejection writes the 429 response for a rejected decision.
func WriteRejection(w http.ResponseWriter, message string, d Decision) {
	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Retry-After", strconv.FormatInt(d.RetryAfter, 10))
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", "0")
	h.Set("X-RateLimit-Reset", strconv.FormatInt(resetEpochSeconds(d.ResetAt), 10))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(rejection{
		Error:      message,
		RetryAfter: d.RetryAfter,
		ResetAt:    d.ResetAt.UTC().Format(time.RFC3339),
	})
}

func resetEpochSeconds(t time.Time) int64 {
	ms := t.UnixMilli()
	return (ms + 999) / 1000
}

// Skip wraps mw so that requests matching skip bypass it.
func Skip(mw func(http.Handler) http.Handler, skip func(r *http.Request) bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		limited := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip(r) {
				next.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}
