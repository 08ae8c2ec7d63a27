package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestClientKey(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"absent", "", UnknownClient},
		{"single", "203.0.113.9", "203.0.113.9"},
		{"chain", " 198.51.100.7 , 10.0.0.1", "198.51.100.7"},
		{"blank first", " , 10.0.0.1", UnknownClient},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				r.Header.Set("X-Forwarded-For", tc.header)
			}
			assert.Equal(t, tc.want, ClientKey(r))
		})
	}
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	clock := newFakeClock()
	msg := "Too many image upload requests. Please try again later."
	l := New(Config{Name: "images", Limit: 2, Window: time.Minute, Message: msg}, NewMemoryStore(), clock, nil)
	h := Middleware(l, nil)(okHandler())

	do := func() *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodPost, "/api/images", nil)
		r.Header.Set("X-Forwarded-For", "203.0.113.9")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}

	first := do()
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "2", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", first.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, http.StatusOK, do().Code)

	rejected := do()
	require.Equal(t, http.StatusTooManyRequests, rejected.Code)
	assert.Equal(t, "60", rejected.Header().Get("Retry-After"))
	assert.Equal(t, "2", rejected.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rejected.Header().Get("X-RateLimit-Remaining"))
	wantReset := strconv.FormatInt(clock.Now().Add(time.Minute).Unix(), 10)
	assert.Equal(t, wantReset, rejected.Header().Get("X-RateLimit-Reset"))

	var body rejection
	require.NoError(t, json.Unmarshal(rejected.Body.Bytes(), &body))
	assert.Equal(t, msg, body.Error)
	assert.Equal(t, int64(60), body.RetryAfter)
	assert.Equal(t, "2024-05-01T12:01:00Z", body.ResetAt)
}

func TestSkipBypassesLimiter(t *testing.T) {
	l := New(Config{Name: "global", Limit: 1, Window: time.Minute}, NewMemoryStore(), newFakeClock(), nil)
	mw := Skip(Middleware(l, nil), func(r *http.Request) bool { return r.URL.Path == "/api/healthcheck" })
	h := mw(okHandler())

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/healthcheck", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/proxy", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/proxy", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}
