package collyfetcher

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kr0osti/image-processor/internal/ingest"
)

func TestRobotsLookupAllowsAllAfterRepeatedTimeouts(t *testing.T) {
	t.Parallel()

	next := &scriptedTransport{errs: []error{context.DeadlineExceeded}}
	lookup := &robotsLookup{next: next, hosts: map[string]ingest.RobotsStatus{}}

	resp, err := lookup.RoundTrip(httptest.NewRequest(http.MethodGet, "https://Example.com/robots.txt", nil))
	if err != nil {
		t.Fatalf("RoundTrip returned error: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	_ = resp.Body.Close()

	if string(body) != robotsAllowAll {
		t.Fatalf("unexpected fallback body: %q", body)
	}
	if next.calls != robotsAttempts {
		t.Fatalf("expected %d attempts, got %d", robotsAttempts, next.calls)
	}
	if got := lookup.Status("example.com"); got != ingest.RobotsStatusIndeterminate {
		t.Fatalf("expected indeterminate status, got %q", got)
	}
}

func TestRobotsLookupRecoversAfterTimeout(t *testing.T) {
	t.Parallel()

	next := &scriptedTransport{errs: []error{context.DeadlineExceeded, nil}}
	lookup := &robotsLookup{next: next, hosts: map[string]ingest.RobotsStatus{}}

	resp, err := lookup.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil))
	if err != nil {
		t.Fatalf("RoundTrip returned error: %v", err)
	}
	_ = resp.Body.Close()

	if next.calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", next.calls)
	}
	if got := lookup.Status("example.com"); got != ingest.RobotsStatusChecked {
		t.Fatalf("expected checked status, got %q", got)
	}
}

func TestRobotsLookupReturnsHardErrors(t *testing.T) {
	t.Parallel()

	next := &scriptedTransport{errs: []error{errors.New("connection refused")}}
	lookup := newRobotsLookup(next)

	if _, err := lookup.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/robots.txt", nil)); err == nil {
		t.Fatal("expected a non-timeout error to be returned")
	}
	if next.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", next.calls)
	}
	if got := lookup.Status("example.com"); got != ingest.RobotsStatusUnknown {
		t.Fatalf("expected unknown status, got %q", got)
	}
}

func TestRobotsLookupPassesPagesThrough(t *testing.T) {
	t.Parallel()

	next := &scriptedTransport{errs: []error{nil}}
	lookup := newRobotsLookup(next)

	resp, err := lookup.RoundTrip(httptest.NewRequest(http.MethodGet, "https://example.com/gallery", nil))
	if err != nil {
		t.Fatalf("RoundTrip returned error: %v", err)
	}
	_ = resp.Body.Close()
	if next.calls != 1 {
		t.Fatalf("expected a single attempt, got %d", next.calls)
	}
	if got := lookup.Status("example.com"); got != ingest.RobotsStatusUnknown {
		t.Fatalf("page requests must not record a robots status, got %q", got)
	}
}

// scriptedTransport returns errs in order, repeating the last entry. A nil
// entry yields an empty 200 response.
type scriptedTransport struct {
	errs  []error
	calls int
}

func (s *scriptedTransport) RoundTrip(_ *http.Request) (*http.Response, error) {
	idx := s.calls
	if idx >= len(s.errs) {
		idx = len(s.errs) - 1
	}
	s.calls++
	if err := s.errs[idx]; err != nil {
		return nil, err
	}
	return httptest.NewRecorder().Result(), nil
}
