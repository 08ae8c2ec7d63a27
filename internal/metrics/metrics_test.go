package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := normalizeTotal
	Init()

	if normalizeTotal == nil || normalizeTotal != first {
		t.Fatal("Init() must build collectors exactly once")
	}
}

func TestObserveNormalize(t *testing.T) {
	Init()
	before := testutil.ToFloat64(normalizeTotal.WithLabelValues("placeholder"))

	ObserveNormalize("placeholder", 40*time.Millisecond)

	if got := testutil.ToFloat64(normalizeTotal.WithLabelValues("placeholder")); got != before+1 {
		t.Errorf("expected placeholder count %f, got %f", before+1, got)
	}
}

func TestObserveSweepAndProxy(t *testing.T) {
	Init()
	deletedBefore := testutil.ToFloat64(sweepFilesTotal.WithLabelValues("deleted"))
	bytesBefore := testutil.ToFloat64(proxyBytesTotal.WithLabelValues("cdn.example.com"))

	ObserveSweep(3, 0)
	ObserveProxy("https://CDN.example.com/a.jpg", "200", 512)
	ObserveProxy("https://cdn.example.com/b.jpg", "404", 0)

	if got := testutil.ToFloat64(sweepFilesTotal.WithLabelValues("deleted")); got != deletedBefore+3 {
		t.Errorf("expected %f deleted files, got %f", deletedBefore+3, got)
	}
	if got := testutil.ToFloat64(proxyBytesTotal.WithLabelValues("cdn.example.com")); got != bytesBefore+512 {
		t.Errorf("expected %f proxied bytes, got %f", bytesBefore+512, got)
	}
}

func TestActiveWorkersGauge(t *testing.T) {
	Init()
	before := testutil.ToFloat64(activeWorkers)
	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	if got := testutil.ToFloat64(activeWorkers); got != before+1 {
		t.Errorf("expected gauge %f, got %f", before+1, got)
	}
	DecActiveWorkers()
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
