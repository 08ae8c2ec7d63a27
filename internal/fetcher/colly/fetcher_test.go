package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/kr0osti/image-processor/internal/ingest"
)

func TestFetcherCollectorFor(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "coverage-agent", RespectRobots: true, Timeout: time.Second})
	capture := &pageCapture{request: ingest.PageRequest{URL: "https://example.com"}}

	collector := f.collectorFor(capture)
	if collector.UserAgent != "coverage-agent" {
		t.Fatalf("expected user agent override, got %q", collector.UserAgent)
	}
	if collector.IgnoreRobotsTxt {
		t.Fatal("expected robots txt to be honoured")
	}
	if collector.MaxBodySize != DefaultMaxBodyBytes {
		t.Fatalf("expected default body cap, got %d", collector.MaxBodySize)
	}
	if f.robots == nil {
		t.Fatal("expected a robots lookup when robots are respected")
	}

	if plain := New(Config{}); plain.robots != nil || !plain.collectorFor(&pageCapture{}).IgnoreRobotsTxt {
		t.Fatal("expected robots.txt to be ignored by default")
	}
}

func TestPageCaptureHooks(t *testing.T) {
	t.Parallel()

	capture := &pageCapture{request: ingest.PageRequest{
		URL:     "https://example.com",
		Headers: http.Header{"Referer": {"https://example.com"}},
	}}
	hooks := &stubHooks{}
	capture.register(hooks)
	if hooks.onRequest == nil || hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	collyReq := &colly.Request{Headers: &http.Header{"Referer": {"stale"}}}
	hooks.onRequest(collyReq)
	if got := collyReq.Headers.Values("Referer"); len(got) != 1 || got[0] != "https://example.com" {
		t.Fatalf("expected header replaced, got %+v", got)
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("<html></html>"),
		Headers:    &http.Header{"Content-Type": {"text/html"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/gallery")},
	})
	if capture.resp.StatusCode != http.StatusOK || string(capture.resp.Body) != "<html></html>" {
		t.Fatalf("unexpected result: %+v", capture.resp)
	}
	if capture.resp.URL != "https://example.com/gallery" || capture.resp.UsedHeadless {
		t.Fatalf("unexpected page metadata: %+v", capture.resp)
	}

	hooks.onError(&colly.Response{
		StatusCode: http.StatusNotFound,
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com/missing")},
	}, errors.New("Not Found"))
	if capture.err == nil || capture.resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected error status recorded, got %v / %d", capture.err, capture.resp.StatusCode)
	}
}

func TestIsDocument(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"":                         true,
		"text/html; charset=utf-8": true,
		"application/xhtml+xml":    true,
		"text/plain":               true,
		"image/jpeg":               false,
		"application/octet-stream": false,
		"application/pdf":          false,
		"not a media type; ;":      false,
	}
	for ct, want := range cases {
		if got := isDocument(ct); got != want {
			t.Errorf("isDocument(%q) = %v, want %v", ct, got, want)
		}
	}
}

func TestFetchPageRejectsImages(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
	}))
	t.Cleanup(srv.Close)

	resp, err := New(Config{}).FetchPage(context.Background(), ingest.PageRequest{URL: srv.URL + "/photo.png"})
	if !errors.Is(err, ErrNotHTML) {
		t.Fatalf("expected ErrNotHTML, got %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected the response to be kept, got %d", resp.StatusCode)
	}
}

func TestFetchPageAgainstServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Accept-Language") != "en-US" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><img src="/a.jpg"></body></html>`))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: 5 * time.Second})
	headers := http.Header{"Accept-Language": {"en-US"}}

	for i := 0; i < 2; i++ {
		resp, err := f.FetchPage(context.Background(), ingest.PageRequest{URL: srv.URL + "/gallery", Headers: headers})
		if err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
		if resp.StatusCode != http.StatusOK || len(resp.Body) == 0 {
			t.Fatalf("unexpected response: %+v", resp)
		}
	}

	resp, err := f.FetchPage(context.Background(), ingest.PageRequest{URL: srv.URL + "/missing", Headers: headers})
	if err == nil {
		t.Fatal("expected error for 404 page")
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 status on error, got %d", resp.StatusCode)
	}
}

func TestFetchPageReportsRobotsStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			_, _ = w.Write([]byte("User-agent: *\nDisallow: /private"))
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<img src="/a.jpg">`))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{RespectRobots: true, Timeout: 5 * time.Second})

	resp, err := f.FetchPage(context.Background(), ingest.PageRequest{URL: srv.URL + "/gallery"})
	if err != nil {
		t.Fatalf("fetch allowed page: %v", err)
	}
	if resp.RobotsStatus != ingest.RobotsStatusChecked {
		t.Fatalf("expected checked robots status, got %q", resp.RobotsStatus)
	}

	resp, err = f.FetchPage(context.Background(), ingest.PageRequest{URL: srv.URL + "/private/list"})
	if !errors.Is(err, colly.ErrRobotsTxtBlocked) {
		t.Fatalf("expected robots block, got %v", err)
	}
	if resp.RobotsStatus != ingest.RobotsStatusDisallowed {
		t.Fatalf("expected disallowed robots status, got %q", resp.RobotsStatus)
	}
}

func TestFetchPageHonoursContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		<-release
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := New(Config{}).FetchPage(ctx, ingest.PageRequest{URL: srv.URL}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestOnRequestWithoutHeaders(t *testing.T) {
	t.Parallel()

	collyReq := &colly.Request{Headers: &http.Header{}}
	(&pageCapture{}).onRequest(collyReq)
	if len(*collyReq.Headers) != 0 {
		t.Fatalf("expected no headers to be copied, got %+v", *collyReq.Headers)
	}
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
