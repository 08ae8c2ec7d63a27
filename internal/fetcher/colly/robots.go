package collyfetcher

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/kr0osti/image-processor/internal/ingest"
	"github.com/kr0osti/image-processor/internal/metrics"
)

const (
	robotsPath     = "/robots.txt"
	robotsAllowAll = "User-agent: *\nAllow: /"

	robotsAttempts  = 4
	robotsRetryWait = 250 * time.Millisecond
)

// robotsLookup wraps the collector transport when robots.txt is honoured and
// records, per host, how the robots.txt request ended. A lookup that keeps
// timing out is answered with an allow-all document.
type robotsLookup struct {
	next http.RoundTripper
	wait time.Duration

	mu    sync.Mutex
	hosts map[string]ingest.RobotsStatus
}

func newRobotsLookup(next http.RoundTripper) *robotsLookup {
	return &robotsLookup{next: next, wait: robotsRetryWait, hosts: make(map[string]ingest.RobotsStatus)}
}

func (l *robotsLookup) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL == nil || !strings.EqualFold(req.URL.Path, robotsPath) {
		resp, err := l.next.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("page roundtrip: %w", err)
		}
		return resp, nil
	}

	for attempt := 1; ; attempt++ {
		resp, err := l.next.RoundTrip(req.Clone(req.Context()))
		switch {
		case err == nil:
			l.set(req.URL.Host, ingest.RobotsStatusChecked)
			return resp, nil
		case !isTimeout(err):
			return nil, fmt.Errorf("robots lookup: %w", err)
		case attempt == robotsAttempts:
			l.set(req.URL.Host, ingest.RobotsStatusIndeterminate)
			metrics.ObserveRobotsFallback()
			return allowAll(req), nil
		}

		select {
		case <-req.Context().Done():
			return nil, fmt.Errorf("robots lookup: %w", req.Context().Err())
		case <-time.After(l.wait * time.Duration(attempt)):
		}
	}
}

func (l *robotsLookup) set(host string, status ingest.RobotsStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hosts[strings.ToLower(host)] = status
}

// Status reports the last outcome recorded for host, or RobotsStatusUnknown
// when its robots.txt was never requested.
func (l *robotsLookup) Status(host string) ingest.RobotsStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hosts[strings.ToLower(host)]
}

func allowAll(req *http.Request) *http.Response {
	return &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(robotsAllowAll)),
		ContentLength: int64(len(robotsAllowAll)),
		Request:       req,
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "handshake timeout") || strings.Contains(err.Error(), "deadline exceeded")
}
