// Package collyfetcher retrieves HTML pages for image scraping using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/kr0osti/image-processor/internal/ingest"
)

// DefaultTimeout bounds a page request when Config.Timeout is zero.
const DefaultTimeout = 20 * time.Second

// DefaultMaxBodyBytes caps a page body when Config.MaxBodyBytes is zero.
const DefaultMaxBodyBytes = 10 << 20

// ErrNotHTML reports a page URL that answered with a non-document payload.
var ErrNotHTML = errors.New("response is not an HTML document")

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	MaxBodyBytes  int
}

// Fetcher implements ingest.PageFetcher using the Colly collector.
type Fetcher struct {
	cfg    Config
	robots *robotsLookup
	base   *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.MaxBodySize = cfg.MaxBodyBytes
	c.IgnoreRobotsTxt = !cfg.RespectRobots

	f := &Fetcher{cfg: cfg, base: c}
	if cfg.RespectRobots {
		f.robots = newRobotsLookup(newHTTPTransport())
		c.WithTransport(f.robots)
	} else {
		c.WithTransport(newHTTPTransport())
	}
	return f
}

// FetchPage executes a single HTTP GET. When the server answers with an error
// status the returned response still carries that status.
func (f *Fetcher) FetchPage(ctx context.Context, request ingest.PageRequest) (ingest.PageResponse, error) {
	capture := &pageCapture{request: request, start: time.Now()}
	collector := f.collectorFor(capture)

	err := visit(ctx, collector, request.URL, capture)
	if f.robots != nil {
		if u, perr := url.Parse(request.URL); perr == nil {
			capture.resp.RobotsStatus = f.robots.Status(u.Host)
		}
	}
	if errors.Is(err, colly.ErrRobotsTxtBlocked) {
		capture.resp.RobotsStatus = ingest.RobotsStatusDisallowed
	}
	if err != nil {
		return capture.resp, err
	}
	if !isDocument(capture.resp.Headers.Get("Content-Type")) {
		return capture.resp, fmt.Errorf("fetch %s: %w", request.URL, ErrNotHTML)
	}
	return capture.resp, nil
}

// collectorFor clones the base collector for one request. Clones share the
// base transport and its robots.txt cache.
func (f *Fetcher) collectorFor(capture *pageCapture) *colly.Collector {
	collector := f.base.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	capture.register(collector)
	return collector
}

// pageCapture accumulates the outcome of one collector visit.
type pageCapture struct {
	request ingest.PageRequest
	start   time.Time
	resp    ingest.PageResponse
	err     error
}

func (p *pageCapture) register(hooks collectorHooks) {
	hooks.OnRequest(p.onRequest)
	hooks.OnResponse(p.onResponse)
	hooks.OnError(p.onError)
}

func (p *pageCapture) onRequest(r *colly.Request) {
	for key, values := range p.request.Headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func (p *pageCapture) onResponse(r *colly.Response) {
	p.resp = ingest.PageResponse{
		URL:        r.Request.URL.String(),
		StatusCode: r.StatusCode,
		Headers:    r.Headers.Clone(),
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(p.start),
	}
}

func (p *pageCapture) onError(r *colly.Response, err error) {
	if r != nil {
		p.resp.StatusCode = r.StatusCode
		p.resp.Duration = time.Since(p.start)
		if r.Request != nil && r.Request.URL != nil {
			p.resp.URL = r.Request.URL.String()
		}
	}
	p.err = err
}

func visit(ctx context.Context, collector *colly.Collector, target string, capture *pageCapture) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if capture.err != nil {
			return fmt.Errorf("colly response failed: %w", capture.err)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

// isDocument accepts HTML, XHTML and untyped bodies.
func isDocument(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.HasPrefix(mediaType, "text/") || strings.Contains(mediaType, "html") || strings.HasSuffix(mediaType, "+xml")
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
