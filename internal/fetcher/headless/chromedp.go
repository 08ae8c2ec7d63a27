// Package headless renders script-driven pages in headless Chrome so lazily
// injected images reach the DOM before extraction.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/kr0osti/image-processor/internal/ingest"
)

// DefaultNavigationTimeout bounds one render when Config.NavigationTimeout is zero.
const DefaultNavigationTimeout = 30 * time.Second

// settleDelay gives lazy loaders time to swap placeholders for real sources
// after the page has been scrolled.
const settleDelay = 750 * time.Millisecond

// scrollScript walks the page to the bottom so intersection-observer based
// lazy loading fires for every image.
const scrollScript = `(async () => {
  const step = Math.max(window.innerHeight, 400);
  for (let y = 0; y < document.body.scrollHeight; y += step) {
    window.scrollTo(0, y);
    await new Promise(r => setTimeout(r, 50));
  }
  window.scrollTo(0, 0);
  return true;
})()`

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Fetcher implements ingest.PageFetcher using chromedp and headless Chrome.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = DefaultNavigationTimeout
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// FetchPage renders the page, scrolls it to trigger lazy images and returns the resulting DOM.
func (f *Fetcher) FetchPage(ctx context.Context, request ingest.PageRequest) (ingest.PageResponse, error) {
	if err := f.acquire(ctx); err != nil {
		return ingest.PageResponse{}, err
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.navTimeout())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	log := newRenderLog()
	chromedp.ListenTarget(taskCtx, log.observe)

	start := time.Now()
	html, finalURL, err := f.render(taskCtx, request)
	if err != nil {
		return ingest.PageResponse{}, err
	}

	doc := log.document(request.URL, finalURL)
	return ingest.PageResponse{
		URL:            doc.url,
		StatusCode:     doc.status,
		Headers:        doc.headers,
		Body:           []byte(html),
		Duration:       time.Since(start),
		UsedHeadless:   true,
		ObservedImages: log.images(),
	}, nil
}

func (f *Fetcher) render(ctx context.Context, request ingest.PageRequest) (string, string, error) {
	var (
		html     string
		finalURL string
		scrolled bool
	)
	actions := []chromedp.Action{
		f.networkSetupAction(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Evaluate(scrollScript, &scrolled, awaitPromise),
		chromedp.Sleep(settleDelay),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

// renderLog records the main document response and every image the page
// loaded successfully while rendering.
type renderLog struct {
	mu        sync.Mutex
	doc       documentMeta
	seen      map[string]struct{}
	imageURLs []string
}

type documentMeta struct {
	status  int
	headers http.Header
	url     string
}

func newRenderLog() *renderLog {
	return &renderLog{seen: make(map[string]struct{})}
}

func (l *renderLog) observe(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		l.record(resp)
	}
}

func (l *renderLog) record(event *network.EventResponseReceived) {
	if event.Response == nil {
		return
	}
	switch event.Type {
	case network.ResourceTypeDocument:
		meta := documentMeta{
			status:  int(event.Response.Status),
			headers: headerFromNetwork(event.Response.Headers),
			url:     event.Response.URL,
		}
		l.mu.Lock()
		if l.doc.url == "" {
			l.doc = meta
		}
		l.mu.Unlock()
	case network.ResourceTypeImage:
		u := event.Response.URL
		if event.Response.Status >= http.StatusBadRequest || !isRemoteImage(u, event.Response.MimeType) {
			return
		}
		l.mu.Lock()
		if _, dup := l.seen[u]; !dup {
			l.seen[u] = struct{}{}
			l.imageURLs = append(l.imageURLs, u)
		}
		l.mu.Unlock()
	}
}

// document returns the first document response, filling gaps from the
// navigation result.
func (l *renderLog) document(requestURL, finalURL string) documentMeta {
	l.mu.Lock()
	doc := l.doc
	l.mu.Unlock()

	if doc.url == "" {
		doc.url = finalURL
	}
	if doc.url == "" {
		doc.url = requestURL
	}
	if doc.status == 0 {
		doc.status = http.StatusOK
	}
	if doc.headers == nil {
		doc.headers = http.Header{}
	}
	return doc
}

func (l *renderLog) images() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.imageURLs...)
}

func isRemoteImage(rawURL, mimeType string) bool {
	lower := strings.ToLower(rawURL)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return false
	}
	return mimeType == "" || (strings.HasPrefix(mimeType, "image/") && mimeType != "image/svg+xml")
}

func headerFromNetwork(src network.Headers) http.Header {
	headers := make(http.Header, len(src))
	for key, value := range src {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	return headers
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return DefaultNavigationTimeout
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
