// Package proxy fetches remote images with browser-shaped requests so hosts
// with hot-link protection serve them.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kr0osti/image-processor/internal/apperr"
	"github.com/kr0osti/image-processor/internal/ingest"
	"github.com/kr0osti/image-processor/internal/metrics"
)

// Defaults applied by New.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxBytes    = 25 << 20
	DefaultContentType = "application/octet-stream"
	DefaultUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	imageAccept        = "image/avif,image/webp,image/apng,image/svg+xml,image/*,*/*;q=0.8"
)

// MsgBlockedTarget is returned when a target resolves to a denied address.
const MsgBlockedTarget = "URL resolves to a disallowed address"

// ErrBlockedAddress is reported by the dialer for denied destinations.
var ErrBlockedAddress = errors.New("destination address is not allowed")

// Config controls proxy behavior.
type Config struct {
	Timeout   time.Duration
	MaxBytes  int64
	UserAgent string
	// BlockPrivate refuses loopback, private, link-local, shared and
	// unspecified destinations. The check runs on every dialed address.
	BlockPrivate bool
}

// Waiter paces requests per host.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Proxy fetches remote resources. It implements ingest.ImageLoader.
type Proxy struct {
	cfg     Config
	client  *http.Client
	limiter Waiter
	logger  *zap.Logger
}

// New builds a Proxy with its own pooled transport. limiter may be nil.
func New(cfg Config, limiter Waiter, logger *zap.Logger) *Proxy {
	cfg = withDefaults(cfg)
	client := &http.Client{Transport: newHTTPTransport(cfg.BlockPrivate), Timeout: cfg.Timeout}
	return NewWithClient(client, cfg, limiter, logger)
}

// NewWithClient builds a Proxy over an existing client.
func NewWithClient(client *http.Client, cfg Config, limiter Waiter, logger *zap.Logger) *Proxy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Proxy{cfg: withDefaults(cfg), client: client, limiter: limiter, logger: logger.Named("proxy")}
}

func withDefaults(cfg Config) Config {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	return cfg
}

// BrowserHeaders returns the request headers sent for target.
func (p *Proxy) BrowserHeaders(target *url.URL) http.Header {
	h := make(http.Header)
	h.Set("User-Agent", p.cfg.UserAgent)
	h.Set("Accept", imageAccept)
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Referer", target.Scheme+"://"+target.Host)
	h.Set("Sec-Fetch-Dest", "image")
	h.Set("Sec-Fetch-Mode", "no-cors")
	h.Set("Sec-Fetch-Site", "cross-site")
	return h
}

// ParseTarget validates a remote URL.
func ParseTarget(rawURL string) (*url.URL, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, apperr.Validation("URL parameter is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, apperr.Validation("URL must be an absolute http or https URL")
	}
	return u, nil
}

// Fetch retrieves rawURL. Non-2xx upstream statuses come back as an
// *apperr.Error carrying the upstream status and status text.
func (p *Proxy) Fetch(ctx context.Context, rawURL string) (ingest.Fetched, error) {
	target, err := ParseTarget(rawURL)
	if err != nil {
		return ingest.Fetched{}, err
	}
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, rawURL); err != nil {
			return ingest.Fetched{}, fmt.Errorf("wait for host slot: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return ingest.Fetched{}, apperr.Internal("Failed to proxy image", err)
	}
	req.Header = p.BrowserHeaders(target)

	resp, err := p.client.Do(req)
	if err != nil {
		metrics.ObserveProxy(rawURL, "error", 0)
		if errors.Is(err, ErrBlockedAddress) {
			p.logger.Warn("refused proxy target", zap.String("host", target.Host))
			return ingest.Fetched{}, &apperr.Error{
				Kind:    apperr.KindValidation,
				Status:  http.StatusForbidden,
				Message: MsgBlockedTarget,
				Err:     err,
			}
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return ingest.Fetched{}, fmt.Errorf("fetch %s: %w", target.Host, err)
		}
		return ingest.Fetched{}, apperr.Internal("Failed to proxy image", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			p.logger.Debug("close upstream body", zap.Error(cerr))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.ObserveProxy(rawURL, strconv.Itoa(resp.StatusCode), 0)
		p.logger.Info("upstream rejected image fetch",
			zap.String("url", rawURL),
			zap.Int("status", resp.StatusCode),
		)
		return ingest.Fetched{}, apperr.Upstream(resp.StatusCode, statusText(resp))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxBytes+1))
	if err != nil {
		metrics.ObserveProxy(rawURL, "error", 0)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ingest.Fetched{}, fmt.Errorf("read %s: %w", target.Host, ctxErr)
		}
		return ingest.Fetched{}, apperr.Internal("Failed to proxy image", err)
	}
	if int64(len(body)) > p.cfg.MaxBytes {
		metrics.ObserveProxy(rawURL, "too_large", 0)
		return ingest.Fetched{}, apperr.Upstream(http.StatusBadGateway, "response exceeds size limit")
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = DefaultContentType
	}
	metrics.ObserveProxy(rawURL, strconv.Itoa(resp.StatusCode), int64(len(body)))
	return ingest.Fetched{
		URL:         rawURL,
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		Body:        body,
	}, nil
}

func statusText(resp *http.Response) string {
	code := strconv.Itoa(resp.StatusCode)
	if text := strings.TrimSpace(strings.TrimPrefix(resp.Status, code)); text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

func newHTTPTransport(blockPrivate bool) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	if blockPrivate {
		dialer.Control = denyPrivate
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")

// denyPrivate runs after name resolution, so it sees the address actually dialed.
func denyPrivate(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("split %q: %w", address, err)
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("parse %q: %w", host, err)
	}
	if blockedAddr(ip) {
		return fmt.Errorf("%s: %w", ip, ErrBlockedAddress)
	}
	return nil
}

func blockedAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		ip.IsUnspecified() ||
		sharedAddressSpace.Contains(ip)
}
