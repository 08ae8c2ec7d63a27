// Package scraper discovers the images referenced by a web page.
package scraper

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/kr0osti/image-processor/internal/apperr"
	"github.com/kr0osti/image-processor/internal/ingest"
	"github.com/kr0osti/image-processor/internal/metrics"
)

// Client-facing scrape failures.
const (
	ErrNoImagesMessage      = "No images found on the page"
	ErrRobotsBlockedMessage = "Failed to fetch URL: disallowed by robots.txt"
)

// Result lists the images found on a page.
type Result struct {
	PageURL      string                  `json:"pageUrl"`
	URLs         []string                `json:"imageUrls"`
	Images       []ingest.SourceImageRef `json:"imageMetadata"`
	UsedHeadless bool                    `json:"usedHeadless"`
	RobotsStatus ingest.RobotsStatus     `json:"robotsStatus,omitempty"`
}

// Scraper fetches pages statically and falls back to a headless render when
// the static HTML looks client-rendered.
type Scraper struct {
	static   ingest.PageFetcher
	headless ingest.PageFetcher
	detector ingest.HeadlessDetector
	logger   *zap.Logger
}

// New builds a Scraper. headless and detector may be nil to disable the fallback.
func New(static, headless ingest.PageFetcher, detector ingest.HeadlessDetector, logger *zap.Logger) *Scraper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scraper{static: static, headless: headless, detector: detector, logger: logger.Named("scraper")}
}

// DocumentHeaders are the browser-shaped headers sent with page requests.
func DocumentHeaders() http.Header {
	h := make(http.Header)
	h.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Sec-Fetch-User", "?1")
	h.Set("Upgrade-Insecure-Requests", "1")
	return h
}

// Scrape fetches pageURL and extracts its images. Relative references
// resolve against baseOverride when set, else against the page origin.
func (s *Scraper) Scrape(ctx context.Context, pageURL, baseOverride string) (Result, error) {
	page, err := parseAbsolute(pageURL)
	if err != nil {
		return Result{}, apperr.Validation("A valid http or https page URL is required")
	}
	base := &url.URL{Scheme: page.Scheme, Host: page.Host, Path: "/"}
	if baseOverride != "" {
		if base, err = parseAbsolute(baseOverride); err != nil {
			return Result{}, apperr.Validation("Base URL must be an absolute http or https URL")
		}
	}

	start := time.Now()
	resp, err := s.static.FetchPage(ctx, ingest.PageRequest{URL: page.String(), Headers: DocumentHeaders()})
	if err != nil {
		return Result{}, fetchError(resp, err)
	}
	robots := resp.RobotsStatus
	if robots == ingest.RobotsStatusIndeterminate {
		s.logger.Warn("robots.txt unreachable, page treated as unrestricted", zap.String("url", page.String()))
	}
	urls, err := ExtractImageURLs(bytes.NewReader(resp.Body), base)
	if err != nil {
		return Result{}, apperr.Internal("Failed to parse page", err)
	}

	if len(urls) == 0 && s.canPromote(resp) {
		s.logger.Info("no static images, rendering headless", zap.String("url", page.String()))
		rendered, herr := s.headless.FetchPage(ctx, ingest.PageRequest{URL: page.String(), Headers: DocumentHeaders()})
		if herr != nil {
			s.logger.Warn("headless render failed", zap.String("url", page.String()), zap.Error(herr))
		} else if urls, err = ExtractImageURLs(bytes.NewReader(rendered.Body), base); err != nil {
			return Result{}, apperr.Internal("Failed to parse rendered page", err)
		} else {
			urls = mergeObserved(urls, rendered.ObservedImages)
			resp = rendered
		}
	}

	metrics.ObserveScrape(page.String(), resp.UsedHeadless)
	s.logger.Info("scraped page",
		zap.String("url", page.String()),
		zap.Int("images", len(urls)),
		zap.Bool("headless", resp.UsedHeadless),
		zap.String("robots", string(robots)),
		zap.Duration("elapsed", time.Since(start)),
	)
	if len(urls) == 0 {
		return Result{}, apperr.Validation(ErrNoImagesMessage)
	}

	images := make([]ingest.SourceImageRef, len(urls))
	for i, u := range urls {
		images[i] = ingest.NewSourceImageRef(u, fmt.Sprintf("image-%d", i+1))
	}
	return Result{PageURL: page.String(), URLs: urls, Images: images, UsedHeadless: resp.UsedHeadless, RobotsStatus: robots}, nil
}

func (s *Scraper) canPromote(resp ingest.PageResponse) bool {
	return s.headless != nil && s.detector != nil && s.detector.ShouldPromote(resp)
}

func fetchError(resp ingest.PageResponse, err error) error {
	if resp.RobotsStatus == ingest.RobotsStatusDisallowed {
		return apperr.UpstreamMessage(http.StatusForbidden, ErrRobotsBlockedMessage)
	}
	if resp.StatusCode >= 400 {
		return apperr.UpstreamMessage(resp.StatusCode,
			fmt.Sprintf("Failed to fetch URL: %s (%d)", http.StatusText(resp.StatusCode), resp.StatusCode))
	}
	return &apperr.Error{
		Kind:    apperr.KindUpstream,
		Status:  http.StatusBadGateway,
		Message: "Failed to fetch images from the URL",
		Err:     err,
	}
}

func parseAbsolute(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("url %q is not absolute http(s)", raw)
	}
	return u, nil
}
