package scraper

import (
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	imageExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tiff"}
	imageKeywords   = []string{"image", "img", "photo", "picture", "asset"}
	styleURLPattern = regexp.MustCompile(`url\(\s*['"]?([^'"()]+)['"]?\s*\)`)
)

// ExtractImageURLs collects candidate image URLs from an HTML document in
// discovery order, resolved against base and deduplicated.
func ExtractImageURLs(html io.Reader, base *url.URL) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(html)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	c := newCollector(base)
	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok {
			c.add(src)
		}
		if lazy, ok := s.Attr("data-src"); ok {
			c.add(lazy)
		}
		if srcset, ok := s.Attr("srcset"); ok {
			c.addSrcset(srcset)
		}
	})
	doc.Find("[style*='background']").Each(func(_ int, s *goquery.Selection) {
		style, _ := s.Attr("style")
		for _, m := range styleURLPattern.FindAllStringSubmatch(style, -1) {
			c.add(m[1])
		}
	})
	doc.Find("picture source").Each(func(_ int, s *goquery.Selection) {
		if srcset, ok := s.Attr("srcset"); ok {
			c.addSrcset(srcset)
		}
	})
	return c.urls, nil
}

// mergeObserved appends image URLs the browser actually loaded that the DOM
// extraction missed. Those URLs need no keyword filtering.
func mergeObserved(urls, observed []string) []string {
	if len(observed) == 0 {
		return urls
	}
	seen := make(map[string]struct{}, len(urls)+len(observed))
	for _, u := range urls {
		seen[u] = struct{}{}
	}
	for _, u := range observed {
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	return urls
}

type collector struct {
	base *url.URL
	seen map[string]struct{}
	urls []string
}

func newCollector(base *url.URL) *collector {
	return &collector{base: base, seen: make(map[string]struct{})}
}

// addSrcset adds the URL of every srcset candidate, ignoring descriptors.
func (c *collector) addSrcset(srcset string) {
	for _, candidate := range strings.Split(srcset, ",") {
		fields := strings.Fields(candidate)
		if len(fields) > 0 {
			c.add(fields[0])
		}
	}
}

func (c *collector) add(src string) {
	src = strings.TrimSpace(src)
	if src == "" || strings.HasPrefix(src, "data:") || strings.HasSuffix(src, ".svg") {
		return
	}
	full, ok := resolve(src, c.base)
	if !ok || !looksLikeImage(full) {
		return
	}
	if _, dup := c.seen[full]; dup {
		return
	}
	c.seen[full] = struct{}{}
	c.urls = append(c.urls, full)
}

// resolve makes src absolute. Absolute http(s) URLs are kept verbatim and
// protocol-relative ones take the base scheme.
func resolve(src string, base *url.URL) (string, bool) {
	lower := strings.ToLower(src)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return src, true
	}
	if base == nil {
		return "", false
	}
	ref, err := url.Parse(src)
	if err != nil {
		return "", false
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return "", false
	}
	return resolved.String(), true
}

func looksLikeImage(fullURL string) bool {
	lower := strings.ToLower(fullURL)
	for _, ext := range imageExtensions {
		if strings.Contains(lower, ext) {
			return true
		}
	}
	for _, kw := range imageKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
