// Package detector decides when a scraped page needs a headless render before
// its images become visible.
package detector

import (
	"bytes"
	"net/http"

	"github.com/kr0osti/image-processor/internal/ingest"
)

// DefaultBodyThreshold is the body size under which a script-heavy page is
// treated as a client-rendered shell.
const DefaultBodyThreshold = 2048

// scriptShare is the percentage of a small body that must be script for promotion.
const scriptShare = 25

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = DefaultBodyThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
	[]byte("data-v-app"),
}

// noscriptImage matches images only shown when scripting is disabled, a
// common sign that the real gallery is injected by JavaScript.
var noscriptImage = []byte("<noscript><img")

// ShouldPromote reports whether resp looks like a page whose images are
// rendered client side.
func (h *Heuristic) ShouldPromote(resp ingest.PageResponse) bool {
	if resp.StatusCode != http.StatusOK || resp.UsedHeadless {
		return false
	}
	body := bytes.ToLower(resp.Body)
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if bytes.Contains(compact(body), noscriptImage) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return len(body) < h.BodyLengthThreshold && scriptCoverage(body)*100 >= len(body)*scriptShare
}

// scriptCoverage counts bytes inside <script> elements, tags included. An
// unterminated element runs to the end of the body.
func scriptCoverage(body []byte) int {
	var (
		covered int
		rest    = body
	)
	for {
		start := bytes.Index(rest, []byte("<script"))
		if start < 0 {
			return covered
		}
		end := bytes.Index(rest[start:], []byte("</script>"))
		if end < 0 {
			return covered + len(rest) - start
		}
		span := end + len("</script>")
		covered += span
		rest = rest[start+span:]
	}
}

func compact(b []byte) []byte {
	return bytes.Join(bytes.Fields(b), nil)
}
