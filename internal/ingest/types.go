package ingest

import (
	"net/http"
	"path"
	"strings"
	"time"
)

// RasterContentType is the encoding of every canonical raster.
const RasterContentType = "image/png"

// SizeClass buckets an image by pixel area.
type SizeClass string

// Size classes derived from width*height.
const (
	SizeUnknown SizeClass = "unknown"
	SizeSmall   SizeClass = "small"
	SizeMedium  SizeClass = "medium"
	SizeLarge   SizeClass = "large"
)

const (
	smallAreaLimit  = 90_000
	mediumAreaLimit = 360_000
)

// ClassifySize derives the size class from probed dimensions.
func ClassifySize(width, height int) SizeClass {
	if width <= 0 || height <= 0 {
		return SizeUnknown
	}
	area := width * height
	switch {
	case area < smallAreaLimit:
		return SizeSmall
	case area < mediumAreaLimit:
		return SizeMedium
	default:
		return SizeLarge
	}
}

// SourceImageRef describes an image discovered by scraping or submitted directly.
type SourceImageRef struct {
	URL       string    `json:"url"`
	Filename  string    `json:"filename"`
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`
	SizeClass SizeClass `json:"sizeClass"`
}

// NewSourceImageRef builds a reference with unknown dimensions.
func NewSourceImageRef(rawURL, fallbackName string) SourceImageRef {
	return SourceImageRef{
		URL:       rawURL,
		Filename:  FilenameFromURL(rawURL, fallbackName),
		SizeClass: SizeUnknown,
	}
}

// WithDimensions returns a copy carrying probed dimensions and the derived size class.
func (r SourceImageRef) WithDimensions(width, height int) SourceImageRef {
	r.Width = width
	r.Height = height
	r.SizeClass = ClassifySize(width, height)
	return r
}

// FilenameFromURL returns the last path segment of rawURL without its query,
// or fallback when that segment is empty.
func FilenameFromURL(rawURL, fallback string) string {
	name := rawURL
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		name = name[idx+1:]
	}
	if idx := strings.Index(name, "?"); idx >= 0 {
		name = name[:idx]
	}
	if name == "" {
		return fallback
	}
	return name
}

// NormalizedRaster is an encoded canonical image, consumed once by the storage gateway.
type NormalizedRaster struct {
	Data        []byte
	ContentType string
	Width       int
	Height      int
}

// Fetched is the payload returned by a remote image fetch.
type Fetched struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
}

// PageRequest describes a page to fetch for scraping.
type PageRequest struct {
	URL     string
	Headers http.Header
}

// PageResponse carries a fetched page and its metadata.
type PageResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
	// ObservedImages lists image responses seen while rendering, in load order.
	ObservedImages []string
	RobotsStatus   RobotsStatus
}

// RobotsStatus records how robots.txt was resolved for a page fetch.
type RobotsStatus string

// Robots statuses. Indeterminate means robots.txt kept timing out and the
// page was fetched as if unrestricted.
const (
	RobotsStatusUnknown       RobotsStatus = ""
	RobotsStatusChecked       RobotsStatus = "checked"
	RobotsStatusIndeterminate RobotsStatus = "indeterminate"
	RobotsStatusDisallowed    RobotsStatus = "disallowed"
)

// StoredFile is a file persisted in the upload directory.
type StoredFile struct {
	Name        string
	Path        string
	Size        int64
	ModTime     time.Time
	ContentType string
}

// StoredImage is what callers receive after a save: two equivalent retrieval URLs.
type StoredImage struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	APIURL   string `json:"apiUrl"`
	Checksum string `json:"-"`
	Size     int64  `json:"-"`
}

// EventType names storage lifecycle notifications.
type EventType string

// Storage lifecycle events.
const (
	EventStored  EventType = "image.stored"
	EventEvicted EventType = "image.evicted"
)

// Event is published whenever a stored file appears or disappears.
type Event struct {
	Type     EventType `json:"type"`
	Name     string    `json:"name"`
	Source   string    `json:"source,omitempty"`
	Checksum string    `json:"checksum,omitempty"`
	Size     int64     `json:"size,omitempty"`
	At       time.Time `json:"at"`
}

// ItemResult reports the outcome of one image in a batch submission.
type ItemResult struct {
	OriginalURL  string    `json:"originalUrl,omitempty"`
	OriginalName string    `json:"originalName,omitempty"`
	ProcessedURL string    `json:"processedUrl,omitempty"`
	APIURL       string    `json:"apiUrl,omitempty"`
	Success      bool      `json:"success"`
	Placeholder  bool      `json:"placeholder"`
	Message      string    `json:"message,omitempty"`
	Width        int       `json:"width,omitempty"`
	Height       int       `json:"height,omitempty"`
	SizeClass    SizeClass `json:"sizeClass,omitempty"`
}

// ContentTypeFor maps a stored file name to the content type it is served with.
func ContentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
