package storage

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kr0osti/image-processor/internal/apperr"
	"github.com/kr0osti/image-processor/internal/ingest"
	"github.com/kr0osti/image-processor/internal/metrics"
)

// DefaultTopic is the Pub/Sub topic storage events are published to.
const DefaultTopic = "image-events"

// Public URL prefixes for stored files.
const (
	UploadsPrefix  = "/uploads/"
	ServeImagePath = "/api/serve-image"
)

// Client-facing messages for data URL uploads.
const (
	MsgNoDataURL      = "No data URL provided"
	MsgInvalidDataURL = "Invalid data URL format"
)

var dataURLPattern = regexp.MustCompile(`^data:([A-Za-z-+/]+);base64,(.+)$`)

// Gateway writes images through a BlobStore and reports what happened.
type Gateway struct {
	blobs     ingest.BlobStore
	names     ingest.NameGenerator
	hasher    ingest.Hasher
	clock     ingest.Clock
	logger    *zap.Logger
	mirror    ingest.Mirror
	ledger    ingest.Ledger
	publisher ingest.Publisher
	topic     string
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithMirror copies every saved file to m.
func WithMirror(m ingest.Mirror) Option {
	return func(g *Gateway) { g.mirror = m }
}

// WithLedger records saves and evictions in l.
func WithLedger(l ingest.Ledger) Option {
	return func(g *Gateway) { g.ledger = l }
}

// WithPublisher publishes storage events to topic.
func WithPublisher(p ingest.Publisher, topic string) Option {
	return func(g *Gateway) {
		g.publisher = p
		if topic != "" {
			g.topic = topic
		}
	}
}

// New constructs a Gateway.
func New(
	blobs ingest.BlobStore,
	names ingest.NameGenerator,
	hasher ingest.Hasher,
	clock ingest.Clock,
	logger *zap.Logger,
	opts ...Option,
) (*Gateway, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if names == nil || hasher == nil || clock == nil {
		return nil, fmt.Errorf("name generator, hasher and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{
		blobs:  blobs,
		names:  names,
		hasher: hasher,
		clock:  clock,
		logger: logger.Named("storage"),
		topic:  DefaultTopic,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// ExtensionFor maps an image content type to the extension used for stored names.
func ExtensionFor(contentType string) string {
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	_, subtype, ok := strings.Cut(mediaType, "/")
	if !ok || subtype == "" {
		return "png"
	}
	switch subtype {
	case "jpeg", "pjpeg":
		return "jpg"
	case "svg+xml":
		return "svg"
	}
	clean := strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, subtype)
	if clean == "" {
		return "png"
	}
	return clean
}

// URLsFor returns the static and API retrieval URLs for a stored name.
func URLsFor(name string) (string, string) {
	return UploadsPrefix + name, ServeImagePath + "?file=" + url.QueryEscape(name)
}

// Save stores payload under a fresh random name.
func (g *Gateway) Save(ctx context.Context, payload []byte, contentType, source string) (ingest.StoredImage, error) {
	if len(payload) == 0 {
		return ingest.StoredImage{}, fmt.Errorf("payload is empty")
	}
	checksum, err := g.hasher.Hash(payload)
	if err != nil {
		return ingest.StoredImage{}, fmt.Errorf("hash payload: %w", err)
	}
	name, err := g.names.NewName(ExtensionFor(contentType))
	if err != nil {
		return ingest.StoredImage{}, fmt.Errorf("generate name: %w", err)
	}
	file, err := g.blobs.Put(ctx, name, contentType, bytes.NewReader(payload))
	if err != nil {
		return ingest.StoredImage{}, fmt.Errorf("write %s: %w", name, err)
	}

	publicURL, apiURL := URLsFor(name)
	image := ingest.StoredImage{
		Name:     name,
		URL:      publicURL,
		APIURL:   apiURL,
		Checksum: checksum,
		Size:     file.Size,
	}
	metrics.AddStoredBytes(file.Size)
	now := g.clock.Now()

	if g.mirror != nil {
		uri, mirrorErr := g.mirror.PutObject(ctx, name, contentType, bytes.NewReader(payload))
		if mirrorErr != nil {
			g.logger.Warn("mirror copy failed", zap.String("name", name), zap.Error(mirrorErr))
		} else {
			g.logger.Debug("mirrored image", zap.String("name", name), zap.String("uri", uri))
		}
	}
	if g.ledger != nil {
		if ledgerErr := g.ledger.RecordStored(ctx, image, source, now); ledgerErr != nil {
			g.logger.Warn("ledger insert failed", zap.String("name", name), zap.Error(ledgerErr))
		}
	}
	g.publish(ctx, ingest.Event{
		Type:     ingest.EventStored,
		Name:     name,
		Source:   source,
		Checksum: checksum,
		Size:     file.Size,
		At:       now,
	})

	g.logger.Info("image saved",
		zap.String("name", name),
		zap.Int64("bytes", file.Size),
		zap.String("source", source),
	)
	return image, nil
}

// SaveDataURL decodes a base64 data URL and stores its payload.
func (g *Gateway) SaveDataURL(ctx context.Context, dataURL string) (ingest.StoredImage, error) {
	if strings.TrimSpace(dataURL) == "" {
		return ingest.StoredImage{}, apperr.Validation(MsgNoDataURL)
	}
	contentType, payload, err := DecodeDataURL(dataURL)
	if err != nil {
		return ingest.StoredImage{}, err
	}
	return g.Save(ctx, payload, contentType, "data-url")
}

// DecodeDataURL splits a base64 data URL into its media type and bytes.
func DecodeDataURL(dataURL string) (string, []byte, error) {
	matches := dataURLPattern.FindStringSubmatch(dataURL)
	if len(matches) != 3 {
		return "", nil, apperr.Validation(MsgInvalidDataURL)
	}
	encoded := strings.TrimSpace(matches[2])
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		payload, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "="))
	}
	if err != nil || len(payload) == 0 {
		return "", nil, apperr.Validation(MsgInvalidDataURL)
	}
	return matches[1], payload, nil
}

// Open returns a reader over a stored file.
func (g *Gateway) Open(ctx context.Context, name string) (io.ReadSeekCloser, ingest.StoredFile, error) {
	rc, file, err := g.blobs.Open(ctx, name)
	if err != nil {
		return nil, ingest.StoredFile{}, fmt.Errorf("open %s: %w", name, err)
	}
	if file.ContentType == "" {
		file.ContentType = ingest.ContentTypeFor(name)
	}
	return rc, file, nil
}

// Delete removes a stored file and reports the eviction.
func (g *Gateway) Delete(ctx context.Context, name string) error {
	if err := g.blobs.Delete(ctx, name); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	g.Evicted(ctx, name, g.clock.Now())
	return nil
}

// Evicted records that name disappeared at the given time. The sweeper
// calls this for files it removes directly from disk.
func (g *Gateway) Evicted(ctx context.Context, name string, at time.Time) {
	if g.ledger != nil {
		if err := g.ledger.RecordEvicted(ctx, name, at); err != nil {
			g.logger.Warn("ledger eviction failed", zap.String("name", name), zap.Error(err))
		}
	}
	g.publish(ctx, ingest.Event{Type: ingest.EventEvicted, Name: name, At: at})
}

func (g *Gateway) publish(ctx context.Context, event ingest.Event) {
	if g.publisher == nil {
		return
	}
	id, err := g.publisher.Publish(ctx, g.topic, event)
	if err != nil {
		g.logger.Warn("publish event failed",
			zap.String("type", string(event.Type)),
			zap.String("name", event.Name),
			zap.Error(err),
		)
		return
	}
	g.logger.Debug("published event", zap.String("type", string(event.Type)), zap.String("message_id", id))
}

// IsNotFound reports whether err means the stored file does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ingest.ErrNotFound) || errors.Is(err, ingest.ErrInvalidName)
}
