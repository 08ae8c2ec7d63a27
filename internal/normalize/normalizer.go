package normalize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"time"

	"go.uber.org/zap"

	"github.com/kr0osti/image-processor/internal/ingest"
	"github.com/kr0osti/image-processor/internal/metrics"
)

// DefaultLoadTimeout bounds a single source load.
const DefaultLoadTimeout = 15 * time.Second

// Outcomes recorded for each normalization.
const (
	OutcomeWhite       = "white"
	OutcomeFit         = "fit"
	OutcomePlaceholder = "placeholder"
)

// Config controls Normalizer behavior.
type Config struct {
	LoadTimeout time.Duration
}

// Result is the outcome of one normalization.
type Result struct {
	Raster          ingest.NormalizedRaster
	Source          ingest.SourceImageRef
	WhiteBackground bool
	Placeholder     bool
	Reason          string
}

// Outcome labels the result for metrics and logs.
func (r Result) Outcome() string {
	switch {
	case r.Placeholder:
		return OutcomePlaceholder
	case r.WhiteBackground:
		return OutcomeWhite
	default:
		return OutcomeFit
	}
}

// Normalizer turns source images into canonical rasters.
type Normalizer struct {
	loader  ingest.ImageLoader
	cfg     Config
	logger  *zap.Logger
	encoder png.Encoder
}

// New constructs a Normalizer that loads remote sources through loader.
func New(loader ingest.ImageLoader, cfg Config, logger *zap.Logger) *Normalizer {
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = DefaultLoadTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{
		loader:  loader,
		cfg:     cfg,
		logger:  logger,
		encoder: png.Encoder{CompressionLevel: png.BestSpeed},
	}
}

// Normalize loads sourceURL and renders it onto the canonical canvas. Load
// and decode failures produce a placeholder; the returned error is reserved
// for encoding failures.
func (n *Normalizer) Normalize(ctx context.Context, sourceURL string) (Result, error) {
	start := time.Now()
	ref := ingest.NewSourceImageRef(sourceURL, "image")

	data, err := n.load(ctx, sourceURL)
	if err != nil {
		return n.placeholder(ref, err, start)
	}
	return n.render(ref, data, start)
}

// NormalizeBytes renders an already-received payload, e.g. an uploaded file.
func (n *Normalizer) NormalizeBytes(_ context.Context, data []byte, name string) (Result, error) {
	start := time.Now()
	ref := ingest.SourceImageRef{Filename: name, SizeClass: ingest.SizeUnknown}
	if ref.Filename == "" {
		ref.Filename = "image"
	}
	return n.render(ref, data, start)
}

func (n *Normalizer) render(ref ingest.SourceImageRef, data []byte, start time.Time) (Result, error) {
	src, err := decode(data)
	if src.width > 0 && src.height > 0 {
		ref = ref.WithDimensions(src.width, src.height)
	}
	if err != nil {
		return n.placeholder(ref, err, start)
	}

	white := IsWhiteBackground(src.img)
	canvas := ClassifyAndPlace(src.img, white, src.width, src.height)
	res := Result{Source: ref, WhiteBackground: white}
	return n.finish(res, canvas, start)
}

func (n *Normalizer) placeholder(ref ingest.SourceImageRef, cause error, start time.Time) (Result, error) {
	ph := NewPlaceholderSpec(ref.URL, cause)
	if ref.URL == "" {
		ph.Filename = ref.Filename
	}
	ph.OriginalWidthHint = ref.Width
	ph.OriginalHeightHint = ref.Height
	n.logger.Warn("source unavailable, using placeholder",
		zap.String("url", ref.URL),
		zap.String("filename", ph.Filename),
		zap.Error(cause),
	)

	stand := SynthesizePlaceholder(ph)
	b := stand.Bounds()
	canvas := ClassifyAndPlace(stand, false, b.Dx(), b.Dy())
	res := Result{Source: ref, Placeholder: true, Reason: cause.Error()}
	return n.finish(res, canvas, start)
}

func (n *Normalizer) finish(res Result, canvas *image.RGBA, start time.Time) (Result, error) {
	var buf bytes.Buffer
	if err := n.encoder.Encode(&buf, canvas); err != nil {
		return Result{}, fmt.Errorf("encode png: %w", err)
	}
	res.Raster = ingest.NormalizedRaster{
		Data:        buf.Bytes(),
		ContentType: ingest.RasterContentType,
		Width:       CanvasSize,
		Height:      CanvasSize,
	}
	elapsed := time.Since(start)
	metrics.ObserveNormalize(res.Outcome(), elapsed)
	n.logger.Debug("normalized image",
		zap.String("url", res.Source.URL),
		zap.String("outcome", res.Outcome()),
		zap.Int("source_width", res.Source.Width),
		zap.Int("source_height", res.Source.Height),
		zap.Duration("elapsed", elapsed),
	)
	return res, nil
}

// load fetches the source within the load timeout. A loader that ignores
// cancellation is abandoned once the deadline passes.
func (n *Normalizer) load(ctx context.Context, sourceURL string) ([]byte, error) {
	if n.loader == nil {
		return nil, errors.New("no image loader configured")
	}
	ctx, cancel := context.WithTimeout(ctx, n.cfg.LoadTimeout)
	defer cancel()

	type outcome struct {
		fetched ingest.Fetched
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		fetched, err := n.loader.Fetch(ctx, sourceURL)
		done <- outcome{fetched: fetched, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w after %s: %v", ErrLoadTimeout, n.cfg.LoadTimeout, ctx.Err())
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %v", ErrLoadTimeout, out.err)
			}
			return nil, fmt.Errorf("load source: %w", out.err)
		}
		return out.fetched.Body, nil
	}
}
