package normalize

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kr0osti/image-processor/internal/ingest"
)

var white = color.RGBA{R: 255, G: 255, B: 255, A: 255}

func TestNormalizeFitsNonWhiteSource(t *testing.T) {
	t.Parallel()

	loader := staticLoader{body: encodePNG(t, solidImage(100, 100, red))}
	n := New(loader, Config{}, zap.NewNop())

	res, err := n.Normalize(context.Background(), "https://cdn.example.com/p/red.png")
	require.NoError(t, err)

	assert.False(t, res.Placeholder)
	assert.False(t, res.WhiteBackground)
	assert.Equal(t, OutcomeFit, res.Outcome())
	assert.Equal(t, ingest.RasterContentType, res.Raster.ContentType)
	assert.Equal(t, "red.png", res.Source.Filename)
	assert.Equal(t, 100, res.Source.Width)
	assert.Equal(t, ingest.SizeSmall, res.Source.SizeClass)

	img := decodeRaster(t, res.Raster)
	require.Equal(t, image.Rect(0, 0, CanvasSize, CanvasSize), img.Bounds())
	requireNear(t, red, rgbaAt(img, 0, 0), 2)
	requireNear(t, red, rgbaAt(img, 1499, 1499), 2)
}

func TestNormalizeWhiteBackgroundGetsPadding(t *testing.T) {
	t.Parallel()

	src := solidImage(400, 400, color.White)
	for y := 180; y < 220; y++ {
		for x := 180; x < 220; x++ {
			src.Set(x, y, dark)
		}
	}
	n := New(staticLoader{body: encodePNG(t, src)}, Config{}, zap.NewNop())

	res, err := n.Normalize(context.Background(), "https://cdn.example.com/mug.png")
	require.NoError(t, err)
	assert.True(t, res.WhiteBackground)
	assert.Equal(t, OutcomeWhite, res.Outcome())

	img := decodeRaster(t, res.Raster)
	requireNear(t, dark, rgbaAt(img, 750, 750), 2)
	requireNear(t, white, rgbaAt(img, 100, 750), 0)
}

func TestNormalizeTimeoutYieldsPlaceholder(t *testing.T) {
	t.Parallel()

	n := New(blockingLoader{}, Config{LoadTimeout: 20 * time.Millisecond}, zap.NewNop())

	res, err := n.Normalize(context.Background(), "https://slow.example.com/never.jpg")
	require.NoError(t, err)
	assert.True(t, res.Placeholder)
	assert.Contains(t, res.Reason, "timed out")

	img := decodeRaster(t, res.Raster)
	assert.Equal(t, image.Rect(0, 0, CanvasSize, CanvasSize), img.Bounds())
	requireNear(t, white, rgbaAt(img, 50, 750), 0)
	requireNear(t, color.RGBA{R: 0xf5, G: 0xf5, B: 0xf5, A: 0xff}, rgbaAt(img, 750, 100), 3)
}

func TestNormalizeAbandonsLoaderIgnoringCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	n := New(stubbornLoader{release: release}, Config{LoadTimeout: 20 * time.Millisecond}, zap.NewNop())

	done := make(chan Result, 1)
	go func() {
		res, err := n.Normalize(context.Background(), "https://hung.example.com/a.png")
		assert.NoError(t, err)
		done <- res
	}()

	select {
	case res := <-done:
		assert.True(t, res.Placeholder)
	case <-time.After(5 * time.Second):
		t.Fatal("normalize did not abandon the hung load")
	}
}

func TestNormalizeLoadAndDecodeFailuresYieldPlaceholder(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		loader ingest.ImageLoader
		reason string
	}{
		{"upstream error", staticLoader{err: errors.New("Failed to fetch image: Forbidden")}, "Forbidden"},
		{"not an image", staticLoader{body: []byte("<html>nope</html>")}, "decode"},
		{"empty body", staticLoader{body: nil}, "empty body"},
		{"no loader", nil, "no image loader"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			n := New(tc.loader, Config{}, nil)
			res, err := n.Normalize(context.Background(), "https://example.com/broken.jpg")
			require.NoError(t, err)
			assert.True(t, res.Placeholder)
			assert.Equal(t, OutcomePlaceholder, res.Outcome())
			assert.Contains(t, res.Reason, tc.reason)
			assert.NotEmpty(t, res.Raster.Data)
		})
	}
}

func TestNormalizeBytes(t *testing.T) {
	t.Parallel()

	n := New(nil, Config{}, zap.NewNop())

	res, err := n.NormalizeBytes(context.Background(), encodePNG(t, solidImage(640, 480, dark)), "upload.png")
	require.NoError(t, err)
	assert.False(t, res.Placeholder)
	assert.Equal(t, "upload.png", res.Source.Filename)
	assert.Equal(t, ingest.SizeMedium, res.Source.SizeClass)

	bad, err := n.NormalizeBytes(context.Background(), []byte("garbage"), "notes.txt")
	require.NoError(t, err)
	assert.True(t, bad.Placeholder)
	assert.Equal(t, "notes.txt", bad.Source.Filename)
}
