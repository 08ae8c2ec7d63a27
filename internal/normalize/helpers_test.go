package normalize

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kr0osti/image-processor/internal/ingest"
)

var (
	red  = color.RGBA{R: 255, A: 255}
	dark = color.RGBA{R: 30, G: 40, B: 50, A: 255}
)

func solidImage(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func decodeRaster(t *testing.T, raster ingest.NormalizedRaster) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(raster.Data))
	require.NoError(t, err)
	return img
}

func rgbaAt(img image.Image, x, y int) color.RGBA {
	c, _ := color.RGBAModel.Convert(img.At(x, y)).(color.RGBA)
	return c
}

func requireNear(t *testing.T, want, got color.RGBA, tolerance uint8) {
	t.Helper()
	near := func(a, b uint8) bool {
		if a > b {
			return a-b <= tolerance
		}
		return b-a <= tolerance
	}
	require.Truef(t, near(want.R, got.R) && near(want.G, got.G) && near(want.B, got.B) && near(want.A, got.A),
		"expected %v, got %v", want, got)
}

type staticLoader struct {
	body []byte
	err  error
}

func (l staticLoader) Fetch(_ context.Context, rawURL string) (ingest.Fetched, error) {
	if l.err != nil {
		return ingest.Fetched{}, l.err
	}
	return ingest.Fetched{URL: rawURL, StatusCode: 200, ContentType: "image/png", Body: l.body}, nil
}

type blockingLoader struct{}

func (blockingLoader) Fetch(ctx context.Context, _ string) (ingest.Fetched, error) {
	<-ctx.Done()
	return ingest.Fetched{}, ctx.Err()
}

type stubbornLoader struct {
	release chan struct{}
}

func (l stubbornLoader) Fetch(context.Context, string) (ingest.Fetched, error) {
	<-l.release
	return ingest.Fetched{Body: []byte("late")}, nil
}
