package normalize

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExceedsWhiteThresholdIsExclusive(t *testing.T) {
	t.Parallel()

	assert.False(t, exceedsWhiteThreshold(85, 100), "0.85 must be non-white")
	assert.True(t, exceedsWhiteThreshold(86, 100), "0.86 must be white")
	assert.False(t, exceedsWhiteThreshold(0, 0))
	assert.True(t, exceedsWhiteThreshold(1, 1))
}

func TestIsWhiteBackground(t *testing.T) {
	t.Parallel()

	framedPhoto := solidImage(200, 200, color.White)
	draw.Draw(framedPhoto, image.Rect(40, 40, 160, 160), image.NewUniform(dark), image.Point{}, draw.Src)

	productShot := solidImage(400, 300, color.White)
	draw.Draw(productShot, image.Rect(190, 140, 210, 160), image.NewUniform(dark), image.Point{}, draw.Src)

	tests := []struct {
		name string
		img  image.Image
		want bool
	}{
		{"plain white", solidImage(200, 200, color.White), true},
		{"transparent", image.NewNRGBA(image.Rect(0, 0, 120, 80)), true},
		{"near white", solidImage(64, 64, color.RGBA{R: 241, G: 245, B: 250, A: 255}), true},
		{"channel at threshold", solidImage(64, 64, color.RGBA{R: 240, G: 255, B: 255, A: 255}), false},
		{"dark photo", solidImage(300, 200, dark), false},
		{"light border dark subject", framedPhoto, false},
		{"small object on white", productShot, true},
		{"tiny image", solidImage(3, 3, color.White), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, IsWhiteBackground(tc.img))
		})
	}
}

func TestSampleRegionsLayout(t *testing.T) {
	t.Parallel()

	regions := sampleRegions(image.Rect(0, 0, 400, 200))
	assert.Equal(t, []image.Rectangle{
		image.Rect(0, 0, 400, 10),
		image.Rect(0, 190, 400, 200),
		image.Rect(0, 10, 10, 190),
		image.Rect(390, 10, 400, 190),
		image.Rect(100, 50, 300, 150),
	}, regions)

	big := sampleRegions(image.Rect(0, 0, 1000, 800))
	assert.Equal(t, image.Rect(0, 0, 1000, 40), big[0], "strip is 5% of the shorter side")

	offset := sampleRegions(image.Rect(10, 10, 410, 210))
	assert.Equal(t, image.Rect(10, 10, 410, 20), offset[0], "regions follow the image origin")

	assert.Empty(t, sampleRegions(image.Rectangle{}))
}
