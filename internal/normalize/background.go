package normalize

import (
	"image"
	"image/color"
)

const (
	minSampleStrip = 10
	// every 4th pixel in row-major order within a region
	sampleStride    = 4
	whiteChannelMin = 240
	transparentMax  = 50
	// the ratio must strictly exceed 85/100
	whiteRatioNum = 85
	whiteRatioDen = 100
)

// IsWhiteBackground reports whether img has a near-white or transparent background.
func IsWhiteBackground(img image.Image) bool {
	white, total := sampleWhite(img)
	return exceedsWhiteThreshold(white, total)
}

func exceedsWhiteThreshold(white, total int) bool {
	if total == 0 {
		return false
	}
	return white*whiteRatioDen > total*whiteRatioNum
}

func sampleWhite(img image.Image) (white, total int) {
	b := img.Bounds()
	for _, region := range sampleRegions(b) {
		rw := region.Dx()
		n := rw * region.Dy()
		for i := 0; i < n; i += sampleStride {
			x := region.Min.X + i%rw
			y := region.Min.Y + i/rw
			total++
			if isWhitePixel(img.At(x, y)) {
				white++
			}
		}
	}
	return white, total
}

// sampleRegions returns the top, bottom, left, right and centre regions,
// clipped to b. Empty regions are dropped.
func sampleRegions(b image.Rectangle) []image.Rectangle {
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil
	}
	s := max(minSampleStrip, min(w, h)*5/100)
	rects := []image.Rectangle{
		rectXYWH(0, 0, w, s),
		rectXYWH(0, h-s, w, s),
		rectXYWH(0, s, s, h-2*s),
		rectXYWH(w-s, s, s, h-2*s),
		rectXYWH(w/4, h/4, w/2, h/2),
	}
	out := make([]image.Rectangle, 0, len(rects))
	for _, r := range rects {
		clipped := r.Add(b.Min).Intersect(b)
		if clipped.Empty() {
			continue
		}
		out = append(out, clipped)
	}
	return out
}

func rectXYWH(x, y, w, h int) image.Rectangle {
	if w <= 0 || h <= 0 {
		return image.Rectangle{}
	}
	return image.Rect(x, y, x+w, y+h)
}

func isWhitePixel(c color.Color) bool {
	p, _ := color.NRGBAModel.Convert(c).(color.NRGBA)
	if p.A < transparentMax {
		return true
	}
	return p.R > whiteChannelMin && p.G > whiteChannelMin && p.B > whiteChannelMin
}
