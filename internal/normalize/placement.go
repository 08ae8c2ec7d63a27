package normalize

import (
	"image"
	"image/draw"
	"math"

	xdraw "golang.org/x/image/draw"
)

// CanvasSize is the edge length of the canonical canvas.
const CanvasSize = 1500

// WhitePadding is reserved on every side for white-background sources.
const WhitePadding = 300

// Orientation describes the aspect of a source.
type Orientation string

// Orientations used by the placement policy.
const (
	OrientationSquare    Orientation = "square"
	OrientationLandscape Orientation = "landscape"
	OrientationPortrait  Orientation = "portrait"
)

// OrientationOf classifies width and height.
func OrientationOf(width, height int) Orientation {
	switch {
	case width == height:
		return OrientationSquare
	case width > height:
		return OrientationLandscape
	default:
		return OrientationPortrait
	}
}

// Placement returns the destination rectangle on the canvas for a source of
// the given size.
func Placement(width, height int, whiteBackground bool) image.Rectangle {
	if width <= 0 || height <= 0 {
		return image.Rectangle{}
	}
	w, h := float64(width), float64(height)
	const canvas = float64(CanvasSize)

	var x, y, dw, dh float64
	switch {
	case whiteBackground:
		scale := (canvas - 2*WhitePadding) / math.Max(w, h)
		dw, dh = w*scale, h*scale
		x, y = (canvas-dw)/2, (canvas-dh)/2
	case width == height:
		dw, dh = canvas, canvas
	case width > height:
		dw = canvas
		dh = h * canvas / w
		y = (canvas - dh) / 2
	default:
		dh = canvas
		dw = w * canvas / h
		x = (canvas - dw) / 2
	}

	r := image.Rect(round(x), round(y), round(x+dw), round(y+dh))
	if r.Dx() == 0 {
		r.Max.X++
	}
	if r.Dy() == 0 {
		r.Max.Y++
	}
	return r
}

// ClassifyAndPlace renders src onto a fresh white canvas. width and height
// select the placement; the success path passes the decoded size and the
// failure path the placeholder size, so both share one policy.
func ClassifyAndPlace(src image.Image, whiteBackground bool, width, height int) *image.RGBA {
	canvas := newCanvas()
	target := Placement(width, height, whiteBackground)
	if target.Empty() {
		return canvas
	}
	xdraw.BiLinear.Scale(canvas, target, src, src.Bounds(), xdraw.Over, nil)
	return canvas
}

func newCanvas() *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, CanvasSize, CanvasSize))
	draw.Draw(canvas, canvas.Bounds(), image.White, image.Point{}, draw.Src)
	return canvas
}

func round(v float64) int {
	return int(math.Round(v))
}
