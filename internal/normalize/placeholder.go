package normalize

import (
	"errors"
	"image"
	"image/color"
	"image/draw"
	"unicode/utf8"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"

	"github.com/kr0osti/image-processor/internal/ingest"
)

// Placeholder raster dimensions.
const (
	PlaceholderWidth  = 800
	PlaceholderHeight = 1000
)

const (
	placeholderTitle   = "Image Not Available"
	defaultReasonText  = "CORS Protection or Access Restricted"
	timeoutReasonText  = "Image Load Timed Out"
	decodeReasonText   = "Unsupported or Corrupt Image"
	iconSize           = 100
	borderWidth        = 2
	urlDisplayMax      = 60
	urlDisplayTruncate = 57
)

var (
	placeholderFill   = color.RGBA{R: 0xf5, G: 0xf5, B: 0xf5, A: 0xff}
	placeholderBorder = color.RGBA{R: 0xdd, G: 0xdd, B: 0xdd, A: 0xff}
	placeholderIcon   = color.RGBA{R: 0xaa, G: 0xaa, B: 0xaa, A: 0xff}
	placeholderText   = color.RGBA{R: 0x66, G: 0x66, B: 0x66, A: 0xff}
)

// PlaceholderSpec describes the stand-in rendered for a source that failed to load.
type PlaceholderSpec struct {
	SourceURL          string
	Filename           string
	ReasonText         string
	OriginalWidthHint  int
	OriginalHeightHint int
}

// NewPlaceholderSpec derives the placeholder text from the source and the load failure.
func NewPlaceholderSpec(sourceURL string, cause error) PlaceholderSpec {
	reason := defaultReasonText
	switch {
	case errors.Is(cause, ErrLoadTimeout):
		reason = timeoutReasonText
	case errors.Is(cause, ErrDecode):
		reason = decodeReasonText
	}
	return PlaceholderSpec{
		SourceURL:  sourceURL,
		Filename:   ingest.FilenameFromURL(sourceURL, "image"),
		ReasonText: reason,
	}
}

// SynthesizePlaceholder renders an 800x1000 stand-in raster. It never fails.
func SynthesizePlaceholder(ph PlaceholderSpec) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, PlaceholderWidth, PlaceholderHeight))
	draw.Draw(img, img.Bounds(), image.NewUniform(placeholderFill), image.Point{}, draw.Src)
	drawBorder(img, placeholderBorder, borderWidth)

	x := float32(PlaceholderWidth-iconSize) / 2
	y := float32(PlaceholderHeight-iconSize)/2 - 50
	drawBrokenImageGlyph(img, x, y, iconSize)

	reason := ph.ReasonText
	if reason == "" {
		reason = defaultReasonText
	}
	base := int(y) + iconSize
	drawCentered(img, placeholderTitle, base+40, true)
	drawCentered(img, ph.Filename, base+70, false)
	drawCentered(img, reason, base+100, false)
	drawCentered(img, truncateURL(ph.SourceURL), base+130, false)
	return img
}

// truncateURL shortens long URLs without splitting a multi-byte rune.
func truncateURL(raw string) string {
	if len(raw) <= urlDisplayMax {
		return raw
	}
	cut := urlDisplayTruncate
	for cut > 0 && !utf8.RuneStart(raw[cut]) {
		cut--
	}
	return raw[:cut] + "..."
}

func drawBorder(img *image.RGBA, c color.Color, width int) {
	b := img.Bounds()
	src := image.NewUniform(c)
	for _, r := range []image.Rectangle{
		image.Rect(b.Min.X, b.Min.Y, b.Max.X, b.Min.Y+width),
		image.Rect(b.Min.X, b.Max.Y-width, b.Max.X, b.Max.Y),
		image.Rect(b.Min.X, b.Min.Y, b.Min.X+width, b.Max.Y),
		image.Rect(b.Max.X-width, b.Min.Y, b.Max.X, b.Max.Y),
	} {
		draw.Draw(img, r, src, image.Point{}, draw.Src)
	}
}

// drawBrokenImageGlyph draws a mountain outline with a sun inside a size x size box at (x, y).
func drawBrokenImageGlyph(img *image.RGBA, x, y, size float32) {
	b := img.Bounds()
	z := vector.NewRasterizer(b.Dx(), b.Dy())
	z.MoveTo(x, y+size)
	z.LineTo(x+size*0.3, y+size*0.5)
	z.LineTo(x+size*0.5, y+size*0.7)
	z.LineTo(x+size*0.7, y+size*0.3)
	z.LineTo(x+size, y+size)
	z.ClosePath()
	addCircle(z, x+size*0.8, y+size*0.2, size*0.1)
	z.Draw(img, b, image.NewUniform(placeholderIcon), image.Point{})
}

// addCircle approximates a circle with four cubic Bezier arcs.
func addCircle(z *vector.Rasterizer, cx, cy, r float32) {
	const k = 0.5522848
	c := r * k
	z.MoveTo(cx+r, cy)
	z.CubeTo(cx+r, cy+c, cx+c, cy+r, cx, cy+r)
	z.CubeTo(cx-c, cy+r, cx-r, cy+c, cx-r, cy)
	z.CubeTo(cx-r, cy-c, cx-c, cy-r, cx, cy-r)
	z.CubeTo(cx+c, cy-r, cx+r, cy-c, cx+r, cy)
	z.ClosePath()
}

// drawCentered writes text horizontally centred with its baseline at y.
func drawCentered(img *image.RGBA, text string, baseline int, bold bool) {
	if text == "" {
		return
	}
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(placeholderText),
		Face: basicfont.Face7x13,
	}
	width := d.MeasureString(text).Round()
	x := (img.Bounds().Dx() - width) / 2
	d.Dot = fixed.P(x, baseline)
	d.DrawString(text)
	if bold {
		d.Dot = fixed.P(x+1, baseline)
		d.DrawString(text)
	}
}
