// Package normalize maps arbitrary source images onto the fixed 1500x1500
// canonical canvas.
//
// A source is decoded, classified as white-background or not by sampling five
// regions of its pixels, and then placed: white-background objects are scaled
// into a 900px box centred on the canvas, everything else is stretched to the
// full width (landscape), full height (portrait) or full frame (square).
// Sources that cannot be loaded or decoded are replaced by a synthesized
// placeholder which goes through the same placement step, so every input
// yields a canonical raster.
package normalize
