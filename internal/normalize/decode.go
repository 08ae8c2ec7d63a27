package normalize

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	// Registered decoders for sources the pipeline accepts.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrLoadTimeout reports a source that did not load within the load timeout.
var ErrLoadTimeout = errors.New("image load timed out")

// ErrDecode reports a source whose bytes are not a decodable image.
var ErrDecode = errors.New("image decode failed")

// maxSourcePixels bounds decoded sources to keep a single canvas allocation sane.
const maxSourcePixels = 100_000_000

type decoded struct {
	img    image.Image
	format string
	width  int
	height int
}

func decode(data []byte) (decoded, error) {
	if len(data) == 0 {
		return decoded{}, fmt.Errorf("%w: empty body", ErrDecode)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return decoded{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return decoded{}, fmt.Errorf("%w: empty %s image", ErrDecode, format)
	}
	if cfg.Width*cfg.Height > maxSourcePixels {
		return decoded{width: cfg.Width, height: cfg.Height, format: format},
			fmt.Errorf("%w: %dx%d exceeds pixel budget", ErrDecode, cfg.Width, cfg.Height)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return decoded{width: cfg.Width, height: cfg.Height, format: format}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	b := img.Bounds()
	return decoded{img: img, format: format, width: b.Dx(), height: b.Dy()}, nil
}
