package encode

import (
	"fmt"
	"image"
	"strings"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"

	"skywatch/internal/config"
)

var imagickInit sync.Once

// ImagickEncoder encodes through the ImageMagick bindings. The library is
// initialized once for the process lifetime; Terminate is deliberately never
// called because encoders outlive any single frame.
type ImagickEncoder struct{}

func (e *ImagickEncoder) Encode(img image.Image, opts config.EncodingConfig) ([]byte, string, error) {
	rgba, ok := img.(*image.RGBA)
	if !ok {
		b := img.Bounds()
		rgba = image.NewRGBA(b)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				rgba.Set(x, y, img.At(x, y))
			}
		}
	}

	format := normalizeFormat(opts.Format)
	if format != "jpeg" && format != "png" {
		return nil, "", fmt.Errorf("unsupported encoding format %q", opts.Format)
	}

	imagickInit.Do(imagick.Initialize)

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	b := rgba.Bounds()
	if err := mw.ConstituteImage(uint(b.Dx()), uint(b.Dy()), "RGBA", imagick.PIXEL_CHAR, rgba.Pix); err != nil {
		return nil, "", fmt.Errorf("constitute image: %w", err)
	}
	if err := mw.SetImageFormat(strings.ToUpper(format)); err != nil {
		return nil, "", fmt.Errorf("set format: %w", err)
	}
	if format == "jpeg" {
		quality := opts.Quality
		if quality <= 0 || quality > 100 {
			quality = 90
		}
		if err := mw.SetImageCompressionQuality(uint(quality)); err != nil {
			return nil, "", fmt.Errorf("set quality: %w", err)
		}
	}

	blob, err := mw.GetImageBlob()
	if err != nil {
		return nil, "", fmt.Errorf("get image blob: %w", err)
	}
	return blob, format, nil
}
