// Package encode turns processed frame buffers into the configured output
// format. Two encoders exist, mirroring the tool-preference split used
// elsewhere in the service: a pure-Go encoder and an ImageMagick-backed one
// for installs that want ImageMagick's JPEG tuning.
package encode

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	"skywatch/internal/config"
)

// Encoder serializes an image into the configured output format. The
// returned format string is the normalized name ("jpeg" or "png").
type Encoder interface {
	Encode(img image.Image, opts config.EncodingConfig) ([]byte, string, error)
}

// ForTool returns the encoder matching the configured tool preference.
// Unknown names fall back to the native encoder.
func ForTool(tool string) Encoder {
	if strings.EqualFold(tool, "imagick") {
		return &ImagickEncoder{}
	}
	return &NativeEncoder{}
}

// NativeEncoder uses the standard library codecs.
type NativeEncoder struct{}

func (e *NativeEncoder) Encode(img image.Image, opts config.EncodingConfig) ([]byte, string, error) {
	format := normalizeFormat(opts.Format)
	var buf bytes.Buffer
	switch format {
	case "png":
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", fmt.Errorf("encode png: %w", err)
		}
	case "jpeg":
		quality := opts.Quality
		if quality <= 0 || quality > 100 {
			quality = 90
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, "", fmt.Errorf("encode jpeg: %w", err)
		}
	default:
		return nil, "", fmt.Errorf("unsupported encoding format %q", opts.Format)
	}
	return buf.Bytes(), format, nil
}

func normalizeFormat(format string) string {
	switch strings.ToLower(format) {
	case "jpg", "jpeg":
		return "jpeg"
	case "png":
		return "png"
	default:
		return strings.ToLower(format)
	}
}

// ContentType maps a normalized format name to its MIME type.
func ContentType(format string) string {
	switch format {
	case "png":
		return "image/png"
	default:
		return "image/jpeg"
	}
}
