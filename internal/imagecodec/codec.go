// Package imagecodec converts between the base64 transport form of an image
// and in-memory rasters.
package imagecodec

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"strings"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// DefaultJPEGQuality matches the quality OpenCV uses for imencode.
const DefaultJPEGQuality = 95

// DefaultMaxPixels bounds the raster size Decode will allocate.
const DefaultMaxPixels = 40_000_000

// ErrDecode is returned for input that is not valid base64 or not a
// supported image.
var ErrDecode = errors.New("decode image")

// Decoded is an image decoded from a request, owned by that request only.
type Decoded struct {
	Image  image.Image
	Raw    []byte
	Format string
}

// Decode turns a base64 string, optionally prefixed with a data URL header,
// into an image no larger than DefaultMaxPixels.
func Decode(encoded string) (*Decoded, error) {
	return DecodeWithLimit(encoded, DefaultMaxPixels)
}

// DecodeWithLimit is Decode with an explicit pixel budget. The header is
// checked before any raster is allocated. maxPixels <= 0 uses DefaultMaxPixels.
func DecodeWithLimit(encoded string, maxPixels int64) (*Decoded, error) {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	raw, err := DecodeBase64(encoded)
	if err != nil {
		return nil, err
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid dimensions %dx%d", ErrDecode, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, maxPixels)
	}
	img, format, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return &Decoded{Image: img, Raw: raw, Format: format}, nil
}

// DecodeBase64 accepts padded and unpadded standard base64.
func DecodeBase64(encoded string) ([]byte, error) {
	payload := strings.TrimSpace(encoded)
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 {
			return nil, fmt.Errorf("%w: malformed data URL", ErrDecode)
		}
		payload = payload[comma+1:]
	}
	payload = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, payload)
	if payload == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}

	enc := base64.StdEncoding
	if len(payload)%4 != 0 && !strings.HasSuffix(payload, "=") {
		enc = base64.RawStdEncoding
	}
	raw, err := enc.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return raw, nil
}

// EncodeJPEG compresses img as JPEG. Quality outside [1,100] uses the default.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality < 1 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeBase64JPEG compresses img as JPEG and wraps it in standard base64.
func EncodeBase64JPEG(img image.Image, quality int) (string, error) {
	data, err := EncodeJPEG(img, quality)
	if err != nil {
		return "", err
	}
	return EncodeBase64(data), nil
}

// EncodeBase64 wraps already encoded image bytes.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
