// Package codec decodes uploaded images into NRGBA buffers and encodes
// annotated buffers back into JPEG or PNG.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/disintegration/imaging"
)

type Format string

const (
	JPEG Format = "jpeg"
	PNG  Format = "png"

	DefaultJPEGQuality = 90
)

var (
	ErrEmptyImage        = errors.New("image data is empty")
	ErrUnsupportedFormat = errors.New("unsupported output format")
)

// ParseFormat maps a user supplied format name to a Format. An empty name selects JPEG.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "jpeg", "jpg":
		return JPEG, nil
	case "png":
		return PNG, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
	}
}

func (f Format) MediaType() string {
	switch f {
	case PNG:
		return "image/png"
	default:
		return "image/jpeg"
	}
}

// Decode returns a private NRGBA copy of the encoded image. EXIF orientation is
// ignored so the buffer keeps the stored dimensions.
func Decode(data []byte) (img *image.NRGBA, err error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}

	defer func() {
		if r := recover(); r != nil {
			img, err = nil, fmt.Errorf("decoder panic: %v", r)
		}
	}()

	decoded, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	return imaging.Clone(decoded), nil
}

func Encode(img image.Image, format Format, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}

	var buf bytes.Buffer
	var err error
	switch format {
	case JPEG, "":
		err = imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality))
	case PNG:
		err = imaging.Encode(&buf, img, imaging.PNG)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}
