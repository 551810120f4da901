// Package media turns uploaded captures (video, image archives, base64
// snapshots) into decoded frames and encodes derived images.
package media

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
)

// ErrUnsupported is returned for media the pipeline cannot read.
var ErrUnsupported = errors.New("media: unsupported format")

// ErrEmpty is returned for zero-length input.
var ErrEmpty = errors.New("media: empty input")

// DecodeImage decodes JPEG, PNG, BMP, GIF or WebP bytes, applying EXIF
// orientation so faces from phone cameras are upright.
func DecodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
		}
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// DecodeSnapshot decodes a capture client's snapshot: either a data URL
// ("data:image/jpeg;base64,...") or bare standard base64.
func DecodeSnapshot(snapshot string) (image.Image, []byte, error) {
	raw := strings.TrimSpace(snapshot)
	if raw == "" {
		return nil, nil, ErrEmpty
	}
	if strings.HasPrefix(raw, "data:") {
		idx := strings.Index(raw, ",")
		if idx < 0 || !strings.Contains(raw[:idx], ";base64") {
			return nil, nil, fmt.Errorf("%w: malformed data url", ErrUnsupported)
		}
		raw = raw[idx+1:]
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(raw); err != nil {
			return nil, nil, fmt.Errorf("decode snapshot base64: %w", err)
		}
	}
	img, err := DecodeImage(data)
	if err != nil {
		return nil, nil, err
	}
	return img, data, nil
}

// EncodeJPEG encodes img for transport to face providers.
func EncodeJPEG(img image.Image) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(92)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Thumbnail crops img to a size x size square around its centre and encodes
// it as lossy WebP.
func Thumbnail(img image.Image, size int) ([]byte, error) {
	thumb := imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos)
	buf := &bytes.Buffer{}
	if err := webp.Encode(buf, thumb, &webp.Options{Lossless: false, Quality: 85}); err != nil {
		return nil, fmt.Errorf("encode webp thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
