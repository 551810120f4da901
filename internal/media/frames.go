package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"net/http"
	"path/filepath"
	"strings"
)

// Kind is the detected upload type.
type Kind string

const (
	KindVideo   Kind = "video"
	KindArchive Kind = "archive"
)

// Frame is one decoded still. Image is nil when the frame could not be decoded.
type Frame struct {
	Index int
	Name  string
	Image image.Image
}

// Options configures an Extractor.
type Options struct {
	Video   VideoOptions
	Archive ArchiveOptions
}

// Extractor turns enrollment uploads into frames.
type Extractor struct {
	opts Options
}

// NewExtractor builds an Extractor.
func NewExtractor(opts Options) *Extractor {
	return &Extractor{opts: opts}
}

var videoExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".avi":  true,
	".webm": true,
	".mkv":  true,
	".m4v":  true,
}

// DetectKind classifies an upload from its content, falling back to the
// file extension.
func DetectKind(data []byte, filename string) (Kind, error) {
	if len(data) == 0 {
		return "", ErrEmpty
	}
	if bytes.HasPrefix(data, []byte("PK\x03\x04")) {
		return KindArchive, nil
	}
	if strings.HasPrefix(http.DetectContentType(data), "video/") || isMP4(data) {
		return KindVideo, nil
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if videoExtensions[ext] {
		return KindVideo, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupported, ext)
}

// isMP4 spots ISO base media files ("ftyp" box at offset 4), which the
// standard sniffer only partly recognises.
func isMP4(data []byte) bool {
	return len(data) >= 12 && string(data[4:8]) == "ftyp"
}

// Extract detects the upload kind and returns its frames in order.
func (e *Extractor) Extract(ctx context.Context, data []byte, filename string) ([]Frame, Kind, error) {
	kind, err := DetectKind(data, filename)
	if err != nil {
		return nil, "", err
	}
	switch kind {
	case KindArchive:
		frames, err := ArchiveFrames(data, e.opts.Archive)
		return frames, kind, err
	default:
		ext := strings.ToLower(filepath.Ext(filename))
		if !videoExtensions[ext] {
			ext = ".mp4"
		}
		frames, err := VideoFrames(ctx, data, ext, e.opts.Video)
		return frames, kind, err
	}
}
