package media

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".bmp":  true,
	".webp": true,
}

// ArchiveOptions bounds archive extraction.
type ArchiveOptions struct {
	MaxImages     int
	MaxEntryBytes int64
}

// ArchiveFrames reads every image entry of a zip archive in filename order.
// Directories and macOS resource forks are skipped. Entries larger than
// MaxEntryBytes are rejected outright.
func ArchiveFrames(data []byte, opts ArchiveOptions) ([]Frame, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: not a zip archive: %v", ErrUnsupported, err)
	}

	files := make([]*zip.File, 0, len(zr.File))
	for _, f := range zr.File {
		name := f.Name
		if f.FileInfo().IsDir() || strings.HasPrefix(name, "__MACOSX/") || strings.HasPrefix(path.Base(name), "._") {
			continue
		}
		if !imageExtensions[strings.ToLower(path.Ext(name))] {
			continue
		}
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

	if opts.MaxImages > 0 && len(files) > opts.MaxImages {
		files = files[:opts.MaxImages]
	}

	frames := make([]Frame, 0, len(files))
	for i, f := range files {
		if opts.MaxEntryBytes > 0 && f.UncompressedSize64 > uint64(opts.MaxEntryBytes) {
			return nil, fmt.Errorf("archive entry %s exceeds %d bytes", f.Name, opts.MaxEntryBytes)
		}
		content, err := readEntry(f, opts.MaxEntryBytes)
		if err != nil {
			return nil, err
		}
		img, err := DecodeImage(content)
		if err != nil {
			// unreadable entries count as frames without faces
			frames = append(frames, Frame{Index: i, Name: f.Name})
			continue
		}
		frames = append(frames, Frame{Index: i, Name: f.Name, Image: img})
	}
	return frames, nil
}

func readEntry(f *zip.File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open archive entry %s: %w", f.Name, err)
	}
	defer rc.Close() //nolint:errcheck

	var r io.Reader = rc
	if limit > 0 {
		r = io.LimitReader(rc, limit+1)
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read archive entry %s: %w", f.Name, err)
	}
	if limit > 0 && int64(len(content)) > limit {
		return nil, fmt.Errorf("archive entry %s exceeds %d bytes", f.Name, limit)
	}
	return content, nil
}
