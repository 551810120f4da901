package media

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// VideoOptions configures frame sampling through ffmpeg.
type VideoOptions struct {
	FFmpegPath  string
	FFprobePath string
	MaxFrames   int
}

// SampleInterval returns the stride between sampled frames so that at most
// maxFrames evenly spaced frames are taken from total.
func SampleInterval(total, maxFrames int) int {
	if maxFrames <= 0 {
		return 1
	}
	k := total / maxFrames
	if k < 1 {
		return 1
	}
	return k
}

// VideoFrames samples frames 0, k, 2k, ... from a video, at most MaxFrames
// of them, where k = max(1, total/MaxFrames).
func VideoFrames(ctx context.Context, data []byte, ext string, opts VideoOptions) ([]Frame, error) {
	dir, err := os.MkdirTemp("", "faceattend-video-*")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	if ext == "" {
		ext = ".mp4"
	}
	input := filepath.Join(dir, "input"+ext)
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return nil, fmt.Errorf("write video: %w", err)
	}

	total, err := countFrames(ctx, opts.ffprobe(), input)
	if err != nil {
		return nil, err
	}
	k := SampleInterval(total, opts.MaxFrames)

	outPattern := filepath.Join(dir, "frame_%05d.png")
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", input,
		"-vf", fmt.Sprintf(`select=not(mod(n\,%d))`, k),
		"-vsync", "vfr",
	}
	if opts.MaxFrames > 0 {
		args = append(args, "-frames:v", strconv.Itoa(opts.MaxFrames))
	}
	args = append(args, outPattern)
	if out, err := run(ctx, opts.ffmpeg(), args...); err != nil {
		return nil, fmt.Errorf("%w: ffmpeg: %v: %s", ErrUnsupported, err, strings.TrimSpace(out))
	}

	names, err := filepath.Glob(filepath.Join(dir, "frame_*.png"))
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}
	sort.Strings(names)

	frames := make([]Frame, 0, len(names))
	for i, name := range names {
		content, err := os.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		img, err := DecodeImage(content)
		if err != nil {
			frames = append(frames, Frame{Index: i * k, Name: filepath.Base(name)})
			continue
		}
		frames = append(frames, Frame{Index: i * k, Name: filepath.Base(name), Image: img})
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: video has no decodable frames", ErrUnsupported)
	}
	return frames, nil
}

// countFrames asks ffprobe for the number of video packets. Zero means unknown.
func countFrames(ctx context.Context, ffprobe, input string) (int, error) {
	out, err := run(ctx, ffprobe,
		"-v", "error",
		"-select_streams", "v:0",
		"-count_packets",
		"-show_entries", "stream=nb_read_packets",
		"-of", "csv=p=0",
		input,
	)
	if err != nil {
		return 0, fmt.Errorf("%w: ffprobe: %v: %s", ErrUnsupported, err, strings.TrimSpace(out))
	}
	field := strings.TrimSpace(strings.Split(strings.TrimSpace(out), "\n")[0])
	field = strings.TrimSuffix(field, ",")
	n, err := strconv.Atoi(field)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func run(ctx context.Context, bin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

func (o VideoOptions) ffmpeg() string {
	if o.FFmpegPath == "" {
		return "ffmpeg"
	}
	return o.FFmpegPath
}

func (o VideoOptions) ffprobe() string {
	if o.FFprobePath == "" {
		return "ffprobe"
	}
	return o.FFprobePath
}
