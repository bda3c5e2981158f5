// ============================================================================
// Beaver-Encode Media - ffmpeg Collaborators
// ============================================================================
//
// Package: internal/media
// File: ffmpeg.go
// Purpose: The partition, reassembly and per-chunk encode steps around the
//          scheduler, all delegated to the ffmpeg executable.
//
// Pipeline:
//   Segment                 input → segments/chunk_%04d.mp4  (video only, stream copy)
//   ExtractNonVideoStreams  input → audio.mkv                (everything but video)
//   Encode                  chunk → encoded chunk            (operator params)
//   Concatenate             encoded chunks + audio.mkv → output
//
// Segment boundaries fall on keyframes, so the number of segments is only
// known after Segment returns. Callers must use the returned list, never a
// count derived from the duration.
//
// ============================================================================

package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/ChuLiYu/beaver-encode/internal/logging"
)

var (
	// ErrFFmpegNotFound means the ffmpeg executable is not on PATH.
	ErrFFmpegNotFound = errors.New("ffmpeg not found")
	// ErrSegmentation means the input could not be split.
	ErrSegmentation = errors.New("failed to split video")
	// ErrExtraction means non-video streams could not be extracted.
	ErrExtraction = errors.New("failed to extract non-video streams")
	// ErrConcatenation means the final output could not be assembled.
	ErrConcatenation = errors.New("failed to concatenate segments")
	// ErrEncode means ffmpeg failed to encode one chunk.
	ErrEncode = errors.New("failed to encode chunk")
)

const (
	// SegmentPattern names the files produced by Segment.
	SegmentPattern = "chunk_%04d.mp4"
	// SideFileName is the container holding the non-video streams.
	SideFileName = "audio.mkv"
	concatList   = "file_list.txt"
	segmentGlob  = "chunk_*.mp4"
)

// FFmpeg drives the ffmpeg executable.
type FFmpeg struct {
	path   string
	runner Runner
	log    hclog.Logger
}

// Options configures an FFmpeg.
type Options struct {
	// Path is the executable, "ffmpeg" when empty.
	Path   string
	Runner Runner
	Logger hclog.Logger
}

// New returns an FFmpeg using opts, defaulting to os/exec.
func New(opts Options) *FFmpeg {
	log := logging.OrDefault(opts.Logger).Named("ffmpeg")
	f := &FFmpeg{
		path:   opts.Path,
		runner: opts.Runner,
		log:    log,
	}
	if f.path == "" {
		f.path = "ffmpeg"
	}
	if f.runner == nil {
		f.runner = ExecRunner{Logger: log}
	}
	return f
}

// Verify checks that the executable can be found.
func (f *FFmpeg) Verify() error {
	path, err := exec.LookPath(f.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFFmpegNotFound, err)
	}
	f.log.Info("FFmpeg found", "path", path)
	return nil
}

// Segment splits the video streams of input into roughly duration-second
// pieces under dir and returns them in sequence order.
func (f *FFmpeg) Segment(ctx context.Context, input string, duration float64, dir string) ([]string, error) {
	if duration <= 0 {
		return nil, fmt.Errorf("%w: segment duration must be positive, got %v", ErrSegmentation, duration)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSegmentation, err)
	}
	// dir may hold a kept workspace from an earlier run with more segments.
	if err := removeSegments(dir); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSegmentation, err)
	}

	args := []string{
		"-hide_banner",
		"-i", input,
		"-y",
		"-an", "-sn", "-dn",
		"-c", "copy",
		"-map", "0",
		"-segment_time", strconv.FormatFloat(duration, 'f', -1, 64),
		"-f", "segment",
		"-reset_timestamps", "1",
		filepath.Join(dir, SegmentPattern),
	}
	if err := f.runner.Run(ctx, f.path, args...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSegmentation, err)
	}

	segments, err := filepath.Glob(filepath.Join(dir, segmentGlob))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSegmentation, err)
	}
	// Zero padding makes lexical order the sequence order.
	sort.Strings(segments)

	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: ffmpeg produced no segments", ErrSegmentation)
	}

	f.log.Info("Video split into segments", "count", len(segments))
	return segments, nil
}

func removeSegments(dir string) error {
	stale, err := filepath.Glob(filepath.Join(dir, segmentGlob))
	if err != nil {
		return err
	}
	for _, p := range stale {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale segment: %w", err)
		}
	}
	return nil
}

// ExtractNonVideoStreams copies every non-video stream of input into
// dir/audio.mkv and returns that path.
func (f *FFmpeg) ExtractNonVideoStreams(ctx context.Context, input, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrExtraction, err)
	}

	side := filepath.Join(dir, SideFileName)
	args := []string{
		"-hide_banner",
		"-i", input,
		"-y",
		"-vn",
		"-c", "copy",
		side,
	}
	if err := f.runner.Run(ctx, f.path, args...); err != nil {
		return "", fmt.Errorf("%w: %v", ErrExtraction, err)
	}
	return side, nil
}

// Concatenate joins segments in the given order, adds every stream of side
// and writes output. It fails before running ffmpeg when the count differs
// from expected or a segment is missing. The concat list is written to
// listDir.
func (f *FFmpeg) Concatenate(ctx context.Context, segments []string, side, output string, expected int, listDir string) error {
	if len(segments) != expected {
		return fmt.Errorf("%w: segment count mismatch, expected %d, found %d", ErrConcatenation, expected, len(segments))
	}
	for _, p := range segments {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("%w: segment file not found: %s", ErrConcatenation, p)
		}
	}

	listPath, err := writeConcatList(listDir, segments)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConcatenation, err)
	}
	defer os.Remove(listPath)

	args := []string{
		"-hide_banner",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-i", side,
		"-map", "0:v",
		"-map", "1",
		"-c", "copy",
		"-y",
		output,
	}
	if err := f.runner.Run(ctx, f.path, args...); err != nil {
		return fmt.Errorf("%w: %v", ErrConcatenation, err)
	}

	f.log.Info("Concatenated encoded segments", "count", len(segments), "output", output)
	return nil
}

// Encode runs "ffmpeg -hide_banner -i input <params...> output".
func (f *FFmpeg) Encode(ctx context.Context, input, output string, params []string) error {
	args := make([]string, 0, len(params)+4)
	args = append(args, "-hide_banner", "-i", input)
	args = append(args, params...)
	args = append(args, output)

	if err := f.runner.Run(ctx, f.path, args...); err != nil {
		return fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return nil
}

// writeConcatList writes the concat demuxer input. Paths are absolute because
// ffmpeg resolves relative entries against the list file's directory.
func writeConcatList(dir string, segments []string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	var b strings.Builder
	for _, p := range segments {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", err
		}
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(abs, "'", `'\''`))
		b.WriteString("'\n")
	}

	path := filepath.Join(dir, concatList)
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
