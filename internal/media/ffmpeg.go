package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Static errors for media operations.
var (
	// ErrNoVideoPaths is returned when no video paths are provided for joining.
	ErrNoVideoPaths = errors.New("no video paths provided")
	// ErrFFprobeExecution is returned when ffprobe command fails.
	ErrFFprobeExecution = errors.New("ffprobe execution failed")
)

// Compile-time check that FFmpegProcessor implements Processor.
var _ Processor = (*FFmpegProcessor)(nil)

// FFmpegProcessor implements Processor using the ffmpeg and ffprobe CLIs.
type FFmpegProcessor struct {
	ffmpegPath  string
	ffprobePath string
	logger      *slog.Logger
}

// Option configures an FFmpegProcessor.
type Option func(*FFmpegProcessor)

// WithFFprobePath overrides the ffprobe binary.
func WithFFprobePath(path string) Option {
	return func(p *FFmpegProcessor) {
		if path != "" {
			p.ffprobePath = path
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *FFmpegProcessor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewFFmpegProcessor creates a new FFmpegProcessor.
// If ffmpegPath is empty, it defaults to "ffmpeg" (found via PATH).
func NewFFmpegProcessor(ffmpegPath string, opts ...Option) *FFmpegProcessor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	p := &FFmpegProcessor{
		ffmpegPath:  ffmpegPath,
		ffprobePath: "ffprobe",
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// JoinVideos concatenates multiple video files into a single output file.
// The result is written next to output and renamed into place only on success.
func (p *FFmpegProcessor) JoinVideos(ctx context.Context, videoPaths []string, output string) error {
	if len(videoPaths) == 0 {
		return ErrNoVideoPaths
	}

	partial := output + ".part" + filepath.Ext(output)
	defer func() { _ = os.Remove(partial) }()

	if err := p.join(ctx, videoPaths, partial); err != nil {
		return err
	}
	if err := os.Rename(partial, output); err != nil {
		return fmt.Errorf("move joined video into place: %w", err)
	}
	return nil
}

func (p *FFmpegProcessor) join(ctx context.Context, videoPaths []string, output string) error {
	if len(videoPaths) == 1 {
		return p.copyFile(videoPaths[0], output)
	}

	listFile, err := p.createConcatList(videoPaths)
	if err != nil {
		return fmt.Errorf("create concat list: %w", err)
	}
	defer func() { _ = os.Remove(listFile) }()

	infos, err := p.probeAll(ctx, videoPaths)
	compatible := Compatible(infos)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		// Unknown layout: let the copy attempt decide.
		p.logger.Warn("probe failed, trying stream copy", slog.String("error", err.Error()))
		compatible = true
	}

	if compatible {
		err := p.joinWithCopy(ctx, listFile, output)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		p.logger.Info("stream copy failed, re-encoding", slog.Int("inputs", len(videoPaths)))
	}

	var target StreamInfo
	if err == nil {
		target = infos[0]
	}
	return p.joinWithReencode(ctx, listFile, output, target.Width, target.Height)
}

func (p *FFmpegProcessor) probeAll(ctx context.Context, videoPaths []string) ([]StreamInfo, error) {
	infos := make([]StreamInfo, 0, len(videoPaths))
	for _, path := range videoPaths {
		info, err := p.ProbeStreams(ctx, path)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// joinWithCopy attempts to concatenate videos using stream copy (no re-encoding).
func (p *FFmpegProcessor) joinWithCopy(ctx context.Context, listFile, output string) error {
	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0", // absolute paths
		"-i", listFile,
		"-c", "copy",
		output,
	}
	return p.runFFmpeg(ctx, args)
}

// joinWithReencode concatenates videos by re-encoding with libx264/aac. When w and h
// are known every clip is scaled into that frame with black padding.
func (p *FFmpegProcessor) joinWithReencode(ctx context.Context, listFile, output string, w, h int) error {
	args := []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listFile,
	}
	if w > 0 && h > 0 {
		filter := fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:black", w, h, w, h)
		args = append(args, "-vf", filter)
	}
	args = append(args,
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "23",
		"-pix_fmt", "yuv420p",
		"-c:a", "aac",
		"-b:a", "128k",
		output,
	)
	return p.runFFmpeg(ctx, args)
}

// createConcatList writes the input list in the format of ffmpeg's concat demuxer.
func (p *FFmpegProcessor) createConcatList(videoPaths []string) (string, error) {
	f, err := os.CreateTemp("", "ffmpeg-concat-*.txt")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = f.Close() }()

	for _, path := range videoPaths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("get absolute path for %s: %w", path, err)
		}
		escapedPath := strings.ReplaceAll(absPath, "'", "'\\''")
		if _, err := fmt.Fprintf(f, "file '%s'\n", escapedPath); err != nil {
			return "", fmt.Errorf("write to concat list: %w", err)
		}
	}

	return f.Name(), nil
}

func (p *FFmpegProcessor) copyFile(src, dst string) error {
	input, err := os.ReadFile(src) // #nosec G304 - src is provided by trusted internal code
	if err != nil {
		return fmt.Errorf("read source file: %w", err)
	}
	if err := os.WriteFile(dst, input, 0600); err != nil {
		return fmt.Errorf("write destination file: %w", err)
	}
	return nil
}

// runFFmpeg executes ffmpeg and returns an FFmpegError carrying stderr on failure.
func (p *FFmpegProcessor) runFFmpeg(ctx context.Context, args []string) error {
	// #nosec G204 - ffmpegPath is set by the application, not user input
	cmd := exec.CommandContext(ctx, p.ffmpegPath, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return &FFmpegError{
			Args:   args,
			Stderr: stderr.String(),
			Err:    err,
		}
	}
	return nil
}

// FFmpegError represents an error from running ffmpeg, including the stderr output.
type FFmpegError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, e.Stderr)
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}

func (p *FFmpegProcessor) runFFprobe(ctx context.Context, args ...string) ([]byte, error) {
	// #nosec G204 - ffprobePath is set by the application, not user input
	cmd := exec.CommandContext(ctx, p.ffprobePath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ffprobe cancelled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("%w: %w, stderr: %s", ErrFFprobeExecution, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

type probeOutput struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		SampleRate string `json:"sample_rate"`
	} `json:"streams"`
}

// ProbeStreams reads the first video and audio stream of path with ffprobe.
func (p *FFmpegProcessor) ProbeStreams(ctx context.Context, path string) (StreamInfo, error) {
	out, err := p.runFFprobe(ctx,
		"-v", "error",
		"-show_entries", "stream=codec_type,codec_name,width,height,sample_rate",
		"-of", "json",
		path,
	)
	if err != nil {
		return StreamInfo{}, err
	}
	return parseProbe(out)
}

func parseProbe(data []byte) (StreamInfo, error) {
	var probe probeOutput
	if err := json.Unmarshal(data, &probe); err != nil {
		return StreamInfo{}, fmt.Errorf("parse ffprobe output: %w", err)
	}

	var info StreamInfo
	for _, s := range probe.Streams {
		switch s.CodecType {
		case "video":
			if info.VideoCodec == "" {
				info.VideoCodec, info.Width, info.Height = s.CodecName, s.Width, s.Height
			}
		case "audio":
			if info.AudioCodec == "" {
				info.AudioCodec, info.SampleRate = s.CodecName, s.SampleRate
			}
		}
	}
	return info, nil
}

// MediaDuration returns the duration in seconds of a media file.
func (p *FFmpegProcessor) MediaDuration(ctx context.Context, path string) (float64, error) {
	out, err := p.runFFprobe(ctx,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	if err != nil {
		return 0, err
	}

	var duration float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(out)), "%f", &duration); err != nil {
		return 0, fmt.Errorf("parse duration: %w", err)
	}
	return duration, nil
}
