package thumbnails

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"
)

// CommandRunner executes an external command with stdin attached and returns
// its stdout.
type CommandRunner func(ctx context.Context, stdin io.Reader, binary string, args ...string) ([]byte, error)

// Source provides the clip bytes for one decode. Path is used when the clip is
// on disk; otherwise Open streams it. Open may be called more than once.
type Source struct {
	Path string
	Open func(ctx context.Context) (io.ReadCloser, error)
}

// Decoder extracts a single still frame as JPEG.
type Decoder interface {
	Decode(ctx context.Context, src Source) ([]byte, error)
}

// FFmpegDecoder grabs one frame with the ffmpeg CLI.
type FFmpegDecoder struct {
	Binary  string
	Offset  time.Duration
	Timeout time.Duration
	Run     CommandRunner
}

// NewFFmpegDecoder constructs a Decoder that shells out to ffmpeg.
func NewFFmpegDecoder(binary string, offset, timeout time.Duration) *FFmpegDecoder {
	if strings.TrimSpace(binary) == "" {
		binary = "ffmpeg"
	}
	if offset < 0 {
		offset = 0
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &FFmpegDecoder{
		Binary:  binary,
		Offset:  offset,
		Timeout: timeout,
		Run:     defaultCommandRunner,
	}
}

// Decode seeks to Offset and falls back to the first frame when the clip is
// shorter than that, which ffmpeg reports as empty output.
func (d *FFmpegDecoder) Decode(ctx context.Context, src Source) ([]byte, error) {
	if d.Run == nil {
		d.Run = defaultCommandRunner
	}

	frame, err := d.grab(ctx, src, d.Offset)
	if err != nil {
		return nil, err
	}
	if len(frame) == 0 && d.Offset > 0 {
		frame, err = d.grab(ctx, src, 0)
		if err != nil {
			return nil, err
		}
	}
	if len(frame) == 0 {
		return nil, errors.New("ffmpeg produced no frame")
	}
	return frame, nil
}

func (d *FFmpegDecoder) grab(ctx context.Context, src Source, offset time.Duration) ([]byte, error) {
	execCtx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	input := src.Path
	var stdin io.Reader
	if input == "" {
		if src.Open == nil {
			return nil, errors.New("thumbnail source has no bytes")
		}
		rc, err := src.Open(execCtx)
		if err != nil {
			return nil, fmt.Errorf("open clip stream: %w", err)
		}
		defer rc.Close()
		input = "pipe:0"
		stdin = rc
	}

	out, err := d.Run(execCtx, stdin, d.Binary, frameArgs(input, offset)...)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg frame grab: %w", err)
	}
	return out, nil
}

func frameArgs(input string, offset time.Duration) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if offset > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.3f", offset.Seconds()))
	}
	return append(args,
		"-i", input,
		"-frames:v", "1",
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-",
	)
}

func defaultCommandRunner(ctx context.Context, stdin io.Reader, binary string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdin = stdin
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}
