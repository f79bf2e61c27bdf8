package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FFmpegDevice records from a local capture input with the ffmpeg CLI.
type FFmpegDevice struct {
	Binary      string
	InputFormat string
	Input       string
	TempDir     string

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	output  string
	waitErr chan error
}

// NewFFmpegDevice constructs a device reading inputFormat/input, e.g. v4l2 and
// /dev/video0, and writing takes into tempDir.
func NewFFmpegDevice(binary, inputFormat, input, tempDir string) *FFmpegDevice {
	if strings.TrimSpace(binary) == "" {
		binary = "ffmpeg"
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &FFmpegDevice{
		Binary:      binary,
		InputFormat: inputFormat,
		Input:       input,
		TempDir:     tempDir,
	}
}

// RequestPermission checks that the capture input can be opened. Inputs that
// are not device nodes are always granted.
func (d *FFmpegDevice) RequestPermission(context.Context) (bool, error) {
	if !strings.HasPrefix(d.Input, "/dev/") {
		return true, nil
	}
	f, err := os.Open(d.Input)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return false, nil
		}
		return false, err
	}
	_ = f.Close()
	return true, nil
}

// Start launches ffmpeg. The recording is not bound to ctx; it runs until Stop
// or until ffmpeg reaches maxDuration.
func (d *FFmpegDevice) Start(_ context.Context, maxDuration time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd != nil {
		return ErrDeviceBusy
	}

	if err := os.MkdirAll(d.TempDir, 0o700); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	output := filepath.Join(d.TempDir, "capture-"+uuid.NewString()+".mp4")

	cmd := exec.Command(d.Binary, d.args(maxDuration, output)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	d.cmd = cmd
	d.stdin = stdin
	d.output = output
	d.waitErr = waitErr
	return nil
}

// Stop asks ffmpeg to finish the file and waits for it to exit.
func (d *FFmpegDevice) Stop(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cmd == nil {
		return "", ErrNotRecording
	}
	defer func() {
		d.cmd, d.stdin, d.waitErr = nil, nil, nil
	}()

	// ffmpeg may already have exited at -t; the write error is irrelevant then.
	_, _ = io.WriteString(d.stdin, "q\n")
	_ = d.stdin.Close()

	var err error
	select {
	case err = <-d.waitErr:
	case <-ctx.Done():
		_ = d.cmd.Process.Kill()
		<-d.waitErr
		_ = os.Remove(d.output)
		return "", ctx.Err()
	}

	info, statErr := os.Stat(d.output)
	if statErr != nil || info.Size() == 0 {
		_ = os.Remove(d.output)
		if err == nil {
			err = errors.New("ffmpeg produced no output")
		}
		return "", fmt.Errorf("finalize recording: %w", err)
	}

	return d.output, nil
}

func (d *FFmpegDevice) args(maxDuration time.Duration, output string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y"}
	if d.InputFormat != "" {
		args = append(args, "-f", d.InputFormat)
	}
	args = append(args,
		"-i", d.Input,
		"-t", strconv.FormatFloat(maxDuration.Seconds(), 'f', 3, 64),
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-movflags", "+faststart",
		output,
	)
	return args
}
