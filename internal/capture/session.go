package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultMaxDuration is the hard ceiling applied when none is configured.
const DefaultMaxDuration = 60 * time.Second

// Device is the external capture driver.
type Device interface {
	RequestPermission(ctx context.Context) (bool, error)
	Start(ctx context.Context, maxDuration time.Duration) error
	// Stop finalizes the recording and returns the temporary clip path.
	Stop(ctx context.Context) (string, error)
}

// Timer is the subset of *time.Timer the session needs.
type Timer interface {
	Stop() bool
}

// Clock abstracts time so auto-stop can be tested without waiting.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// TempClip is a finalized take that has not been persisted yet.
type TempClip struct {
	Path        string
	RecordedAt  time.Time
	Duration    time.Duration
	AutoStopped bool
}

// Recording is the handle for one in-flight take.
type Recording struct {
	StartedAt   time.Time
	MaxDuration time.Duration

	once  sync.Once
	done  chan struct{}
	timer Timer
	clip  TempClip
	err   error
}

// Done is closed once the take is finalized, manually or by auto-stop.
func (r *Recording) Done() <-chan struct{} { return r.done }

// Wait blocks until the take is finalized and returns its clip.
func (r *Recording) Wait(ctx context.Context) (TempClip, error) {
	select {
	case <-ctx.Done():
		return TempClip{}, ctx.Err()
	case <-r.done:
		return r.clip, r.err
	}
}

// Options tune a Session.
type Options struct {
	Ceiling time.Duration
	Clock   Clock
	Logger  *slog.Logger
}

// Session owns exclusive access to a capture device and produces at most one
// temporary clip per successful take.
type Session struct {
	device  Device
	ceiling time.Duration
	clock   Clock
	logger  *slog.Logger

	mu     sync.Mutex
	active *Recording
	// unclaimed holds an auto-stopped take until StopRecording collects it.
	unclaimed *Recording
}

// NewSession wraps device.
func NewSession(device Device, opts Options) *Session {
	if opts.Ceiling <= 0 {
		opts.Ceiling = DefaultMaxDuration
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		device:  device,
		ceiling: opts.Ceiling,
		clock:   opts.Clock,
		logger:  opts.Logger,
	}
}

// StartRecording begins a take capped at maxDuration (itself capped at the
// session ceiling). A second call while a take is active fails with KindBusy.
func (s *Session) StartRecording(ctx context.Context, maxDuration time.Duration) (*Recording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return nil, newError(KindBusy, ErrDeviceBusy)
	}

	granted, err := s.device.RequestPermission(ctx)
	if err != nil {
		return nil, newError(KindHardware, fmt.Errorf("request permission: %w", err))
	}
	if !granted {
		return nil, newError(KindPermissionDenied, nil)
	}

	if maxDuration <= 0 || maxDuration > s.ceiling {
		maxDuration = s.ceiling
	}

	if err := s.device.Start(ctx, maxDuration); err != nil {
		return nil, classify(fmt.Errorf("start recording: %w", err))
	}

	rec := &Recording{
		StartedAt:   s.clock.Now(),
		MaxDuration: maxDuration,
		done:        make(chan struct{}),
	}
	rec.timer = s.clock.AfterFunc(maxDuration, func() {
		s.logger.Info("max clip duration reached, stopping", "max_duration", maxDuration)
		s.finish(context.Background(), rec, true)
	})
	s.active = rec
	s.unclaimed = nil

	s.logger.Info("recording started", "max_duration", maxDuration)
	return rec, nil
}

// StopRecording finalizes the active take. If auto-stop already fired the
// finalized clip of that take is returned.
func (s *Session) StopRecording(ctx context.Context) (TempClip, error) {
	s.mu.Lock()
	rec := s.active
	if rec == nil && s.unclaimed != nil {
		rec, s.unclaimed = s.unclaimed, nil
	}
	s.mu.Unlock()

	if rec == nil {
		return TempClip{}, ErrNotRecording
	}

	s.finish(ctx, rec, false)
	return rec.clip, rec.err
}

// Recording returns the active take, if any.
func (s *Session) Recording() (*Recording, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.active != nil
}

// Discard deletes an unwanted temporary take.
func (s *Session) Discard(clip TempClip) error {
	if clip.Path == "" {
		return nil
	}
	if err := os.Remove(clip.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("discard clip: %w", err)
	}
	return nil
}

func (s *Session) finish(ctx context.Context, rec *Recording, auto bool) {
	rec.once.Do(func() {
		s.mu.Lock()
		timer := rec.timer
		s.mu.Unlock()
		if timer != nil {
			timer.Stop()
		}

		path, err := s.device.Stop(ctx)
		now := s.clock.Now()
		switch {
		case err != nil:
			rec.err = classify(fmt.Errorf("stop recording: %w", err))
		case path == "":
			rec.err = newError(KindHardware, errors.New("device returned no clip"))
		default:
			rec.clip = TempClip{
				Path:        path,
				RecordedAt:  now.UTC(),
				Duration:    now.Sub(rec.StartedAt),
				AutoStopped: auto,
			}
		}

		s.mu.Lock()
		if s.active == rec {
			s.active = nil
		}
		if auto {
			s.unclaimed = rec
		}
		s.mu.Unlock()

		close(rec.done)

		if rec.err != nil {
			s.logger.Error("recording failed", "error", rec.err)
		} else {
			s.logger.Info("recording finalized", "path", rec.clip.Path, "duration", rec.clip.Duration, "auto_stopped", auto)
		}
	})
}
