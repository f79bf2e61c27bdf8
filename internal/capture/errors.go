package capture

import (
	"errors"
	"fmt"
)

// ErrorKind classifies capture failures.
type ErrorKind string

const (
	KindPermissionDenied ErrorKind = "permission_denied"
	KindBusy             ErrorKind = "busy"
	KindHardware         ErrorKind = "hardware"
)

var (
	// ErrDeviceBusy is returned by devices that are already recording.
	ErrDeviceBusy = errors.New("capture device busy")
	// ErrNotRecording indicates StopRecording was called without an active take.
	ErrNotRecording = errors.New("no recording in progress")
)

// CaptureError is fatal to the current session. Retrying the whole capture
// may succeed.
type CaptureError struct {
	Kind ErrorKind
	Err  error
}

func (e *CaptureError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("capture %s", e.Kind)
	}
	return fmt.Sprintf("capture %s: %v", e.Kind, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// IsKind reports whether err is a CaptureError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *CaptureError
	return errors.As(err, &ce) && ce.Kind == kind
}

func newError(kind ErrorKind, err error) *CaptureError {
	return &CaptureError{Kind: kind, Err: err}
}

func classify(err error) error {
	var ce *CaptureError
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, ErrDeviceBusy) {
		return newError(KindBusy, err)
	}
	return newError(KindHardware, err)
}
