package remote

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
)

var (
	// ErrNotFound indicates the object does not exist.
	ErrNotFound = errors.New("remote object not found")
	// ErrTransient marks failures worth retrying, such as throttling or a
	// dropped connection.
	ErrTransient = errors.New("transient remote failure")
)

var awsRetryables = retry.IsErrorRetryables(retry.DefaultRetryables)

// IsTransient reports whether err is likely to succeed on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return awsRetryables.IsErrorRetryable(err) == aws.TrueTernary
}
