package upload

import (
	"context"
	"time"

	"github.com/vidfriends/clipvault/internal/models"
	"github.com/vidfriends/clipvault/internal/remote"
)

// Policy controls how failed transfers are retried.
type Policy struct {
	BaseDelay   time.Duration
	Factor      float64
	MaxAttempts int
	MaxDelay    time.Duration
}

// DefaultPolicy retries up to five attempts starting at one second and
// doubling each time.
func DefaultPolicy() Policy {
	return Policy{BaseDelay: time.Second, Factor: 2, MaxAttempts: 5, MaxDelay: 30 * time.Second}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = def.BaseDelay
	}
	if p.Factor < 1 {
		p.Factor = def.Factor
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	return p
}

// Delay returns the wait before the attempt following the given number of
// failed attempts.
func (p Policy) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := float64(p.BaseDelay)
	for i := 1; i < failures; i++ {
		delay *= p.Factor
		if delay >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	if time.Duration(delay) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// task is the per-asset retry state machine. All fields are guarded by the
// owning queue's mutex.
//
//	queued -> in_progress -> succeeded
//	in_progress -> queued (transient failure, waits until nextAt)
//	in_progress -> failed (budget spent or permanent failure)
//	queued | in_progress -> cancelled
type task struct {
	assetID   string
	state     models.TaskState
	attempts  int
	lastErr   error
	nextAt    time.Time
	cancelled bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *task) begin() {
	t.state = models.TaskInProgress
	t.attempts++
}

// fail records a failed attempt and reports whether another attempt should be
// scheduled and after how long.
func (t *task) fail(err error, policy Policy, now time.Time) (bool, time.Duration) {
	t.lastErr = err
	if !remote.IsTransient(err) || t.attempts >= policy.MaxAttempts {
		t.state = models.TaskFailed
		return false, 0
	}
	delay := policy.Delay(t.attempts)
	t.state = models.TaskQueued
	t.nextAt = now.Add(delay)
	return true, delay
}

func (t *task) succeed() {
	t.state = models.TaskSucceeded
	t.lastErr = nil
}

func (t *task) abort() {
	t.state = models.TaskCancelled
}

func (t *task) snapshot() models.UploadTask {
	out := models.UploadTask{AssetID: t.assetID, Attempts: t.attempts, State: t.state}
	if t.lastErr != nil {
		out.LastError = t.lastErr.Error()
	}
	return out
}
