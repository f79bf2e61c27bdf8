package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	mu        sync.Mutex
	granted   bool
	permErr   error
	startErr  error
	stopErr   error
	path      string
	starts    int
	stops     int
	lastLimit time.Duration
}

func (d *fakeDevice) RequestPermission(context.Context) (bool, error) {
	return d.granted, d.permErr
}

func (d *fakeDevice) Start(_ context.Context, max time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	d.lastLimit = max
	return d.startErr
}

func (d *fakeDevice) Stop(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stops++
	return d.path, d.stopErr
}

type fakeTimer struct {
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	fns   []func()
	after []time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fns = append(c.fns, f)
	c.after = append(c.after, d)
	return &fakeTimer{}
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) fire() {
	c.mu.Lock()
	fns := c.fns
	c.fns = nil
	c.mu.Unlock()
	for _, f := range fns {
		f()
	}
}

func newTestSession(dev *fakeDevice) (*Session, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, time.May, 1, 10, 0, 0, 0, time.UTC)}
	return NewSession(dev, Options{Ceiling: 10 * time.Second, Clock: clock}), clock
}

func TestSessionStartStop(t *testing.T) {
	dev := &fakeDevice{granted: true, path: "/tmp/take.mp4"}
	session, clock := newTestSession(dev)

	rec, err := session.StartRecording(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, rec.MaxDuration)

	clock.advance(3 * time.Second)
	clip, err := session.StopRecording(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/tmp/take.mp4", clip.Path)
	assert.Equal(t, 3*time.Second, clip.Duration)
	assert.False(t, clip.AutoStopped)

	waited, err := rec.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, clip, waited)

	_, active := session.Recording()
	assert.False(t, active)
}

func TestSessionSecondStartIsBusy(t *testing.T) {
	dev := &fakeDevice{granted: true, path: "/tmp/take.mp4"}
	session, _ := newTestSession(dev)

	_, err := session.StartRecording(context.Background(), time.Second)
	require.NoError(t, err)

	_, err = session.StartRecording(context.Background(), time.Second)
	require.Error(t, err)
	assert.True(t, IsKind(err, KindBusy))
	assert.Equal(t, 1, dev.starts)
}

func TestSessionPermissionDenied(t *testing.T) {
	session, _ := newTestSession(&fakeDevice{granted: false})

	rec, err := session.StartRecording(context.Background(), time.Second)
	assert.Nil(t, rec)
	assert.True(t, IsKind(err, KindPermissionDenied))

	_, active := session.Recording()
	assert.False(t, active)
}

func TestSessionHardwareFailureProducesNoHandle(t *testing.T) {
	session, _ := newTestSession(&fakeDevice{granted: true, startErr: errors.New("sensor fault")})

	rec, err := session.StartRecording(context.Background(), time.Second)
	assert.Nil(t, rec)
	assert.True(t, IsKind(err, KindHardware))

	session, _ = newTestSession(&fakeDevice{granted: true, startErr: ErrDeviceBusy})
	_, err = session.StartRecording(context.Background(), time.Second)
	assert.True(t, IsKind(err, KindBusy))
}

func TestSessionAutoStopEnforcesCeiling(t *testing.T) {
	dev := &fakeDevice{granted: true, path: "/tmp/take.mp4"}
	session, clock := newTestSession(dev)

	rec, err := session.StartRecording(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, rec.MaxDuration)
	assert.Equal(t, 10*time.Second, dev.lastLimit)
	require.Equal(t, []time.Duration{10 * time.Second}, clock.after)

	clock.advance(10 * time.Second)
	clock.fire()

	select {
	case <-rec.Done():
	default:
		t.Fatal("expected auto-stop to finalize the recording")
	}

	clip, err := session.StopRecording(context.Background())
	require.NoError(t, err)
	assert.True(t, clip.AutoStopped)
	assert.Equal(t, "/tmp/take.mp4", clip.Path)
	assert.Equal(t, 1, dev.stops)

	waited, err := rec.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, clip, waited)

	_, err = session.StopRecording(context.Background())
	assert.ErrorIs(t, err, ErrNotRecording)
}

func TestSessionStopFailure(t *testing.T) {
	dev := &fakeDevice{granted: true, stopErr: errors.New("encoder crashed")}
	session, _ := newTestSession(dev)

	_, err := session.StartRecording(context.Background(), time.Second)
	require.NoError(t, err)

	_, err = session.StopRecording(context.Background())
	assert.True(t, IsKind(err, KindHardware))

	// the device is released even though the take failed
	_, err = session.StartRecording(context.Background(), time.Second)
	assert.NoError(t, err)
}

func TestSessionDiscard(t *testing.T) {
	path := filepath.Join(t.TempDir(), "take.mp4")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))

	session, _ := newTestSession(&fakeDevice{})
	require.NoError(t, session.Discard(TempClip{Path: path}))
	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	assert.NoError(t, session.Discard(TempClip{Path: path}))
}

func TestFFmpegDeviceArgs(t *testing.T) {
	dev := NewFFmpegDevice("", "v4l2", "/dev/video0", "")
	args := dev.args(2500*time.Millisecond, "/tmp/out.mp4")

	assert.Equal(t, "ffmpeg", dev.Binary)
	assert.Contains(t, args, "v4l2")
	assert.Contains(t, args, "2.500")
	assert.Equal(t, "/tmp/out.mp4", args[len(args)-1])
}

func TestFFmpegDeviceStopWithoutStart(t *testing.T) {
	dev := NewFFmpegDevice("ffmpeg", "", "testsrc", t.TempDir())
	_, err := dev.Stop(context.Background())
	assert.ErrorIs(t, err, ErrNotRecording)

	granted, err := dev.RequestPermission(context.Background())
	require.NoError(t, err)
	assert.True(t, granted)
}
