package thumbnails

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidfriends/clipvault/internal/models"
	"github.com/vidfriends/clipvault/internal/remote"
)

type fakeDecoder struct {
	calls atomic.Int32
	gate  chan struct{}
	err   error
	mu    sync.Mutex
	seen  []Source
}

func (d *fakeDecoder) Decode(ctx context.Context, src Source) ([]byte, error) {
	d.calls.Add(1)
	d.mu.Lock()
	d.seen = append(d.seen, src)
	d.mu.Unlock()
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	if src.Path == "" {
		rc, err := src.Open(ctx)
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, err
		}
		return append([]byte("jpeg:"), data...), nil
	}
	return []byte("jpeg:" + src.Path), nil
}

func newTestCache(t *testing.T, decoder Decoder, store remote.Store, now func() time.Time) *Cache {
	t.Helper()
	cache := NewCache(decoder, store, Options{
		FailureTTL: time.Minute,
		Now:        now,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = cache.Close(ctx)
	})
	return cache
}

func waitForState(t *testing.T, cache *Cache, asset models.Asset, state models.ThumbnailState) models.Thumbnail {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if thumb := cache.Get(context.Background(), asset); thumb.State == state {
			return thumb
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("thumbnail for %s never reached %s", asset.ID, state)
	return models.Thumbnail{}
}

func TestConcurrentGetsDecodeOnce(t *testing.T) {
	decoder := &fakeDecoder{gate: make(chan struct{})}
	cache := newTestCache(t, decoder, nil, nil)
	asset := models.Asset{ID: "a1", LocalPath: "/clips/a1.mp4"}

	var wg sync.WaitGroup
	results := make([]models.Thumbnail, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = cache.Get(context.Background(), asset)
		}(i)
	}
	wg.Wait()

	for _, thumb := range results {
		assert.Equal(t, models.ThumbnailPending, thumb.State)
	}

	close(decoder.gate)
	ready := waitForState(t, cache, asset, models.ThumbnailReady)
	assert.Equal(t, []byte("jpeg:/clips/a1.mp4"), ready.Data)
	assert.Equal(t, "image/jpeg", ready.ContentType)
	assert.EqualValues(t, 1, decoder.calls.Load())
}

func TestFetchJoinsInFlightGeneration(t *testing.T) {
	decoder := &fakeDecoder{gate: make(chan struct{})}
	cache := newTestCache(t, decoder, nil, nil)
	asset := models.Asset{ID: "a1", LocalPath: "/clips/a1.mp4"}

	var notified atomic.Int32
	cache.Subscribe(func(thumb models.Thumbnail) {
		if thumb.AssetID == asset.ID && thumb.State == models.ThumbnailReady {
			notified.Add(1)
		}
	})

	assert.Equal(t, models.ThumbnailPending, cache.Get(context.Background(), asset).State)

	result := make(chan models.Thumbnail, 1)
	go func() {
		thumb, err := cache.Fetch(context.Background(), asset)
		assert.NoError(t, err)
		result <- thumb
	}()

	close(decoder.gate)
	select {
	case thumb := <-result:
		assert.Equal(t, models.ThumbnailReady, thumb.State)
	case <-time.After(5 * time.Second):
		t.Fatal("fetch did not return")
	}
	assert.EqualValues(t, 1, decoder.calls.Load())
	assert.EqualValues(t, 1, notified.Load())
}

func TestFailureIsCachedForTTL(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	decoder := &fakeDecoder{err: errors.New("corrupt moov atom")}
	cache := newTestCache(t, decoder, nil, clock)
	asset := models.Asset{ID: "bad", LocalPath: "/clips/bad.mp4"}
	ctx := context.Background()

	thumb, err := cache.Fetch(ctx, asset)
	require.ErrorIs(t, err, ErrThumbnailUnavailable)
	assert.Equal(t, models.ThumbnailUnavailable, thumb.State)

	// inside the window the marker is served without decoding again
	assert.Equal(t, models.ThumbnailUnavailable, cache.Get(ctx, asset).State)
	_, err = cache.Fetch(ctx, asset)
	require.ErrorIs(t, err, ErrThumbnailUnavailable)
	assert.EqualValues(t, 1, decoder.calls.Load())

	advance(2 * time.Minute)
	decoder.err = nil
	assert.Equal(t, models.ThumbnailPending, cache.Get(ctx, asset).State)
	waitForState(t, cache, asset, models.ThumbnailReady)
	assert.EqualValues(t, 2, decoder.calls.Load())
}

func TestRefreshRetriesImmediately(t *testing.T) {
	decoder := &fakeDecoder{err: errors.New("unreadable")}
	cache := newTestCache(t, decoder, nil, nil)
	asset := models.Asset{ID: "a1", LocalPath: "/clips/a1.mp4"}
	ctx := context.Background()

	_, err := cache.Fetch(ctx, asset)
	require.Error(t, err)

	decoder.err = nil
	assert.Equal(t, models.ThumbnailPending, cache.Refresh(ctx, asset).State)
	waitForState(t, cache, asset, models.ThumbnailReady)
}

func TestInvalidateDropsInFlightResult(t *testing.T) {
	decoder := &fakeDecoder{gate: make(chan struct{})}
	cache := newTestCache(t, decoder, nil, nil)
	asset := models.Asset{ID: "gone", LocalPath: "/clips/gone.mp4"}
	ctx := context.Background()

	result := make(chan error, 1)
	go func() {
		_, err := cache.Fetch(ctx, asset)
		result <- err
	}()

	// wait until the decoder has been entered before invalidating
	deadline := time.Now().Add(5 * time.Second)
	for decoder.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cache.Invalidate(asset.ID)
	close(decoder.gate)
	require.NoError(t, <-result)

	cache.mu.RLock()
	_, cached := cache.items[asset.ID]
	cache.mu.RUnlock()
	assert.False(t, cached, "invalidated asset must not be cached again")
}

func TestGetAfterInvalidateStartsFreshGeneration(t *testing.T) {
	decoder := &fakeDecoder{gate: make(chan struct{})}
	cache := newTestCache(t, decoder, nil, nil)
	asset := models.Asset{ID: "retake", LocalPath: "/clips/retake.mp4"}
	ctx := context.Background()

	assert.Equal(t, models.ThumbnailPending, cache.Get(ctx, asset).State)
	deadline := time.Now().Add(5 * time.Second)
	for decoder.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	cache.Invalidate(asset.ID)
	assert.Equal(t, models.ThumbnailPending, cache.Get(ctx, asset).State)
	for decoder.calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(decoder.gate)

	thumb := waitForState(t, cache, asset, models.ThumbnailReady)
	assert.Equal(t, []byte("jpeg:"+asset.LocalPath), thumb.Data)
	assert.EqualValues(t, 2, decoder.calls.Load())
}

func TestRemoteOnlyAssetStreamsFromStore(t *testing.T) {
	store := remote.NewMemoryStore()
	key := models.RemoteKey("u1", "r1", models.VideoExt)
	require.NoError(t, store.Put(context.Background(), key, strings.NewReader("remote-bytes"), 12, remote.Metadata{}))

	decoder := &fakeDecoder{}
	cache := newTestCache(t, decoder, store, nil)

	thumb, err := cache.Fetch(context.Background(), models.Asset{ID: "r1", RemoteKey: key})
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg:remote-bytes"), thumb.Data)
}

func TestFFmpegDecoderFallsBackToFirstFrame(t *testing.T) {
	var calls [][]string
	decoder := NewFFmpegDecoder("ffmpeg", time.Second, time.Second)
	decoder.Run = func(ctx context.Context, stdin io.Reader, binary string, args ...string) ([]byte, error) {
		calls = append(calls, args)
		if len(calls) == 1 {
			return nil, nil
		}
		return []byte("frame"), nil
	}

	frame, err := decoder.Decode(context.Background(), Source{Path: "/clips/short.mp4"})
	require.NoError(t, err)
	assert.Equal(t, []byte("frame"), frame)
	require.Len(t, calls, 2)
	assert.Contains(t, strings.Join(calls[0], " "), "-ss 1.000 -i /clips/short.mp4")
	assert.NotContains(t, strings.Join(calls[1], " "), "-ss")
}

func TestFFmpegDecoderStreamsRemoteInput(t *testing.T) {
	decoder := NewFFmpegDecoder("", 0, time.Second)
	var piped string
	decoder.Run = func(ctx context.Context, stdin io.Reader, binary string, args ...string) ([]byte, error) {
		assert.Equal(t, "ffmpeg", binary)
		assert.Contains(t, args, "pipe:0")
		data, _ := io.ReadAll(stdin)
		piped = string(data)
		return []byte("frame"), nil
	}

	src := Source{Open: func(context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("stream")), nil
	}}
	_, err := decoder.Decode(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, "stream", piped)
}

func TestFFmpegDecoderReportsEmptyOutput(t *testing.T) {
	decoder := NewFFmpegDecoder("ffmpeg", time.Second, time.Second)
	decoder.Run = func(context.Context, io.Reader, string, ...string) ([]byte, error) {
		return nil, nil
	}
	_, err := decoder.Decode(context.Background(), Source{Path: "/clips/empty.mp4"})
	assert.Error(t, err)
}
