// Package thumbnails derives and caches one preview frame per asset.
package thumbnails

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vidfriends/clipvault/internal/logging"
	"github.com/vidfriends/clipvault/internal/models"
	"github.com/vidfriends/clipvault/internal/remote"
)

// ErrThumbnailUnavailable indicates the frame could not be produced. The
// failure is cached until the negative TTL expires or Refresh is called.
var ErrThumbnailUnavailable = errors.New("thumbnail unavailable")

// Observer is notified whenever a thumbnail settles as ready or unavailable.
type Observer func(models.Thumbnail)

type cacheEntry struct {
	thumb   models.Thumbnail
	expires time.Time
	cause   error
}

// Options tunes the cache.
type Options struct {
	FailureTTL time.Duration
	Timeout    time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

// Cache keeps thumbnails in memory keyed by asset id. Generation for an id is
// never run twice concurrently.
type Cache struct {
	decoder    Decoder
	store      remote.Store
	failureTTL time.Duration
	timeout    time.Duration
	now        func() time.Time
	logger     *slog.Logger

	mu        sync.RWMutex
	items     map[string]cacheEntry
	epochs    map[string]uint64
	observers map[int]Observer
	nextID    int
	group     singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCache constructs a cache that reads remote-only clips from store.
func NewCache(decoder Decoder, store remote.Store, opts Options) *Cache {
	if opts.FailureTTL <= 0 {
		opts.FailureTTL = time.Minute
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		decoder:    decoder,
		store:      store,
		failureTTL: opts.FailureTTL,
		timeout:    opts.Timeout,
		now:        opts.Now,
		logger:     opts.Logger,
		items:      make(map[string]cacheEntry),
		epochs:     make(map[string]uint64),
		observers:  make(map[int]Observer),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Subscribe registers o and returns a function that removes it.
func (c *Cache) Subscribe(o Observer) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.observers[id] = o
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.observers, id)
	}
}

// Get returns the cached thumbnail for asset without blocking. On a miss it
// returns a pending placeholder and starts generation in the background.
func (c *Cache) Get(ctx context.Context, asset models.Asset) models.Thumbnail {
	thumb, start := c.lookup(asset.ID)
	if !start {
		return thumb
	}

	logging.FromContext(ctx).Debug("thumbnail generation scheduled", "asset_id", asset.ID)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		_, _, _ = c.group.Do(asset.ID, func() (any, error) {
			return c.generate(asset)
		})
	}()
	return thumb
}

// Fetch returns the thumbnail for asset, waiting for generation when needed.
// An in-flight generation started by Get is shared rather than repeated.
func (c *Cache) Fetch(ctx context.Context, asset models.Asset) (models.Thumbnail, error) {
	c.mu.RLock()
	entry, ok := c.items[asset.ID]
	c.mu.RUnlock()
	if ok {
		switch entry.thumb.State {
		case models.ThumbnailReady:
			return entry.thumb, nil
		case models.ThumbnailUnavailable:
			if c.now().Before(entry.expires) {
				return entry.thumb, fmt.Errorf("%w: %v", ErrThumbnailUnavailable, entry.cause)
			}
		}
	}

	c.lookup(asset.ID)
	ch := c.group.DoChan(asset.ID, func() (any, error) {
		return c.generate(asset)
	})

	select {
	case <-ctx.Done():
		return models.Thumbnail{AssetID: asset.ID, State: models.ThumbnailPending}, ctx.Err()
	case res := <-ch:
		thumb, _ := res.Val.(models.Thumbnail)
		if res.Err != nil {
			return thumb, res.Err
		}
		return thumb, nil
	}
}

// Refresh drops any cached result for asset and schedules a new generation.
func (c *Cache) Refresh(ctx context.Context, asset models.Asset) models.Thumbnail {
	c.mu.Lock()
	if entry, ok := c.items[asset.ID]; ok && entry.thumb.State != models.ThumbnailPending {
		delete(c.items, asset.ID)
	}
	c.mu.Unlock()
	return c.Get(ctx, asset)
}

// Invalidate forgets asset id. A generation still running for it will not
// store its result, and the next Get starts a fresh one instead of joining it.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, id)
	c.epochs[id]++
	c.group.Forget(id)
}

// Close stops background generation and waits for it to finish.
func (c *Cache) Close(ctx context.Context) error {
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// lookup returns the cached thumbnail and whether the caller must start a
// generation. A miss or an expired failure is replaced by a pending marker.
func (c *Cache) lookup(id string) (models.Thumbnail, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.items[id]; ok {
		switch entry.thumb.State {
		case models.ThumbnailReady, models.ThumbnailPending:
			return entry.thumb, false
		case models.ThumbnailUnavailable:
			if c.now().Before(entry.expires) {
				return entry.thumb, false
			}
		}
	}

	pending := models.Thumbnail{AssetID: id, State: models.ThumbnailPending}
	c.items[id] = cacheEntry{thumb: pending}
	return pending, true
}

func (c *Cache) generate(asset models.Asset) (models.Thumbnail, error) {
	c.mu.RLock()
	epoch := c.epochs[asset.ID]
	current, ok := c.items[asset.ID]
	c.mu.RUnlock()
	if !ok {
		// invalidated before this generation got to run
		return models.Thumbnail{AssetID: asset.ID, State: models.ThumbnailUnavailable}, ErrThumbnailUnavailable
	}
	// a concurrent caller may have settled the entry before this one ran
	if current.thumb.State == models.ThumbnailReady {
		return current.thumb, nil
	}
	if current.thumb.State == models.ThumbnailUnavailable && c.now().Before(current.expires) {
		return current.thumb, fmt.Errorf("%w: %v", ErrThumbnailUnavailable, current.cause)
	}

	ctx, cancel := context.WithTimeout(logging.WithAssetID(logging.WithLogger(c.ctx, c.logger), asset.ID), c.timeout)
	defer cancel()
	ctx, span := logging.StartSpan(ctx, "thumbnail.generate")

	frame, err := c.decoder.Decode(ctx, c.source(asset))
	span.End(err)

	var entry cacheEntry
	if err != nil {
		entry = cacheEntry{
			thumb:   models.Thumbnail{AssetID: asset.ID, State: models.ThumbnailUnavailable},
			expires: c.now().Add(c.failureTTL),
			cause:   err,
		}
		err = fmt.Errorf("%w: %v", ErrThumbnailUnavailable, err)
	} else {
		entry = cacheEntry{thumb: models.Thumbnail{
			AssetID:     asset.ID,
			State:       models.ThumbnailReady,
			Data:        frame,
			ContentType: "image/jpeg",
			GeneratedAt: c.now(),
		}}
	}

	c.mu.Lock()
	stale := c.epochs[asset.ID] != epoch
	if !stale {
		c.items[asset.ID] = entry
	}
	observers := make([]Observer, 0, len(c.observers))
	for _, o := range c.observers {
		observers = append(observers, o)
	}
	c.mu.Unlock()

	if stale {
		return entry.thumb, err
	}
	for _, o := range observers {
		o(entry.thumb)
	}
	return entry.thumb, err
}

func (c *Cache) source(asset models.Asset) Source {
	if asset.HasLocal() {
		return Source{Path: asset.LocalPath}
	}
	key := asset.RemoteKey
	return Source{Open: func(ctx context.Context) (io.ReadCloser, error) {
		if key == "" || c.store == nil {
			return nil, errors.New("asset has no readable copy")
		}
		return c.store.Get(ctx, key)
	}}
}
