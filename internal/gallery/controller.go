// Package gallery is the coordinator the UI shell and the HTTP API talk to.
// It owns no state of its own beyond wiring component events together.
package gallery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/vidfriends/clipvault/internal/catalog"
	"github.com/vidfriends/clipvault/internal/models"
	"github.com/vidfriends/clipvault/internal/remote"
	"github.com/vidfriends/clipvault/internal/thumbnails"
	"github.com/vidfriends/clipvault/internal/upload"
)

// ErrAssetNotFound indicates the id is not in the current gallery.
var ErrAssetNotFound = errors.New("asset not found")

// ErrNoLocalCopy indicates a sync was requested for an asset that only exists
// remotely.
var ErrNoLocalCopy = errors.New("asset has no local copy to upload")

// Playback describes how to play a selected asset. Exactly one of LocalPath
// and Stream is set; the caller closes Stream.
type Playback struct {
	Asset     models.Asset
	LocalPath string
	Stream    io.ReadCloser
}

// Controller drives the gallery screen.
type Controller struct {
	catalog *catalog.Catalog
	thumbs  *thumbnails.Cache
	uploads *upload.Queue
	store   remote.Store
	logger  *slog.Logger
}

// NewController wires the gallery components together.
func NewController(cat *catalog.Catalog, thumbs *thumbnails.Cache, uploads *upload.Queue, store remote.Store, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{catalog: cat, thumbs: thumbs, uploads: uploads, store: store, logger: logger}
}

// Start forwards upload outcomes into the catalog so the gallery reflects
// sync progress without a full refresh. The returned function detaches it.
func (c *Controller) Start() func() {
	return c.uploads.Subscribe(func(ev upload.Event) {
		switch ev.Kind {
		case upload.EventStarted, upload.EventRetrying:
			c.catalog.SetState(ev.AssetID, models.SyncUploading, "")
		case upload.EventCompleted:
			c.catalog.SetState(ev.AssetID, models.SyncSynced, ev.RemoteKey)
		case upload.EventFailed:
			c.logger.Warn("upload failed", "asset_id", ev.AssetID, "attempts", ev.Attempt, "error", ev.Err)
			c.catalog.SetState(ev.AssetID, models.SyncFailed, "")
		case upload.EventCancelled:
			c.catalog.SetState(ev.AssetID, models.SyncLocal, "")
		}
	})
}

// Refresh rebuilds the gallery.
func (c *Controller) Refresh(ctx context.Context) (catalog.Snapshot, error) {
	return c.catalog.Refresh(ctx)
}

// Current returns the last gallery snapshot.
func (c *Controller) Current() catalog.Snapshot {
	return c.catalog.Current()
}

// Thumbnail returns the cached preview or a pending placeholder.
func (c *Controller) Thumbnail(ctx context.Context, id string) (models.Thumbnail, error) {
	asset, err := c.asset(ctx, id)
	if err != nil {
		return models.Thumbnail{}, err
	}
	return c.thumbs.Get(ctx, asset), nil
}

// ThumbnailBlocking waits for the preview to be generated.
func (c *Controller) ThumbnailBlocking(ctx context.Context, id string) (models.Thumbnail, error) {
	asset, err := c.asset(ctx, id)
	if err != nil {
		return models.Thumbnail{}, err
	}
	return c.thumbs.Fetch(ctx, asset)
}

// Select resolves how to play id, preferring the local copy.
func (c *Controller) Select(ctx context.Context, id string) (Playback, error) {
	asset, err := c.asset(ctx, id)
	if err != nil {
		return Playback{}, err
	}
	if asset.HasLocal() {
		return Playback{Asset: asset, LocalPath: asset.LocalPath}, nil
	}
	stream, err := c.store.Get(ctx, asset.RemoteKey)
	if err != nil {
		return Playback{}, fmt.Errorf("open remote clip: %w", err)
	}
	return Playback{Asset: asset, Stream: stream}, nil
}

// Delete removes id everywhere.
func (c *Controller) Delete(ctx context.Context, id string) error {
	return c.catalog.Delete(ctx, id)
}

// Retry re-enqueues an upload, typically after it failed.
func (c *Controller) Retry(ctx context.Context, id string) error {
	asset, err := c.asset(ctx, id)
	if err != nil {
		return err
	}
	if !asset.HasLocal() {
		return ErrNoLocalCopy
	}
	return c.uploads.Enqueue(ctx, id)
}

// Upload returns the live or last upload task for id.
func (c *Controller) Upload(id string) (models.UploadTask, bool) {
	return c.uploads.Task(id)
}

// asset looks id up in the current snapshot, refreshing once on a miss so a
// clip recorded since the last refresh is found.
func (c *Controller) asset(ctx context.Context, id string) (models.Asset, error) {
	if asset, ok := c.catalog.Lookup(id); ok {
		return asset, nil
	}
	if _, err := c.catalog.Refresh(ctx); err != nil {
		return models.Asset{}, err
	}
	if asset, ok := c.catalog.Lookup(id); ok {
		return asset, nil
	}
	return models.Asset{}, ErrAssetNotFound
}
