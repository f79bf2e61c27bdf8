// Package catalog merges the local and remote asset enumerations into the
// single ordered gallery view.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vidfriends/clipvault/internal/auth"
	"github.com/vidfriends/clipvault/internal/journal"
	"github.com/vidfriends/clipvault/internal/localstore"
	"github.com/vidfriends/clipvault/internal/logging"
	"github.com/vidfriends/clipvault/internal/models"
	"github.com/vidfriends/clipvault/internal/remote"
)

// LocalStore is the local side of the catalog.
type LocalStore interface {
	localstore.Lister
	Delete(ctx context.Context, id string) error
}

// Uploads is the part of the upload queue the catalog coordinates with.
type Uploads interface {
	ReconcileStale(ctx context.Context) (int, error)
	Cancel(ctx context.Context, assetID string) error
}

// Thumbnails is the part of the thumbnail cache the catalog invalidates.
type Thumbnails interface {
	Invalidate(id string)
}

// Snapshot is one merged view of the gallery.
type Snapshot struct {
	Assets      []models.Asset
	Partial     *PartialError
	RefreshedAt time.Time
}

// Observer is notified whenever the current snapshot changes.
type Observer func(Snapshot)

// Options holds optional collaborators and tuning.
type Options struct {
	Uploads    Uploads
	Thumbnails Thumbnails
	// StatConcurrency bounds metadata lookups for remote-only entries.
	StatConcurrency int
	Now             func() time.Time
	Logger          *slog.Logger
}

// Catalog owns the merged asset list.
type Catalog struct {
	local     LocalStore
	store     remote.Store
	journal   journal.Repository
	identity  auth.Identity
	uploads   Uploads
	thumbs    Thumbnails
	statLimit int
	now       func() time.Time
	logger    *slog.Logger

	locks *keyedMutex

	mu        sync.RWMutex
	current   Snapshot
	deleting  map[string]struct{}
	observers map[int]Observer
	nextID    int

	// deleteGen counts completed deletes. tombstones maps each id deleted
	// while a refresh was running to its generation and is cleared once no
	// refresh is.
	deleteGen  uint64
	tombstones map[string]uint64
	refreshing int
}

// New constructs a catalog.
func New(local LocalStore, store remote.Store, repo journal.Repository, identity auth.Identity, opts Options) *Catalog {
	if opts.StatConcurrency <= 0 {
		opts.StatConcurrency = 4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Catalog{
		local:      local,
		store:      store,
		journal:    repo,
		identity:   identity,
		uploads:    opts.Uploads,
		thumbs:     opts.Thumbnails,
		statLimit:  opts.StatConcurrency,
		now:        opts.Now,
		logger:     opts.Logger,
		locks:      newKeyedMutex(),
		deleting:   make(map[string]struct{}),
		observers:  make(map[int]Observer),
		tombstones: make(map[string]uint64),
	}
}

// Subscribe registers o and returns a function that removes it.
func (c *Catalog) Subscribe(o Observer) func() {
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

// Current returns the last published snapshot.
func (c *Catalog) Current() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Lookup finds id in the current snapshot.
func (c *Catalog) Lookup(id string) (models.Asset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookupLocked(id)
}

type remoteListing struct {
	prefix  string
	objects []remote.Object
	err     error
}

// Refresh enumerates both stores concurrently and publishes the merged view.
// A local failure is returned as an error. A remote failure degrades the
// snapshot to local assets and is reported in Snapshot.Partial.
func (c *Catalog) Refresh(ctx context.Context) (snap Snapshot, err error) {
	ctx, span := logging.StartSpan(logging.WithLogger(ctx, c.logger), "catalog.refresh")
	defer func() { span.End(err) }()
	logger := logging.FromContext(ctx)

	since := c.beginRefresh()
	defer c.endRefresh()

	if c.uploads != nil {
		if _, err := c.uploads.ReconcileStale(ctx); err != nil {
			logger.Warn("reconcile stale uploads", "error", err)
		}
	}

	var (
		local   []models.Asset
		listing remoteListing
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		assets, err := c.local.ListLocal(gctx)
		if err != nil {
			return fmt.Errorf("list local assets: %w", err)
		}
		local = assets
		return nil
	})
	g.Go(func() error {
		listing = c.listRemote(gctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}

	records, err := c.journal.List(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read sync journal: %w", err)
	}

	assets, partial := c.merge(ctx, local, records, listing)
	snap = Snapshot{Assets: assets, Partial: partial, RefreshedAt: c.now()}
	if partial != nil {
		logger.Warn("catalog degraded", "error", partial)
	}

	return c.publishRefresh(snap, since), nil
}

func (c *Catalog) beginRefresh() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshing++
	return c.deleteGen
}

func (c *Catalog) endRefresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshing--
	if c.refreshing == 0 {
		clear(c.tombstones)
	}
}

// removedLocked reports whether id is being deleted or was deleted after
// generation since.
func (c *Catalog) removedLocked(id string, since uint64) bool {
	if _, ok := c.deleting[id]; ok {
		return true
	}
	gen, ok := c.tombstones[id]
	return ok && gen > since
}

// publishRefresh drops assets deleted while the refresh ran and publishes
// the rest in the same critical section the check is made in.
func (c *Catalog) publishRefresh(snap Snapshot, since uint64) Snapshot {
	c.mu.Lock()
	kept := snap.Assets[:0:0]
	for _, asset := range snap.Assets {
		if !c.removedLocked(asset.ID, since) {
			kept = append(kept, asset)
		}
	}
	snap.Assets = kept
	c.current = snap
	observers := c.observersLocked()
	c.mu.Unlock()

	for _, o := range observers {
		o(snap)
	}
	return snap
}

func (c *Catalog) listRemote(ctx context.Context) remoteListing {
	if c.store == nil {
		return remoteListing{err: errors.New("no remote store configured")}
	}
	userID, err := c.identity.CurrentUserID(ctx)
	if err != nil {
		return remoteListing{err: err}
	}
	prefix := models.RemotePrefix(userID)
	objects, err := c.store.List(ctx, prefix)
	if err != nil {
		return remoteListing{prefix: prefix, err: err}
	}
	return remoteListing{prefix: prefix, objects: objects}
}

func (c *Catalog) merge(ctx context.Context, local []models.Asset, records []journal.Record, listing remoteListing) ([]models.Asset, *PartialError) {
	byRecord := make(map[string]journal.Record, len(records))
	for _, rec := range records {
		byRecord[rec.AssetID] = rec
	}

	remoteByID := make(map[string]remote.Object)
	for _, obj := range listing.objects {
		id, ok := models.ParseRemoteKey(listing.prefix, obj.Key)
		if !ok {
			continue
		}
		remoteByID[id] = obj
	}

	seen := make(map[string]struct{}, len(local)+len(remoteByID))
	merged := make([]models.Asset, 0, len(local)+len(remoteByID))

	for _, asset := range local {
		if _, dup := seen[asset.ID]; dup {
			continue
		}
		seen[asset.ID] = struct{}{}

		// a remote object alone does not make a local asset synced; the
		// upload queue confirms it and moves the journal through uploading
		if rec, ok := byRecord[asset.ID]; ok {
			asset.SyncState = rec.State
			if rec.State == models.SyncSynced {
				asset.RemoteKey = rec.RemoteKey
			}
		}
		merged = append(merged, asset)
	}

	var partial *PartialError
	if listing.err != nil {
		partial = &PartialError{Err: listing.err}
	}

	var remoteOnly []remote.Object
	for id, obj := range remoteByID {
		if _, ok := seen[id]; ok {
			continue
		}
		remoteOnly = append(remoteOnly, obj)
	}

	adopted, skipped := c.adopt(ctx, listing.prefix, remoteOnly)
	merged = append(merged, adopted...)
	if len(skipped) > 0 {
		if partial == nil {
			partial = &PartialError{}
		}
		partial.Entries = append(partial.Entries, skipped...)
	}

	localstore.SortNewestFirst(merged)
	return merged, partial
}

// adopt resolves creation times for remote-only objects. Objects whose
// metadata cannot be read or carries no creation time are skipped rather than
// given a guessed timestamp.
func (c *Catalog) adopt(ctx context.Context, prefix string, objects []remote.Object) ([]models.Asset, []string) {
	if len(objects) == 0 {
		return nil, nil
	}

	var (
		mu      sync.Mutex
		adopted []models.Asset
		skipped []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.statLimit)
	for _, obj := range objects {
		g.Go(func() error {
			id, _ := models.ParseRemoteKey(prefix, obj.Key)
			if obj.CreatedAt.IsZero() {
				stat, err := c.store.Stat(gctx, obj.Key)
				if err != nil {
					if !errors.Is(err, remote.ErrNotFound) {
						logging.FromContext(ctx).Warn("stat remote object", "key", obj.Key, "error", err)
						mu.Lock()
						skipped = append(skipped, obj.Key)
						mu.Unlock()
					}
					return nil
				}
				obj = stat
			}

			mu.Lock()
			defer mu.Unlock()
			if obj.CreatedAt.IsZero() {
				skipped = append(skipped, obj.Key)
				return nil
			}
			adopted = append(adopted, models.Asset{
				ID:        id,
				RemoteKey: obj.Key,
				CreatedAt: obj.CreatedAt,
				SyncState: models.SyncSynced,
				SizeBytes: obj.Size,
			})
			return nil
		})
	}
	_ = g.Wait()
	return adopted, skipped
}

// SetState patches one asset in the current snapshot, for example when an
// upload completes, and notifies observers.
func (c *Catalog) SetState(id string, state models.SyncState, remoteKey string) {
	c.mu.Lock()
	idx := -1
	for i := range c.current.Assets {
		if c.current.Assets[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.mu.Unlock()
		return
	}
	assets := append([]models.Asset(nil), c.current.Assets...)
	assets[idx].SyncState = state
	if remoteKey != "" {
		assets[idx].RemoteKey = remoteKey
	}
	snap := c.current
	snap.Assets = assets
	c.mu.Unlock()

	c.publish(snap)
}

// Delete removes every trace of id: any upload is cancelled first, then the
// local file, the remote object, the journal record and the thumbnail. It is
// idempotent and serialized per id.
func (c *Catalog) Delete(ctx context.Context, id string) (err error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	ctx = logging.WithAssetID(logging.WithLogger(ctx, c.logger), id)
	ctx, span := logging.StartSpan(ctx, "catalog.delete")
	defer func() { span.End(err) }()

	c.mu.Lock()
	c.deleting[id] = struct{}{}
	known, _ := c.lookupLocked(id)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.deleting, id)
		if err == nil {
			// refreshes still running may have listed id before it was removed
			c.deleteGen++
			if c.refreshing > 0 {
				c.tombstones[id] = c.deleteGen
			}
		}
		c.mu.Unlock()
	}()

	if c.uploads != nil {
		if err := c.uploads.Cancel(ctx, id); err != nil {
			return fmt.Errorf("cancel upload: %w", err)
		}
	}

	if err := c.local.Delete(ctx, id); err != nil && !errors.Is(err, localstore.ErrNotFound) {
		return fmt.Errorf("delete local copy: %w", err)
	}

	if err := c.deleteRemote(ctx, id, known); err != nil {
		return err
	}

	if err := c.journal.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete sync record: %w", err)
	}
	if c.thumbs != nil {
		c.thumbs.Invalidate(id)
	}

	c.mu.Lock()
	snap := c.current
	filtered := make([]models.Asset, 0, len(snap.Assets))
	for _, asset := range snap.Assets {
		if asset.ID != id {
			filtered = append(filtered, asset)
		}
	}
	changed := len(filtered) != len(snap.Assets)
	snap.Assets = filtered
	c.mu.Unlock()

	if changed {
		c.publish(snap)
	}
	logging.FromContext(ctx).Info("asset deleted")
	return nil
}

func (c *Catalog) deleteRemote(ctx context.Context, id string, known models.Asset) error {
	keys := make(map[string]struct{}, 2)
	if known.RemoteKey != "" {
		keys[known.RemoteKey] = struct{}{}
	}
	if rec, err := c.journal.Get(ctx, id); err == nil && rec.RemoteKey != "" {
		keys[rec.RemoteKey] = struct{}{}
	}
	userID, authErr := c.identity.CurrentUserID(ctx)
	if authErr == nil {
		keys[models.RemoteKey(userID, id, models.VideoExt)] = struct{}{}
	}

	if len(keys) == 0 {
		logging.FromContext(ctx).Warn("remote copy not checked while signed out", "error", authErr)
		return nil
	}
	if c.store == nil {
		return errors.New("delete remote copy: no remote store configured")
	}
	for key := range keys {
		if err := c.store.Delete(ctx, key); err != nil && !errors.Is(err, remote.ErrNotFound) {
			return fmt.Errorf("delete remote copy: %w", err)
		}
	}
	return nil
}

func (c *Catalog) lookupLocked(id string) (models.Asset, bool) {
	for _, asset := range c.current.Assets {
		if asset.ID == id {
			return asset, true
		}
	}
	return models.Asset{}, false
}

func (c *Catalog) publish(snap Snapshot) {
	c.mu.Lock()
	c.current = snap
	observers := c.observersLocked()
	c.mu.Unlock()

	for _, o := range observers {
		o(snap)
	}
}

func (c *Catalog) observersLocked() []Observer {
	observers := make([]Observer, 0, len(c.observers))
	for _, o := range c.observers {
		observers = append(observers, o)
	}
	return observers
}
