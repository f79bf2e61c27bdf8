package upload

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidfriends/clipvault/internal/auth"
	"github.com/vidfriends/clipvault/internal/journal"
	"github.com/vidfriends/clipvault/internal/localstore"
	"github.com/vidfriends/clipvault/internal/models"
	"github.com/vidfriends/clipvault/internal/remote"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	delays []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After fires immediately and advances the clock so retries never sleep.
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delays = append(c.delays, d)
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

func (c *fakeClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func newRecorder() *recorder {
	return &recorder{}
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) find(assetID string, kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.AssetID == assetID && ev.Kind == kind {
			return ev, true
		}
	}
	return Event{}, false
}

func (r *recorder) waitFor(t *testing.T, assetID string, kind EventKind) Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if ev, ok := r.find(assetID, kind); ok {
			return ev
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s event on %s", kind, assetID)
	return Event{}
}

// within reports whether an event arrives before d elapses.
func (r *recorder) within(assetID string, kind EventKind, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if _, ok := r.find(assetID, kind); ok {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func (r *recorder) count(assetID string, kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.AssetID == assetID && ev.Kind == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	local   *localstore.Store
	store   *remote.MemoryStore
	journal journal.Repository
	clock   *fakeClock
	events  *recorder
	queue   *Queue
}

func newFixture(t *testing.T, store remote.Store, identity auth.Identity, opts Options) *fixture {
	t.Helper()
	return newFixtureWithJournal(t, store, identity, opts, journal.NewMemoryRepository())
}

func newFixtureWithJournal(t *testing.T, store remote.Store, identity auth.Identity, opts Options, repo journal.Repository) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	local, err := localstore.New(t.TempDir(), logger)
	require.NoError(t, err)

	f := &fixture{
		local:   local,
		journal: repo,
		clock:   newFakeClock(),
		events:  newRecorder(),
	}
	if mem, ok := store.(*remote.MemoryStore); ok {
		f.store = mem
	}

	opts.Clock = f.clock
	opts.Logger = logger
	f.queue = NewQueue(local, store, f.journal, identity, opts)
	f.queue.Subscribe(f.events.listen)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.queue.Shutdown(ctx)
	})
	return f
}

func (f *fixture) persist(t *testing.T, content string) models.Asset {
	t.Helper()
	tmp := filepath.Join(t.TempDir(), "take.mp4")
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o600))
	asset, err := f.local.Persist(context.Background(), tmp, time.Now())
	require.NoError(t, err)
	return asset
}

func TestQueueRetriesTransientFailuresThenSyncs(t *testing.T) {
	store := remote.NewMemoryStore()
	var putCalls atomic.Int32
	store.SetFault(func(op, key string) error {
		if op == "put" && putCalls.Add(1) <= 2 {
			return remote.ErrTransient
		}
		return nil
	})

	f := newFixture(t, store, auth.Static("user-1"), Options{Workers: 2})
	asset := f.persist(t, "five seconds of video")
	ctx := context.Background()

	require.NoError(t, f.queue.Enqueue(ctx, asset.ID))
	done := f.events.waitFor(t, asset.ID, EventCompleted)

	key := models.RemoteKey("user-1", asset.ID, models.VideoExt)
	assert.Equal(t, key, done.RemoteKey)
	assert.Equal(t, 3, done.Attempt)
	assert.Equal(t, 1, store.Puts(key), "no duplicate remote object")
	assert.Equal(t, []string{key}, store.Keys())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.clock.Delays())
	assert.Equal(t, 2, f.events.count(asset.ID, EventRetrying))

	record, err := f.journal.Get(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, record.State)
	assert.Equal(t, key, record.RemoteKey)
	assert.Equal(t, 3, record.Attempts)

	snap, ok := f.queue.Task(asset.ID)
	require.True(t, ok)
	assert.Equal(t, models.TaskSucceeded, snap.State)
	assert.Equal(t, 3, snap.Attempts)

	rc, err := store.Get(ctx, key)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "five seconds of video", string(data))

	obj, err := store.Stat(ctx, key)
	require.NoError(t, err)
	assert.True(t, obj.CreatedAt.Equal(asset.CreatedAt))
	assert.Contains(t, obj.Digest, "blake2b-256:")
}

func TestQueueEnqueueIsIdempotent(t *testing.T) {
	store := remote.NewMemoryStore()
	var putCalls atomic.Int32
	store.SetFault(func(op, key string) error {
		if op == "put" {
			putCalls.Add(1)
		}
		return nil
	})

	f := newFixture(t, store, auth.Static("user-1"), Options{Workers: 2})
	asset := f.persist(t, "clip")
	ctx := context.Background()

	require.NoError(t, f.queue.Enqueue(ctx, asset.ID))
	require.NoError(t, f.queue.Enqueue(ctx, asset.ID))
	f.events.waitFor(t, asset.ID, EventCompleted)

	// synced assets are not enqueued again
	require.NoError(t, f.queue.Enqueue(ctx, asset.ID))
	assert.False(t, f.queue.Active(asset.ID))

	assert.EqualValues(t, 1, putCalls.Load())
	assert.Equal(t, 1, f.events.count(asset.ID, EventCompleted))
}

func TestQueueFailsAfterRetryBudget(t *testing.T) {
	store := remote.NewMemoryStore()
	store.SetFault(func(op, key string) error {
		if op == "put" {
			return remote.ErrTransient
		}
		return nil
	})

	policy := Policy{BaseDelay: time.Second, Factor: 2, MaxAttempts: 3, MaxDelay: time.Minute}
	f := newFixture(t, store, auth.Static("user-1"), Options{Workers: 1, Policy: policy})
	asset := f.persist(t, "clip")
	ctx := context.Background()

	require.NoError(t, f.queue.Enqueue(ctx, asset.ID))
	failed := f.events.waitFor(t, asset.ID, EventFailed)
	assert.Equal(t, 3, failed.Attempt)
	assert.ErrorIs(t, failed.Err, remote.ErrTransient)

	record, err := f.journal.Get(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncFailed, record.State)
	assert.NotEmpty(t, record.LastError)
	assert.Empty(t, store.Keys())

	// an explicit re-enqueue starts a fresh attempt sequence
	store.SetFault(nil)
	require.NoError(t, f.queue.Enqueue(ctx, asset.ID))
	done := f.events.waitFor(t, asset.ID, EventCompleted)
	assert.Equal(t, 1, done.Attempt)
}

func TestQueuePermanentFailureDoesNotRetry(t *testing.T) {
	store := remote.NewMemoryStore()
	store.SetFault(func(op, key string) error {
		if op == "put" {
			return errors.New("access denied")
		}
		return nil
	})

	f := newFixture(t, store, auth.Static("user-1"), Options{Workers: 1})
	asset := f.persist(t, "clip")

	require.NoError(t, f.queue.Enqueue(context.Background(), asset.ID))
	failed := f.events.waitFor(t, asset.ID, EventFailed)
	assert.Equal(t, 1, failed.Attempt)
	assert.Empty(t, f.clock.Delays())
}

type blockingStore struct {
	*remote.MemoryStore
	started chan string
}

func (b *blockingStore) Put(ctx context.Context, key string, r io.Reader, size int64, meta remote.Metadata) error {
	b.started <- key
	<-ctx.Done()
	if _, err := io.ReadAll(r); err != nil {
		return err
	}
	return ctx.Err()
}

func TestQueueCancelInProgressUpload(t *testing.T) {
	mem := remote.NewMemoryStore()
	store := &blockingStore{MemoryStore: mem, started: make(chan string, 4)}
	f := newFixture(t, store, auth.Static("user-1"), Options{Workers: 1})
	asset := f.persist(t, "clip")
	ctx := context.Background()

	require.NoError(t, f.queue.Enqueue(ctx, asset.ID))
	select {
	case <-store.started:
	case <-time.After(5 * time.Second):
		t.Fatal("upload never started")
	}

	require.NoError(t, f.queue.Cancel(ctx, asset.ID))
	assert.False(t, f.queue.Active(asset.ID))
	assert.Equal(t, 1, f.events.count(asset.ID, EventCancelled))
	assert.Zero(t, f.events.count(asset.ID, EventCompleted))
	assert.Empty(t, mem.Keys())

	record, err := f.journal.Get(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncLocal, record.State)

	snap, ok := f.queue.Task(asset.ID)
	require.True(t, ok)
	assert.Equal(t, models.TaskCancelled, snap.State)
}

func TestQueueCancelQueuedTask(t *testing.T) {
	mem := remote.NewMemoryStore()
	store := &blockingStore{MemoryStore: mem, started: make(chan string, 4)}
	f := newFixture(t, store, auth.Static("user-1"), Options{Workers: 1})
	first := f.persist(t, "first")
	second := f.persist(t, "second")
	ctx := context.Background()

	require.NoError(t, f.queue.Enqueue(ctx, first.ID))
	<-store.started
	require.NoError(t, f.queue.Enqueue(ctx, second.ID))

	require.NoError(t, f.queue.Cancel(ctx, second.ID))
	assert.Equal(t, 1, f.events.count(second.ID, EventCancelled))
	_, err := f.journal.Get(ctx, second.ID)
	assert.ErrorIs(t, err, journal.ErrNotFound, "a task that never ran leaves no journal record")

	require.NoError(t, f.queue.Cancel(ctx, first.ID))
	assert.Empty(t, f.queue.Tasks())
}

func TestQueueRequiresIdentity(t *testing.T) {
	f := newFixture(t, remote.NewMemoryStore(), auth.Static(""), Options{})
	asset := f.persist(t, "clip")

	err := f.queue.Enqueue(context.Background(), asset.ID)
	assert.ErrorIs(t, err, auth.ErrAuthRequired)
	assert.False(t, f.queue.Active(asset.ID))

	assert.NoError(t, f.queue.Recover(context.Background()))
}

func TestQueueRejectsUnknownAsset(t *testing.T) {
	f := newFixture(t, remote.NewMemoryStore(), auth.Static("user-1"), Options{})
	err := f.queue.Enqueue(context.Background(), "missing")
	assert.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestQueueReconcilesStaleUploadsAndRescans(t *testing.T) {
	store := remote.NewMemoryStore()
	f := newFixture(t, store, auth.Static("user-1"), Options{Workers: 1})
	ctx := context.Background()

	stuck := f.persist(t, "stuck")
	failed := f.persist(t, "failed")
	require.NoError(t, f.journal.Put(ctx, journal.Record{AssetID: stuck.ID, State: models.SyncUploading, Attempts: 1}))
	require.NoError(t, f.journal.Put(ctx, journal.Record{AssetID: failed.ID, State: models.SyncFailed, Attempts: 5}))

	reset, err := f.queue.ReconcileStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reset)

	record, err := f.journal.Get(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncLocal, record.State)

	enqueued, err := f.queue.EnqueuePending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, enqueued)

	f.events.waitFor(t, stuck.ID, EventCompleted)
	f.events.waitFor(t, failed.ID, EventCompleted)
}

func TestQueueShutdownRejectsNewWork(t *testing.T) {
	f := newFixture(t, remote.NewMemoryStore(), auth.Static("user-1"), Options{})
	asset := f.persist(t, "clip")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.queue.Shutdown(ctx))

	assert.ErrorIs(t, f.queue.Enqueue(context.Background(), asset.ID), ErrQueueClosed)
}

func TestQueueWaitReturnsWhenDrained(t *testing.T) {
	f := newFixture(t, remote.NewMemoryStore(), auth.Static("user-1"), Options{Workers: 1})
	first := f.persist(t, "first")
	second := f.persist(t, "second")
	ctx := context.Background()

	require.NoError(t, f.queue.Enqueue(ctx, first.ID))
	require.NoError(t, f.queue.Enqueue(ctx, second.ID))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.queue.Wait(waitCtx))

	assert.Empty(t, f.queue.Tasks())
	f.events.waitFor(t, first.ID, EventCompleted)
	f.events.waitFor(t, second.ID, EventCompleted)
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{BaseDelay: time.Second, Factor: 2, MaxAttempts: 10, MaxDelay: 5 * time.Second}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(9))
}

func TestTaskStateMachine(t *testing.T) {
	policy := Policy{BaseDelay: time.Second, Factor: 2, MaxAttempts: 2, MaxDelay: time.Minute}
	now := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)
	tk := &task{assetID: "a", state: models.TaskQueued}

	tk.begin()
	retry, delay := tk.fail(remote.ErrTransient, policy, now)
	assert.True(t, retry)
	assert.Equal(t, time.Second, delay)
	assert.Equal(t, models.TaskQueued, tk.state)
	assert.Equal(t, now.Add(time.Second), tk.nextAt)

	tk.begin()
	retry, _ = tk.fail(remote.ErrTransient, policy, now)
	assert.False(t, retry)
	assert.Equal(t, models.TaskFailed, tk.state)
	assert.Equal(t, 2, tk.snapshot().Attempts)
	assert.NotEmpty(t, tk.snapshot().LastError)
}

// gatedStore holds every Put until release is closed.
type gatedStore struct {
	*remote.MemoryStore
	started chan string
	release chan struct{}
}

func (g *gatedStore) Put(ctx context.Context, key string, r io.Reader, size int64, meta remote.Metadata) error {
	g.started <- key
	<-g.release
	return g.MemoryStore.Put(ctx, key, r, size, meta)
}

// hookedJournal runs callbacks between a read and its return.
type hookedJournal struct {
	journal.Repository
	afterList func()
	afterGet  func(assetID string)

	mu     sync.Mutex
	states []models.SyncState
}

func (h *hookedJournal) Put(ctx context.Context, record journal.Record) error {
	h.mu.Lock()
	h.states = append(h.states, record.State)
	h.mu.Unlock()
	return h.Repository.Put(ctx, record)
}

func (h *hookedJournal) written() []models.SyncState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.SyncState(nil), h.states...)
}

func (h *hookedJournal) ListByState(ctx context.Context, state models.SyncState) ([]journal.Record, error) {
	records, err := h.Repository.ListByState(ctx, state)
	if h.afterList != nil {
		h.afterList()
	}
	return records, err
}

func (h *hookedJournal) Get(ctx context.Context, assetID string) (journal.Record, error) {
	record, err := h.Repository.Get(ctx, assetID)
	if h.afterGet != nil {
		h.afterGet(assetID)
	}
	return record, err
}

func TestReconcileStaleKeepsUploadThatFinishedAfterListing(t *testing.T) {
	mem := remote.NewMemoryStore()
	store := &gatedStore{MemoryStore: mem, started: make(chan string, 1), release: make(chan struct{})}
	repo := &hookedJournal{Repository: journal.NewMemoryRepository()}
	f := newFixtureWithJournal(t, store, auth.Static("user-1"), Options{Workers: 1}, repo)
	asset := f.persist(t, "clip")
	ctx := context.Background()

	require.NoError(t, f.queue.Enqueue(ctx, asset.ID))
	<-store.started

	// the upload completes after the uploading records were listed
	repo.afterList = func() {
		close(store.release)
		f.events.waitFor(t, asset.ID, EventCompleted)
	}

	reset, err := f.queue.ReconcileStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, reset)

	key := models.RemoteKey("user-1", asset.ID, models.VideoExt)
	record, err := f.journal.Get(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, record.State)
	assert.Equal(t, key, record.RemoteKey)
	assert.Empty(t, record.LastError)
}

func TestEnqueueDuringCompletionDoesNotUploadTwice(t *testing.T) {
	mem := remote.NewMemoryStore()
	store := &gatedStore{MemoryStore: mem, started: make(chan string, 2), release: make(chan struct{})}
	repo := &hookedJournal{Repository: journal.NewMemoryRepository()}
	f := newFixtureWithJournal(t, store, auth.Static("user-1"), Options{Workers: 1}, repo)
	asset := f.persist(t, "clip")
	ctx := context.Background()

	require.NoError(t, f.queue.Enqueue(ctx, asset.ID))
	<-store.started

	// the running upload is let go right after the second Enqueue read the
	// journal, and is given a chance to finish before Enqueue continues
	var once sync.Once
	repo.afterGet = func(id string) {
		once.Do(func() {
			close(store.release)
			f.events.within(asset.ID, EventCompleted, 200*time.Millisecond)
		})
	}
	require.NoError(t, f.queue.Enqueue(ctx, asset.ID))

	f.events.waitFor(t, asset.ID, EventCompleted)
	require.NoError(t, f.queue.Wait(ctx))

	key := models.RemoteKey("user-1", asset.ID, models.VideoExt)
	assert.Equal(t, 1, mem.Puts(key))
	assert.Equal(t, 1, f.events.count(asset.ID, EventStarted))
	assert.False(t, f.queue.Active(asset.ID))

	record, err := f.journal.Get(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncSynced, record.State)
}

func TestQueueConfirmsExistingRemoteCopyWithoutTransfer(t *testing.T) {
	mem := remote.NewMemoryStore()
	repo := &hookedJournal{Repository: journal.NewMemoryRepository()}
	f := newFixtureWithJournal(t, mem, auth.Static("user-1"), Options{Workers: 1}, repo)
	ctx := context.Background()

	same := f.persist(t, "already uploaded")
	changed := f.persist(t, "edited since")
	sameDigest, err := f.queue.digest(ctx, same.ID)
	require.NoError(t, err)

	// the object landed remotely but the journal still says local
	sameKey := models.RemoteKey("user-1", same.ID, models.VideoExt)
	changedKey := models.RemoteKey("user-1", changed.ID, models.VideoExt)
	require.NoError(t, mem.Put(ctx, sameKey, strings.NewReader("already uploaded"), 16, remote.Metadata{Digest: sameDigest}))
	require.NoError(t, mem.Put(ctx, changedKey, strings.NewReader("stale"), 5, remote.Metadata{Digest: "blake2b-256:00"}))

	require.NoError(t, f.queue.Enqueue(ctx, same.ID))
	done := f.events.waitFor(t, same.ID, EventCompleted)
	assert.Equal(t, sameKey, done.RemoteKey)
	assert.Equal(t, 1, mem.Puts(sameKey), "matching copy is not transferred again")
	assert.Equal(t, []models.SyncState{models.SyncUploading, models.SyncSynced}, repo.written())

	require.NoError(t, f.queue.Enqueue(ctx, changed.ID))
	f.events.waitFor(t, changed.ID, EventCompleted)
	assert.Equal(t, 2, mem.Puts(changedKey), "a different copy is overwritten")
}
