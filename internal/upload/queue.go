// Package upload drives persisted clips to the remote store with bounded
// concurrency, retries and cancellation.
package upload

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/time/rate"

	"github.com/vidfriends/clipvault/internal/auth"
	"github.com/vidfriends/clipvault/internal/journal"
	"github.com/vidfriends/clipvault/internal/logging"
	"github.com/vidfriends/clipvault/internal/models"
	"github.com/vidfriends/clipvault/internal/remote"
)

// ErrQueueClosed is returned by Enqueue after Shutdown.
var ErrQueueClosed = errors.New("upload queue closed")

// LocalSource is the read side of the local store used by uploads.
type LocalSource interface {
	Get(ctx context.Context, id string) (models.Asset, error)
	Open(ctx context.Context, id string) (io.ReadCloser, int64, error)
	ListLocal(ctx context.Context) ([]models.Asset, error)
}

// Options controls the concurrency characteristics of the queue.
type Options struct {
	Workers          int
	Policy           Policy
	ProgressInterval time.Duration
	Clock            Clock
	Logger           *slog.Logger
}

// Queue uploads local assets in FIFO order using a fixed worker pool.
type Queue struct {
	local    LocalSource
	store    remote.Store
	journal  journal.Repository
	identity auth.Identity
	policy   Policy
	interval time.Duration
	clock    Clock
	logger   *slog.Logger

	// settleMu orders terminal journal writes against the checks Enqueue
	// and ReconcileStale make. Taken before mu, never while holding it.
	settleMu sync.Mutex

	mu        sync.Mutex
	cond      *sync.Cond
	tasks     map[string]*task
	last      map[string]models.UploadTask
	pending   []*task
	listeners map[int]Listener
	nextID    int
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewQueue starts the worker pool.
func NewQueue(local LocalSource, store remote.Store, repo journal.Repository, identity auth.Identity, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 250 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = realClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		local:     local,
		store:     store,
		journal:   repo,
		identity:  identity,
		policy:    opts.Policy.normalized(),
		interval:  opts.ProgressInterval,
		clock:     opts.Clock,
		logger:    opts.Logger,
		tasks:     make(map[string]*task),
		last:      make(map[string]models.UploadTask),
		listeners: make(map[int]Listener),
		ctx:       ctx,
		cancel:    cancel,
	}
	q.cond = sync.NewCond(&q.mu)

	q.wg.Add(opts.Workers)
	for i := 0; i < opts.Workers; i++ {
		go q.worker()
	}
	return q
}

// Subscribe registers l for every subsequent event. The returned function
// removes it.
func (q *Queue) Subscribe(l Listener) func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.nextID
	q.nextID++
	q.listeners[id] = l
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.listeners, id)
	}
}

// Enqueue schedules an upload for assetID. Enqueuing an asset that is already
// queued, in progress or synced is a no-op.
func (q *Queue) Enqueue(ctx context.Context, assetID string) error {
	if _, err := q.identity.CurrentUserID(ctx); err != nil {
		return fmt.Errorf("enqueue %s: %w", assetID, err)
	}
	if _, err := q.local.Get(ctx, assetID); err != nil {
		return fmt.Errorf("enqueue %s: %w", assetID, err)
	}

	q.settleMu.Lock()
	defer q.settleMu.Unlock()

	record, err := journal.StateOf(ctx, q.journal, assetID)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", assetID, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	if _, ok := q.tasks[assetID]; ok {
		return nil
	}
	if record.State == models.SyncSynced {
		return nil
	}

	taskCtx, cancel := context.WithCancel(q.ctx)
	t := &task{
		assetID: assetID,
		state:   models.TaskQueued,
		ctx:     taskCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	q.tasks[assetID] = t
	delete(q.last, assetID)
	q.pending = append(q.pending, t)
	q.cond.Signal()

	logging.FromContext(ctx).Debug("upload enqueued", "asset_id", assetID, "pending", len(q.pending))
	return nil
}

// EnqueuePending enqueues every local asset that is not synced, including
// failed ones. It is the re-scan performed when the application starts.
func (q *Queue) EnqueuePending(ctx context.Context) (int, error) {
	assets, err := q.local.ListLocal(ctx)
	if err != nil {
		return 0, fmt.Errorf("list local assets: %w", err)
	}

	enqueued := 0
	for _, asset := range assets {
		record, err := journal.StateOf(ctx, q.journal, asset.ID)
		if err != nil {
			return enqueued, err
		}
		if record.State == models.SyncSynced || q.Active(asset.ID) {
			continue
		}
		if err := q.Enqueue(ctx, asset.ID); err != nil {
			return enqueued, err
		}
		enqueued++
	}
	return enqueued, nil
}

// ReconcileStale resets journal records stuck in uploading without a live task
// back to local. A crash mid-transfer leaves such records behind.
func (q *Queue) ReconcileStale(ctx context.Context) (int, error) {
	stale, err := q.journal.ListByState(ctx, models.SyncUploading)
	if err != nil {
		return 0, fmt.Errorf("list uploading records: %w", err)
	}

	reset := 0
	for _, candidate := range stale {
		ok, err := q.resetStale(ctx, candidate.AssetID)
		if err != nil {
			return reset, err
		}
		if ok {
			reset++
		}
	}
	if reset > 0 {
		logging.FromContext(ctx).Info("reconciled interrupted uploads", "count", reset)
	}
	return reset, nil
}

// resetStale moves assetID back to local if it is still journaled as
// uploading and no task owns it. The listing may predate a finished upload.
func (q *Queue) resetStale(ctx context.Context, assetID string) (bool, error) {
	q.settleMu.Lock()
	defer q.settleMu.Unlock()

	if q.Active(assetID) {
		return false, nil
	}
	record, err := journal.StateOf(ctx, q.journal, assetID)
	if err != nil {
		return false, fmt.Errorf("reset %s: %w", assetID, err)
	}
	if record.State != models.SyncUploading {
		return false, nil
	}
	record.State = models.SyncLocal
	record.LastError = "upload interrupted"
	record.UpdatedAt = q.clock.Now()
	if err := q.journal.Put(ctx, record); err != nil {
		return false, fmt.Errorf("reset %s: %w", assetID, err)
	}
	return true, nil
}

// Recover reconciles interrupted uploads and re-enqueues pending assets.
// Being signed out is not an error here; uploads resume on the next re-scan.
func (q *Queue) Recover(ctx context.Context) error {
	if _, err := q.ReconcileStale(ctx); err != nil {
		return err
	}
	if _, err := q.EnqueuePending(ctx); err != nil {
		if errors.Is(err, auth.ErrAuthRequired) {
			logging.FromContext(ctx).Warn("skipping upload re-scan: not signed in")
			return nil
		}
		return err
	}
	return nil
}

// Cancel aborts the task for assetID and waits until its worker has let go of
// it. A task past the point of recording success completes normally instead.
func (q *Queue) Cancel(ctx context.Context, assetID string) error {
	q.mu.Lock()
	t, ok := q.tasks[assetID]
	if !ok {
		q.mu.Unlock()
		return nil
	}
	t.cancelled = true
	t.cancel()

	if t.state == models.TaskQueued && q.removePending(t) {
		t.abort()
		delete(q.tasks, assetID)
		q.last[assetID] = t.snapshot()
		close(t.done)
		q.mu.Unlock()
		q.emit(Event{Kind: EventCancelled, AssetID: assetID, Attempt: t.attempts})
		return nil
	}
	q.mu.Unlock()

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active reports whether assetID has a queued or running task.
func (q *Queue) Active(assetID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.tasks[assetID]
	return ok
}

// Task returns the live task for assetID, or the outcome of its last one.
func (q *Queue) Task(assetID string) (models.UploadTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.tasks[assetID]; ok {
		return t.snapshot(), true
	}
	snap, ok := q.last[assetID]
	return snap, ok
}

// Tasks returns a snapshot of every live task.
func (q *Queue) Tasks() []models.UploadTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.UploadTask, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t.snapshot())
	}
	return out
}

// Wait blocks until no task is queued or in progress, or ctx is done. Tasks
// enqueued while waiting are waited for too.
func (q *Queue) Wait(ctx context.Context) error {
	settled := make(chan struct{}, 1)
	unsubscribe := q.Subscribe(func(ev Event) {
		switch ev.Kind {
		case EventCompleted, EventFailed, EventCancelled:
			select {
			case settled <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	for {
		q.mu.Lock()
		idle := len(q.tasks) == 0
		q.mu.Unlock()
		if idle {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-settled:
		}
	}
}

// Shutdown stops accepting work, aborts running transfers and waits for the
// workers to return.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.once.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.cond.Broadcast()
		q.mu.Unlock()
		q.cancel()
	})

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		t := q.next()
		if t == nil {
			return
		}
		q.run(t)
	}
}

func (q *Queue) next() *task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pending) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return nil
	}
	t := q.pending[0]
	q.pending = q.pending[1:]
	return t
}

func (q *Queue) removePending(t *task) bool {
	for i, p := range q.pending {
		if p == t {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) run(t *task) {
	defer close(t.done)
	defer t.cancel()

	ctx := logging.WithAssetID(logging.WithLogger(t.ctx, q.logger), t.assetID)
	for {
		q.mu.Lock()
		if t.cancelled {
			q.mu.Unlock()
			q.finishCancelled(ctx, t)
			return
		}
		t.begin()
		attempt := t.attempts
		q.mu.Unlock()

		q.record(ctx, t, models.SyncUploading, "")
		q.emit(Event{Kind: EventStarted, AssetID: t.assetID, Attempt: attempt})

		key, err := q.attempt(ctx, t, attempt)
		if err == nil {
			q.mu.Lock()
			if t.cancelled {
				q.mu.Unlock()
				q.finishCancelled(ctx, t)
				return
			}
			t.succeed()
			q.mu.Unlock()

			q.settle(ctx, t, models.SyncSynced, key)
			q.emit(Event{Kind: EventProgress, AssetID: t.assetID, Attempt: attempt, Fraction: 1})
			q.emit(Event{Kind: EventCompleted, AssetID: t.assetID, Attempt: attempt, RemoteKey: key})
			return
		}

		if t.ctx.Err() != nil {
			q.finishCancelled(ctx, t)
			return
		}

		q.mu.Lock()
		retry, delay := t.fail(err, q.policy, q.clock.Now())
		q.mu.Unlock()

		if !retry {
			logging.FromContext(ctx).Error("upload failed", "attempts", attempt, "error", err)
			q.settle(ctx, t, models.SyncFailed, "")
			q.emit(Event{Kind: EventFailed, AssetID: t.assetID, Attempt: attempt, Err: err})
			return
		}

		logging.FromContext(ctx).Warn("upload attempt failed; retrying", "attempt", attempt, "delay", delay, "error", err)
		q.emit(Event{Kind: EventRetrying, AssetID: t.assetID, Attempt: attempt, Delay: delay, Err: err})

		select {
		case <-q.clock.After(delay):
		case <-t.ctx.Done():
			q.finishCancelled(ctx, t)
			return
		}
	}
}

func (q *Queue) attempt(ctx context.Context, t *task, attempt int) (key string, err error) {
	ctx, span := logging.StartSpan(ctx, "upload.attempt")
	defer func() { span.End(err) }()

	userID, err := q.identity.CurrentUserID(ctx)
	if err != nil {
		return "", err
	}
	asset, err := q.local.Get(ctx, t.assetID)
	if err != nil {
		return "", err
	}

	digest, err := q.digest(ctx, t.assetID)
	if err != nil {
		return "", err
	}

	rc, size, err := q.local.Open(ctx, t.assetID)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	key = models.RemoteKey(userID, t.assetID, models.VideoExt)
	if q.alreadyStored(ctx, key, digest, size) {
		logging.FromContext(ctx).Info("remote copy already present; skipping transfer", "key", key)
		return key, nil
	}

	limiter := rate.NewLimiter(rate.Every(q.interval), 1)
	body := newProgressReader(ctx, rc, size, limiter, q.clock, func(fraction float64) {
		q.emit(Event{Kind: EventProgress, AssetID: t.assetID, Attempt: attempt, Fraction: fraction})
	})

	meta := remote.Metadata{CreatedAt: asset.CreatedAt, Digest: digest, ContentType: "video/mp4"}
	if err := q.store.Put(ctx, key, body, size, meta); err != nil {
		return "", err
	}
	return key, nil
}

// alreadyStored reports whether key holds exactly these bytes, as left by an
// upload whose journal write was lost. Stat errors fall through to a Put.
func (q *Queue) alreadyStored(ctx context.Context, key, digest string, size int64) bool {
	obj, err := q.store.Stat(ctx, key)
	if err != nil {
		if !errors.Is(err, remote.ErrNotFound) {
			logging.FromContext(ctx).Debug("stat before upload", "key", key, "error", err)
		}
		return false
	}
	return obj.Digest != "" && obj.Digest == digest && obj.Size == size
}

func (q *Queue) digest(ctx context.Context, assetID string) (string, error) {
	rc, _, err := q.local.Open(ctx, assetID)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, ctxReader{ctx: ctx, r: rc}); err != nil {
		return "", fmt.Errorf("digest %s: %w", assetID, err)
	}
	return "blake2b-256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// record writes the journal outside the task context so a cancelled task can
// still leave an accurate state behind.
func (q *Queue) record(ctx context.Context, t *task, state models.SyncState, key string) {
	q.mu.Lock()
	rec := journal.Record{
		AssetID:   t.assetID,
		State:     state,
		RemoteKey: key,
		Attempts:  t.attempts,
		UpdatedAt: q.clock.Now(),
	}
	if t.lastErr != nil {
		rec.LastError = t.lastErr.Error()
	}
	q.mu.Unlock()

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := q.journal.Put(writeCtx, rec); err != nil {
		logging.FromContext(ctx).Error("record sync state", "state", state, "error", err)
	}
}

func (q *Queue) finishCancelled(ctx context.Context, t *task) {
	q.mu.Lock()
	t.abort()
	q.mu.Unlock()

	if t.attempts > 0 {
		q.settle(ctx, t, models.SyncLocal, "")
	} else {
		q.finish(t)
	}
	logging.FromContext(ctx).Info("upload cancelled", "attempts", t.attempts)
	q.emit(Event{Kind: EventCancelled, AssetID: t.assetID, Attempt: t.attempts})
}

// settle records the terminal state and releases the task as one step.
func (q *Queue) settle(ctx context.Context, t *task, state models.SyncState, key string) {
	q.settleMu.Lock()
	defer q.settleMu.Unlock()
	q.record(ctx, t, state, key)
	q.finish(t)
}

func (q *Queue) finish(t *task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.tasks[t.assetID] == t {
		delete(q.tasks, t.assetID)
	}
	q.last[t.assetID] = t.snapshot()
}

func (q *Queue) emit(ev Event) {
	q.mu.Lock()
	listeners := make([]Listener, 0, len(q.listeners))
	for _, l := range q.listeners {
		listeners = append(listeners, l)
	}
	q.mu.Unlock()

	for _, l := range listeners {
		l(ev)
	}
}
