package gallery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/vidfriends/clipvault/internal/auth"
	"github.com/vidfriends/clipvault/internal/capture"
	"github.com/vidfriends/clipvault/internal/localstore"
	"github.com/vidfriends/clipvault/internal/logging"
	"github.com/vidfriends/clipvault/internal/models"
)

// Enqueuer schedules uploads.
type Enqueuer interface {
	Enqueue(ctx context.Context, assetID string) error
}

// Recorder takes a clip from capture through to the upload queue.
type Recorder struct {
	session *capture.Session
	local   *localstore.Store
	uploads Enqueuer
	logger  *slog.Logger
}

// NewRecorder constructs a Recorder. session may be nil when only Import is
// used.
func NewRecorder(session *capture.Session, local *localstore.Store, uploads Enqueuer, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{session: session, local: local, uploads: uploads, logger: logger}
}

// Record captures one take of at most maxDuration. Cancelling ctx stops the
// take early and still keeps it. The persisted asset is returned even when it
// could not be enqueued because nobody is signed in.
func (r *Recorder) Record(ctx context.Context, maxDuration time.Duration) (models.Asset, error) {
	if r.session == nil {
		return models.Asset{}, errors.New("no capture device configured")
	}

	rec, err := r.session.StartRecording(ctx, maxDuration)
	if err != nil {
		return models.Asset{}, err
	}
	logging.FromContext(ctx).Info("recording started", "max_duration", rec.MaxDuration)

	select {
	case <-rec.Done():
	case <-ctx.Done():
	}

	// finalize and persist even when the caller gave up waiting
	finishCtx := context.WithoutCancel(ctx)
	clip, err := r.session.StopRecording(finishCtx)
	if err != nil {
		return models.Asset{}, err
	}

	asset, err := r.local.Persist(finishCtx, clip.Path, clip.RecordedAt)
	if err != nil {
		return models.Asset{}, err
	}
	r.enqueue(finishCtx, asset)
	return asset, nil
}

// Import persists an existing clip file and schedules its upload. The source
// file is moved into the store.
func (r *Recorder) Import(ctx context.Context, path string) (models.Asset, error) {
	info, err := os.Stat(path)
	if err != nil {
		return models.Asset{}, fmt.Errorf("import %s: %w", path, err)
	}
	asset, err := r.local.Persist(ctx, path, info.ModTime())
	if err != nil {
		return models.Asset{}, err
	}
	r.enqueue(ctx, asset)
	return asset, nil
}

func (r *Recorder) enqueue(ctx context.Context, asset models.Asset) {
	if r.uploads == nil {
		return
	}
	err := r.uploads.Enqueue(ctx, asset.ID)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrAuthRequired):
		r.logger.Warn("clip kept locally; sign in to sync", "asset_id", asset.ID)
	default:
		r.logger.Error("enqueue upload", "asset_id", asset.ID, "error", err)
	}
}
