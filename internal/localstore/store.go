// Package localstore keeps captured clips durable on the device and lists
// them for the catalog.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vidfriends/clipvault/internal/models"
)

const (
	videosDir  = "videos"
	stagingDir = ".staging"

	// idTimeLayout prefixes every asset id so ids sort by capture time and the
	// creation time can be recovered from the file name alone.
	idTimeLayout = "20060102T150405.000Z"
)

// Lister is the read side consumed by the catalog. Any implementation, for
// example an index-backed one, can stand in for the directory store.
type Lister interface {
	ListLocal(ctx context.Context) ([]models.Asset, error)
}

// Store keeps clips in one flat directory named by asset id. The directory is
// the only source of truth for which local assets exist.
type Store struct {
	root    string
	videos  string
	staging string
	logger  *slog.Logger
	newID   func(time.Time) string
}

// New prepares the directory layout under root.
func New(root string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("local store: root directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		root:    root,
		videos:  filepath.Join(root, videosDir),
		staging: filepath.Join(root, stagingDir),
		logger:  logger,
		newID:   newAssetID,
	}
	for _, dir := range []string{s.videos, s.staging} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("local store: create %s: %w", dir, err)
		}
	}
	return s, nil
}

// Dir returns the enumerated video directory.
func (s *Store) Dir() string { return s.videos }

// Persist moves the temporary clip at tempPath into durable storage and
// assigns the asset id. Either the returned asset is fully visible, or a
// *PersistError is returned and nothing new is enumerable.
func (s *Store) Persist(ctx context.Context, tempPath string, recordedAt time.Time) (models.Asset, error) {
	if err := ctx.Err(); err != nil {
		return models.Asset{}, &PersistError{Op: "start", Err: err}
	}
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	createdAt := recordedAt.UTC().Truncate(time.Millisecond)

	info, err := os.Stat(tempPath)
	if err != nil {
		return models.Asset{}, &PersistError{Op: "stat temp clip", Err: err}
	}
	if !info.Mode().IsRegular() {
		return models.Asset{}, &PersistError{Op: "stat temp clip", Err: fmt.Errorf("%s is not a regular file", tempPath)}
	}

	id := s.newID(createdAt)
	staged := filepath.Join(s.staging, id+".part")

	copied, err := moveOrCopy(tempPath, staged)
	if err != nil {
		_ = os.Remove(staged)
		return models.Asset{}, &PersistError{Op: "stage clip", Err: err}
	}

	restore := func() {
		if copied {
			_ = os.Remove(staged)
			return
		}
		// hand the take back so the caller can retry the save
		if err := os.Rename(staged, tempPath); err != nil {
			_ = os.Remove(staged)
		}
	}

	if err := os.Chtimes(staged, createdAt, createdAt); err != nil {
		restore()
		return models.Asset{}, &PersistError{Op: "stamp clip", Err: err}
	}

	final := s.pathFor(id)
	if _, err := os.Lstat(final); err == nil {
		restore()
		return models.Asset{}, &PersistError{Op: "publish clip", Err: fmt.Errorf("asset %s already exists", id)}
	}
	if err := os.Rename(staged, final); err != nil {
		restore()
		return models.Asset{}, &PersistError{Op: "publish clip", Err: err}
	}
	syncDir(s.videos)

	if copied {
		if err := os.Remove(tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("remove temp clip after copy", "path", tempPath, "error", err)
		}
	}

	asset := models.Asset{
		ID:        id,
		LocalPath: final,
		CreatedAt: createdAt,
		SyncState: models.SyncLocal,
		SizeBytes: info.Size(),
	}
	s.logger.Info("clip persisted", "asset_id", id, "size_bytes", asset.SizeBytes)
	return asset, nil
}

// ListLocal enumerates stored clips, most recent first.
func (s *Store) ListLocal(ctx context.Context) ([]models.Asset, error) {
	entries, err := os.ReadDir(s.videos)
	if err != nil {
		return nil, fmt.Errorf("read video directory: %w", err)
	}

	assets := make([]models.Asset, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".") || filepath.Ext(name) != "."+models.VideoExt {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("stat %s: %w", name, err)
		}
		assets = append(assets, s.assetFromInfo(strings.TrimSuffix(name, filepath.Ext(name)), info))
	}

	SortNewestFirst(assets)
	return assets, nil
}

// Get returns the stored asset with id.
func (s *Store) Get(_ context.Context, id string) (models.Asset, error) {
	if !validID(id) {
		return models.Asset{}, ErrInvalidID
	}
	info, err := os.Stat(s.pathFor(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.Asset{}, ErrNotFound
		}
		return models.Asset{}, fmt.Errorf("stat asset %s: %w", id, err)
	}
	return s.assetFromInfo(id, info), nil
}

// Open returns a reader over the stored clip and its size.
func (s *Store) Open(_ context.Context, id string) (io.ReadCloser, int64, error) {
	if !validID(id) {
		return nil, 0, ErrInvalidID
	}
	f, err := os.Open(s.pathFor(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("open asset %s: %w", id, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat asset %s: %w", id, err)
	}
	return f, info.Size(), nil
}

// Delete removes the local copy. Deleting a missing id is not an error.
func (s *Store) Delete(_ context.Context, id string) error {
	if !validID(id) {
		return ErrInvalidID
	}
	if err := os.Remove(s.pathFor(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete asset %s: %w", id, err)
	}
	return nil
}

// Recover removes staging leftovers from a save interrupted by a crash. It must
// run before any Persist call.
func (s *Store) Recover(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.staging)
	if err != nil {
		return 0, fmt.Errorf("read staging directory: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		path := filepath.Join(s.staging, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return removed, fmt.Errorf("remove staged %s: %w", entry.Name(), err)
		}
		removed++
	}
	if removed > 0 {
		s.logger.Warn("removed interrupted saves", "count", removed)
	}
	return removed, nil
}

// SortNewestFirst orders assets by creation time descending, breaking ties by
// id so the order is stable across refreshes.
func SortNewestFirst(assets []models.Asset) {
	sort.SliceStable(assets, func(i, j int) bool {
		if !assets[i].CreatedAt.Equal(assets[j].CreatedAt) {
			return assets[i].CreatedAt.After(assets[j].CreatedAt)
		}
		return assets[i].ID > assets[j].ID
	})
}

func (s *Store) pathFor(id string) string {
	return filepath.Join(s.videos, id+"."+models.VideoExt)
}

func (s *Store) assetFromInfo(id string, info os.FileInfo) models.Asset {
	createdAt, ok := CreatedAtFromID(id)
	if !ok {
		createdAt = info.ModTime().UTC()
	}
	return models.Asset{
		ID:        id,
		LocalPath: s.pathFor(id),
		CreatedAt: createdAt,
		SyncState: models.SyncLocal,
		SizeBytes: info.Size(),
	}
}

// CreatedAtFromID recovers the capture time encoded in an asset id.
func CreatedAtFromID(id string) (time.Time, bool) {
	if len(id) < len(idTimeLayout) {
		return time.Time{}, false
	}
	t, err := time.Parse(idTimeLayout, id[:len(idTimeLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func newAssetID(createdAt time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return createdAt.UTC().Format(idTimeLayout) + "-" + suffix
}

func validID(id string) bool {
	if id == "" || strings.HasPrefix(id, ".") {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}

// moveOrCopy renames src to dst, falling back to a synced copy when the rename
// crosses filesystems. copied reports whether src still exists.
func moveOrCopy(src, dst string) (copied bool, err error) {
	if err := os.Rename(src, dst); err == nil {
		return false, nil
	} else if _, statErr := os.Stat(src); statErr != nil {
		return false, err
	}

	in, err := os.Open(src)
	if err != nil {
		return true, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return true, err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return true, err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return true, err
	}
	return true, out.Close()
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
