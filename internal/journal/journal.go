// Package journal records the sync state of each asset so that an interrupted
// upload can be reconciled after a restart. The local directory stays the
// source of truth for which assets exist; a missing record means "local".
package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vidfriends/clipvault/internal/models"
)

// ErrNotFound indicates no journal record exists for the asset.
var ErrNotFound = errors.New("journal record not found")

// Record is the persisted sync state of one asset.
type Record struct {
	AssetID   string
	State     models.SyncState
	RemoteKey string
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

// Repository persists sync records.
type Repository interface {
	Get(ctx context.Context, assetID string) (Record, error)
	List(ctx context.Context) ([]Record, error)
	ListByState(ctx context.Context, state models.SyncState) ([]Record, error)
	Put(ctx context.Context, record Record) error
	Delete(ctx context.Context, assetID string) error
	Close() error
}

// StateOf returns the journaled state of an asset, treating a missing record
// as local.
func StateOf(ctx context.Context, repo Repository, assetID string) (Record, error) {
	record, err := repo.Get(ctx, assetID)
	if errors.Is(err, ErrNotFound) {
		return Record{AssetID: assetID, State: models.SyncLocal}, nil
	}
	return record, err
}

// Open selects a repository implementation from the DSN. An empty DSN or
// "memory" keeps the journal in process, postgres URLs use the pgx backend,
// and anything else is treated as a SQLite database path.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (Repository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn = strings.TrimSpace(dsn)

	switch {
	case dsn == "" || dsn == "memory":
		logger.Info("using in-memory sync journal")
		return NewMemoryRepository(), nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		logger.Info("using postgres sync journal")
		return OpenPostgres(ctx, dsn)
	default:
		path := strings.TrimPrefix(dsn, "file:")
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
				return nil, fmt.Errorf("create journal directory: %w", err)
			}
		}
		logger.Info("using sqlite sync journal", "path", path)
		return OpenSQLite(ctx, dsn)
	}
}

func validate(record Record) error {
	if strings.TrimSpace(record.AssetID) == "" {
		return errors.New("journal record requires an asset id")
	}
	if !record.State.Valid() {
		return fmt.Errorf("invalid sync state %q", record.State)
	}
	return nil
}
