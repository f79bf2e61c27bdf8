package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/vidfriends/clipvault/internal/journal/migrations"
	"github.com/vidfriends/clipvault/internal/models"
)

// goose keeps its base filesystem and dialect in package globals.
var gooseMu sync.Mutex

func runMigrations(ctx context.Context, db *sql.DB, dialect string, fsys fs.FS, dir string) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(fsys)
	defer goose.SetBaseFS(nil)

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, dir); err != nil {
		return fmt.Errorf("apply journal migrations: %w", err)
	}
	return nil
}

// SQLiteRepository stores the journal in an on-device SQLite database.
type SQLiteRepository struct {
	db *sql.DB
}

// OpenSQLite opens the database at dsn and brings its schema up to date.
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite journal: %w", err)
	}
	// upload workers write concurrently; a single connection avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, "sqlite3", migrations.SQLite, "sqlite"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewSQLiteRepository(db), nil
}

// NewSQLiteRepository wraps an already migrated database handle.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Get(ctx context.Context, assetID string) (Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT asset_id, state, remote_key, attempts, last_error, updated_at
		FROM sync_records WHERE asset_id = ?`, assetID)
	record, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("select sync record %s: %w", assetID, err)
	}
	return record, nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT asset_id, state, remote_key, attempts, last_error, updated_at
		FROM sync_records ORDER BY asset_id`)
	if err != nil {
		return nil, fmt.Errorf("list sync records: %w", err)
	}
	return collectSQLite(rows)
}

func (r *SQLiteRepository) ListByState(ctx context.Context, state models.SyncState) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT asset_id, state, remote_key, attempts, last_error, updated_at
		FROM sync_records WHERE state = ? ORDER BY asset_id`, string(state))
	if err != nil {
		return nil, fmt.Errorf("list sync records by state: %w", err)
	}
	return collectSQLite(rows)
}

func (r *SQLiteRepository) Put(ctx context.Context, record Record) error {
	if err := validate(record); err != nil {
		return err
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_records (asset_id, state, remote_key, attempts, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(asset_id) DO UPDATE SET
			state = excluded.state,
			remote_key = excluded.remote_key,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		record.AssetID, string(record.State), record.RemoteKey, record.Attempts, record.LastError, record.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert sync record %s: %w", record.AssetID, err)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, assetID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sync_records WHERE asset_id = ?`, assetID); err != nil {
		return fmt.Errorf("delete sync record %s: %w", assetID, err)
	}
	return nil
}

func (r *SQLiteRepository) Close() error { return r.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (Record, error) {
	var (
		record    Record
		state     string
		updatedAt int64
	)
	if err := row.Scan(&record.AssetID, &state, &record.RemoteKey, &record.Attempts, &record.LastError, &updatedAt); err != nil {
		return Record{}, err
	}
	record.State = models.SyncState(state)
	record.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return record, nil
}

func collectSQLite(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		record, err := scanSQLite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sync record: %w", err)
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync records: %w", err)
	}
	return out, nil
}
