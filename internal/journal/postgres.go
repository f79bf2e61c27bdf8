package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	crdbpgx "github.com/cockroachdb/cockroach-go/v2/crdb/crdbpgxv5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/vidfriends/clipvault/internal/db"
	"github.com/vidfriends/clipvault/internal/journal/migrations"
	"github.com/vidfriends/clipvault/internal/models"
)

// PostgresRepository keeps the journal in PostgreSQL or CockroachDB. Writes run
// inside crdbpgx.ExecuteTx so serialization conflicts are retried.
type PostgresRepository struct {
	pool db.Pool
}

// OpenPostgres connects to databaseURL and applies the journal migrations.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresRepository, error) {
	pool, err := db.Connect(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := MigratePostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return NewPostgresRepository(pool), nil
}

// MigratePostgres brings the journal schema on pool up to date.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	sqlDB := stdlib.OpenDBFromPool(pool)
	defer sqlDB.Close()
	return runMigrations(ctx, sqlDB, "postgres", migrations.Postgres, "postgres")
}

// NewPostgresRepository constructs a journal backed by pool.
func NewPostgresRepository(pool db.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Get(ctx context.Context, assetID string) (Record, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `
        SELECT asset_id, state, remote_key, attempts, last_error, updated_at
        FROM sync_records
        WHERE asset_id = $1
    `, assetID)

	record, err := scanPostgres(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("select sync record: %w", err)
	}
	return record, nil
}

func (r *PostgresRepository) List(ctx context.Context) ([]Record, error) {
	return r.query(ctx, `
        SELECT asset_id, state, remote_key, attempts, last_error, updated_at
        FROM sync_records
        ORDER BY asset_id
    `)
}

func (r *PostgresRepository) ListByState(ctx context.Context, state models.SyncState) ([]Record, error) {
	return r.query(ctx, `
        SELECT asset_id, state, remote_key, attempts, last_error, updated_at
        FROM sync_records
        WHERE state = $1
        ORDER BY asset_id
    `, string(state))
}

func (r *PostgresRepository) Put(ctx context.Context, record Record) error {
	if err := validate(record); err != nil {
		return err
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}

	err := crdbpgx.ExecuteTx(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
            INSERT INTO sync_records (asset_id, state, remote_key, attempts, last_error, updated_at)
            VALUES ($1, $2, $3, $4, $5, $6)
            ON CONFLICT (asset_id) DO UPDATE SET
                state = EXCLUDED.state,
                remote_key = EXCLUDED.remote_key,
                attempts = EXCLUDED.attempts,
                last_error = EXCLUDED.last_error,
                updated_at = EXCLUDED.updated_at
        `, record.AssetID, string(record.State), record.RemoteKey, record.Attempts, record.LastError, record.UpdatedAt)
		return err
	})
	if err != nil {
		return fmt.Errorf("upsert sync record: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, assetID string) error {
	err := crdbpgx.ExecuteTx(ctx, r.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM sync_records WHERE asset_id = $1`, assetID)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete sync record: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

func (r *PostgresRepository) query(ctx context.Context, sql string, args ...any) ([]Record, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query sync records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		record, err := scanPostgres(rows)
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

func scanPostgres(row pgx.Row) (Record, error) {
	var (
		record Record
		state  string
	)
	if err := row.Scan(&record.AssetID, &state, &record.RemoteKey, &record.Attempts, &record.LastError, &record.UpdatedAt); err != nil {
		return Record{}, err
	}
	record.State = models.SyncState(state)
	record.UpdatedAt = record.UpdatedAt.UTC()
	return record, nil
}
