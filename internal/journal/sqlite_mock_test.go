package journal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidfriends/clipvault/internal/models"
)

func newSQLiteWithMock(t *testing.T) (*SQLiteRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLiteRepository(db), mock
}

func TestSQLiteGetDecodesRow(t *testing.T) {
	repo, mock := newSQLiteWithMock(t)
	updated := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"asset_id", "state", "remote_key", "attempts", "last_error", "updated_at"}).
		AddRow("a", "failed", "", 5, "network down", updated.UnixMilli())
	mock.ExpectQuery(`(?s)SELECT .+ FROM sync_records WHERE asset_id = \?`).
		WithArgs("a").
		WillReturnRows(rows)

	record, err := repo.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, models.SyncFailed, record.State)
	assert.Equal(t, 5, record.Attempts)
	assert.Equal(t, "network down", record.LastError)
	assert.True(t, record.UpdatedAt.Equal(updated))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteGetMapsMissingRow(t *testing.T) {
	repo, mock := newSQLiteWithMock(t)

	mock.ExpectQuery(`(?s)SELECT .+ FROM sync_records WHERE asset_id = \?`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"asset_id", "state", "remote_key", "attempts", "last_error", "updated_at"}))

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteWrapsDriverErrors(t *testing.T) {
	repo, mock := newSQLiteWithMock(t)
	driverErr := errors.New("database is locked")

	mock.ExpectExec(`(?s)INSERT INTO sync_records .+ ON CONFLICT\(asset_id\) DO UPDATE`).
		WithArgs("a", "synced", "videos/u1/a.mp4", 1, "", sqlmock.AnyArg()).
		WillReturnError(driverErr)
	mock.ExpectQuery(`(?s)SELECT .+ FROM sync_records WHERE state = \?`).
		WithArgs("uploading").
		WillReturnError(driverErr)
	mock.ExpectExec(`DELETE FROM sync_records WHERE asset_id = \?`).
		WithArgs("a").
		WillReturnError(driverErr)

	ctx := context.Background()
	err := repo.Put(ctx, Record{AssetID: "a", State: models.SyncSynced, RemoteKey: "videos/u1/a.mp4", Attempts: 1})
	assert.ErrorIs(t, err, driverErr)
	assert.Contains(t, err.Error(), "upsert sync record a")

	_, err = repo.ListByState(ctx, models.SyncUploading)
	assert.ErrorIs(t, err, driverErr)

	err = repo.Delete(ctx, "a")
	assert.ErrorIs(t, err, driverErr)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLitePutRejectsInvalidRecordWithoutQuerying(t *testing.T) {
	repo, mock := newSQLiteWithMock(t)

	err := repo.Put(context.Background(), Record{AssetID: "", State: models.SyncLocal})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
