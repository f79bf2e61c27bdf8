package journal

import (
	"context"
	"os"
	"testing"

	"github.com/cockroachdb/cockroach-go/v2/testserver"
	"github.com/stretchr/testify/require"

	"github.com/vidfriends/clipvault/internal/db"
)

// TestPostgresRepository runs against a throwaway CockroachDB node. The test
// server downloads a cockroach binary, so it only runs when
// CLIPVAULT_CRDB_TESTS is set.
func TestPostgresRepository(t *testing.T) {
	if os.Getenv("CLIPVAULT_CRDB_TESTS") == "" {
		t.Skip("set CLIPVAULT_CRDB_TESTS=1 to run cockroach integration tests")
	}

	server, err := testserver.NewTestServer()
	require.NoError(t, err)
	t.Cleanup(server.Stop)

	ctx := context.Background()
	pool, err := db.Connect(ctx, server.PGURL().String())
	require.NoError(t, err)
	require.NoError(t, MigratePostgres(ctx, pool))

	repo := NewPostgresRepository(pool)
	t.Cleanup(func() { _ = repo.Close() })

	exerciseRepository(t, repo)
}
