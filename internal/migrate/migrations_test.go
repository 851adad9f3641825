package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robotfleet/internal/db"
	"robotfleet/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	v, err := migrate.Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	require.NoError(t, migrate.Migrate(conn))
	first, err := migrate.Version(ctx, conn)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, first, 2)

	require.NoError(t, migrate.MigrateContext(ctx, conn))
	second, err := migrate.Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	for _, table := range []string{"licences", "alimentations", "guidages", "robots", "events", "api_keys"} {
		var name string
		err := conn.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}
