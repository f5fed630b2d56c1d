// Package dbtest starts a throwaway Postgres for integration tests.
package dbtest

import (
	"context"
	"io/fs"

	"github.com/md-rashed-zaman/eventcore/libs/db"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
}

// New starts Postgres, applies the migrations of every fsys and returns an
// open pool. Everything is torn down when the test ends.
func New(t Testing, fsys ...fs.FS) *db.Pool {
	ctx := t.Context()
	pg, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("eventcore"),
		postgres.WithUsername("eventcore"),
		postgres.WithPassword("eventcore"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pg); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	t.Logf("postgres: %s", dsn)

	pool, err := db.Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	for _, f := range fsys {
		require.NoError(t, db.Migrate(ctx, pool, f))
	}
	return pool
}
