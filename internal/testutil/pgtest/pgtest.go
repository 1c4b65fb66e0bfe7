package pgtest

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// ConnString returns TEST_DATABASE or skips the test when it is unset.
func ConnString(t testing.TB) string {
	t.Helper()
	connString := os.Getenv("TEST_DATABASE")
	if connString == "" {
		t.Skip("TEST_DATABASE not set")
	}
	return connString
}

// ParseConfig returns a test pool config with server notices routed to the test log
func ParseConfig(t testing.TB) *pgxpool.Config {
	config, err := pgxpool.ParseConfig(ConnString(t))
	require.NoError(t, err)

	config.ConnConfig.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		t.Logf("PostgreSQL %s: %s", n.Severity, n.Message)
	}

	return config
}

// Pool creates a connection pool for testing and closes it on cleanup
func Pool(ctx context.Context, t testing.TB) *pgxpool.Pool {
	pool, err := pgxpool.NewWithConfig(ctx, ParseConfig(t))
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))

	t.Cleanup(pool.Close)
	return pool
}
