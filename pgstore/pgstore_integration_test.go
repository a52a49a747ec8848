package pgstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/baldanca/betlake/ingestor"
)

func TestIntegration_WriterUpsertsIntoPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("igaming"),
		postgres.WithUsername("igaming"),
		postgres.WithPassword("example"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to cleanup postgres container: %v", err)
		}
	}()

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	pool, err := Connect(ctx, Config{
		Host:     host,
		Port:     port.Port(),
		Database: "igaming",
		User:     "igaming",
		Password: "example",
	})
	require.NoError(t, err)
	defer pool.Close()

	require.NoError(t, EnsureStreamSchema(ctx, pool))

	w := NewWriter(pool, ingestor.SimpleRetry{Attempts: 2}, quiet())
	_, err = w.WriteBatch(ctx, sealed(betJSON("a"), betJSON("b")))
	require.NoError(t, err)
	// "a" already exists and is left alone
	_, err = w.WriteBatch(ctx, sealed(betJSON("a"), betJSON("c")))
	require.NoError(t, err)

	var n int
	require.NoError(t, pool.QueryRow(ctx, "SELECT count(*) FROM bets_stream").Scan(&n))
	require.Equal(t, 3, n)
}
