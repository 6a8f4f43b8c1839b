//go:build integration

package postgresql_test

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/steepcluster/steep/internal/submissionregistry"
	"github.com/steepcluster/steep/internal/submissionregistry/postgresql"
	"github.com/steepcluster/steep/internal/submissionregistry/registrytest"
)

// TestStore_Conformance spins a single postgres:16-alpine container for
// the whole run and truncates between subtests rather than paying
// container-startup cost per subtest.
func TestStore_Conformance(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 180*time.Second)
	defer cancel()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("steep_test"),
		postgres.WithUsername("steep"),
		postgres.WithPassword("steep"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	databaseURL, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	registrytest.Suite(t, func(t *testing.T) submissionregistry.SubmissionRegistry {
		store, err := postgresql.New(ctx, logger, databaseURL)
		require.NoError(t, err)

		t.Cleanup(func() {
			_, err := store.ExecForTest(ctx, "TRUNCATE process_chains, submissions CASCADE")
			require.NoError(t, err)
			require.NoError(t, store.Close())
		})

		return store
	})
}
