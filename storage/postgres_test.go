package storage

import (
	"context"
	"testing"
	"time"

	"polymarket-copytrader/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgres starts a throwaway PostgreSQL container and returns its DSN.
func setupPostgres(t *testing.T) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("copytrade"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")

	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")
	return dsn
}

func TestPostgresStoreContract(t *testing.T) {
	dsn := setupPostgres(t)

	store, err := NewPostgres(context.Background(), PostgresConfig{DSN: dsn})
	require.NoError(t, err)
	defer store.Close()

	runAccountStoreContract(t, store)
}

func TestPostgresStoreSchemaIsIdempotent(t *testing.T) {
	dsn := setupPostgres(t)
	ctx := context.Background()

	first, err := NewPostgres(ctx, PostgresConfig{DSN: dsn})
	require.NoError(t, err)
	id, err := first.UpsertAccount(ctx, "0xaaa", "iv:ct", testRisk(), d("100"))
	require.NoError(t, err)
	_, err = first.CommitCopy(ctx, models.CopyRecord{AccountID: id, TransactionHash: "0xtx", ConditionID: "0xc", CopiedNotional: d("1.5")})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := NewPostgres(ctx, PostgresConfig{DSN: dsn})
	require.NoError(t, err)
	defer second.Close()

	has, err := second.HasCopy(ctx, id, "0xtx")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestIsDuplicateKeyError(t *testing.T) {
	assert.False(t, isDuplicateKeyError(nil))
	assert.False(t, isDuplicateKeyError(context.Canceled))
}

func TestCopiedKey(t *testing.T) {
	assert.Equal(t, "copied:7:0xabc", copiedKey(7, "0xabc"))
}
