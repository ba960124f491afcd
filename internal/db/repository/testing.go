package repository

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"

	"go.uber.org/zap"

	"github.com/saltfish/trainstream/internal/config"
	"github.com/saltfish/trainstream/internal/db"
)

// setupTestDB creates a test database connection pool for integration tests.
// It reads database configuration from environment variables.
// If the required variables are not set, the test will be skipped.
func setupTestDB(t *testing.T) *db.Pool {
	t.Helper()

	if os.Getenv("TEST_DATABASE_HOST") == "" {
		t.Skip("TEST_DATABASE_HOST not set, skipping integration test")
	}

	cfg := config.Default().Database
	cfg.Host = os.Getenv("TEST_DATABASE_HOST")
	if port, err := strconv.Atoi(os.Getenv("TEST_DATABASE_PORT")); err == nil {
		cfg.Port = port
	}
	if v := os.Getenv("TEST_DATABASE_USER"); v != "" {
		cfg.User = v
	}
	if v := os.Getenv("TEST_DATABASE_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("TEST_DATABASE_NAME"); v != "" {
		cfg.Name = v
	}

	logger := zap.NewNop()

	pool, err := db.NewPool(context.Background(), &cfg, logger)
	if err != nil {
		t.Fatalf("failed to create test database pool: %v", err)
	}
	if err := db.Migrate(context.Background(), pool, logger); err != nil {
		pool.Close()
		t.Fatalf("failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		pool.Close()
	})

	return pool
}

// truncateTables truncates all test tables to ensure a clean state.
func truncateTables(t *testing.T, pool *db.Pool, tables ...string) {
	t.Helper()

	ctx := context.Background()
	for _, table := range tables {
		query := fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)
		if _, err := pool.Exec(ctx, query); err != nil {
			t.Logf("warning: failed to truncate table %s: %v", table, err)
		}
	}
}
