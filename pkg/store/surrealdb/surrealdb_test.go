//go:build integration

package surrealdb

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealdb.go"

	"github.com/daybook/recordsync/pkg/store/storetest"
)

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// TestStore needs a running SurrealDB, for example
// `surreal start --user root --pass root memory`.
func TestStore(t *testing.T) {
	url := os.Getenv("SURREALDB_URL")
	if url == "" {
		t.Skip("SURREALDB_URL is not set")
	}
	ctx := context.Background()

	s, err := New(ctx, url,
		getEnv("SURREALDB_NS", "recordsync_test"),
		getEnv("SURREALDB_DB", t.Name()),
		getEnv("SURREALDB_USER", "root"),
		getEnv("SURREALDB_PASS", "root"),
	)
	require.NoError(t, err)
	defer s.Close()

	_, err = surrealdb.Query[any](ctx, s.db, "REMOVE TABLE IF EXISTS records; REMOVE TABLE IF EXISTS patch_log;", nil)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))

	storetest.Run(t, s)
}
