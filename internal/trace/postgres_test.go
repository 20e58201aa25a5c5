package trace

import (
	"context"
	"os"
	"strings"
	"testing"
)

func newPostgresTestStore(t *testing.T) *PostgresStore {
	t.Helper()

	dsn := strings.TrimSpace(os.Getenv("SPANLINE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("SPANLINE_TEST_POSTGRES_DSN is not set")
	}

	store, err := NewPostgresStore(dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore() error: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close postgres store: %v", err)
		}
	})
	return store
}

func cleanupPostgresTestRows(t *testing.T, store *PostgresStore, prefix string) {
	t.Helper()

	t.Cleanup(func() {
		ctx := context.Background()
		if _, err := store.db.ExecContext(ctx, `DELETE FROM spans WHERE id LIKE $1`, prefix+"%"); err != nil {
			t.Fatalf("cleanup spans: %v", err)
		}
		if _, err := store.db.ExecContext(ctx, `DELETE FROM accounts WHERE credential_hash LIKE $1`, prefix+"%"); err != nil {
			t.Fatalf("cleanup accounts: %v", err)
		}
	})
}

func TestPostgresStoreContract(t *testing.T) {
	store := newPostgresTestStore(t)
	cleanupPostgresTestRows(t, store, "pgtest")
	runSpanStoreContract(t, store, "pgtest")
}
