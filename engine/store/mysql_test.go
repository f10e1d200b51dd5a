package store_test

import (
	"context"
	"os"
	"testing"

	"github.com/dshills/targetflow/engine/store"
)

// getTestMySQLDSN returns the MySQL DSN to test against, or "" to skip.
// Set TEST_MYSQL_DSN to run these tests against a real server, e.g.
// "user:pass@tcp(localhost:3306)/targetflow_test".
func getTestMySQLDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("TEST_MYSQL_DSN")
	if dsn == "" {
		t.Log("MySQL store tests skipped: set TEST_MYSQL_DSN to run")
	}
	return dsn
}

func TestMySQLStoreRoundTrip(t *testing.T) {
	dsn := getTestMySQLDSN(t)
	if dsn == "" {
		t.Skip("TEST_MYSQL_DSN not set")
	}

	ctx := context.Background()
	s, err := store.NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("open mysql store: %v", err)
	}
	defer func() { _ = s.Close() }()

	tg := passiveTarget("mysql-roundtrip")
	if err := s.Put(ctx, tg); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(ctx, "mysql-roundtrip")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != tg.ID {
		t.Fatalf("expected id %q, got %q", tg.ID, got.ID)
	}
}

func TestMySQLStoreInvalidDSN(t *testing.T) {
	if _, err := store.NewMySQLStore("not a dsn"); err == nil {
		t.Fatal("expected an error opening an invalid DSN")
	}
}
