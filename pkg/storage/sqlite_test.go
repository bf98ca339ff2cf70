package storage

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "voltcast.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_Contract(t *testing.T) {
	testStoreContract(t, newTestSQLiteStore(t), true)
}

func TestNewSQLiteStore_EmptyPath(t *testing.T) {
	if _, err := NewSQLiteStore(""); err == nil {
		t.Fatal("NewSQLiteStore(\"\") expected error")
	}
}

func TestSQLiteStore_StoresDerivedColumns(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	if err := store.Put(ctx, sampleSnapshot("household")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	var (
		total float64
		month string
	)
	err := store.db.QueryRowContext(ctx,
		`SELECT total_kwh_est, month FROM monthly_usage WHERE dataset = ? AND dt = ?`,
		"household", "2006-12-31").Scan(&total, &month)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if total != 20.875 || month != "2006-12" {
		t.Errorf("row = %v/%s, want 20.875/2006-12", total, month)
	}
}

func TestSQLiteStore_PingClose(t *testing.T) {
	store := newTestSQLiteStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
