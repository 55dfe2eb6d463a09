package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestBuildStateBackendFromDSNMemory(t *testing.T) {
	backend, err := BuildStateBackendFromDSN("memory://")
	if err != nil || backend == nil {
		t.Fatalf("build memory backend: %v, %v", backend, err)
	}
	if err := backend.Save(&Snapshot{RevCounter: 3}); err != nil {
		t.Fatalf("save: %v", err)
	}
	snapshot, err := backend.Load()
	if err != nil || snapshot == nil || snapshot.RevCounter != 3 {
		t.Fatalf("expected revCounter 3, got %+v, %v", snapshot, err)
	}
}

func TestBuildStateBackendFromDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	backend, err := BuildStateBackendFromDSN("file://" + path)
	if err != nil {
		t.Fatalf("build file backend: %v", err)
	}
	if snapshot, err := backend.Load(); err != nil || snapshot != nil {
		t.Fatalf("expected empty initial load, got %+v, %v", snapshot, err)
	}
	if err := backend.Save(&Snapshot{RevCounter: 7}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected temp file to be renamed away, stat err %v", err)
	}
	snapshot, err := backend.Load()
	if err != nil || snapshot.RevCounter != 7 {
		t.Fatalf("expected revCounter 7, got %+v, %v", snapshot, err)
	}
}

func TestBuildStateBackendFromDSNSchemes(t *testing.T) {
	if backend, err := BuildStateBackendFromDSN(""); err != nil || backend != nil {
		t.Fatalf("expected nil backend for empty dsn, got %v, %v", backend, err)
	}
	backend, err := BuildStateBackendFromDSN("postgres://localhost/marketsync?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres backend, got %v", err)
	}
	if _, ok := backend.(*PostgresStateBackend); !ok {
		t.Fatalf("expected *PostgresStateBackend, got %T", backend)
	}
	if _, err := BuildStateBackendFromDSN("mysql://localhost/marketsync"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for mysql, got %v", err)
	}
	if _, err := BuildStateBackendFromDSN("redis://localhost"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestRegisteredFactoryWins(t *testing.T) {
	memory := NewInMemoryStateBackend()
	RegisterStateBackendFactory("Custom", func(dsn string) (StateBackend, error) {
		if !strings.HasPrefix(dsn, "custom://") {
			return nil, fmt.Errorf("unexpected dsn %s", dsn)
		}
		return memory, nil
	})
	backend, err := BuildStateBackendFromDSN("custom://anything")
	if err != nil || backend != StateBackend(memory) {
		t.Fatalf("expected registered backend, got %v, %v", backend, err)
	}
}

func TestPostgresIntegrationStateBackendRoundTrip(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("MARKETSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set MARKETSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	backend, err := NewPostgresStateBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	pg := backend.(*PostgresStateBackend)
	pg.tableName = fmt.Sprintf("marketsync_records_it_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		_ = pg.Close()
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return
		}
		defer db.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+postgresQuoteIdentifier(pg.tableName))
	})

	if snapshot, err := backend.Load(); err != nil || snapshot != nil {
		t.Fatalf("expected empty table, got %+v, %v", snapshot, err)
	}
	store, err := NewStoreWithOptions(StoreOptions{StateBackend: backend})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	kept, err := store.Create("bookings", Record{Name: "Harbour tour", Attributes: map[string]string{"guests": "2"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	dropped, err := store.Create("bookings", Record{Name: "Cancelled"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	kept, err = store.Update("bookings", kept.ID, kept.Revision, Record{Name: "Harbour tour", Status: "confirmed"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.Delete("bookings", dropped.ID, ""); err != nil {
		t.Fatalf("delete: %v", err)
	}

	reloaded, err := NewStoreWithOptions(StoreOptions{StateBackend: backend})
	if err != nil {
		t.Fatalf("reload store: %v", err)
	}
	got, err := reloaded.Get("bookings", kept.ID)
	if err != nil {
		t.Fatalf("get after reload: %v", err)
	}
	if got.Revision != kept.Revision || got.Status != "confirmed" || got.Attributes != nil {
		t.Fatalf("unexpected persisted record %+v", got)
	}
	if _, err := reloaded.Get("bookings", dropped.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted record to stay deleted, got %v", err)
	}
	next, err := reloaded.Create("bookings", Record{Name: "Sunset cruise"})
	if err != nil {
		t.Fatalf("create after reload: %v", err)
	}
	if revisionNumber(next.Revision) <= revisionNumber(kept.Revision) {
		t.Fatalf("revision counter went backwards: %s after %s", next.Revision, kept.Revision)
	}
}

func TestPostgresStateBackendReportsOpenFailure(t *testing.T) {
	backend, err := NewPostgresStateBackend("postgres://localhost/marketsync")
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	pg := backend.(*PostgresStateBackend)
	openErr := errors.New("driver unavailable")
	calls := 0
	pg.openDB = func(string, string) (*sql.DB, error) {
		calls++
		return nil, openErr
	}
	if _, err := pg.Load(); !errors.Is(err, openErr) {
		t.Fatalf("expected open failure from Load, got %v", err)
	}
	if err := pg.Save(&Snapshot{}); !errors.Is(err, openErr) {
		t.Fatalf("expected open failure from Save, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single open attempt, got %d", calls)
	}
	if _, err := NewPostgresStateBackend("  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank dsn, got %v", err)
	}
}

func TestRevisionNumber(t *testing.T) {
	cases := map[string]uint64{"rev_12": 12, "rev_0": 0, "rev_x": 0, "12": 0, "": 0}
	for in, want := range cases {
		if got := revisionNumber(in); got != want {
			t.Fatalf("revisionNumber(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestSortedRecordsOrdersByKindThenID(t *testing.T) {
	got := sortedRecords(&Snapshot{Collections: map[string]map[string]Record{
		"listings": {"b": {Name: "B"}, "a": {Name: "A"}},
		"bookings": {"z": {Name: "Z"}},
	}})
	var keys []string
	for _, rec := range got {
		keys = append(keys, rec.Kind+"/"+rec.ID)
	}
	if strings.Join(keys, ",") != "bookings/z,listings/a,listings/b" {
		t.Fatalf("unexpected order %v", keys)
	}
}

func TestPostgresQuoteIdentifier(t *testing.T) {
	if got := postgresQuoteIdentifier(`state"x`); got != `"state""x"` {
		t.Fatalf("unexpected quoting %s", got)
	}
	if got := postgresQuoteIdentifier(" "); got != `""` {
		t.Fatalf("unexpected empty quoting %s", got)
	}
}
