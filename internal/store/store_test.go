package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/pioner22/client-web-sub000/internal/persist"
)

var _ persist.Backend = (*DB)(nil)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so the second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.From != result.Version {
		t.Errorf("From = %d, Version = %d", result.From, result.Version)
	}
	if result.Version != 2 {
		t.Errorf("version = %d, want 2 (kv + index)", result.Version)
	}
}

func TestKVRoundTrip(t *testing.T) {
	db := testDB(t)

	if _, ok, err := db.Get("missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok %v, err %v", ok, err)
	}

	if err := db.Set("chatsync.drafts.v1.u1", []byte(`{"v":1}`)); err != nil {
		t.Fatal(err)
	}
	if err := db.Set("chatsync.drafts.v1.u1", []byte(`{"v":1,"data":{}}`)); err != nil {
		t.Fatal(err)
	}
	got, ok, err := db.Get("chatsync.drafts.v1.u1")
	if err != nil || !ok {
		t.Fatalf("Get = ok %v, err %v", ok, err)
	}
	if string(got) != `{"v":1,"data":{}}` {
		t.Errorf("value = %s, want the last write", got)
	}

	if err := db.Remove("chatsync.drafts.v1.u1"); err != nil {
		t.Fatal(err)
	}
	if err := db.Remove("chatsync.drafts.v1.u1"); err != nil {
		t.Errorf("removing a missing key: %v", err)
	}
	if _, ok, _ := db.Get("chatsync.drafts.v1.u1"); ok {
		t.Error("key still present after Remove")
	}
}

func TestKeysByPrefix(t *testing.T) {
	db := testDB(t)

	for _, k := range []string{"chatsync.pins.v1.u1", "chatsync.outbox.v1.u1", "other.key"} {
		if err := db.Set(k, []byte("xyz")); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := db.Keys("chatsync.")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Size != 3 {
			t.Errorf("%s size = %d, want 3", e.Key, e.Size)
		}
	}
}

func TestSlotOverSQLite(t *testing.T) {
	db := testDB(t)
	g := persist.NewGateway(db, nil)

	pins := persist.Pins{"dm:bob", "room:r1"}
	g.Pins.Bind(func() (string, persist.Pins, bool) { return "u1", pins, true })
	g.Pins.Flush()

	got, ok := g.Pins.Load("u1")
	if !ok {
		t.Fatal("pins not loaded")
	}
	if len(got) != 2 || got[0] != "dm:bob" {
		t.Errorf("pins = %v", got)
	}
}

func TestMigrateFreshAndDirty(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.From != 0 || !result.Changed {
		t.Errorf("fresh Migrate() = %+v", result)
	}

	if _, err := db.Exec(`UPDATE schema_migrations SET dirty = 1`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); !errors.Is(err, ErrDirty) {
		t.Errorf("Migrate() on dirty schema error = %v, want ErrDirty", err)
	}
}
