package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func exerciseDatabase(t *testing.T, db Database) {
	t.Helper()

	if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	for _, key := range []string{"pool/b", "pool/a", "pos/x"} {
		if err := db.Put([]byte(key), []byte("v-"+key)); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	value, err := db.Get([]byte("pool/a"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(value) != "v-pool/a" {
		t.Fatalf("unexpected value %q", value)
	}

	var seen []string
	if err := db.Iterate([]byte("pool/"), func(key, _ []byte) bool {
		seen = append(seen, string(key))
		return true
	}); err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(seen) != 2 || seen[0] != "pool/a" || seen[1] != "pool/b" {
		t.Fatalf("unexpected iteration order: %v", seen)
	}

	if err := db.Delete([]byte("pool/a")); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.Get([]byte("pool/a")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted key to be missing, got %v", err)
	}
}

func TestMemDB(t *testing.T) {
	db := NewMemDB()
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestMemDBCopiesValues(t *testing.T) {
	db := NewMemDB()
	buf := []byte("abc")
	if err := db.Put([]byte("k"), buf); err != nil {
		t.Fatalf("put: %v", err)
	}
	buf[0] = 'z'
	got, _ := db.Get([]byte("k"))
	if string(got) != "abc" {
		t.Fatalf("stored value mutated through caller slice: %q", got)
	}
}

func TestLevelDB(t *testing.T) {
	db, err := NewLevelDB(filepath.Join(t.TempDir(), "bank"))
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	defer db.Close()
	exerciseDatabase(t, db)
}

func TestBoltDB(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bank.db")
	db, err := NewBoltDB(path)
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}
	exerciseDatabase(t, db)
	db.Close()

	reopened, err := NewBoltDB(path)
	if err != nil {
		t.Fatalf("reopen bolt: %v", err)
	}
	defer reopened.Close()
	value, err := reopened.Get([]byte("pool/b"))
	if err != nil || string(value) != "v-pool/b" {
		t.Fatalf("expected value to survive reopen, got %q, %v", value, err)
	}
}
