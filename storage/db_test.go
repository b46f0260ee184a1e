package storage

import (
	"errors"
	"path/filepath"
	"testing"
)

func testDatabases(t *testing.T) map[string]Database {
	t.Helper()
	ldb, err := NewLevelDB(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	t.Cleanup(func() {
		_ = ldb.Close()
	})
	return map[string]Database{
		"mem":     NewMemDB(),
		"leveldb": ldb,
	}
}

func TestDatabaseRoundTrip(t *testing.T) {
	for name, db := range testDatabases(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := db.Get([]byte("missing")); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if err := db.Put([]byte("k"), []byte("v1")); err != nil {
				t.Fatalf("put: %v", err)
			}
			got, err := db.Get([]byte("k"))
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if string(got) != "v1" {
				t.Fatalf("expected v1, got %q", got)
			}
			ok, err := db.Has([]byte("k"))
			if err != nil || !ok {
				t.Fatalf("expected key present, ok=%v err=%v", ok, err)
			}
			if err := db.Delete([]byte("k")); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := db.Get([]byte("k")); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound after delete, got %v", err)
			}
		})
	}
}

func TestDatabaseIterateOrderedPrefix(t *testing.T) {
	for name, db := range testDatabases(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"a/3", "a/1", "b/1", "a/2"} {
				if err := db.Put([]byte(k), []byte(k)); err != nil {
					t.Fatalf("put %s: %v", k, err)
				}
			}
			var seen []string
			err := db.Iterate([]byte("a/"), func(k, v []byte) error {
				seen = append(seen, string(k))
				return nil
			})
			if err != nil {
				t.Fatalf("iterate: %v", err)
			}
			want := []string{"a/1", "a/2", "a/3"}
			if len(seen) != len(want) {
				t.Fatalf("expected %v, got %v", want, seen)
			}
			for i := range want {
				if seen[i] != want[i] {
					t.Fatalf("expected %v, got %v", want, seen)
				}
			}
		})
	}
}

func TestDatabaseIterateStopsOnError(t *testing.T) {
	for name, db := range testDatabases(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"p/1", "p/2", "p/3"} {
				if err := db.Put([]byte(k), nil); err != nil {
					t.Fatalf("put %s: %v", k, err)
				}
			}
			boom := errors.New("boom")
			count := 0
			err := db.Iterate([]byte("p/"), func(k, v []byte) error {
				count++
				return boom
			})
			if !errors.Is(err, boom) {
				t.Fatalf("expected boom, got %v", err)
			}
			if count != 1 {
				t.Fatalf("expected scan to stop after first key, visited %d", count)
			}
		})
	}
}
