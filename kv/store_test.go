package kv

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jeanparpaillon/riak-kv/storage"
)

func TestDBStoreFold(t *testing.T) {
	db := storage.NewMemDB()
	store := NewDBStore(db, 1)
	want := make(map[string]string)
	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("key-%d", i)
		want[key] = fmt.Sprintf("obj-%d", i)
		if err := store.Put([]byte(key), []byte(want[key])); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	got := make(map[string]string)
	err := store.Fold(context.Background(), func(key, objBytes []byte) error {
		got[string(key)] = string(objBytes)
		return nil
	})
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d keys, folded %d", len(want), len(got))
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("key %s: expected %q, got %q", k, v, got[k])
		}
	}
}

func TestDBStorePartitionIsolation(t *testing.T) {
	db := storage.NewMemDB()
	s1 := NewDBStore(db, 1)
	s2 := NewDBStore(db, 2)
	if err := s1.Put([]byte("shared-key"), []byte("p1")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s2.Put([]byte("shared-key"), []byte("p2")); err != nil {
		t.Fatalf("put: %v", err)
	}

	count := 0
	err := s2.Fold(context.Background(), func(key, objBytes []byte) error {
		count++
		if string(objBytes) != "p2" {
			t.Fatalf("partition 2 folded partition 1's object %q", objBytes)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 object in partition 2, got %d", count)
	}
}

func TestDBStoreFoldHonorsCancellation(t *testing.T) {
	db := storage.NewMemDB()
	store := NewDBStore(db, 1)
	for i := 0; i < 10; i++ {
		if err := store.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v")); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := store.Fold(ctx, func(key, objBytes []byte) error {
		t.Fatal("fold callback ran after cancellation")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
