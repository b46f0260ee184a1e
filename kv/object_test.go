package kv

import (
	"bytes"
	"testing"
)

func mustEncode(t *testing.T, obj Object) []byte {
	t.Helper()
	data, err := EncodeObject(obj)
	if err != nil {
		t.Fatalf("encode object: %v", err)
	}
	return data
}

func TestObjectDigestStable(t *testing.T) {
	obj := Object{
		Value: []byte("hello"),
		Clock: []ClockEntry{{Actor: "a", Counter: 1, Timestamp: 10}},
	}
	data := mustEncode(t, obj)
	d1, err := ObjectDigest(data)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	d2, err := ObjectDigest(data)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if !bytes.Equal(d1, d2) {
		t.Fatalf("same bytes hashed to %x and %x", d1, d2)
	}
	if len(d1) != DigestSize {
		t.Fatalf("expected %d byte digest, got %d", DigestSize, len(d1))
	}
}

func TestObjectDigestCanonicalizesClockOrder(t *testing.T) {
	entries := []ClockEntry{
		{Actor: "a", Counter: 2, Timestamp: 20},
		{Actor: "b", Counter: 1, Timestamp: 10},
		{Actor: "c", Counter: 5, Timestamp: 30},
	}
	obj1 := Object{Value: []byte("v"), Clock: []ClockEntry{entries[0], entries[1], entries[2]}}
	obj2 := Object{Value: []byte("v"), Clock: []ClockEntry{entries[2], entries[0], entries[1]}}

	d1, err := ObjectDigest(mustEncode(t, obj1))
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	d2, err := ObjectDigest(mustEncode(t, obj2))
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if !bytes.Equal(d1, d2) {
		t.Fatalf("permuted clocks hashed differently: %x vs %x", d1, d2)
	}
}

func TestObjectDigestDistinguishesValues(t *testing.T) {
	clock := []ClockEntry{{Actor: "a", Counter: 1, Timestamp: 1}}
	d1, err := ObjectDigest(mustEncode(t, Object{Value: []byte("v1"), Clock: clock}))
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	d2, err := ObjectDigest(mustEncode(t, Object{Value: []byte("v2"), Clock: clock}))
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if bytes.Equal(d1, d2) {
		t.Fatalf("different values hashed identically: %x", d1)
	}
}

func TestObjectDigestRejectsGarbage(t *testing.T) {
	if _, err := ObjectDigest([]byte("not cbor")); err == nil {
		t.Fatal("expected error for undecodable object")
	}
}

func TestObjectBump(t *testing.T) {
	var obj Object
	obj.Bump("a", 1)
	obj.Bump("b", 2)
	obj.Bump("a", 3)
	if len(obj.Clock) != 2 {
		t.Fatalf("expected 2 clock entries, got %d", len(obj.Clock))
	}
	for _, e := range obj.Clock {
		if e.Actor == "a" && e.Counter != 2 {
			t.Fatalf("expected counter 2 for actor a, got %d", e.Counter)
		}
	}
}
