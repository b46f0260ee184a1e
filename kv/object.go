package kv

import (
	"fmt"
	"sort"

	"github.com/fxamacker/cbor/v2"
)

// ClockEntry is one actor's entry in an object's version vector.
type ClockEntry struct {
	Actor     string `cbor:"1,keyasint"`
	Counter   uint64 `cbor:"2,keyasint"`
	Timestamp int64  `cbor:"3,keyasint"`
}

// Object is the stored representation of one key's value together with its
// version vector. Replicas may hold the clock entries in different orders
// depending on which coordinator appended last; Canonicalize fixes the order
// before the bytes are hashed.
type Object struct {
	Value []byte       `cbor:"1,keyasint"`
	Clock []ClockEntry `cbor:"2,keyasint"`
}

var (
	objEncMode cbor.EncMode
	objDecMode cbor.DecMode
)

func init() {
	var err error
	objEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("kv: cbor encode mode: %v", err))
	}
	objDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("kv: cbor decode mode: %v", err))
	}
}

// EncodeObject serializes an object with deterministic CBOR.
func EncodeObject(obj Object) ([]byte, error) {
	return objEncMode.Marshal(&obj)
}

// DecodeObject deserializes an object previously produced by EncodeObject.
func DecodeObject(data []byte) (Object, error) {
	var obj Object
	if err := objDecMode.Unmarshal(data, &obj); err != nil {
		return Object{}, fmt.Errorf("kv: decode object: %w", err)
	}
	return obj, nil
}

// Canonicalize sorts the version vector entries into their canonical order
// so that logically identical objects serialize to identical bytes.
func (o *Object) Canonicalize() {
	sort.Slice(o.Clock, func(i, j int) bool {
		if o.Clock[i].Actor != o.Clock[j].Actor {
			return o.Clock[i].Actor < o.Clock[j].Actor
		}
		return o.Clock[i].Counter < o.Clock[j].Counter
	})
}

// Bump records a write by actor, incrementing its counter or appending a new
// entry.
func (o *Object) Bump(actor string, now int64) {
	for i := range o.Clock {
		if o.Clock[i].Actor == actor {
			o.Clock[i].Counter++
			o.Clock[i].Timestamp = now
			return
		}
	}
	o.Clock = append(o.Clock, ClockEntry{Actor: actor, Counter: 1, Timestamp: now})
}
