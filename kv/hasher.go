package kv

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// DigestSize is the width of every digest produced by ObjectDigest.
const DigestSize = 8

// ObjectDigest hashes the stored representation of an object. The object is
// decoded, its version vector sorted into canonical order and the result
// re-encoded before hashing, so two replicas that disagree only in clock
// entry order produce the same digest. The digest is opaque and only ever
// compared for equality.
func ObjectDigest(objBytes []byte) ([]byte, error) {
	obj, err := DecodeObject(objBytes)
	if err != nil {
		return nil, fmt.Errorf("kv: hash object: %w", err)
	}
	obj.Canonicalize()
	canonical, err := EncodeObject(obj)
	if err != nil {
		return nil, fmt.Errorf("kv: hash object: %w", err)
	}
	digest := make([]byte, DigestSize)
	binary.BigEndian.PutUint64(digest, xxhash.Sum64(canonical))
	return digest, nil
}
