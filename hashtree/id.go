package hashtree

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
)

// IDSize is the width of every tree identifier in the cluster. The fixed
// shape is part of the inter-node protocol: peers compare identifiers
// byte-for-byte, so all nodes must encode them identically.
const IDSize = 10

// TreeID names one hash tree: the owning partition in the high-order eight
// bytes and the replication index in the low-order two, both big-endian.
type TreeID [IDSize]byte

// ErrInvalidIdentifier indicates a replication group that does not fit the
// fixed identifier shape.
var ErrInvalidIdentifier = errors.New("hashtree: invalid tree identifier")

// EncodeID derives the canonical tree identifier for a replication group.
func EncodeID(partition uint64, index int) (TreeID, error) {
	if index < 0 || index > math.MaxUint16 {
		return TreeID{}, fmt.Errorf("%w: replication index %d out of range", ErrInvalidIdentifier, index)
	}
	var id TreeID
	binary.BigEndian.PutUint64(id[:8], partition)
	binary.BigEndian.PutUint16(id[8:], uint16(index))
	return id, nil
}

// DecodeID splits a tree identifier back into its replication group.
func DecodeID(id TreeID) (partition uint64, index uint16) {
	return binary.BigEndian.Uint64(id[:8]), binary.BigEndian.Uint16(id[8:])
}

func (id TreeID) String() string {
	return hex.EncodeToString(id[:])
}
