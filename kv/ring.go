package kv

import "github.com/cespare/xxhash/v2"

// Group identifies one replication responsibility group: the owning
// partition together with the 1-based replica position of that partition in
// the key's preference list.
type Group struct {
	Partition uint64
	Index     uint16
}

// Ring resolves key ownership. It is a pure lookup; membership changes are
// the concern of whoever constructs the Ring.
type Ring interface {
	// Preflist returns the responsibility groups for a key, primary first.
	Preflist(key []byte) []Group
	// Responsible returns the groups among the key's preference list whose
	// partition matches the given one. A partition can appear once as a
	// primary and again as a fallback at a higher index.
	Responsible(partition uint64, key []byte) []Group
}

// ModRing is a fixed ring over an explicit partition list with a constant
// replication factor. It stands in for full membership resolution in the
// daemon and in tests.
type ModRing struct {
	partitions []uint64
	n          uint16
}

func NewModRing(partitions []uint64, n uint16) *ModRing {
	if n == 0 {
		n = 1
	}
	if int(n) > len(partitions) {
		n = uint16(len(partitions))
	}
	return &ModRing{partitions: append([]uint64{}, partitions...), n: n}
}

func (r *ModRing) Preflist(key []byte) []Group {
	if len(r.partitions) == 0 {
		return nil
	}
	first := int(xxhash.Sum64(key) % uint64(len(r.partitions)))
	groups := make([]Group, 0, r.n)
	for i := uint16(0); i < r.n; i++ {
		p := r.partitions[(first+int(i))%len(r.partitions)]
		groups = append(groups, Group{Partition: p, Index: i + 1})
	}
	return groups
}

func (r *ModRing) Responsible(partition uint64, key []byte) []Group {
	var out []Group
	for _, g := range r.Preflist(key) {
		if g.Partition == partition {
			out = append(out, g)
		}
	}
	return out
}
