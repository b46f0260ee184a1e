package hashtree

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"lukechampine.com/blake3"

	"github.com/jeanparpaillon/riak-kv/storage"
)

const (
	// DefaultSegments and DefaultFanout shape production trees. Tests use
	// much smaller trees through Options.
	DefaultSegments = 16384
	DefaultFanout   = 32
)

// Options fixes a tree's structural parameters. Trees are only comparable
// when these match, which Factory.Derive guarantees.
type Options struct {
	Segments int
	Fanout   int
}

func (o Options) withDefaults() Options {
	if o.Segments <= 0 {
		o.Segments = DefaultSegments
	}
	if o.Fanout <= 1 {
		o.Fanout = DefaultFanout
	}
	return o
}

// numLevels returns the smallest depth whose bottom level covers all
// segments.
func (o Options) numLevels() int {
	levels, span := 1, o.Fanout
	for span < o.Segments {
		levels++
		span *= o.Fanout
	}
	return levels
}

// snapshot is the immutable view produced by Update. Bucket, Segment and
// Compare read it without touching live leaf state, so a comparison stays
// stable while inserts keep arriving.
type snapshot struct {
	segHash [][]byte
	// bucketHash[level] holds the bucket hashes of levels 2..L; level 1 is
	// read directly off the row below it.
	bucketHash [][][]byte
	segments   map[int][]KeyHash
}

type fixedTree struct {
	id     TreeID
	db     storage.Database
	opts   Options
	levels int

	mu     sync.RWMutex
	leaves map[int]map[string][]byte
	dirty  map[int]struct{}
	snap   *snapshot
}

// StoreFactory builds trees persisting their leaves in one shared database.
type StoreFactory struct {
	db   storage.Database
	opts Options
}

func NewStoreFactory(db storage.Database, opts Options) *StoreFactory {
	return &StoreFactory{db: db, opts: opts.withDefaults()}
}

func (f *StoreFactory) Create(id TreeID) (Tree, error) {
	return newFixedTree(id, f.db, f.opts)
}

func (f *StoreFactory) Derive(template Tree, id TreeID) (Tree, error) {
	t, ok := template.(*fixedTree)
	if !ok {
		return nil, fmt.Errorf("hashtree: cannot derive from tree of type %T", template)
	}
	return newFixedTree(id, t.db, t.opts)
}

func newFixedTree(id TreeID, db storage.Database, opts Options) (*fixedTree, error) {
	opts = opts.withDefaults()
	t := &fixedTree{
		id:     id,
		db:     db,
		opts:   opts,
		levels: opts.numLevels(),
		leaves: make(map[int]map[string][]byte),
		dirty:  make(map[int]struct{}),
	}
	if err := t.load(); err != nil {
		return nil, err
	}
	for s := 0; s < opts.Segments; s++ {
		t.dirty[s] = struct{}{}
	}
	if err := t.Update(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *fixedTree) ID() TreeID { return t.id }

func (t *fixedTree) segmentOf(key string) int {
	return int(xxhash.Sum64String(key) % uint64(t.opts.Segments))
}

func (t *fixedTree) leafPrefix() []byte {
	p := make([]byte, 0, 2+IDSize+1)
	p = append(p, 't', '/')
	p = append(p, t.id[:]...)
	return append(p, '/')
}

func (t *fixedTree) leafKey(segment int, key string) []byte {
	k := t.leafPrefix()
	var seg [4]byte
	binary.BigEndian.PutUint32(seg[:], uint32(segment))
	k = append(k, seg[:]...)
	return append(k, key...)
}

// load restores leaves persisted by a previous run under this tree's prefix.
func (t *fixedTree) load() error {
	prefix := t.leafPrefix()
	return t.db.Iterate(prefix, func(k, v []byte) error {
		rest := k[len(prefix):]
		if len(rest) < 4 {
			return fmt.Errorf("hashtree: malformed leaf key %x", k)
		}
		segment := int(binary.BigEndian.Uint32(rest[:4]))
		key := string(rest[4:])
		seg := t.leaves[segment]
		if seg == nil {
			seg = make(map[string][]byte)
			t.leaves[segment] = seg
		}
		digest := make([]byte, len(v))
		copy(digest, v)
		seg[key] = digest
		return nil
	})
}

func (t *fixedTree) Insert(key string, digest []byte) error {
	segment := t.segmentOf(key)
	cp := make([]byte, len(digest))
	copy(cp, digest)
	if err := t.db.Put(t.leafKey(segment, key), cp); err != nil {
		return fmt.Errorf("hashtree: persist leaf: %w", err)
	}
	t.mu.Lock()
	seg := t.leaves[segment]
	if seg == nil {
		seg = make(map[string][]byte)
		t.leaves[segment] = seg
	}
	seg[key] = cp
	t.dirty[segment] = struct{}{}
	t.mu.Unlock()
	return nil
}

func (t *fixedTree) Leaf(key string) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seg := t.leaves[t.segmentOf(key)]
	if seg == nil {
		return nil, nil
	}
	return seg[key], nil
}

func segmentEntries(seg map[string][]byte) []KeyHash {
	entries := make([]KeyHash, 0, len(seg))
	for k, d := range seg {
		entries = append(entries, KeyHash{Key: k, Digest: d})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

func hashSegment(entries []KeyHash) []byte {
	h := blake3.New(32, nil)
	for _, e := range entries {
		h.Write([]byte(e.Key))
		h.Write([]byte{0})
		h.Write(e.Digest)
		h.Write([]byte{0})
	}
	return h.Sum(nil)
}

func hashChildren(children [][]byte) []byte {
	h := blake3.New(32, nil)
	var idx [4]byte
	for i, c := range children {
		binary.BigEndian.PutUint32(idx[:], uint32(i))
		h.Write(idx[:])
		h.Write(c)
	}
	return h.Sum(nil)
}

// Update rebuilds the hashes of every dirty segment and re-derives the
// bucket levels bottom-up, publishing the result as the new snapshot. Clean
// segment data is shared with the previous snapshot rather than copied.
func (t *fixedTree) Update() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.snap
	next := &snapshot{
		segHash:  make([][]byte, t.opts.Segments),
		segments: make(map[int][]KeyHash, t.opts.Segments),
	}
	for s := 0; s < t.opts.Segments; s++ {
		if _, isDirty := t.dirty[s]; !isDirty && prev != nil {
			next.segHash[s] = prev.segHash[s]
			if entries, ok := prev.segments[s]; ok {
				next.segments[s] = entries
			}
			continue
		}
		entries := segmentEntries(t.leaves[s])
		if len(entries) > 0 {
			next.segments[s] = entries
		}
		next.segHash[s] = hashSegment(entries)
	}

	// Bottom-up bucket hashes for levels L..2. Level l holds fanout^(l-1)
	// buckets; the children of bucket i at level l sit at i*fanout+j one
	// level down (segments when l == L).
	next.bucketHash = make([][][]byte, t.levels+1)
	below := next.segHash
	for level := t.levels; level >= 2; level-- {
		count := 1
		for i := 1; i < level; i++ {
			count *= t.opts.Fanout
		}
		hashes := make([][]byte, count)
		for i := 0; i < count; i++ {
			hashes[i] = hashChildren(childSlice(below, i, t.opts.Fanout))
		}
		next.bucketHash[level] = hashes
		below = hashes
	}

	t.snap = next
	t.dirty = make(map[int]struct{})
	return nil
}

// childSlice returns the children of bucket i given the hash row one level
// below it.
func childSlice(below [][]byte, i, fanout int) [][]byte {
	start := i * fanout
	if start >= len(below) {
		return nil
	}
	end := start + fanout
	if end > len(below) {
		end = len(below)
	}
	return below[start:end]
}

func (t *fixedTree) currentSnapshot() *snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}

func (t *fixedTree) bucketFrom(snap *snapshot, level, index int) (map[int][]byte, error) {
	if level < 1 || level > t.levels || index < 0 {
		return nil, fmt.Errorf("hashtree: no bucket at level %d index %d", level, index)
	}
	var below [][]byte
	if level == t.levels {
		below = snap.segHash
	} else {
		below = snap.bucketHash[level+1]
	}
	children := childSlice(below, index, t.opts.Fanout)
	if children == nil {
		return nil, fmt.Errorf("hashtree: no bucket at level %d index %d", level, index)
	}
	out := make(map[int][]byte, len(children))
	for j, h := range children {
		out[j] = h
	}
	return out, nil
}

func (t *fixedTree) Bucket(level, index int) (map[int][]byte, error) {
	return t.bucketFrom(t.currentSnapshot(), level, index)
}

func (t *fixedTree) segmentFrom(snap *snapshot, index int) ([]KeyHash, error) {
	if index < 0 || index >= t.opts.Segments {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSegment, index)
	}
	return snap.segments[index], nil
}

func (t *fixedTree) Segment(index int) ([]KeyHash, error) {
	return t.segmentFrom(t.currentSnapshot(), index)
}

// Compare walks buckets from the root, descending only where hashes differ,
// then diffs the leaf entries of every differing segment. The walk reads one
// snapshot captured at entry, so an Update racing with a long comparison
// cannot mix two generations of hashes.
func (t *fixedTree) Compare(remote RemoteView) ([]string, error) {
	snap := t.currentSnapshot()
	type bucketRef struct{ level, index int }
	pending := []bucketRef{{level: 1, index: 0}}
	var divergentSegs []int

	for len(pending) > 0 {
		b := pending[0]
		pending = pending[1:]
		local, err := t.bucketFrom(snap, b.level, b.index)
		if err != nil {
			return nil, err
		}
		peer, err := remote.Bucket(b.level, b.index)
		if err != nil {
			return nil, fmt.Errorf("hashtree: remote bucket (%d,%d): %w", b.level, b.index, err)
		}
		for j, localHash := range local {
			if bytes.Equal(localHash, peer[j]) {
				continue
			}
			child := b.index*t.opts.Fanout + j
			if b.level == t.levels {
				divergentSegs = append(divergentSegs, child)
			} else {
				pending = append(pending, bucketRef{level: b.level + 1, index: child})
			}
		}
		// A peer child with no local counterpart cannot happen between
		// structurally linked trees; same fanout, same segment count.
	}

	keys := make(map[string]struct{})
	for _, s := range divergentSegs {
		local, err := t.segmentFrom(snap, s)
		if err != nil {
			return nil, err
		}
		peer, err := remote.Segment(s)
		if err != nil {
			return nil, fmt.Errorf("hashtree: remote segment %d: %w", s, err)
		}
		diffEntries(local, peer, keys)
	}

	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func diffEntries(local, peer []KeyHash, into map[string]struct{}) {
	peerDigests := make(map[string][]byte, len(peer))
	for _, e := range peer {
		peerDigests[e.Key] = e.Digest
	}
	for _, e := range local {
		if d, ok := peerDigests[e.Key]; !ok || !bytes.Equal(d, e.Digest) {
			into[e.Key] = struct{}{}
		}
		delete(peerDigests, e.Key)
	}
	for k := range peerDigests {
		into[k] = struct{}{}
	}
}

func (t *fixedTree) Close() error {
	return nil
}
