// Package hashtree implements the layered hash trees the anti-entropy
// manager keeps per replication group. A tree summarizes a partition's key
// digests in levels of fixed-fanout buckets so two replicas can locate
// divergent keys by walking levels instead of exchanging full contents.
package hashtree

import "errors"

// ErrUnknownSegment indicates a segment index outside the tree's shape.
var ErrUnknownSegment = errors.New("hashtree: unknown segment")

// KeyHash is one leaf entry: a key and the digest recorded for it.
type KeyHash struct {
	Key    string
	Digest []byte
}

// RemoteView is the read surface an exchange driver presents for the peer
// side of a comparison. A local Tree satisfies it directly.
type RemoteView interface {
	// Bucket returns the child-hash summaries of one bucket: child
	// position within the bucket mapped to the child's hash. Levels are
	// 1-based from the root; the deepest level's children are segments.
	Bucket(level, index int) (map[int][]byte, error)
	// Segment returns the leaf entries of one segment in key order.
	Segment(index int) ([]KeyHash, error)
}

// Tree is the opaque handle the manager holds per replication group. All
// mutation goes through Insert; Bucket, Segment and Compare observe the
// snapshot taken by the most recent Update, never in-flight inserts.
type Tree interface {
	RemoteView

	ID() TreeID
	// Insert records or replaces the digest for a key.
	Insert(key string, digest []byte) error
	// Update folds all inserts since the previous Update into a new
	// consistent snapshot for Bucket/Segment/Compare.
	Update() error
	// Compare walks the local snapshot against a remote view and returns
	// the keys judged divergent.
	Compare(remote RemoteView) ([]string, error)
	// Leaf reads the live digest recorded for a key, or nil when absent.
	Leaf(key string) ([]byte, error)
	Close() error
}

// Factory creates structurally compatible trees. Derive must produce a tree
// sharing the template's structural parameters so the pair remains
// comparable.
type Factory interface {
	Create(id TreeID) (Tree, error)
	Derive(template Tree, id TreeID) (Tree, error)
}
