package entropy

import (
	"fmt"

	"github.com/jeanparpaillon/riak-kv/hashtree"
	"github.com/jeanparpaillon/riak-kv/kv"
)

// registry owns the mapping from replication group to tree handle. It is
// only ever touched from the manager's request loop, so it carries no locks.
// Trees are never removed once created; they live until the manager stops.
type registry struct {
	factory hashtree.Factory
	trees   map[kv.Group]hashtree.Tree
}

func newRegistry(factory hashtree.Factory) *registry {
	return &registry{
		factory: factory,
		trees:   make(map[kv.Group]hashtree.Tree),
	}
}

// create builds the tree for a group. The first tree of the partition is
// created fresh; every later one is derived from an existing sibling so the
// pair stays structurally comparable. Calling create for a group that
// already has a tree replaces the handle.
func (r *registry) create(group kv.Group) error {
	id, err := hashtree.EncodeID(group.Partition, int(group.Index))
	if err != nil {
		return err
	}
	var tree hashtree.Tree
	if template := r.anyTree(); template != nil {
		tree, err = r.factory.Derive(template, id)
	} else {
		tree, err = r.factory.Create(id)
	}
	if err != nil {
		return fmt.Errorf("entropy: create tree %s: %w", id, err)
	}
	r.trees[group] = tree
	return nil
}

func (r *registry) anyTree() hashtree.Tree {
	for _, t := range r.trees {
		return t
	}
	return nil
}

// insert records a key digest in the group's tree. The only mutation path
// besides build and reverify.
func (r *registry) insert(group kv.Group, key string, digest []byte) error {
	tree, ok := r.trees[group]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownGroup, group)
	}
	return tree.Insert(key, digest)
}

// apply looks up the group's tree, runs fn on it and stores the handle fn
// returns, so the registry always holds the latest snapshot of the tree.
func (r *registry) apply(group kv.Group, fn func(hashtree.Tree) (hashtree.Tree, error)) error {
	tree, ok := r.trees[group]
	if !ok {
		return fmt.Errorf("%w: %v", ErrNotResponsible, group)
	}
	next, err := fn(tree)
	if err != nil {
		return err
	}
	if next != nil {
		r.trees[group] = next
	}
	return nil
}

func (r *registry) closeAll() {
	for _, t := range r.trees {
		_ = t.Close()
	}
}
