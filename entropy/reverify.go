package entropy

import (
	"bytes"
	"log/slog"

	"github.com/hashicorp/go-multierror"

	"github.com/jeanparpaillon/riak-kv/hashtree"
	"github.com/jeanparpaillon/riak-kv/kv"
)

// maybeReverify starts the periodic integrity pass. Only the cluster's
// canary partition runs it, and only while no exchange or build session is
// active. The pass re-hashes every stored object and checks the result
// against the digest the trees recorded, surfacing silent corruption on
// either side. The detached task is monitored like a remote exchange
// session, so its completion or crash frees the slot the same way.
func (m *Manager) maybeReverify() {
	if m.session != nil {
		return
	}
	token, err := m.locks.AcquireBuild()
	if err != nil {
		sharedEntropyMetrics().recordReverify("deferred", 0)
		return
	}
	s := newSession("reverify")
	m.lock = token
	m.session = s

	// Snapshot the handles; the task reads leaves while the loop keeps
	// serving inserts.
	trees := make(map[kv.Group]hashtree.Tree, len(m.trees.trees))
	for g, t := range m.trees.trees {
		trees[g] = t
	}
	go m.watchSession(s, nil)
	go m.runReverify(s, trees)
}

func (m *Manager) runReverify(s *Session, trees map[kv.Group]hashtree.Tree) {
	defer s.End()
	defer m.absorbPanic("reverify")

	var merr *multierror.Error
	var checked, mismatched int
	err := m.store.Fold(m.ctx, func(key, objBytes []byte) error {
		digest, err := kv.ObjectDigest(objBytes)
		if err != nil {
			merr = multierror.Append(merr, err)
			return nil
		}
		for _, g := range m.ring.Responsible(m.partition, key) {
			tree, ok := trees[g]
			if !ok {
				continue
			}
			leaf, err := tree.Leaf(string(key))
			if err != nil {
				merr = multierror.Append(merr, err)
				continue
			}
			checked++
			if leaf == nil || !bytes.Equal(leaf, digest) {
				mismatched++
				m.logger.Warn("Reverify mismatch",
					slog.String("key", string(key)),
					slog.Uint64("group_partition", g.Partition),
					slog.Int("group_index", int(g.Index)))
			}
		}
		return nil
	})
	if err != nil {
		merr = multierror.Append(merr, err)
	}

	if merr.ErrorOrNil() != nil {
		m.logger.Warn("Reverify pass incomplete", slog.Any("error", merr.ErrorOrNil()), slog.Int("mismatched", mismatched))
		sharedEntropyMetrics().recordReverify("failed", mismatched)
		return
	}
	m.logger.Info("Reverify pass complete", slog.Int("checked", checked), slog.Int("mismatched", mismatched))
	sharedEntropyMetrics().recordReverify("completed", mismatched)
}
