package entropy

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jeanparpaillon/riak-kv/kv"
)

// maybeBuild performs the one-time full catch-up fold. It is a no-op once
// built and leaves the state unbuilt when the node-wide build pool is
// exhausted, so the next tick retries. The fold runs on the request loop on
// purpose: for its duration no insert, exchange or query can interleave, so
// nothing ever observes a half-built tree racing with live writes.
func (m *Manager) maybeBuild() error {
	if m.built {
		return nil
	}
	token, err := m.locks.AcquireBuild()
	if err != nil {
		if errors.Is(err, ErrMaxConcurrency) {
			m.logger.Debug("Build deferred, pool exhausted")
			sharedEntropyMetrics().recordBuild("deferred")
		}
		return err
	}
	defer token.Release()

	if err := m.runBuild(); err != nil {
		// Partial builds are fine; live inserts and reverify close the
		// gap, and built stays false so a later tick tries again.
		m.logger.Warn("Partition build failed", slog.Any("error", err))
		sharedEntropyMetrics().recordBuild("failed")
		return err
	}
	m.built = true
	sharedEntropyMetrics().recordBuild("completed")
	return nil
}

func (m *Manager) runBuild() error {
	start := time.Now()
	var keys, skipped int
	err := m.store.Fold(m.ctx, func(key, objBytes []byte) error {
		groups := m.ring.Responsible(m.partition, key)
		if len(groups) == 0 {
			return nil
		}
		digest, err := kv.ObjectDigest(objBytes)
		if err != nil {
			m.logger.Warn("Skipping unhashable object", slog.String("key", string(key)), slog.Any("error", err))
			skipped++
			return nil
		}
		for _, g := range groups {
			if err := m.trees.insert(g, string(key), digest); err != nil {
				if errors.Is(err, ErrUnknownGroup) {
					skipped++
					continue
				}
				return err
			}
		}
		keys++
		return nil
	})
	if err != nil {
		return fmt.Errorf("entropy: build fold: %w", err)
	}
	m.logger.Info("Partition build complete",
		slog.Int("keys", keys),
		slog.Int("skipped", skipped),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}
