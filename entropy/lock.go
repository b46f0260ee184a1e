package entropy

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

const (
	// DefaultBuildTokens caps concurrent full builds across every
	// partition hosted on a node.
	DefaultBuildTokens = 20
	// DefaultExchangeTokens caps concurrent comparison sessions across
	// every partition hosted on a node. Per-partition exclusivity is
	// enforced separately by the session marker.
	DefaultExchangeTokens = 1
)

// LockManager is the node-scoped admission controller. It holds two
// independently sized token pools, one for full tree builds and one for
// exchange/reverify sessions. Acquisition never blocks: a caller either gets
// a token immediately or ErrMaxConcurrency and retries later.
type LockManager struct {
	build    *semaphore.Weighted
	exchange *semaphore.Weighted
}

// NewLockManager sizes the two pools. Non-positive sizes fall back to the
// defaults.
func NewLockManager(buildTokens, exchangeTokens int64) *LockManager {
	if buildTokens <= 0 {
		buildTokens = DefaultBuildTokens
	}
	if exchangeTokens <= 0 {
		exchangeTokens = DefaultExchangeTokens
	}
	return &LockManager{
		build:    semaphore.NewWeighted(buildTokens),
		exchange: semaphore.NewWeighted(exchangeTokens),
	}
}

// Token is one held admission slot. Release is safe to call more than once;
// exactly one release reaches the pool.
type Token struct {
	once sync.Once
	sem  *semaphore.Weighted
	kind string
}

// Release returns the token to its pool.
func (t *Token) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		t.sem.Release(1)
		sharedEntropyMetrics().lockReleased(t.kind)
	})
}

// AcquireBuild claims a build slot or fails with ErrMaxConcurrency.
func (lm *LockManager) AcquireBuild() (*Token, error) {
	return lm.acquire(lm.build, "build")
}

// AcquireExchange claims an exchange slot or fails with ErrMaxConcurrency.
func (lm *LockManager) AcquireExchange() (*Token, error) {
	return lm.acquire(lm.exchange, "exchange")
}

func (lm *LockManager) acquire(sem *semaphore.Weighted, kind string) (*Token, error) {
	if !sem.TryAcquire(1) {
		sharedEntropyMetrics().lockRefused(kind)
		return nil, ErrMaxConcurrency
	}
	sharedEntropyMetrics().lockAcquired(kind)
	return &Token{sem: sem, kind: kind}, nil
}
