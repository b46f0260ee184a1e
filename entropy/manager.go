// Package entropy implements the per-partition anti-entropy tree manager: a
// serialized owner of one hash tree per replication group, the admission
// control gating expensive operations, and the query surface remote exchange
// drivers walk to locate divergent keys.
package entropy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/jeanparpaillon/riak-kv/hashtree"
	"github.com/jeanparpaillon/riak-kv/kv"
)

const requestQueueSize = 64

// Config wires one partition's manager.
type Config struct {
	Partition uint64
	Store     kv.Store
	Ring      kv.Ring
	Factory   hashtree.Factory
	Locks     *LockManager
	Logger    *slog.Logger

	// Refill supplies the next batch of peers for the local-driven
	// exchange queue when it runs dry. Optional; the remote-driven path
	// works without it.
	Refill func() []ExchangeTarget
	// RequestExchange is invoked off the manager's loop with the next
	// queued target. Optional.
	RequestExchange func(ExchangeTarget)
}

// Manager owns all hash trees of one partition. Every state mutation runs on
// a single request-handling goroutine, so tree handles never race; expensive
// work (structural compares, reverify passes) is pushed to helper goroutines
// that report back through ordinary messages.
type Manager struct {
	partition       uint64
	store           kv.Store
	ring            kv.Ring
	locks           *LockManager
	logger          *slog.Logger
	refill          func() []ExchangeTarget
	requestExchange func(ExchangeTarget)

	requests chan request
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	canary atomic.Bool

	// Owned exclusively by the run loop.
	trees         *registry
	built         bool
	lock          *Token
	session       *Session
	exchangeQueue []ExchangeTarget
}

// ExchangeTarget names one pending local-driven exchange.
type ExchangeTarget struct {
	Peer  string
	Group kv.Group
}

// NewManager validates the configuration and starts the request loop.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, errors.New("entropy: config requires a store")
	}
	if cfg.Ring == nil {
		return nil, errors.New("entropy: config requires a ring")
	}
	if cfg.Factory == nil {
		return nil, errors.New("entropy: config requires a tree factory")
	}
	if cfg.Locks == nil {
		return nil, errors.New("entropy: config requires a lock manager")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		partition:       cfg.Partition,
		store:           cfg.Store,
		ring:            cfg.Ring,
		locks:           cfg.Locks,
		logger:          logger.With(slog.String("component", "entropy_manager"), slog.Uint64("partition", cfg.Partition)),
		refill:          cfg.Refill,
		requestExchange: cfg.RequestExchange,
		requests:        make(chan request, requestQueueSize),
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
		ctx:             ctx,
		cancel:          cancel,
		trees:           newRegistry(cfg.Factory),
	}
	go m.run()
	return m, nil
}

// Partition returns the partition this manager owns.
func (m *Manager) Partition() uint64 { return m.partition }

// Stop shuts the manager down, releasing any held admission token and
// closing every tree. Pending callers receive ErrManagerStopped.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.cancel()
		close(m.quit)
	})
	<-m.done
}

func (m *Manager) setCanary(v bool) { m.canary.Store(v) }

// Tick drives build retry, reverify and local exchange scheduling. Ticks are
// dropped rather than queued when the manager is busy.
func (m *Manager) Tick() {
	select {
	case m.requests <- tickReq{}:
	default:
	}
}

func (m *Manager) send(r request) error {
	select {
	case m.requests <- r:
		return nil
	case <-m.done:
		return ErrManagerStopped
	}
}

func (m *Manager) sendAsync(r request) {
	select {
	case m.requests <- r:
	case <-m.done:
	}
}

// --- public operations ---

// CreateTree registers the replication group and creates its tree. The first
// tree of the partition becomes the structural template for the rest.
func (m *Manager) CreateTree(group kv.Group) error {
	reply := make(chan error, 1)
	if err := m.send(createTreeReq{group: group, reply: reply}); err != nil {
		return err
	}
	return m.await(reply)
}

// Insert records a key digest in the group's tree.
func (m *Manager) Insert(group kv.Group, key string, digest []byte) error {
	reply := make(chan error, 1)
	if err := m.send(insertReq{group: group, key: key, digest: digest, reply: reply}); err != nil {
		return err
	}
	return m.await(reply)
}

// InsertObject hashes a stored object and records the digest in the tree of
// every group this partition is responsible for on the key.
func (m *Manager) InsertObject(key []byte, objBytes []byte) error {
	reply := make(chan error, 1)
	if err := m.send(insertObjectReq{key: key, objBytes: objBytes, reply: reply}); err != nil {
		return err
	}
	return m.await(reply)
}

// Update snapshots the group's tree so subsequent bucket, segment and
// compare reads observe every insert made so far.
func (m *Manager) Update(group kv.Group) error {
	reply := make(chan error, 1)
	if err := m.send(updateReq{group: group, reply: reply}); err != nil {
		return err
	}
	return m.await(reply)
}

// ExchangeBucket reads the child-hash summaries of one bucket from the
// group's latest snapshot.
func (m *Manager) ExchangeBucket(group kv.Group, level, index int) (map[int][]byte, error) {
	reply := make(chan bucketReply, 1)
	if err := m.send(bucketReq{group: group, level: level, index: index, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.hashes, r.err
	case <-m.done:
		return nil, ErrManagerStopped
	}
}

// ExchangeSegment reads the leaf entries of one segment from the group's
// latest snapshot.
func (m *Manager) ExchangeSegment(group kv.Group, index int) ([]hashtree.KeyHash, error) {
	reply := make(chan segmentReply, 1)
	if err := m.send(segmentReq{group: group, index: index, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.entries, r.err
	case <-m.done:
		return nil, ErrManagerStopped
	}
}

// Compare runs the structural comparison between the group's tree and a
// remote peer's view, returning the keys judged divergent. The walk runs on
// a helper goroutine so the manager keeps serving inserts and admission
// traffic for its full duration.
func (m *Manager) Compare(group kv.Group, remote hashtree.RemoteView) ([]string, error) {
	reply := make(chan compareReply, 1)
	if err := m.send(compareReq{group: group, remote: remote, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.keys, r.err
	case <-m.done:
		return nil, ErrManagerStopped
	}
}

// TriggerBuild attempts the one-time full build immediately instead of
// waiting for the next tick.
func (m *Manager) TriggerBuild() error {
	reply := make(chan error, 1)
	if err := m.send(triggerBuildReq{reply: reply}); err != nil {
		return err
	}
	return m.await(reply)
}

// Built reports whether the one-time full build has completed.
func (m *Manager) Built() bool {
	reply := make(chan bool, 1)
	if err := m.send(builtReq{reply: reply}); err != nil {
		return false
	}
	select {
	case v := <-reply:
		return v
	case <-m.done:
		return false
	}
}

func (m *Manager) await(reply chan error) error {
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrManagerStopped
	}
}

// --- request variants ---

// request is the closed set of operations the run loop dispatches. Every
// mutation of manager state goes through exactly one of these.
type request interface{ isRequest() }

type createTreeReq struct {
	group kv.Group
	reply chan error
}

type insertReq struct {
	group  kv.Group
	key    string
	digest []byte
	reply  chan error
}

type insertObjectReq struct {
	key      []byte
	objBytes []byte
	reply    chan error
}

type updateReq struct {
	group kv.Group
	reply chan error
}

type bucketReq struct {
	group        kv.Group
	level, index int
	reply        chan bucketReply
}

type bucketReply struct {
	hashes map[int][]byte
	err    error
}

type segmentReq struct {
	group kv.Group
	index int
	reply chan segmentReply
}

type segmentReply struct {
	entries []hashtree.KeyHash
	err     error
}

type compareReq struct {
	group  kv.Group
	remote hashtree.RemoteView
	reply  chan compareReply
}

type compareReply struct {
	keys []string
	err  error
}

type startExchangeReq struct {
	group  kv.Group
	driver Driver
	reply  chan startExchangeReply
}

type startExchangeReply struct {
	session *Session
	err     error
}

type triggerBuildReq struct{ reply chan error }

type builtReq struct{ reply chan bool }

type tickReq struct{}

type sessionEndedReq struct {
	id     uuid.UUID
	reason string
}

func (createTreeReq) isRequest()    {}
func (insertReq) isRequest()        {}
func (insertObjectReq) isRequest()  {}
func (updateReq) isRequest()        {}
func (bucketReq) isRequest()        {}
func (segmentReq) isRequest()       {}
func (compareReq) isRequest()       {}
func (startExchangeReq) isRequest() {}
func (triggerBuildReq) isRequest()  {}
func (builtReq) isRequest()         {}
func (tickReq) isRequest()          {}
func (sessionEndedReq) isRequest()  {}

// --- run loop ---

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case <-m.quit:
			if m.lock != nil {
				m.lock.Release()
				m.lock = nil
			}
			m.session = nil
			m.trees.closeAll()
			return
		case req := <-m.requests:
			m.handle(req)
		}
	}
}

func (m *Manager) handle(req request) {
	switch r := req.(type) {
	case createTreeReq:
		r.reply <- m.trees.create(r.group)
	case insertReq:
		r.reply <- m.trees.insert(r.group, r.key, r.digest)
	case insertObjectReq:
		r.reply <- m.insertObject(r.key, r.objBytes)
	case updateReq:
		r.reply <- m.trees.apply(r.group, func(t hashtree.Tree) (hashtree.Tree, error) {
			return t, t.Update()
		})
	case bucketReq:
		var hashes map[int][]byte
		err := m.trees.apply(r.group, func(t hashtree.Tree) (tree hashtree.Tree, err error) {
			hashes, err = t.Bucket(r.level, r.index)
			return t, err
		})
		r.reply <- bucketReply{hashes: hashes, err: err}
	case segmentReq:
		var entries []hashtree.KeyHash
		err := m.trees.apply(r.group, func(t hashtree.Tree) (tree hashtree.Tree, err error) {
			entries, err = t.Segment(r.index)
			return t, err
		})
		r.reply <- segmentReply{entries: entries, err: err}
	case compareReq:
		m.handleCompare(r)
	case startExchangeReq:
		r.reply <- m.startExchange(r.group, r.driver)
	case triggerBuildReq:
		r.reply <- m.maybeBuild()
	case builtReq:
		r.reply <- m.built
	case tickReq:
		m.handleTick()
	case sessionEndedReq:
		m.endSession(r.id, r.reason)
	}
}

func (m *Manager) insertObject(key []byte, objBytes []byte) error {
	groups := m.ring.Responsible(m.partition, key)
	if len(groups) == 0 {
		return fmt.Errorf("%w: key %q", ErrNotResponsible, key)
	}
	digest, err := kv.ObjectDigest(objBytes)
	if err != nil {
		return err
	}
	for _, g := range groups {
		if err := m.trees.insert(g, string(key), digest); err != nil {
			return err
		}
	}
	return nil
}

// handleCompare resolves the tree on the loop and runs the walk elsewhere. A
// full structural compare can be long-running and must not hold up inserts
// or admission traffic.
func (m *Manager) handleCompare(r compareReq) {
	var tree hashtree.Tree
	if err := m.trees.apply(r.group, func(t hashtree.Tree) (hashtree.Tree, error) {
		tree = t
		return t, nil
	}); err != nil {
		r.reply <- compareReply{err: err}
		return
	}
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				m.logger.Error("Compare task panicked", slog.Any("panic", rec))
				r.reply <- compareReply{err: errors.New("entropy: compare aborted")}
			}
		}()
		keys, err := tree.Compare(r.remote)
		r.reply <- compareReply{keys: keys, err: err}
	}()
}

func (m *Manager) handleTick() {
	if !m.built {
		// Failures and pool exhaustion are logged inside; the next tick
		// retries either way.
		_ = m.maybeBuild()
	}
	if m.canary.Load() {
		m.maybeReverify()
	}
	m.maybeLocalExchange()
}

// absorbPanic keeps helper-task crashes out of the manager; their failure is
// logged and otherwise invisible to callers.
func (m *Manager) absorbPanic(task string) {
	if rec := recover(); rec != nil {
		m.logger.Error("Helper task panicked", slog.String("task", task), slog.Any("panic", rec))
	}
}
