package entropy

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jeanparpaillon/riak-kv/hashtree"
	"github.com/jeanparpaillon/riak-kv/kv"
)

// Driver is the handle a remote exchange driver presents for liveness
// monitoring. Done must become receivable when the driver finishes or dies,
// however it finishes; that signal is what frees the partition's exchange
// slot when a driver crashes without ending its session.
type Driver interface {
	Done() <-chan struct{}
}

type chanDriver <-chan struct{}

func (d chanDriver) Done() <-chan struct{} { return d }

// MonitorChannel adapts a completion channel into a Driver.
func MonitorChannel(done <-chan struct{}) Driver { return chanDriver(done) }

// MonitorContext adapts a context into a Driver; cancellation counts as
// driver termination.
func MonitorContext(ctx context.Context) Driver { return chanDriver(ctx.Done()) }

// Session is the token handed to the one exchange driver currently granted
// this partition. Ending it (or the driver's termination) releases the
// exchange lock and clears the active-session marker.
type Session struct {
	id      uuid.UUID
	kind    string
	endOnce sync.Once
	ended   chan struct{}
}

func newSession(kind string) *Session {
	return &Session{
		id:    uuid.New(),
		kind:  kind,
		ended: make(chan struct{}),
	}
}

// ID identifies the session in logs.
func (s *Session) ID() uuid.UUID { return s.id }

// End marks the session complete. Safe to call more than once and
// concurrently with driver termination.
func (s *Session) End() {
	s.endOnce.Do(func() { close(s.ended) })
}

// StartExchangeRemote grants a remote comparison driver access to this
// partition's trees. At most one session is active at a time; a second
// caller gets ErrAlreadyExchanging, and an exhausted node-wide exchange pool
// surfaces as ErrMaxConcurrency.
func (m *Manager) StartExchangeRemote(driver Driver, group kv.Group) (*Session, error) {
	reply := make(chan startExchangeReply, 1)
	if err := m.send(startExchangeReq{group: group, driver: driver, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.session, r.err
	case <-m.done:
		return nil, ErrManagerStopped
	}
}

func (m *Manager) startExchange(group kv.Group, driver Driver) startExchangeReply {
	if m.session != nil {
		sharedEntropyMetrics().recordExchange("refused")
		return startExchangeReply{err: ErrAlreadyExchanging}
	}
	token, err := m.locks.AcquireExchange()
	if err != nil {
		sharedEntropyMetrics().recordExchange("refused")
		return startExchangeReply{err: err}
	}
	s := newSession("exchange")
	m.lock = token
	m.session = s
	go m.watchSession(s, driver.Done())
	m.logger.Info("Exchange session granted",
		slog.String("session", s.id.String()),
		slog.Uint64("group_partition", group.Partition),
		slog.Int("group_index", int(group.Index)))
	return startExchangeReply{session: s}
}

// watchSession turns session completion or driver termination into an
// ordinary message back to the run loop, which releases the lock and clears
// the marker. This is the only cleanup path; a crashed driver needs no
// cooperation to free the slot.
func (m *Manager) watchSession(s *Session, driverDone <-chan struct{}) {
	defer m.absorbPanic("session watcher")
	reason := "completed"
	select {
	case <-driverDone:
		reason = "driver terminated"
	case <-s.ended:
	case <-m.done:
		return
	}
	m.sendAsync(sessionEndedReq{id: s.id, reason: reason})
}

func (m *Manager) endSession(id uuid.UUID, reason string) {
	if m.session == nil || m.session.id != id {
		return
	}
	kind := m.session.kind
	m.lock.Release()
	m.lock = nil
	m.session = nil
	if kind == "exchange" {
		if reason == "completed" {
			sharedEntropyMetrics().recordExchange("completed")
		} else {
			sharedEntropyMetrics().recordExchange("aborted")
		}
	}
	m.logger.Info("Session released",
		slog.String("session", id.String()),
		slog.String("kind", kind),
		slog.String("reason", reason))
}

// managerView adapts a manager's query surface into the remote view a
// comparison running elsewhere consumes.
type managerView struct {
	m     *Manager
	group kv.Group
}

func (v managerView) Bucket(level, index int) (map[int][]byte, error) {
	return v.m.ExchangeBucket(v.group, level, index)
}

func (v managerView) Segment(index int) ([]hashtree.KeyHash, error) {
	return v.m.ExchangeSegment(v.group, index)
}

// View exposes the group's latest snapshot as a RemoteView, the shape an
// exchange driver feeds to the peer partition's Compare.
func (m *Manager) View(group kv.Group) hashtree.RemoteView {
	return managerView{m: m, group: group}
}

// maybeLocalExchange pops the next pending peer for a locally initiated
// exchange, refilling the queue when it runs dry. Provisional: the driver
// created by RequestExchange comes back in through StartExchangeRemote,
// which is where locking and monitoring happen.
func (m *Manager) maybeLocalExchange() {
	if m.session != nil || m.requestExchange == nil {
		return
	}
	if len(m.exchangeQueue) == 0 && m.refill != nil {
		m.exchangeQueue = m.refill()
	}
	if len(m.exchangeQueue) == 0 {
		return
	}
	next := m.exchangeQueue[0]
	m.exchangeQueue = m.exchangeQueue[1:]
	go func() {
		defer m.absorbPanic("exchange request")
		m.requestExchange(next)
	}()
}
