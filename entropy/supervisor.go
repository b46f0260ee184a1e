package entropy

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultTickInterval paces build retries, reverify and local exchange
// scheduling.
const DefaultTickInterval = 15 * time.Second

// Supervisor is the node-wide entropy coordinator. Every partition manager
// on the node registers with it; the supervisor owns the shared lock
// manager, fans the periodic tick out to all managers, and designates the
// lowest registered partition as the reverify canary.
type Supervisor struct {
	locks    *LockManager
	clock    clock.Clock
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	managers map[uint64]*Manager

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// SupervisorConfig configures the node-wide coordinator. Zero values fall
// back to defaults; Clock is swappable so tests drive ticks deterministically.
type SupervisorConfig struct {
	Locks        *LockManager
	Clock        clock.Clock
	TickInterval time.Duration
	Logger       *slog.Logger
}

func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	locks := cfg.Locks
	if locks == nil {
		locks = NewLockManager(DefaultBuildTokens, DefaultExchangeTokens)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	interval := cfg.TickInterval
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Supervisor{
		locks:    locks,
		clock:    clk,
		interval: interval,
		logger:   logger.With(slog.String("component", "entropy_supervisor")),
		managers: make(map[uint64]*Manager),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Locks exposes the shared admission controller for manager construction.
func (s *Supervisor) Locks() *LockManager { return s.locks }

// Register adds a partition manager and recomputes the canary designation.
func (s *Supervisor) Register(m *Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.managers[m.Partition()] = m
	s.redesignateCanary()
}

// Deregister removes a stopped manager.
func (s *Supervisor) Deregister(partition uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.managers, partition)
	s.redesignateCanary()
}

// redesignateCanary marks the lowest-numbered partition; reverify runs only
// there so the whole cluster shares one integrity pass. Callers hold s.mu.
func (s *Supervisor) redesignateCanary() {
	var lowest uint64
	found := false
	for p := range s.managers {
		if !found || p < lowest {
			lowest, found = p, true
		}
	}
	for p, m := range s.managers {
		m.setCanary(found && p == lowest)
	}
}

func (s *Supervisor) run() {
	defer close(s.done)
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
			s.tickAll()
		}
	}
}

func (s *Supervisor) tickAll() {
	s.mu.Lock()
	managers := make([]*Manager, 0, len(s.managers))
	for _, m := range s.managers {
		managers = append(managers, m)
	}
	s.mu.Unlock()
	for _, m := range managers {
		m.Tick()
	}
}

// Stop halts the ticker. Registered managers are stopped separately by
// their owners.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.quit) })
	<-s.done
}
