package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"callcenter-platform/internal/calls"
	"callcenter-platform/internal/config"
)

// Manager runs a Session per active call, polling the store between webhook
// deliveries so a stalled call still hits its deadline. It satisfies the
// lifecycle service's Tracker interface.
type Manager struct {
	store    calls.Store
	registry *ActiveRegistry
	clock    Clock
	cfg      config.WatchdogConfig
	log      *slog.Logger

	// OnTimeout is called off the polling goroutine when a session deadline
	// fires. Wired to the lifecycle service's MarkTimeout.
	OnTimeout func(ctx context.Context, workspaceID, callID, stage string, at time.Time)

	mu       sync.Mutex
	sessions map[string]*Session
	stop     chan struct{}
	stopOnce sync.Once
}

func NewManager(store calls.Store, registry *ActiveRegistry, cfg config.WatchdogConfig, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:    store,
		registry: registry,
		clock:    RealClock{},
		cfg:      cfg,
		log:      log,
		sessions: map[string]*Session{},
		stop:     make(chan struct{}),
	}
}

// SetClock injects a deterministic clock for tests.
func (m *Manager) SetClock(clock Clock) { m.clock = clock }

// Started begins watching a freshly placed call.
func (m *Manager) Started(ctx context.Context, rec calls.CallRecord) {
	sess := NewSession(rec.WorkspaceID, rec.CallID, m.clock, m.cfg, m.timeoutFired)

	m.mu.Lock()
	if old, ok := m.sessions[rec.CallID]; ok {
		old.Close()
	}
	m.sessions[rec.CallID] = sess
	m.mu.Unlock()

	sess.Observe(rec)
	if m.registry != nil {
		if err := m.registry.Touch(ctx, rec.CallID, rec.WorkspaceID); err != nil {
			m.log.Warn("session heartbeat failed", "call_id", rec.CallID, "err", err)
		}
	}
	go m.poll(rec.WorkspaceID, rec.CallID, sess)
}

// Ended stops watching; called on explicit hangup or timeout.
func (m *Manager) Ended(ctx context.Context, callID string) {
	m.mu.Lock()
	sess, ok := m.sessions[callID]
	delete(m.sessions, callID)
	m.mu.Unlock()
	if ok {
		sess.Close()
	}
	if m.registry != nil {
		if err := m.registry.Remove(ctx, callID); err != nil {
			m.log.Warn("session deregister failed", "call_id", callID, "err", err)
		}
	}
}

// Shutdown stops all polling goroutines.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sess := range m.sessions {
		sess.Close()
		delete(m.sessions, id)
	}
}

func (m *Manager) poll(workspaceID, callID string, sess *Session) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}
		if sess.Closed() {
			m.mu.Lock()
			delete(m.sessions, callID)
			m.mu.Unlock()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PollInterval)
		rec, err := m.store.Get(ctx, workspaceID, callID)
		if err == nil {
			sess.Observe(rec)
			if m.registry != nil {
				if err := m.registry.Touch(ctx, callID, workspaceID); err != nil {
					m.log.Warn("session heartbeat failed", "call_id", callID, "err", err)
				}
			}
		} else {
			m.log.Warn("session poll failed", "call_id", callID, "err", err)
		}
		cancel()
	}
}

func (m *Manager) timeoutFired(workspaceID, callID, stage string, at time.Time) {
	m.log.Info("session deadline fired", "call_id", callID, "stage", stage)
	if m.OnTimeout == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.OnTimeout(ctx, workspaceID, callID, stage, at)
}
