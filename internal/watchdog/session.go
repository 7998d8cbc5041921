package watchdog

import (
	"sync"
	"time"

	"callcenter-platform/internal/calls"
	"callcenter-platform/internal/config"
)

// Stage names the lifecycle phase a timeout was declared in.
const (
	StageInitiated = "initiated"
	StageRinging   = "ringing"
)

// TimeoutFunc is invoked when a watched call exceeds its stage deadline.
type TimeoutFunc func(workspaceID, callID, stage string, at time.Time)

// Session watches one call and declares a timeout if it lingers too long in
// the initiated or ringing stage.
//
// Invariants:
//   - at most one timer is armed at any moment; arming a new stage cancels
//     the previous timer first
//   - a connected call has no timer; the deadline pressure ends once the
//     contact answers
//   - a timer firing after the session moved on is a no-op (generation check)
//   - a terminal observation closes the session after the display grace
//     window elapses
type Session struct {
	workspaceID string
	callID      string

	clock     Clock
	cfg       config.WatchdogConfig
	onTimeout TimeoutFunc

	mu        sync.Mutex
	stage     string
	gen       int
	timer     Timer
	finishing bool
	closed    bool
}

func NewSession(workspaceID, callID string, clock Clock, cfg config.WatchdogConfig, onTimeout TimeoutFunc) *Session {
	return &Session{
		workspaceID: workspaceID,
		callID:      callID,
		clock:       clock,
		cfg:         cfg,
		onTimeout:   onTimeout,
	}
}

// Observe feeds the latest record snapshot into the state machine.
func (s *Session) Observe(rec calls.CallRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.finishing {
		return
	}

	if rec.Status.IsTerminal() {
		s.finishLocked()
		return
	}

	switch rec.Status {
	case calls.CallStatusInitiated:
		s.armLocked(StageInitiated, s.cfg.InitiatedTimeout)
	case calls.CallStatusRinging:
		s.armLocked(StageRinging, s.cfg.RingingTimeout)
	default:
		// Answered. No deadline applies from here on.
		s.disarmLocked()
	}
}

// finishLocked tears the session down after the display grace window, so a
// client polling for the outcome still finds the session alive long enough to
// read the final status.
func (s *Session) finishLocked() {
	s.finishing = true
	s.disarmLocked()
	s.gen++
	if s.cfg.DisplayGrace <= 0 {
		s.closed = true
		return
	}
	s.timer = s.clock.AfterFunc(s.cfg.DisplayGrace, s.Close)
}

// Close stops the session without declaring anything.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked()
	s.closed = true
}

// Closed reports whether the session reached a terminal observation, timed
// out, or was closed.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// armLocked starts the stage deadline. Re-observing the same stage keeps the
// original deadline; duplicate webhooks must not push it out.
func (s *Session) armLocked(stage string, d time.Duration) {
	if s.stage == stage && s.timer != nil {
		return
	}
	s.disarmLocked()
	s.stage = stage
	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(d, func() { s.fire(gen, stage) })
}

func (s *Session) disarmLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.stage = ""
}

func (s *Session) fire(gen int, stage string) {
	s.mu.Lock()
	if s.closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.closed = true
	s.mu.Unlock()

	if s.onTimeout != nil {
		s.onTimeout(s.workspaceID, s.callID, stage, s.clock.Now())
	}
}
