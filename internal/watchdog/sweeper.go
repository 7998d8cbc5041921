package watchdog

import (
	"context"
	"log/slog"
	"time"

	"callcenter-platform/internal/calls"
	"callcenter-platform/internal/config"
)

// Timeouts is the slice of the lifecycle service the sweep needs. Declaring a
// timeout through it releases caps and writes audit the same way a live
// session would.
type Timeouts interface {
	MarkTimeout(ctx context.Context, workspaceID, callID, stage string, at time.Time) (calls.CallRecord, bool, error)
}

// Liveness reports whether some replica's watchdog still owns a call.
// Satisfied by ActiveRegistry.
type Liveness interface {
	Alive(ctx context.Context, callID string) (bool, error)
}

// Sweeper is the safety net behind the per-call sessions: if the process that
// watched a call died, its calls would otherwise stay open forever. Each pass
// scans open records older than the shortest deadline and times out the ones
// no live session claims.
//
// Declaring a timeout twice is harmless: the guarded write rejects the second
// attempt against the now-terminal record.
type Sweeper struct {
	store    calls.Store
	timeouts Timeouts
	liveness Liveness
	cfg      config.WatchdogConfig
	log      *slog.Logger
	clock    func() time.Time
}

func NewSweeper(store calls.Store, timeouts Timeouts, liveness Liveness, cfg config.WatchdogConfig, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		store:    store,
		timeouts: timeouts,
		liveness: liveness,
		cfg:      cfg,
		log:      log,
		clock:    time.Now,
	}
}

// SetClock injects a deterministic clock for tests.
func (s *Sweeper) SetClock(clock func() time.Time) { s.clock = clock }

// Run sweeps until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass. Exported so tests and an admin trigger can run it
// synchronously.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.clock().UTC()
	cutoff := now.Add(-s.cfg.InitiatedTimeout)

	recs, err := s.store.ListOpenOlderThan(ctx, cutoff)
	if err != nil {
		s.log.Error("orphan sweep scan failed", "err", err)
		return
	}

	for _, rec := range recs {
		stage, overdue := s.classify(rec, now)
		if !overdue {
			continue
		}
		if s.liveness != nil {
			alive, err := s.liveness.Alive(ctx, rec.CallID)
			if err != nil {
				s.log.Warn("liveness check failed", "call_id", rec.CallID, "err", err)
			} else if alive {
				continue
			}
		}

		_, applied, err := s.timeouts.MarkTimeout(ctx, rec.WorkspaceID, rec.CallID, stage, now)
		if err != nil {
			s.log.Error("orphan timeout failed", "call_id", rec.CallID, "err", err)
			continue
		}
		if applied {
			s.log.Info("orphaned call timed out",
				"call_id", rec.CallID, "workspace_id", rec.WorkspaceID,
				"stage", stage, "age", now.Sub(rec.CreatedAt).String())
		}
	}
}

// classify picks the stage deadline for a record. The reference point is the
// last sign of life: the most recent webhook, falling back to creation.
func (s *Sweeper) classify(rec calls.CallRecord, now time.Time) (string, bool) {
	last := rec.CreatedAt
	if rec.WebhookLastReceivedAt != nil && rec.WebhookLastReceivedAt.After(last) {
		last = *rec.WebhookLastReceivedAt
	}
	age := now.Sub(last)

	switch rec.Status {
	case calls.CallStatusInitiated:
		return StageInitiated, age > s.cfg.InitiatedTimeout
	case calls.CallStatusRinging:
		return StageRinging, age > s.cfg.RingingTimeout
	default:
		// Connected calls have no deadline; only the provider or an explicit
		// hangup ends them.
		return "", false
	}
}
