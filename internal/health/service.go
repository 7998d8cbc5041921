package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"callcenter-platform/internal/calls"
	"callcenter-platform/internal/config"
)

// Report is the advisory answer to "is call tracking working right now".
// It never blocks call placement; clients use it to surface a banner.
type Report struct {
	Healthy bool `json:"healthy"`

	TotalRecentCalls int `json:"totalRecentCalls"`
	ActiveCalls      int `json:"activeCallsCount"`
	RecentTimeouts   int `json:"recentTimeouts"`

	// WebhookStale means at least one open call has gone quiet: either no
	// webhook ever arrived within the expected window, or the last one is old.
	WebhookStale bool `json:"webhookStale"`

	FailureRate float64 `json:"failureRate"`
	Message     string  `json:"message,omitempty"`
}

// Service scans recent call records for signs of webhook delivery problems.
// Diagnosis is derived entirely from the records themselves; no provider API
// is consulted.
type Service struct {
	store calls.Store
	cfg   config.HealthConfig
	log   *slog.Logger
	clock func() time.Time
}

func NewService(store calls.Store, cfg config.HealthConfig, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, cfg: cfg, log: log, clock: time.Now}
}

// SetClock injects a deterministic clock for tests.
func (s *Service) SetClock(clock func() time.Time) { s.clock = clock }

// Check builds the report over the lookback window for one workspace.
func (s *Service) Check(ctx context.Context, workspaceID string) (Report, error) {
	now := s.clock().UTC()
	recs, err := s.store.ListSince(ctx, workspaceID, now.Add(-s.cfg.Lookback))
	if err != nil {
		return Report{}, err
	}

	rep := Report{Healthy: true, TotalRecentCalls: len(recs)}
	failures := 0

	for _, rec := range recs {
		if rec.IsOpen() {
			rep.ActiveCalls++
			if s.isStale(rec, now) {
				rep.WebhookStale = true
			}
		}
		if rec.TimeoutDetectedAt != nil {
			rep.RecentTimeouts++
		}
		switch rec.Status {
		case calls.CallStatusFailed, calls.CallStatusNoAnswer:
			failures++
		}
	}
	if len(recs) > 0 {
		rep.FailureRate = float64(failures) / float64(len(recs))
	}

	switch {
	case rep.RecentTimeouts > s.cfg.TimeoutThreshold:
		rep.Healthy = false
		rep.Message = fmt.Sprintf("%d call timeouts in the last %s; status webhooks may not be arriving",
			rep.RecentTimeouts, s.cfg.Lookback)
	case rep.WebhookStale:
		rep.Healthy = false
		rep.Message = "active calls have stopped receiving status webhooks"
	}

	if !rep.Healthy {
		s.log.Warn("call tracking degraded",
			"workspace_id", workspaceID,
			"recent_timeouts", rep.RecentTimeouts,
			"webhook_stale", rep.WebhookStale)
	}
	return rep, nil
}

// isStale flags an open call with no webhook after the initial window, or
// whose last webhook is older than the stale cutoff.
func (s *Service) isStale(rec calls.CallRecord, now time.Time) bool {
	if rec.WebhookLastReceivedAt == nil {
		return now.Sub(rec.CreatedAt) > s.cfg.NoWebhookAfter
	}
	return now.Sub(*rec.WebhookLastReceivedAt) > s.cfg.StaleAfter
}
