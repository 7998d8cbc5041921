package callops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"callcenter-platform/internal/audit"
	"callcenter-platform/internal/calls"
	"callcenter-platform/internal/reconcile"
	"callcenter-platform/internal/telephony"

	"github.com/google/uuid"
)

var (
	// ErrTooManyCalls means the workspace hit its concurrent-call cap.
	ErrTooManyCalls = errors.New("callops: too many concurrent calls")

	// ErrCallFailed means the provider refused or could not place the call.
	ErrCallFailed = errors.New("callops: call placement failed")
)

// Provider is the slice of the telephony surface the lifecycle needs.
// Satisfied by telephony providers; faked in tests.
type Provider interface {
	PlaceCall(ctx context.Context, req telephony.PlaceCallRequest) (string, error)
	Hangup(ctx context.Context, legSID string) error
}

// Caps bounds concurrent calls per workspace. Nil-safe at the service level:
// without a Caps the limit is simply not enforced.
type Caps interface {
	Acquire(ctx context.Context, workspaceID string) (bool, error)
	Release(ctx context.Context, workspaceID string) error
}

// Tracker is notified when calls enter and leave the active set. The session
// registry uses it to start and stop liveness heartbeats.
type Tracker interface {
	Started(ctx context.Context, rec calls.CallRecord)
	Ended(ctx context.Context, callID string)
}

// Config carries the provider-facing URLs handed out at call placement.
type Config struct {
	AnswerURL         string
	StatusCallbackURL string
}

// StartRequest describes an outbound click-to-call: the agent leg is placed
// first, and answering it bridges to the contact.
type StartRequest struct {
	WorkspaceID string
	UserID      string
	From        string
	To          string
}

// StatusView is the client-facing snapshot of a call. ProviderStatus is the
// raw provider vocabulary; Status is the normalized lifecycle state.
type StatusView struct {
	CallID         string     `json:"callId"`
	Status         string     `json:"status"`
	ProviderStatus string     `json:"providerStatus,omitempty"`
	StartTime      time.Time  `json:"startTime"`
	EndTime        *time.Time `json:"endTime,omitempty"`
	Duration       int        `json:"duration"`
	ExternalID     string     `json:"externalId,omitempty"`
}

// Service drives the call lifecycle: placement, client-facing status reads,
// explicit hangup, and client-declared timeouts. All status writes funnel
// through the reconciler so terminal stickiness holds on every path.
type Service struct {
	store      calls.Store
	provider   Provider
	reconciler *reconcile.Reconciler

	caps    Caps
	tracker Tracker
	audits  *audit.Service

	cfg   Config
	log   *slog.Logger
	clock func() time.Time
}

func NewService(store calls.Store, provider Provider, reconciler *reconcile.Reconciler, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		store:      store,
		provider:   provider,
		reconciler: reconciler,
		cfg:        cfg,
		log:        log,
		clock:      time.Now,
	}
	// Every terminal transition, webhook-driven ones included, must free the
	// workspace's concurrency slot and stop its watchdog session.
	reconciler.SetOnTerminal(s.handleTerminal)
	return s
}

func (s *Service) handleTerminal(ctx context.Context, rec calls.CallRecord) {
	s.releaseCap(ctx, rec.WorkspaceID)
	if s.tracker != nil {
		s.tracker.Ended(ctx, rec.CallID)
	}
}

// SetClock injects a deterministic clock for tests.
func (s *Service) SetClock(clock func() time.Time) { s.clock = clock }

func (s *Service) SetCaps(caps Caps)         { s.caps = caps }
func (s *Service) SetTracker(t Tracker)      { s.tracker = t }
func (s *Service) SetAudit(a *audit.Service) { s.audits = a }

// Start places the agent leg of an outbound call. The record is created
// before the provider call so that a status webhook racing the placement
// response can still resolve by number correlation.
func (s *Service) Start(ctx context.Context, req StartRequest) (calls.CallRecord, error) {
	if req.WorkspaceID == "" {
		return calls.CallRecord{}, calls.ErrInvalidArgument
	}
	if calls.NormalizeNumber(req.From) == "" || calls.NormalizeNumber(req.To) == "" {
		return calls.CallRecord{}, fmt.Errorf("%w: from and to numbers required", calls.ErrInvalidArgument)
	}

	if s.caps != nil {
		ok, err := s.caps.Acquire(ctx, req.WorkspaceID)
		if err != nil {
			return calls.CallRecord{}, fmt.Errorf("callops: cap acquire: %w", err)
		}
		if !ok {
			return calls.CallRecord{}, ErrTooManyCalls
		}
	}

	now := s.clock().UTC()
	rec := calls.CallRecord{
		CallID:      uuid.NewString(),
		WorkspaceID: req.WorkspaceID,
		Direction:   calls.DirectionOutbound,
		From:        req.From,
		To:          req.To,
		Status:      calls.CallStatusInitiated,
		StartTime:   now,
	}
	if err := s.store.Create(ctx, rec); err != nil {
		s.releaseCap(ctx, req.WorkspaceID)
		return calls.CallRecord{}, err
	}

	legSID, err := s.provider.PlaceCall(ctx, telephony.PlaceCallRequest{
		From:              req.From,
		To:                req.To,
		AnswerURL:         s.cfg.AnswerURL,
		StatusCallbackURL: s.cfg.StatusCallbackURL,
	})
	if err != nil {
		s.log.Error("call placement failed", "call_id", rec.CallID, "workspace_id", req.WorkspaceID, "err", err)
		s.failPlacement(ctx, rec, err)
		s.releaseCap(ctx, req.WorkspaceID)
		return calls.CallRecord{}, fmt.Errorf("%w: %v", ErrCallFailed, err)
	}

	if err := s.store.BindPrimaryLeg(ctx, rec.CallID, legSID); err != nil {
		// The provider call is live; keep going and let number correlation
		// attach the webhooks.
		s.log.Error("primary leg bind failed", "call_id", rec.CallID, "leg_sid", legSID, "err", err)
	}
	rec.PrimaryLegSID = legSID

	if s.tracker != nil {
		s.tracker.Started(ctx, rec)
	}
	s.auditCall(ctx, audit.EventTypeCallStarted, rec.WorkspaceID, rec.CallID, req.UserID, "call placed")

	s.log.Info("call started",
		"call_id", rec.CallID, "workspace_id", rec.WorkspaceID, "leg_sid", legSID)
	return rec, nil
}

// Status returns the client-facing snapshot used by session polling.
func (s *Service) Status(ctx context.Context, workspaceID, callID string) (StatusView, error) {
	rec, err := s.store.Get(ctx, workspaceID, callID)
	if err != nil {
		return StatusView{}, err
	}
	// Clients see the provider's own vocabulary when a webhook has delivered
	// it; the coarse platform enum is the fallback.
	status := string(rec.Status)
	if rec.ProviderStatus != "" {
		status = rec.ProviderStatus
	}
	return StatusView{
		CallID:         rec.CallID,
		Status:         status,
		ProviderStatus: rec.ProviderStatus,
		StartTime:      rec.StartTime,
		EndTime:        rec.EndTime,
		Duration:       rec.DurationSeconds,
		ExternalID:     rec.PrimaryLegSID,
	}, nil
}

// End hangs up both legs at the provider (best-effort) and finalizes the
// record as canceled. A terminal record is left untouched unless force is set.
func (s *Service) End(ctx context.Context, workspaceID, callID, endedBy string, force bool) (calls.CallRecord, error) {
	rec, err := s.store.Get(ctx, workspaceID, callID)
	if err != nil {
		return calls.CallRecord{}, err
	}

	for _, sid := range []string{rec.PrimaryLegSID, rec.SecondaryLegSID} {
		if sid == "" {
			continue
		}
		if err := s.provider.Hangup(ctx, sid); err != nil {
			// The record still finalizes locally; the sweep covers any leg the
			// provider keeps alive.
			s.log.Warn("provider hangup failed", "call_id", rec.CallID, "leg_sid", sid, "err", err)
		}
	}

	out, err := s.reconciler.EndCall(ctx, rec, endedBy, force)
	if err != nil {
		return calls.CallRecord{}, err
	}
	if out.Applied {
		s.auditCall(ctx, audit.EventTypeCallEnded, workspaceID, rec.CallID, endedBy, "call ended")
	}
	return out.Record, nil
}

// MarkTimeout records a client-watchdog-declared timeout. The reconciler
// rejects it if a real terminal status arrived first.
func (s *Service) MarkTimeout(ctx context.Context, workspaceID, callID, stage string, at time.Time) (calls.CallRecord, bool, error) {
	rec, err := s.store.Get(ctx, workspaceID, callID)
	if err != nil {
		return calls.CallRecord{}, false, err
	}

	out, err := s.reconciler.MarkTimeout(ctx, rec, stage, at)
	if err != nil {
		return calls.CallRecord{}, false, err
	}
	if out.Applied {
		if rec.PrimaryLegSID != "" {
			if err := s.provider.Hangup(ctx, rec.PrimaryLegSID); err != nil {
				s.log.Warn("provider hangup failed on timeout", "call_id", rec.CallID, "err", err)
			}
		}
		s.auditCall(ctx, audit.EventTypeCallTimeout, workspaceID, rec.CallID, "",
			fmt.Sprintf("timeout in %s stage", stage))
		s.log.Info("call timed out",
			"call_id", rec.CallID, "workspace_id", workspaceID, "stage", stage)
	}
	return out.Record, out.Applied, nil
}

// failPlacement marks a never-placed call failed. Guard loss here means a
// webhook somehow arrived first, in which case the record is already live and
// must be left alone.
func (s *Service) failPlacement(ctx context.Context, rec calls.CallRecord, cause error) {
	now := s.clock().UTC()
	upd := calls.StatusUpdate{
		Status:        calls.CallStatusFailed,
		FailureReason: fmt.Sprintf("placement failed: %v", cause),
		EndTime:       &now,
	}
	if _, _, err := s.store.UpdateGuarded(ctx, rec.CallID, calls.CallStatusInitiated, upd); err != nil {
		s.log.Error("failed-placement write failed", "call_id", rec.CallID, "err", err)
	}
}

func (s *Service) releaseCap(ctx context.Context, workspaceID string) {
	if s.caps == nil {
		return
	}
	if err := s.caps.Release(ctx, workspaceID); err != nil {
		s.log.Warn("cap release failed", "workspace_id", workspaceID, "err", err)
	}
}

func (s *Service) auditCall(ctx context.Context, typ audit.EventType, workspaceID, callID, actor, msg string) {
	if s.audits == nil {
		return
	}
	if err := s.audits.LogCallEvent(ctx, typ, workspaceID, callID, actor, msg, ""); err != nil {
		s.log.Warn("audit append failed", "call_id", callID, "err", err)
	}
}
