package callops

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"callcenter-platform/internal/audit"
	"callcenter-platform/internal/calls"
	"callcenter-platform/internal/reconcile"
	"callcenter-platform/internal/telephony"
)

type fakeProvider struct {
	mu       sync.Mutex
	placed   []telephony.PlaceCallRequest
	hangups  []string
	nextSID  string
	placeErr error
	hangErr  error
}

func (p *fakeProvider) PlaceCall(ctx context.Context, req telephony.PlaceCallRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.placeErr != nil {
		return "", p.placeErr
	}
	p.placed = append(p.placed, req)
	if p.nextSID == "" {
		return "CA-fake", nil
	}
	return p.nextSID, nil
}

func (p *fakeProvider) Hangup(ctx context.Context, legSID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hangups = append(p.hangups, legSID)
	return p.hangErr
}

type fakeCaps struct {
	mu       sync.Mutex
	inUse    map[string]int
	limit    int
	acquired int
	released int
}

func newFakeCaps(limit int) *fakeCaps {
	return &fakeCaps{inUse: map[string]int{}, limit: limit}
}

func (c *fakeCaps) Acquire(ctx context.Context, workspaceID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inUse[workspaceID] >= c.limit {
		return false, nil
	}
	c.inUse[workspaceID]++
	c.acquired++
	return true, nil
}

func (c *fakeCaps) Release(ctx context.Context, workspaceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inUse[workspaceID]--
	c.released++
	return nil
}

func newTestService(t *testing.T) (*Service, *calls.MemoryStore, *fakeProvider) {
	t.Helper()
	store := calls.NewMemoryStore()
	store.SetClock(func() time.Time { return time.Unix(1700000000, 0) })

	rc := reconcile.NewReconciler(store)
	rc.SetClock(func() time.Time { return time.Unix(1700000000, 0) })

	provider := &fakeProvider{}
	svc := NewService(store, provider, rc, Config{
		AnswerURL:         "https://api.example.com/webhooks/twilio/answer",
		StatusCallbackURL: "https://api.example.com/webhooks/twilio/status",
	}, nil)
	svc.SetClock(func() time.Time { return time.Unix(1700000000, 0) })
	return svc, store, provider
}

func TestStartPlacesCallAndBindsLeg(t *testing.T) {
	svc, store, provider := newTestService(t)
	provider.nextSID = "CA500"

	rec, err := svc.Start(context.Background(), StartRequest{
		WorkspaceID: "w1", UserID: "u1",
		From: "+15550001111", To: "+15550002222",
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if rec.Status != calls.CallStatusInitiated {
		t.Fatalf("expected initiated, got %s", rec.Status)
	}
	if rec.PrimaryLegSID != "CA500" {
		t.Fatalf("expected bound leg sid, got %q", rec.PrimaryLegSID)
	}

	stored, _, err := store.GetByLegSID(context.Background(), "CA500")
	if err != nil || stored.CallID != rec.CallID {
		t.Fatalf("expected record resolvable by leg sid: %v", err)
	}

	if len(provider.placed) != 1 {
		t.Fatalf("expected one placement, got %d", len(provider.placed))
	}
	if provider.placed[0].StatusCallbackURL == "" || provider.placed[0].AnswerURL == "" {
		t.Fatalf("expected callback urls handed to provider: %+v", provider.placed[0])
	}
}

func TestStartRejectsMissingNumbers(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Start(context.Background(), StartRequest{WorkspaceID: "w1", From: "abc", To: "+15550002222"})
	if !errors.Is(err, calls.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestStartPlacementFailureMarksRecordFailed(t *testing.T) {
	svc, store, provider := newTestService(t)
	provider.placeErr = telephony.ErrProviderUnreachable
	caps := newFakeCaps(5)
	svc.SetCaps(caps)

	_, err := svc.Start(context.Background(), StartRequest{
		WorkspaceID: "w1", From: "+15550001111", To: "+15550002222",
	})
	if !errors.Is(err, ErrCallFailed) {
		t.Fatalf("expected ErrCallFailed, got %v", err)
	}
	if caps.released != 1 {
		t.Fatalf("expected cap released on failure, got %d", caps.released)
	}

	recs, err := store.ListSince(context.Background(), "w1", time.Time{})
	if err != nil || len(recs) != 1 {
		t.Fatalf("expected one record, got %d err=%v", len(recs), err)
	}
	if recs[0].Status != calls.CallStatusFailed {
		t.Fatalf("expected failed, got %s", recs[0].Status)
	}
	if !strings.Contains(recs[0].FailureReason, "placement failed") {
		t.Fatalf("expected failure reason, got %q", recs[0].FailureReason)
	}
}

func TestStartEnforcesConcurrencyCap(t *testing.T) {
	svc, _, _ := newTestService(t)
	svc.SetCaps(newFakeCaps(1))

	req := StartRequest{WorkspaceID: "w1", From: "+15550001111", To: "+15550002222"}
	if _, err := svc.Start(context.Background(), req); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}
	if _, err := svc.Start(context.Background(), req); !errors.Is(err, ErrTooManyCalls) {
		t.Fatalf("expected ErrTooManyCalls, got %v", err)
	}
}

func TestWebhookCompletionReleasesCap(t *testing.T) {
	store := calls.NewMemoryStore()
	rc := reconcile.NewReconciler(store)
	rc.SetClock(func() time.Time { return time.Unix(1700000100, 0) })

	provider := &fakeProvider{nextSID: "CA500"}
	svc := NewService(store, provider, rc, Config{}, nil)
	svc.SetClock(func() time.Time { return time.Unix(1700000000, 0) })
	caps := newFakeCaps(5)
	svc.SetCaps(caps)

	rec, err := svc.Start(context.Background(), StartRequest{
		WorkspaceID: "w1", From: "+15550001111", To: "+15550002222",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// A completed webhook, not an explicit end, finishes the call.
	out, err := rc.ApplyEvent(context.Background(),
		reconcile.Resolution{Record: rec, Leg: reconcile.LegPrimary},
		calls.StatusEvent{Provider: calls.ProviderTwilio, LegSID: "CA500", ProviderStatus: "completed", DurationRaw: "30"})
	if err != nil || !out.Applied {
		t.Fatalf("expected webhook applied: %+v err=%v", out, err)
	}

	if caps.released != 1 {
		t.Fatalf("expected cap released on webhook completion, got %d", caps.released)
	}
}

func TestStatusPrefersRawProviderStatus(t *testing.T) {
	svc, store, provider := newTestService(t)
	provider.nextSID = "CA500"

	rec, err := svc.Start(context.Background(), StartRequest{
		WorkspaceID: "w1", From: "+15550001111", To: "+15550002222",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	now := time.Unix(1700000100, 0).UTC()
	if _, _, err := store.UpdateGuarded(context.Background(), rec.CallID, calls.CallStatusInitiated, calls.StatusUpdate{
		Status:            calls.CallStatusInProgress,
		ProviderStatus:    "in-progress",
		WebhookReceivedAt: &now,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	view, err := svc.Status(context.Background(), "w1", rec.CallID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	// The hyphenated provider spelling wins over the platform enum.
	if view.Status != "in-progress" || view.ProviderStatus != "in-progress" {
		t.Fatalf("unexpected view: %+v", view)
	}
	if view.ExternalID != "CA500" {
		t.Fatalf("expected external id, got %q", view.ExternalID)
	}
}

func TestStatusScopedToWorkspace(t *testing.T) {
	svc, _, _ := newTestService(t)

	rec, err := svc.Start(context.Background(), StartRequest{
		WorkspaceID: "w1", From: "+15550001111", To: "+15550002222",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := svc.Status(context.Background(), "w2", rec.CallID); !errors.Is(err, calls.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign workspace, got %v", err)
	}
}

func TestEndHangsUpAndCancels(t *testing.T) {
	svc, _, provider := newTestService(t)
	provider.nextSID = "CA500"
	caps := newFakeCaps(5)
	svc.SetCaps(caps)
	repo := audit.NewMemoryRepo()
	svc.SetAudit(audit.NewService(repo))

	rec, err := svc.Start(context.Background(), StartRequest{
		WorkspaceID: "w1", UserID: "u1", From: "+15550001111", To: "+15550002222",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	out, err := svc.End(context.Background(), "w1", rec.CallID, "u1", false)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if out.Status != calls.CallStatusCanceled {
		t.Fatalf("expected canceled, got %s", out.Status)
	}
	if out.EndedBy != "u1" || out.EndedAt == nil {
		t.Fatalf("expected ended_by stamped: %+v", out)
	}
	if len(provider.hangups) != 1 || provider.hangups[0] != "CA500" {
		t.Fatalf("expected hangup of primary leg, got %v", provider.hangups)
	}
	if caps.released != 1 {
		t.Fatalf("expected cap released, got %d", caps.released)
	}

	evs := repo.Events()
	found := false
	for _, e := range evs {
		if e.Type == audit.EventTypeCallEnded && e.CallID == rec.CallID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected call_ended audit event, got %+v", evs)
	}
}

func TestEndTerminalCallIsNoOp(t *testing.T) {
	svc, store, provider := newTestService(t)
	provider.nextSID = "CA500"

	rec, err := svc.Start(context.Background(), StartRequest{
		WorkspaceID: "w1", From: "+15550001111", To: "+15550002222",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := store.UpdateGuarded(context.Background(), rec.CallID, calls.CallStatusInitiated, calls.StatusUpdate{
		Status: calls.CallStatusCompleted,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	out, err := svc.End(context.Background(), "w1", rec.CallID, "u1", false)
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if out.Status != calls.CallStatusCompleted {
		t.Fatalf("expected completed preserved, got %s", out.Status)
	}
}

func TestEndProviderFailureStillFinalizes(t *testing.T) {
	svc, _, provider := newTestService(t)
	provider.nextSID = "CA500"

	rec, err := svc.Start(context.Background(), StartRequest{
		WorkspaceID: "w1", From: "+15550001111", To: "+15550002222",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	provider.hangErr = telephony.ErrProviderUnreachable

	out, err := svc.End(context.Background(), "w1", rec.CallID, "u1", false)
	if err != nil {
		t.Fatalf("end should tolerate provider failure: %v", err)
	}
	if out.Status != calls.CallStatusCanceled {
		t.Fatalf("expected canceled, got %s", out.Status)
	}
}

func TestMarkTimeoutRinging(t *testing.T) {
	svc, store, provider := newTestService(t)
	provider.nextSID = "CA500"

	rec, err := svc.Start(context.Background(), StartRequest{
		WorkspaceID: "w1", From: "+15550001111", To: "+15550002222",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := store.UpdateGuarded(context.Background(), rec.CallID, calls.CallStatusInitiated, calls.StatusUpdate{
		Status: calls.CallStatusRinging,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	out, applied, err := svc.MarkTimeout(context.Background(), "w1", rec.CallID, "ringing", time.Unix(1700000045, 0))
	if err != nil || !applied {
		t.Fatalf("expected timeout applied: applied=%v err=%v", applied, err)
	}
	if out.Status != calls.CallStatusNoAnswer {
		t.Fatalf("expected no_answer, got %s", out.Status)
	}
	if out.TimeoutDetectedAt == nil {
		t.Fatalf("expected timeout_detected_at stamped")
	}
	if len(provider.hangups) != 1 {
		t.Fatalf("expected hangup on timeout, got %v", provider.hangups)
	}
}

func TestMarkTimeoutRejectedWhenTerminal(t *testing.T) {
	svc, store, provider := newTestService(t)
	provider.nextSID = "CA500"

	rec, err := svc.Start(context.Background(), StartRequest{
		WorkspaceID: "w1", From: "+15550001111", To: "+15550002222",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, _, err := store.UpdateGuarded(context.Background(), rec.CallID, calls.CallStatusInitiated, calls.StatusUpdate{
		Status: calls.CallStatusCompleted,
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	out, applied, err := svc.MarkTimeout(context.Background(), "w1", rec.CallID, "ringing", time.Now())
	if err != nil {
		t.Fatalf("mark timeout: %v", err)
	}
	if applied {
		t.Fatalf("expected timeout rejected on terminal record")
	}
	if out.Status != calls.CallStatusCompleted {
		t.Fatalf("expected completed preserved, got %s", out.Status)
	}
	if len(provider.hangups) != 0 {
		t.Fatalf("expected no hangup when rejected, got %v", provider.hangups)
	}
}
