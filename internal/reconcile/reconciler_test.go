package reconcile

import (
	"context"
	"testing"
	"time"

	"callcenter-platform/internal/calls"
)

func fixedClock() func() time.Time {
	return func() time.Time { return time.Unix(1700000000, 0).UTC() }
}

func newTestStore(t *testing.T) (*calls.MemoryStore, calls.CallRecord) {
	t.Helper()
	store := calls.NewMemoryStore()
	store.SetClock(fixedClock())
	rec := calls.CallRecord{
		CallID:        "c1",
		WorkspaceID:   "w1",
		Direction:     calls.DirectionOutbound,
		From:          "+15550001111",
		To:            "+15550002222",
		Status:        calls.CallStatusInitiated,
		PrimaryLegSID: "CAprimary",
		StartTime:     time.Unix(1700000000, 0).UTC(),
	}
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	return store, rec
}

func applyPrimary(t *testing.T, r *Reconciler, store *calls.MemoryStore, status, duration string) Outcome {
	t.Helper()
	rec, ok, err := store.GetByLegSID(context.Background(), "CAprimary")
	if err != nil || !ok {
		t.Fatalf("lookup primary leg: ok=%v err=%v", ok, err)
	}
	out, err := r.ApplyEvent(context.Background(), Resolution{Record: rec, Leg: LegPrimary}, calls.StatusEvent{
		Provider:       calls.ProviderTwilio,
		LegSID:         "CAprimary",
		ProviderStatus: status,
		From:           "+15550001111",
		To:             "+15550002222",
		DurationRaw:    duration,
	})
	if err != nil {
		t.Fatalf("apply %q: %v", status, err)
	}
	return out
}

func TestApplyEvent_FullLifecycle(t *testing.T) {
	store, _ := newTestStore(t)
	r := NewReconciler(store)
	r.SetClock(fixedClock())

	for _, status := range []string{"initiated", "ringing", "in-progress"} {
		out := applyPrimary(t, r, store, status, "")
		if !out.Applied {
			t.Fatalf("expected %q accepted, got %s", status, out.Reason)
		}
	}
	out := applyPrimary(t, r, store, "completed", "42")
	if !out.Applied {
		t.Fatalf("expected completed accepted, got %s", out.Reason)
	}
	if out.Record.Status != calls.CallStatusCompleted {
		t.Fatalf("expected completed, got %s", out.Record.Status)
	}
	if out.Record.DurationSeconds != 42 {
		t.Fatalf("expected duration 42, got %d", out.Record.DurationSeconds)
	}
	if out.Record.EndTime == nil {
		t.Fatalf("expected end_time set")
	}
	if out.Record.WebhookLastReceivedAt == nil {
		t.Fatalf("expected webhook liveness stamp")
	}
}

func TestApplyEvent_TerminalIsSticky(t *testing.T) {
	store, _ := newTestStore(t)
	r := NewReconciler(store)
	r.SetClock(fixedClock())

	if out := applyPrimary(t, r, store, "completed", "10"); !out.Applied {
		t.Fatalf("expected completed accepted")
	}
	out := applyPrimary(t, r, store, "ringing", "")
	if out.Applied {
		t.Fatalf("expected stale duplicate rejected")
	}
	if out.Reason != ReasonTerminal {
		t.Fatalf("expected terminal rejection, got %s", out.Reason)
	}
	if out.Record.Status != calls.CallStatusCompleted {
		t.Fatalf("status must remain completed, got %s", out.Record.Status)
	}
}

func TestApplyEvent_RejectsRegression(t *testing.T) {
	store, _ := newTestStore(t)
	r := NewReconciler(store)
	r.SetClock(fixedClock())

	if out := applyPrimary(t, r, store, "in-progress", ""); !out.Applied {
		t.Fatalf("expected in-progress accepted")
	}
	out := applyPrimary(t, r, store, "ringing", "")
	if out.Applied || out.Reason != ReasonStale {
		t.Fatalf("expected stale rejection, got applied=%v reason=%s", out.Applied, out.Reason)
	}
	if out.Record.Status != calls.CallStatusInProgress {
		t.Fatalf("status must remain in_progress, got %s", out.Record.Status)
	}
}

func TestApplyEvent_DuplicateSameStatusRefreshesLiveness(t *testing.T) {
	store, _ := newTestStore(t)
	r := NewReconciler(store)
	r.SetClock(fixedClock())

	if out := applyPrimary(t, r, store, "ringing", ""); !out.Applied {
		t.Fatalf("expected first ringing accepted")
	}
	out := applyPrimary(t, r, store, "ringing", "")
	if !out.Applied {
		t.Fatalf("equal-index duplicate must be accepted for the liveness stamp, got %s", out.Reason)
	}
	if out.Record.Status != calls.CallStatusRinging {
		t.Fatalf("unexpected status %s", out.Record.Status)
	}
}

func TestApplyEvent_SecondaryLegAnswerForcesContactConnected(t *testing.T) {
	store, _ := newTestStore(t)
	r := NewReconciler(store)
	r.SetClock(fixedClock())

	if out := applyPrimary(t, r, store, "ringing", ""); !out.Applied {
		t.Fatalf("expected ringing accepted")
	}

	rec, _, _ := store.GetByLegSID(context.Background(), "CAprimary")
	out, err := r.ApplyEvent(context.Background(), Resolution{Record: rec, Leg: LegSecondary}, calls.StatusEvent{
		Provider:       calls.ProviderTwilio,
		LegSID:         "CAsecondary",
		ProviderStatus: "in-progress",
		From:           "+15550002222",
		To:             "+15550001111",
	})
	if err != nil {
		t.Fatalf("apply secondary: %v", err)
	}
	if !out.Applied {
		t.Fatalf("expected secondary answer accepted, got %s", out.Reason)
	}
	if out.Record.Status != calls.CallStatusContactConnected {
		t.Fatalf("expected contact_connected, got %s", out.Record.Status)
	}
	if out.Record.SecondaryLegSID != "CAsecondary" {
		t.Fatalf("expected secondary SID bound, got %q", out.Record.SecondaryLegSID)
	}
	if out.Record.ContactAnsweredAt == nil {
		t.Fatalf("expected contact answered timestamp")
	}
}

func TestApplyEvent_SecondaryAnswerSkipsIndexComparison(t *testing.T) {
	store, _ := newTestStore(t)
	r := NewReconciler(store)
	r.SetClock(fixedClock())

	// Record already past the answered index.
	if out := applyPrimary(t, r, store, "in-progress", ""); !out.Applied {
		t.Fatalf("expected in-progress accepted")
	}
	rec, _, _ := store.GetByLegSID(context.Background(), "CAprimary")
	out, err := r.ApplyEvent(context.Background(), Resolution{Record: rec, Leg: LegSecondary}, calls.StatusEvent{
		Provider:       calls.ProviderTwilio,
		LegSID:         "CAsecondary",
		ProviderStatus: "answered",
	})
	if err != nil {
		t.Fatalf("apply secondary: %v", err)
	}
	if !out.Applied || out.Record.Status != calls.CallStatusContactConnected {
		t.Fatalf("secondary answer must win regardless of index: applied=%v status=%s", out.Applied, out.Record.Status)
	}
}

func TestApplyEvent_SecondaryAnswerRejectedWhenTerminal(t *testing.T) {
	store, _ := newTestStore(t)
	r := NewReconciler(store)
	r.SetClock(fixedClock())

	if out := applyPrimary(t, r, store, "completed", "5"); !out.Applied {
		t.Fatalf("expected completed accepted")
	}
	rec, _, _ := store.GetByLegSID(context.Background(), "CAprimary")
	out, err := r.ApplyEvent(context.Background(), Resolution{Record: rec, Leg: LegSecondary}, calls.StatusEvent{
		Provider:       calls.ProviderTwilio,
		LegSID:         "CAsecondary",
		ProviderStatus: "in-progress",
	})
	if err != nil {
		t.Fatalf("apply secondary: %v", err)
	}
	if out.Applied || out.Reason != ReasonTerminal {
		t.Fatalf("terminal record must reject secondary answer, got applied=%v reason=%s", out.Applied, out.Reason)
	}
}

func TestApplyEvent_UnmappedStatusBecomesFailed(t *testing.T) {
	store, _ := newTestStore(t)
	r := NewReconciler(store)
	r.SetClock(fixedClock())

	out := applyPrimary(t, r, store, "weird-vendor-status", "")
	if !out.Applied {
		t.Fatalf("expected accepted, got %s", out.Reason)
	}
	if out.Record.Status != calls.CallStatusFailed {
		t.Fatalf("unmapped vocabulary must map to failed, got %s", out.Record.Status)
	}
}

func TestApplyEvent_NonNumericDurationTreatedAsAbsent(t *testing.T) {
	store, _ := newTestStore(t)
	r := NewReconciler(store)
	r.SetClock(fixedClock())

	out := applyPrimary(t, r, store, "completed", "abc")
	if !out.Applied {
		t.Fatalf("expected accepted, got %s", out.Reason)
	}
	if out.Record.DurationSeconds != 0 {
		t.Fatalf("garbage duration must not be stored, got %d", out.Record.DurationSeconds)
	}
	if out.Record.EndTime != nil {
		t.Fatalf("end_time only set alongside a parsed duration")
	}
}

func TestApplyEvent_ReevaluatesAfterGuardLoss(t *testing.T) {
	store, rec := newTestStore(t)
	r := NewReconciler(store)
	r.SetClock(fixedClock())

	// Simulate a concurrent webhook advancing the record to completed between
	// our read and our write: the stale snapshot still carries initiated.
	if out := applyPrimary(t, r, store, "completed", "7"); !out.Applied {
		t.Fatalf("expected completed accepted")
	}
	staleSnapshot := rec // still status=initiated
	out, err := r.ApplyEvent(context.Background(), Resolution{Record: staleSnapshot, Leg: LegPrimary}, calls.StatusEvent{
		Provider:       calls.ProviderTwilio,
		LegSID:         "CAprimary",
		ProviderStatus: "ringing",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out.Applied {
		t.Fatalf("write against a superseded snapshot must lose")
	}
	if out.Reason != ReasonTerminal {
		t.Fatalf("expected terminal after re-read, got %s", out.Reason)
	}
}

func TestMarkTimeout_AcceptedWhenOpen(t *testing.T) {
	store, rec := newTestStore(t)
	r := NewReconciler(store)
	r.SetClock(fixedClock())

	out, err := r.MarkTimeout(context.Background(), rec, "initiated", time.Unix(1700000030, 0).UTC())
	if err != nil {
		t.Fatalf("mark timeout: %v", err)
	}
	if !out.Applied {
		t.Fatalf("expected timeout accepted, got %s", out.Reason)
	}
	if out.Record.Status != calls.CallStatusFailed {
		t.Fatalf("expected failed, got %s", out.Record.Status)
	}
	if out.Record.TimeoutDetectedAt == nil {
		t.Fatalf("expected timeout_detected_at")
	}
	if out.Record.FailureReason == "" {
		t.Fatalf("expected failure_reason")
	}
}

func TestMarkTimeout_RingingStageMapsToNoAnswer(t *testing.T) {
	store, _ := newTestStore(t)
	r := NewReconciler(store)
	r.SetClock(fixedClock())

	if out := applyPrimary(t, r, store, "ringing", ""); !out.Applied {
		t.Fatalf("expected ringing accepted")
	}
	rec, _, _ := store.GetByLegSID(context.Background(), "CAprimary")
	out, err := r.MarkTimeout(context.Background(), rec, "ringing", time.Time{})
	if err != nil {
		t.Fatalf("mark timeout: %v", err)
	}
	if out.Record.Status != calls.CallStatusNoAnswer {
		t.Fatalf("expected no_answer for ringing stage, got %s", out.Record.Status)
	}
}

func TestMarkTimeout_RejectedByTerminalStickiness(t *testing.T) {
	store, _ := newTestStore(t)
	r := NewReconciler(store)
	r.SetClock(fixedClock())

	// Webhook completes the call at second 10; a buggy client timer still fires
	// at second 30. The timeout write must lose.
	if out := applyPrimary(t, r, store, "completed", "10"); !out.Applied {
		t.Fatalf("expected completed accepted")
	}
	rec, _, _ := store.GetByLegSID(context.Background(), "CAprimary")
	out, err := r.MarkTimeout(context.Background(), rec, "initiated", time.Unix(1700000030, 0).UTC())
	if err != nil {
		t.Fatalf("mark timeout: %v", err)
	}
	if out.Applied || out.Reason != ReasonTerminal {
		t.Fatalf("timeout must not clobber a completed call: applied=%v reason=%s", out.Applied, out.Reason)
	}
	if out.Record.Status != calls.CallStatusCompleted {
		t.Fatalf("expected completed, got %s", out.Record.Status)
	}
}

func TestEndCall_WritesAuditStamps(t *testing.T) {
	store, rec := newTestStore(t)
	r := NewReconciler(store)
	r.SetClock(fixedClock())

	out, err := r.EndCall(context.Background(), rec, "user-7", false)
	if err != nil {
		t.Fatalf("end call: %v", err)
	}
	if !out.Applied {
		t.Fatalf("expected end accepted, got %s", out.Reason)
	}
	if out.Record.Status != calls.CallStatusCanceled {
		t.Fatalf("expected canceled, got %s", out.Record.Status)
	}
	if out.Record.EndedBy != "user-7" || out.Record.EndedAt == nil {
		t.Fatalf("expected ended_by/ended_at stamps")
	}
}

func TestEndCall_TerminalRejectedUnlessForced(t *testing.T) {
	store, _ := newTestStore(t)
	r := NewReconciler(store)
	r.SetClock(fixedClock())

	if out := applyPrimary(t, r, store, "completed", "3"); !out.Applied {
		t.Fatalf("expected completed accepted")
	}
	rec, _, _ := store.GetByLegSID(context.Background(), "CAprimary")

	out, err := r.EndCall(context.Background(), rec, "user-7", false)
	if err != nil {
		t.Fatalf("end call: %v", err)
	}
	if out.Applied {
		t.Fatalf("non-forced end must not rewrite a terminal status")
	}

	out, err = r.EndCall(context.Background(), rec, "admin-1", true)
	if err != nil {
		t.Fatalf("forced end call: %v", err)
	}
	if !out.Applied || out.Record.Status != calls.CallStatusCanceled {
		t.Fatalf("forced end must finalize to canceled, got applied=%v status=%s", out.Applied, out.Record.Status)
	}
}
