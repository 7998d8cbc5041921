package reconcile

import (
	"context"
	"fmt"
	"time"

	"callcenter-platform/internal/calls"
)

// Reason classifies a reconciliation decision. Rejections are policy outcomes,
// not errors: the webhook still acknowledges.
type Reason string

const (
	ReasonApplied  Reason = "applied"
	ReasonTerminal Reason = "terminal_status"
	ReasonStale    Reason = "stale_update"
	ReasonConflict Reason = "write_conflict"
)

// Outcome reports what the reconciler did with an event or write request.
type Outcome struct {
	Applied bool
	Reason  Reason
	Record  calls.CallRecord
}

// guarded writes retry a bounded number of times when another writer moves the
// status between our read and our conditional update.
const maxWriteAttempts = 3

// Reconciler is the status state machine. It is the only webhook-path writer
// of call records, and the timeout/end-call paths funnel through it so the
// terminal-stickiness invariant lives in exactly one place.
//
// Rules, in order:
//   - terminal statuses are sticky: no webhook or timeout write changes them
//   - a secondary leg reporting an answer always forces contact_connected
//     (progress regardless of the primary leg's recorded index)
//   - otherwise a lower progression index than the recorded status is stale
//   - every accepted write stamps webhook_last_received_at
type Reconciler struct {
	store calls.Store
	clock func() time.Time

	onTerminal func(ctx context.Context, rec calls.CallRecord)
}

func NewReconciler(store calls.Store) *Reconciler {
	return &Reconciler{store: store, clock: time.Now}
}

// SetClock injects a deterministic clock for tests.
func (r *Reconciler) SetClock(clock func() time.Time) { r.clock = clock }

// SetOnTerminal registers a callback fired once per record when a write moves
// it into a terminal status, regardless of which path (webhook, timeout,
// end-call) made the write. Used to release concurrency slots and stop
// watchdog sessions.
func (r *Reconciler) SetOnTerminal(f func(ctx context.Context, rec calls.CallRecord)) {
	r.onTerminal = f
}

func (r *Reconciler) finish(ctx context.Context, wasTerminal bool, rec calls.CallRecord) {
	if !wasTerminal && rec.Status.IsTerminal() && r.onTerminal != nil {
		r.onTerminal(ctx, rec)
	}
}

// ApplyEvent merges a resolved status event into its call record.
// Every branch has a defined no-op outcome; this method never returns an error
// for policy rejections, only for store failures.
func (r *Reconciler) ApplyEvent(ctx context.Context, res Resolution, ev calls.StatusEvent) (Outcome, error) {
	rec := res.Record

	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		if rec.Status.IsTerminal() {
			return Outcome{Applied: false, Reason: ReasonTerminal, Record: rec}, nil
		}

		now := r.clock().UTC()
		mapped := calls.MapProviderStatus(ev.Provider, ev.ProviderStatus)

		upd := calls.StatusUpdate{
			ProviderStatus:    ev.ProviderStatus,
			RecordingURL:      ev.RecordingURL,
			RecordingSID:      ev.RecordingSID,
			WebhookReceivedAt: &now,
		}

		if res.Leg == LegSecondary {
			firstBind := rec.SecondaryLegSID == ""
			if firstBind {
				upd.SecondaryLegSID = ev.LegSID
			}
			switch {
			case calls.IsAnswerClass(ev.Provider, ev.ProviderStatus):
				// The contact picking up is always meaningful progress; the
				// ordering rule is deliberately skipped here.
				upd.Status = calls.CallStatusContactConnected
				if rec.ContactAnsweredAt == nil {
					upd.ContactAnsweredAt = &now
				}
			case mapped.ProgressionIndex() >= rec.Status.ProgressionIndex():
				upd.Status = mapped
			case firstBind:
				// Status regresses but the SID binding and liveness stamp are
				// still worth recording.
			default:
				return Outcome{Applied: false, Reason: ReasonStale, Record: rec}, nil
			}
		} else {
			if mapped.ProgressionIndex() < rec.Status.ProgressionIndex() {
				return Outcome{Applied: false, Reason: ReasonStale, Record: rec}, nil
			}
			upd.Status = mapped
		}

		if upd.Status == calls.CallStatusCompleted {
			if secs, ok := ev.DurationSeconds(); ok {
				upd.DurationSeconds = &secs
				upd.EndTime = &now
			}
		}

		updated, ok, err := r.store.UpdateGuarded(ctx, rec.CallID, rec.Status, upd)
		if err != nil {
			return Outcome{}, err
		}
		if ok {
			r.finish(ctx, rec.Status.IsTerminal(), updated)
			return Outcome{Applied: true, Reason: ReasonApplied, Record: updated}, nil
		}
		// Lost the race; re-decide against the fresh record.
		rec = updated
	}

	return Outcome{Applied: false, Reason: ReasonConflict, Record: rec}, nil
}

// MarkTimeout records a watchdog-declared timeout. Terminal records reject the
// write: the call may have completed while the client's timer was still armed,
// and a liveness policy must never clobber a real result.
func (r *Reconciler) MarkTimeout(ctx context.Context, rec calls.CallRecord, stage string, at time.Time) (Outcome, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		if rec.Status.IsTerminal() {
			return Outcome{Applied: false, Reason: ReasonTerminal, Record: rec}, nil
		}

		now := r.clock().UTC()
		if at.IsZero() {
			at = now
		}
		ts := at.UTC()

		status := calls.CallStatusFailed
		if stage == "ringing" {
			// The contact's phone rang and nobody picked up.
			status = calls.CallStatusNoAnswer
		}

		upd := calls.StatusUpdate{
			Status:            status,
			TimeoutDetectedAt: &ts,
			FailureReason:     fmt.Sprintf("timeout waiting in %s stage", stage),
			EndTime:           &now,
		}

		updated, ok, err := r.store.UpdateGuarded(ctx, rec.CallID, rec.Status, upd)
		if err != nil {
			return Outcome{}, err
		}
		if ok {
			r.finish(ctx, rec.Status.IsTerminal(), updated)
			return Outcome{Applied: true, Reason: ReasonApplied, Record: updated}, nil
		}
		rec = updated
	}
	return Outcome{Applied: false, Reason: ReasonConflict, Record: rec}, nil
}

// EndCall finalizes a call on explicit user/operator action. With force=false
// terminal records are left untouched; force is the administrative override
// and may rewrite a terminal status, but only ever to canceled.
func (r *Reconciler) EndCall(ctx context.Context, rec calls.CallRecord, endedBy string, force bool) (Outcome, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		if rec.Status.IsTerminal() && !force {
			return Outcome{Applied: false, Reason: ReasonTerminal, Record: rec}, nil
		}

		now := r.clock().UTC()
		upd := calls.StatusUpdate{
			Status:  calls.CallStatusCanceled,
			EndedBy: endedBy,
			EndedAt: &now,
			EndTime: &now,
		}

		updated, ok, err := r.store.UpdateGuarded(ctx, rec.CallID, rec.Status, upd)
		if err != nil {
			return Outcome{}, err
		}
		if ok {
			r.finish(ctx, rec.Status.IsTerminal(), updated)
			return Outcome{Applied: true, Reason: ReasonApplied, Record: updated}, nil
		}
		rec = updated
	}
	return Outcome{Applied: false, Reason: ReasonConflict, Record: rec}, nil
}
