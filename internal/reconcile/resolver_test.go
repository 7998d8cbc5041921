package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"callcenter-platform/internal/calls"
	"callcenter-platform/internal/numbers"
)

func newResolverFixture(t *testing.T) (*Resolver, *calls.MemoryStore) {
	t.Helper()
	store := calls.NewMemoryStore()
	store.SetClock(func() time.Time { return time.Unix(1700000000, 0).UTC() })
	inv := numbers.NewMemoryInventory()
	inv.Add("+15550001111", "w1")
	if err := store.Create(context.Background(), calls.CallRecord{
		CallID:        "c1",
		WorkspaceID:   "w1",
		Direction:     calls.DirectionOutbound,
		From:          "+15550001111",
		To:            "+15550002222",
		Status:        calls.CallStatusRinging,
		PrimaryLegSID: "CAprimary",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	return NewResolver(store, inv), store
}

func TestResolve_PrimaryLegBySID(t *testing.T) {
	r, _ := newResolverFixture(t)

	res, err := r.Resolve(context.Background(), calls.StatusEvent{LegSID: "CAprimary"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Leg != LegPrimary || res.Record.CallID != "c1" {
		t.Fatalf("expected primary leg of c1, got %s/%s", res.Leg, res.Record.CallID)
	}
}

func TestResolve_BoundSecondaryLegBySID(t *testing.T) {
	r, store := newResolverFixture(t)
	if _, ok, err := store.UpdateGuarded(context.Background(), "c1", calls.CallStatusRinging,
		calls.StatusUpdate{SecondaryLegSID: "CAsecondary"}); err != nil || !ok {
		t.Fatalf("bind secondary: ok=%v err=%v", ok, err)
	}

	res, err := r.Resolve(context.Background(), calls.StatusEvent{LegSID: "CAsecondary"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Leg != LegSecondary || res.Record.CallID != "c1" {
		t.Fatalf("expected secondary leg of c1, got %s/%s", res.Leg, res.Record.CallID)
	}
}

func TestResolve_FreshSIDCorrelatesByNumbers(t *testing.T) {
	r, _ := newResolverFixture(t)

	// Contact leg: brand-new SID, numbers flipped, provider formatting differs.
	res, err := r.Resolve(context.Background(), calls.StatusEvent{
		LegSID: "CAfresh",
		From:   "1 (555) 000-2222",
		To:     "+1-555-000-1111",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Leg != LegSecondary || res.Record.CallID != "c1" {
		t.Fatalf("expected number-correlated secondary leg, got %s/%s", res.Leg, res.Record.CallID)
	}
}

func TestResolve_PicksMostRecentOpenRecord(t *testing.T) {
	r, store := newResolverFixture(t)
	if err := store.Create(context.Background(), calls.CallRecord{
		CallID:        "c2",
		WorkspaceID:   "w1",
		From:          "+15550001111",
		To:            "+15550002222",
		Status:        calls.CallStatusInitiated,
		PrimaryLegSID: "CAother",
		CreatedAt:     time.Unix(1700000100, 0).UTC(),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	res, err := r.Resolve(context.Background(), calls.StatusEvent{
		LegSID: "CAfresh",
		From:   "+15550002222",
		To:     "+15550001111",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Record.CallID != "c2" {
		t.Fatalf("expected most recent open record c2, got %s", res.Record.CallID)
	}
}

func TestResolve_OrphanedEvent(t *testing.T) {
	r, _ := newResolverFixture(t)

	_, err := r.Resolve(context.Background(), calls.StatusEvent{
		LegSID: "CAunknown",
		From:   "+15559998888",
		To:     "+15558887777",
	})
	if !errors.Is(err, ErrUnresolvedLeg) {
		t.Fatalf("expected ErrUnresolvedLeg, got %v", err)
	}
}

func TestResolve_IdempotentForSameSID(t *testing.T) {
	r, _ := newResolverFixture(t)

	a, err := r.Resolve(context.Background(), calls.StatusEvent{LegSID: "CAprimary"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	b, err := r.Resolve(context.Background(), calls.StatusEvent{LegSID: "CAprimary"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if a.Record.CallID != b.Record.CallID {
		t.Fatalf("same SID must resolve to the same record: %s vs %s", a.Record.CallID, b.Record.CallID)
	}
}

func TestResolve_TerminalRecordsNotCorrelatedByNumbers(t *testing.T) {
	r, store := newResolverFixture(t)
	if _, ok, err := store.UpdateGuarded(context.Background(), "c1", calls.CallStatusRinging,
		calls.StatusUpdate{Status: calls.CallStatusCompleted}); err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}

	_, err := r.Resolve(context.Background(), calls.StatusEvent{
		LegSID: "CAfresh",
		From:   "+15550002222",
		To:     "+15550001111",
	})
	if !errors.Is(err, ErrUnresolvedLeg) {
		t.Fatalf("closed records must not attract new legs, got %v", err)
	}
}
