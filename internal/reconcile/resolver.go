package reconcile

import (
	"context"
	"errors"

	"callcenter-platform/internal/calls"
	"callcenter-platform/internal/numbers"
)

// ErrUnresolvedLeg means the event belongs to no known call. Orphaned events
// are logged and discarded; a bare status webhook never creates a record.
var ErrUnresolvedLeg = errors.New("reconcile: unresolved leg")

type Leg string

const (
	LegPrimary   Leg = "primary"
	LegSecondary Leg = "secondary"
)

// Resolution names the call record an event belongs to and which leg sent it.
type Resolution struct {
	Record calls.CallRecord
	Leg    Leg
}

// Resolver attaches a provider status event to its logical call record.
//
// Resolution order:
//  1. exact primary-leg SID match
//  2. previously bound secondary-leg SID match
//  3. number correlation: the most recent open record in the owning workspace
//     whose from/to numbers match (either orientation, digits only); this is
//     how a contact leg with a brand-new SID and no back-reference attaches
type Resolver struct {
	store     calls.Store
	inventory numbers.Inventory
}

func NewResolver(store calls.Store, inventory numbers.Inventory) *Resolver {
	return &Resolver{store: store, inventory: inventory}
}

func (r *Resolver) Resolve(ctx context.Context, ev calls.StatusEvent) (Resolution, error) {
	if ev.LegSID == "" {
		return Resolution{}, calls.ErrInvalidArgument
	}

	rec, ok, err := r.store.GetByLegSID(ctx, ev.LegSID)
	if err != nil {
		return Resolution{}, err
	}
	if ok {
		leg := LegSecondary
		if rec.PrimaryLegSID == ev.LegSID {
			leg = LegPrimary
		}
		return Resolution{Record: rec, Leg: leg}, nil
	}

	workspaceID, err := r.workspaceFor(ctx, ev)
	if err != nil {
		return Resolution{}, err
	}
	if workspaceID == "" {
		return Resolution{}, ErrUnresolvedLeg
	}

	rec, ok, err = r.store.FindOpenByNumbers(ctx, workspaceID, ev.From, ev.To)
	if err != nil {
		return Resolution{}, err
	}
	if !ok {
		return Resolution{}, ErrUnresolvedLeg
	}
	return Resolution{Record: rec, Leg: LegSecondary}, nil
}

// workspaceFor scopes the event to a tenant via the number inventory. Either
// side of the call may be the platform-owned number depending on direction.
func (r *Resolver) workspaceFor(ctx context.Context, ev calls.StatusEvent) (string, error) {
	for _, n := range []string{ev.To, ev.From} {
		if n == "" {
			continue
		}
		wid, ok, err := r.inventory.WorkspaceForNumber(ctx, n)
		if err != nil && !errors.Is(err, numbers.ErrInvalidNumber) {
			return "", err
		}
		if ok {
			return wid, nil
		}
	}
	return "", nil
}
