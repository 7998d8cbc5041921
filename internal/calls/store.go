package calls

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("calls: not found")
	ErrInvalidArgument = errors.New("calls: invalid argument")
	ErrAlreadyExists   = errors.New("calls: already exists")
)

// StatusUpdate is the write half of a reconciliation decision. Zero-valued
// fields are left untouched by the store; pointer fields overwrite when non-nil.
// Metadata merge semantics: previously recorded fields are preserved, new ones
// are added or overwritten.
type StatusUpdate struct {
	Status         CallStatus
	ProviderStatus string

	// SecondaryLegSID binds the contact leg the first time it reports in.
	SecondaryLegSID string

	EndTime         *time.Time
	DurationSeconds *int

	RecordingURL string
	RecordingSID string

	// WebhookReceivedAt must be stamped on every accepted webhook write; it is
	// the liveness signal consumed by the health scan.
	WebhookReceivedAt *time.Time

	ContactAnsweredAt *time.Time

	TimeoutDetectedAt *time.Time
	FailureReason     string

	EndedBy string
	EndedAt *time.Time
}

// Store is the persistence contract for call records.
//
// UpdateGuarded is the optimistic-concurrency primitive: the write applies only
// if the row's status still equals expect at write time. Two webhook deliveries
// racing on the same record cannot both win; the loser re-reads and re-decides.
type Store interface {
	Create(ctx context.Context, rec CallRecord) error

	// Get is workspace-scoped for tenant-facing reads.
	Get(ctx context.Context, workspaceID, callID string) (CallRecord, error)

	// GetByLegSID matches either the primary or the secondary leg SID.
	// Provider SIDs are globally unique, so no workspace scope is needed here.
	GetByLegSID(ctx context.Context, legSID string) (CallRecord, bool, error)

	// FindOpenByNumbers returns the most recently created non-terminal record in
	// the workspace whose from/to numbers match after normalization, in either
	// orientation. Used to attach a second leg that carries a brand-new SID.
	FindOpenByNumbers(ctx context.Context, workspaceID, from, to string) (CallRecord, bool, error)

	// BindPrimaryLeg attaches the provider-assigned SID to a freshly created
	// record. The record is created before the provider call is placed, so the
	// SID only becomes known afterwards.
	BindPrimaryLeg(ctx context.Context, callID, legSID string) error

	// UpdateGuarded applies upd iff the record's status still equals expect.
	// Returns the updated record and true on success; ok=false means the status
	// moved underneath the caller and the decision must be re-evaluated.
	UpdateGuarded(ctx context.Context, callID string, expect CallStatus, upd StatusUpdate) (CallRecord, bool, error)

	// ListSince returns workspace records created in [since, now), newest first.
	ListSince(ctx context.Context, workspaceID string, since time.Time) ([]CallRecord, error)

	// ListOpenOlderThan returns non-terminal records across all workspaces
	// created before cutoff. Consumed by the orphan sweep.
	ListOpenOlderThan(ctx context.Context, cutoff time.Time) ([]CallRecord, error)
}

// applyUpdate merges a StatusUpdate into a record. Shared by the in-memory
// store and tests; the Postgres store expresses the same merge in SQL.
func applyUpdate(rec CallRecord, upd StatusUpdate, now time.Time) CallRecord {
	if upd.Status != "" {
		rec.Status = upd.Status
	}
	if upd.ProviderStatus != "" {
		rec.ProviderStatus = upd.ProviderStatus
	}
	if upd.SecondaryLegSID != "" {
		rec.SecondaryLegSID = upd.SecondaryLegSID
	}
	if upd.EndTime != nil {
		rec.EndTime = upd.EndTime
	}
	if upd.DurationSeconds != nil {
		rec.DurationSeconds = *upd.DurationSeconds
	}
	if upd.RecordingURL != "" {
		rec.RecordingURL = upd.RecordingURL
	}
	if upd.RecordingSID != "" {
		rec.RecordingSID = upd.RecordingSID
	}
	if upd.WebhookReceivedAt != nil {
		rec.WebhookLastReceivedAt = upd.WebhookReceivedAt
	}
	if upd.ContactAnsweredAt != nil {
		rec.ContactAnsweredAt = upd.ContactAnsweredAt
	}
	if upd.TimeoutDetectedAt != nil {
		rec.TimeoutDetectedAt = upd.TimeoutDetectedAt
	}
	if upd.FailureReason != "" {
		rec.FailureReason = upd.FailureReason
	}
	if upd.EndedBy != "" {
		rec.EndedBy = upd.EndedBy
	}
	if upd.EndedAt != nil {
		rec.EndedAt = upd.EndedAt
	}
	rec.UpdatedAt = now
	return rec
}
