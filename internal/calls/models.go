package calls

import (
	"strings"
	"time"
)

// CallRecord represents one logical tenant-scoped call. A logical call may span
// two provider legs (agent leg + contact leg); both legs attach to the same row.
//
// Multi-tenant invariant: WorkspaceID is required on every row.
//
// Lifecycle invariants:
// - Created by the call initiation flow only; status webhooks never create rows.
// - Once Status is terminal, no webhook or timeout write may change it. Only an
//   explicit operator end-call action may finalize it (and only to a terminal value).
// - Rows are never deleted; end-of-life is a terminal status.
type CallRecord struct {
	CallID      string `json:"call_id" db:"call_id"`
	WorkspaceID string `json:"workspace_id" db:"workspace_id"`

	Direction Direction `json:"direction" db:"direction"`

	From string `json:"from" db:"from_number"`
	To   string `json:"to" db:"to_number"`

	Status CallStatus `json:"status" db:"status"`

	// ProviderStatus keeps the provider-native vocabulary, which is richer than
	// the platform enum. Status reads prefer it when present.
	ProviderStatus string `json:"provider_status,omitempty" db:"provider_status"`

	// PrimaryLegSID is the provider SID of the leg created at initiation.
	// SecondaryLegSID is bound later, when the contact leg first reports in.
	PrimaryLegSID   string `json:"primary_leg_sid" db:"primary_leg_sid"`
	SecondaryLegSID string `json:"secondary_leg_sid,omitempty" db:"secondary_leg_sid"`

	StartTime       time.Time  `json:"start_time" db:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty" db:"end_time"`
	DurationSeconds int        `json:"duration" db:"duration"`

	RecordingURL string `json:"recording_url,omitempty" db:"recording_url"`
	RecordingSID string `json:"recording_sid,omitempty" db:"recording_sid"`

	TranscriptionStatus string `json:"transcription_status,omitempty" db:"transcription_status"`

	// WebhookLastReceivedAt is the liveness signal: stamped on every accepted
	// webhook write, whether or not the platform status changed.
	WebhookLastReceivedAt *time.Time `json:"webhook_last_received_at,omitempty" db:"webhook_last_received_at"`

	ContactAnsweredAt *time.Time `json:"contact_answered_at,omitempty" db:"contact_answered_at"`

	TimeoutDetectedAt *time.Time `json:"timeout_detected_at,omitempty" db:"timeout_detected_at"`
	FailureReason     string     `json:"failure_reason,omitempty" db:"failure_reason"`

	EndedBy string     `json:"ended_by,omitempty" db:"ended_by"`
	EndedAt *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsOpen reports whether the call is still live from the platform's view.
func (c CallRecord) IsOpen() bool {
	return !c.Status.IsTerminal() && c.EndTime == nil
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
	DirectionInternal Direction = "internal"
)

type CallStatus string

const (
	CallStatusInitiated        CallStatus = "initiated"
	CallStatusRinging          CallStatus = "ringing"
	CallStatusInProgress       CallStatus = "in_progress"
	CallStatusContactConnected CallStatus = "contact_connected"
	CallStatusCompleted        CallStatus = "completed"
	CallStatusBusy             CallStatus = "busy"
	CallStatusNoAnswer         CallStatus = "no_answer"
	CallStatusFailed           CallStatus = "failed"
	CallStatusCanceled         CallStatus = "canceled"
)

// progressionIndex orders non-terminal statuses by call progress. A webhook
// carrying a lower index than the recorded status is stale and must be rejected.
var progressionIndex = map[CallStatus]int{
	CallStatusInitiated:        0,
	CallStatusRinging:          1,
	CallStatusInProgress:       2,
	CallStatusContactConnected: 3,
	CallStatusCompleted:        4,
	CallStatusBusy:             4,
	CallStatusNoAnswer:         4,
	CallStatusFailed:           4,
	CallStatusCanceled:         4,
}

func (s CallStatus) ProgressionIndex() int {
	if i, ok := progressionIndex[s]; ok {
		return i
	}
	return -1
}

func (s CallStatus) IsTerminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusBusy, CallStatusNoAnswer, CallStatusFailed, CallStatusCanceled:
		return true
	default:
		return false
	}
}

// StatusEvent is a normalized provider status webhook. It is transient: parsed
// at the ingestion boundary, consumed by the reconciler, never persisted.
type StatusEvent struct {
	Provider string `json:"provider"`

	LegSID         string `json:"leg_sid"`
	ProviderStatus string `json:"provider_status"`

	From string `json:"from"`
	To   string `json:"to"`

	// DurationRaw is the provider-reported duration string, if any. Providers
	// occasionally send garbage here; a non-numeric value counts as absent.
	DurationRaw string `json:"duration_raw,omitempty"`

	RecordingURL string `json:"recording_url,omitempty"`
	RecordingSID string `json:"recording_sid,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
}

// DurationSeconds parses the raw duration field. ok is false when the field is
// missing or not an integer.
func (e StatusEvent) DurationSeconds() (int, bool) {
	v := strings.TrimSpace(e.DurationRaw)
	if v == "" {
		return 0, false
	}
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

// NormalizeNumber strips everything but digits so stored and webhook-provided
// numbers compare equal regardless of formatting ("+1 (555) 123-4567" vs "15551234567").
func NormalizeNumber(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SameNumber compares two phone numbers after normalization.
// Empty numbers never match.
func SameNumber(a, b string) bool {
	na, nb := NormalizeNumber(a), NormalizeNumber(b)
	return na != "" && na == nb
}
