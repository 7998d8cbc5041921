package calls

import "strings"

// Provider identifiers accepted on webhook routes.
const (
	ProviderTwilio     = "twilio"
	ProviderSignalWire = "signalwire"
	ProviderTelnyx     = "telnyx"
)

// twilioStatusMap covers the Twilio voice status vocabulary. SignalWire is
// wire-compatible and shares the table.
var twilioStatusMap = map[string]CallStatus{
	"queued":      CallStatusInitiated,
	"initiated":   CallStatusInitiated,
	"ringing":     CallStatusRinging,
	"answered":    CallStatusInProgress,
	"in-progress": CallStatusInProgress,
	"completed":   CallStatusCompleted,
	"busy":        CallStatusBusy,
	"no-answer":   CallStatusNoAnswer,
	"failed":      CallStatusFailed,
	"canceled":    CallStatusCanceled,
}

// telnyxStatusMap covers the Telnyx call event vocabulary.
var telnyxStatusMap = map[string]CallStatus{
	"call.initiated": CallStatusInitiated,
	"call.ringing":   CallStatusRinging,
	"call.answered":  CallStatusInProgress,
	"call.bridged":   CallStatusInProgress,
	"call.hangup":    CallStatusCompleted,
	"call.busy":      CallStatusBusy,
	"call.no_answer": CallStatusNoAnswer,
	"call.failed":    CallStatusFailed,
	"call.canceled":  CallStatusCanceled,
}

// MapProviderStatus converts a provider-native status string to the platform
// enum. Unmapped values map to failed rather than passing through; a vocabulary
// we do not understand must never look like progress.
func MapProviderStatus(provider, native string) CallStatus {
	native = strings.ToLower(strings.TrimSpace(native))
	var table map[string]CallStatus
	switch provider {
	case ProviderTelnyx:
		table = telnyxStatusMap
	default:
		table = twilioStatusMap
	}
	if s, ok := table[native]; ok {
		return s
	}
	return CallStatusFailed
}

// IsAnswerClass reports whether a provider-native status indicates the leg was
// answered. A secondary leg reporting any of these forces contact_connected.
func IsAnswerClass(provider, native string) bool {
	return MapProviderStatus(provider, native) == CallStatusInProgress
}

// KnownProvider reports whether the webhook route segment names a provider we
// accept events from.
func KnownProvider(p string) bool {
	switch p {
	case ProviderTwilio, ProviderSignalWire, ProviderTelnyx:
		return true
	default:
		return false
	}
}
