package telephony

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"callcenter-platform/internal/calls"
)

// ErrMalformedWebhook means the payload is missing fields we cannot work
// without. The handler answers 4xx; there is nothing to retry.
var ErrMalformedWebhook = errors.New("telephony: malformed webhook")

// ParseStatusCallback normalizes a provider voice status callback into a
// StatusEvent. Providers send application/x-www-form-urlencoded; Twilio and
// SignalWire share field names, Telnyx's gateway shape uses snake_case, so
// each field is read with a fallback key.
//
// Required: leg SID and both phone numbers. Everything else is optional.
func ParseStatusCallback(provider string, r *http.Request, now time.Time) (calls.StatusEvent, error) {
	if err := r.ParseForm(); err != nil {
		return calls.StatusEvent{}, ErrMalformedWebhook
	}

	ev := calls.StatusEvent{
		Provider:       provider,
		LegSID:         formValue(r, "CallSid", "call_sid", "call_control_id"),
		ProviderStatus: formValue(r, "CallStatus", "call_status", "event_type"),
		From:           strings.TrimSpace(formValue(r, "From", "from")),
		To:             strings.TrimSpace(formValue(r, "To", "to")),
		DurationRaw:    formValue(r, "CallDuration", "call_duration"),
		RecordingURL:   formValue(r, "RecordingUrl", "recording_url"),
		RecordingSID:   formValue(r, "RecordingSid", "recording_sid"),
		ReceivedAt:     now.UTC(),
	}

	if ev.LegSID == "" || ev.From == "" || ev.To == "" {
		return calls.StatusEvent{}, ErrMalformedWebhook
	}
	return ev, nil
}

func formValue(r *http.Request, keys ...string) string {
	for _, k := range keys {
		if v := r.PostFormValue(k); v != "" {
			return v
		}
	}
	return ""
}
