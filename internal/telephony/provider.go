package telephony

import (
	"context"
	"errors"
	"fmt"
)

// ErrProviderUnreachable marks a failed provider API call. End-call treats it
// as non-fatal: the local record is still finalized and the failure is logged.
var ErrProviderUnreachable = errors.New("telephony: provider unreachable")

// Provider is the provider-agnostic surface the call lifecycle needs.
//
// Rules:
// - No provider SDK calls outside telephony adapters.
// - Status events flow back through webhooks, never through polling the SDK.
type Provider interface {
	Name() string

	// PlaceCall starts the agent leg of an outbound call and returns the
	// provider-assigned leg SID.
	PlaceCall(ctx context.Context, req PlaceCallRequest) (string, error)

	// Hangup ends a leg at the provider. Best-effort by contract.
	Hangup(ctx context.Context, legSID string) error
}

// UnconfiguredProvider stands in when no provider credentials are set. Reads
// and webhooks still work; placements and hangups fail loudly.
type UnconfiguredProvider struct{}

func (UnconfiguredProvider) Name() string { return "none" }

func (UnconfiguredProvider) PlaceCall(ctx context.Context, req PlaceCallRequest) (string, error) {
	return "", fmt.Errorf("%w: no provider configured", ErrProviderUnreachable)
}

func (UnconfiguredProvider) Hangup(ctx context.Context, legSID string) error {
	return fmt.Errorf("%w: no provider configured", ErrProviderUnreachable)
}

// PlaceCallRequest carries everything the provider needs to create the
// primary leg. AnswerURL serves TwiML when the agent picks up;
// StatusCallbackURL receives leg status events.
type PlaceCallRequest struct {
	From string
	To   string

	AnswerURL         string
	StatusCallbackURL string
}
