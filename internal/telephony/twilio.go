package telephony

import (
	"context"
	"errors"
	"fmt"

	"callcenter-platform/internal/config"

	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// TwilioProvider places and terminates call legs through the Twilio REST API.
type TwilioProvider struct {
	client *twilio.RestClient
}

func NewTwilioProvider(cfg config.TwilioConfig) (*TwilioProvider, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, errors.New("telephony: twilio credentials required")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioProvider{client: client}, nil
}

func (p *TwilioProvider) Name() string { return "twilio" }

func (p *TwilioProvider) PlaceCall(ctx context.Context, req PlaceCallRequest) (string, error) {
	if req.From == "" || req.To == "" {
		return "", errors.New("telephony: from and to required")
	}

	params := &twilioapi.CreateCallParams{}
	params.SetFrom(req.From)
	params.SetTo(req.To)
	params.SetUrl(req.AnswerURL)
	if req.StatusCallbackURL != "" {
		params.SetStatusCallback(req.StatusCallbackURL)
		params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	}

	resp, err := p.client.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}
	if resp.Sid == nil || *resp.Sid == "" {
		return "", fmt.Errorf("%w: no call sid returned", ErrProviderUnreachable)
	}
	return *resp.Sid, nil
}

// Hangup asks Twilio to complete the leg. Updating status to completed is the
// documented way to end an in-flight call.
func (p *TwilioProvider) Hangup(ctx context.Context, legSID string) error {
	if legSID == "" {
		return errors.New("telephony: leg sid required")
	}
	params := &twilioapi.UpdateCallParams{}
	params.SetStatus("completed")
	if _, err := p.client.Api.UpdateCall(legSID, params); err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnreachable, err)
	}
	return nil
}
