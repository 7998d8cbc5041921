package telephony

import (
	"crypto/subtle"
	"net/http"

	twclient "github.com/twilio/twilio-go/client"
)

const (
	twilioSignatureHeader = "X-Twilio-Signature"
	sharedSecretHeader    = "X-Webhook-Secret"
)

// SignatureValidator rejects spoofed webhook payloads before they reach the
// reconciler. Twilio (and wire-compatible SignalWire) requests carry an
// HMAC signature over the full URL + sorted form params; other providers are
// covered by a shared-secret header compared in constant time.
//
// With neither credential configured validation is disabled; config enforces
// that production always has one.
type SignatureValidator struct {
	twilio       *twclient.RequestValidator
	sharedSecret []byte

	// PublicBaseURL is the externally visible scheme+host the provider signed
	// against, which can differ from r.Host behind a proxy.
	PublicBaseURL string
}

func NewSignatureValidator(twilioAuthToken, sharedSecret, publicBaseURL string) *SignatureValidator {
	v := &SignatureValidator{PublicBaseURL: publicBaseURL, sharedSecret: []byte(sharedSecret)}
	if twilioAuthToken != "" {
		rv := twclient.NewRequestValidator(twilioAuthToken)
		v.twilio = &rv
	}
	return v
}

// Valid reports whether the request is authentic. The form must already be
// parsed (ParseStatusCallback does this).
func (v *SignatureValidator) Valid(r *http.Request) bool {
	if v.twilio == nil && len(v.sharedSecret) == 0 {
		return true
	}

	if sig := r.Header.Get(twilioSignatureHeader); sig != "" && v.twilio != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		return v.twilio.Validate(v.requestURL(r), params, sig)
	}

	if len(v.sharedSecret) > 0 {
		got := []byte(r.Header.Get(sharedSecretHeader))
		return subtle.ConstantTimeCompare(got, v.sharedSecret) == 1
	}

	return false
}

func (v *SignatureValidator) requestURL(r *http.Request) string {
	if v.PublicBaseURL != "" {
		return v.PublicBaseURL + r.URL.RequestURI()
	}
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
