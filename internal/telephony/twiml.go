package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"strings"
)

// TwiML is a minimal Twilio Markup Language response builder.
// It intentionally avoids any provider SDK dependency for rendering.
//
// Only include primitives needed at the adapter boundary: the answer webhook
// bridges the agent leg to the contact number with <Dial>, everything else is
// a hangup or reject.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlReject struct {
	XMLName xml.Name `xml:"Reject"`
	Reason  string   `xml:"reason,attr,omitempty"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlDial struct {
	XMLName  xml.Name `xml:"Dial"`
	CallerID string   `xml:"callerId,attr,omitempty"`
	Number   string   `xml:"Number,omitempty"`
}

// RenderDial bridges the answered agent leg to the contact number. The
// provider creates a second leg with its own SID for this dial; that leg's
// status events come back through the status callback and attach to the same
// call record as the secondary leg.
func RenderDial(contactNumber, callerID string) (string, error) {
	if strings.TrimSpace(contactNumber) == "" {
		return "", errors.New("telephony: contact number required for dial")
	}
	return renderTwiML(twimlDial{Number: contactNumber, CallerID: callerID})
}

// RenderHangup terminates the leg immediately.
func RenderHangup() (string, error) {
	return renderTwiML(twimlHangup{})
}

// RenderReject refuses the call without answering it.
func RenderReject() (string, error) {
	return renderTwiML(twimlReject{Reason: "rejected"})
}

func renderTwiML(verbs ...any) (string, error) {
	r := twimlResponse{Verbs: verbs}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
