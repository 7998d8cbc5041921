package telephony

import (
	"strings"
	"testing"
)

func TestRenderDial(t *testing.T) {
	xml, err := RenderDial("+15550002222", "+15550001111")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(xml, "<Dial") {
		t.Fatalf("expected Dial verb in xml: %s", xml)
	}
	if !strings.Contains(xml, "+15550002222") {
		t.Fatalf("expected contact number in xml: %s", xml)
	}
	if !strings.Contains(xml, `callerId="+15550001111"`) {
		t.Fatalf("expected callerId attribute in xml: %s", xml)
	}
}

func TestRenderDialRequiresNumber(t *testing.T) {
	if _, err := RenderDial("  ", ""); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRenderHangup(t *testing.T) {
	xml, err := RenderHangup()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !strings.Contains(xml, "<Hangup") {
		t.Fatalf("expected Hangup verb in xml: %s", xml)
	}
}
