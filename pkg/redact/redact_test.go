package redact

import (
	"strings"
	"testing"
)

func TestRedactDisabled(t *testing.T) {
	SetEnabled(false)
	in := "email a@b.com and phone +1 212 555 0100"
	if got := Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
}

func TestRedactEnabled(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	in := "email a@b.com and phone +1 212 555 0100 at 40.7128, -74.0060"
	got := Text(in)
	if got == in {
		t.Fatalf("expected redaction")
	}
	for _, want := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_LOCATION]"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in output %q", want, got)
		}
	}
}

func TestRedactArgsCopies(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	in := map[string]any{"latitude": 40.7128, "contact_type": "primary", "note": "call a@b.com"}
	got := Args(in)
	if got["latitude"] != "[REDACTED]" {
		t.Fatalf("expected latitude masked, got %v", got["latitude"])
	}
	if got["contact_type"] != "primary" {
		t.Fatalf("expected contact_type kept, got %v", got["contact_type"])
	}
	if got["note"] != "call [REDACTED_EMAIL]" {
		t.Fatalf("expected note redacted, got %v", got["note"])
	}
	if in["latitude"] != 40.7128 {
		t.Fatalf("input must not be modified")
	}
}
