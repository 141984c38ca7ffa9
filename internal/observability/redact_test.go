package observability

import (
	"errors"
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
	if strings.Contains(out, "9876") {
		t.Fatalf("phone digits leaked: %q", out)
	}
}

func TestRedactPIINoop(t *testing.T) {
	out, changed := RedactPII("backend handshake rejected")
	if changed || out != "backend handshake rejected" {
		t.Fatalf("RedactPII() = %q, %v", out, changed)
	}
}

func TestRedactError(t *testing.T) {
	if RedactError(nil) != nil {
		t.Fatalf("RedactError(nil) != nil")
	}
	plain := errors.New("timeout")
	if got := RedactError(plain); got != plain {
		t.Fatalf("expected untouched error, got %v", got)
	}
	got := RedactError(errors.New("invalid To number +15551239876"))
	if strings.Contains(got.Error(), "5551239876") {
		t.Fatalf("RedactError() leaked number: %v", got)
	}
}

func TestMaskPhone(t *testing.T) {
	tests := map[string]string{
		"+1 (555) 123-9876": "*******9876",
		"123":               "***",
		"":                  "",
		"anonymous":         "",
	}
	for in, want := range tests {
		if got := MaskPhone(in); got != want {
			t.Fatalf("MaskPhone(%q) = %q, want %q", in, got, want)
		}
	}
}
