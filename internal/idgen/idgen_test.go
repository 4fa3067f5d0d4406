package idgen

import (
	"strings"
	"testing"
	"time"
)

func TestNewID_ProducesDistinctUUIDs(t *testing.T) {
	a, b := NewID(), NewID()
	if a == b {
		t.Fatal("expected distinct IDs")
	}
	if len(a) != 36 {
		t.Errorf("expected a UUID-shaped string, got %q", a)
	}
}

func TestNewTicketToken_HasPrefixAndIsURLSafe(t *testing.T) {
	tok := NewTicketToken()
	if !strings.HasPrefix(tok, "tok-") {
		t.Fatalf("expected tok- prefix, got %q", tok)
	}
	body := strings.TrimPrefix(tok, "tok-")
	if len(body) != tokenLength {
		t.Errorf("expected token body of length %d, got %d (%q)", tokenLength, len(body), body)
	}
	for _, r := range body {
		if !strings.ContainsRune(tokenAlphabet, r) {
			t.Fatalf("token contains a character outside the URL-safe alphabet: %q", body)
		}
	}
}

func TestNewTicketToken_ProducesDistinctTokens(t *testing.T) {
	if NewTicketToken() == NewTicketToken() {
		t.Fatal("expected distinct tokens across calls")
	}
}

func TestFormatTicketNo(t *testing.T) {
	day := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := FormatTicketNo(day, 1); got != "T-20250101-001" {
		t.Errorf("expected T-20250101-001, got %q", got)
	}
	if got := FormatTicketNo(day, 42); got != "T-20250101-042" {
		t.Errorf("expected T-20250101-042, got %q", got)
	}
}
