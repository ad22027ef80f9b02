package id

import (
	"strings"
	"testing"
)

func TestSessionCodeShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		code := SessionCode()
		if len(code) != SessionCodeLength {
			t.Fatalf("code length = %d, want %d", len(code), SessionCodeLength)
		}
		if !ValidSessionCode(code) {
			t.Fatalf("generated code %q fails validation", code)
		}
		for _, ambiguous := range "0O1IL" {
			if strings.ContainsRune(code, ambiguous) {
				t.Fatalf("code %q contains ambiguous character %q", code, ambiguous)
			}
		}
		seen[code] = true
	}
	if len(seen) < 90 {
		t.Fatalf("expected mostly distinct codes, got %d distinct of 100", len(seen))
	}
}

func TestSessionCodeCoversAlphabet(t *testing.T) {
	// Over 1000 codes every alphabet character should surface; a sampling
	// scheme that skews or drops part of the alphabet fails here.
	counts := map[rune]int{}
	for i := 0; i < 1000; i++ {
		for _, r := range SessionCode() {
			counts[r]++
		}
	}
	for _, r := range codeAlphabet {
		if counts[r] == 0 {
			t.Fatalf("character %q never generated in 1000 codes", r)
		}
	}
	if len(counts) != len(codeAlphabet) {
		t.Fatalf("distinct characters = %d, want %d", len(counts), len(codeAlphabet))
	}
}

func TestNormalizeSessionCode(t *testing.T) {
	if got := NormalizeSessionCode("  abc234 "); got != "ABC234" {
		t.Fatalf("normalized = %q, want %q", got, "ABC234")
	}
}

func TestValidSessionCode(t *testing.T) {
	cases := []struct {
		code string
		want bool
	}{
		{"ABC234", true},
		{"ABCD2345", true},
		{"ABC23", false},     // too short
		{"ABC234567", false}, // too long
		{"ABC10X", false},    // ambiguous characters
		{"abc234", false},    // lower case is normalized before validation
	}
	for _, tc := range cases {
		if got := ValidSessionCode(tc.code); got != tc.want {
			t.Fatalf("ValidSessionCode(%q) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestInviteCodeDistinct(t *testing.T) {
	a, b := InviteCode(), InviteCode()
	if a == b {
		t.Fatalf("invite codes collided: %q", a)
	}
	if len(a) != 32 {
		t.Fatalf("invite code length = %d, want 32", len(a))
	}
}

func TestNewIsUUID(t *testing.T) {
	value := New()
	if len(value) != 36 || strings.Count(value, "-") != 4 {
		t.Fatalf("unexpected uuid shape: %q", value)
	}
}
