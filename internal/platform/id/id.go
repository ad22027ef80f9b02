// Package id generates the identifiers used across the server: UUIDs for
// records, short human-typable session codes, and opaque invite codes.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// codeAlphabet excludes visually ambiguous characters (0, O, 1, I, L) so a
// session code can be read aloud at the table without confusion.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	// SessionCodeLength is the generated length of a session code. Codes of
	// 6 to 8 characters are accepted on input.
	SessionCodeLength = 6

	inviteCodeBytes = 16
)

// New returns a fresh UUID string for entity, character, and invite records.
func New() string {
	return uuid.NewString()
}

// SessionCode generates a short session code from the unambiguous alphabet.
// Random bytes are drawn with rejection sampling so every character is
// equally likely.
func SessionCode() string {
	// Bytes at or above the largest multiple of the alphabet size would
	// skew the low characters; reject and redraw them.
	const limit = 256 - 256%len(codeAlphabet)
	out := make([]byte, 0, SessionCodeLength)
	buf := make([]byte, SessionCodeLength)
	for len(out) < SessionCodeLength {
		if _, err := rand.Read(buf); err != nil {
			// crypto/rand failure means the process cannot mint credentials
			// or codes safely at all.
			panic(fmt.Sprintf("generate session code: %v", err))
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == SessionCodeLength {
				break
			}
		}
	}
	return string(out)
}

// NormalizeSessionCode upper-cases and trims a client-supplied session code.
// Codes are case-insensitive on input.
func NormalizeSessionCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidSessionCode reports whether code has the expected length and alphabet.
func ValidSessionCode(code string) bool {
	if len(code) < 6 || len(code) > 8 {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !strings.ContainsRune(codeAlphabet, rune(code[i])) {
			return false
		}
	}
	return true
}

// InviteCode generates an opaque invite code.
func InviteCode() string {
	buf := make([]byte, inviteCodeBytes)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("generate invite code: %v", err))
	}
	return hex.EncodeToString(buf)
}
