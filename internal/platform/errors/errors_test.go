package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := New(CodeNotFound, "table missing")
	if !errors.Is(err, New(CodeNotFound, "anything")) {
		t.Fatalf("expected code match for %s", CodeNotFound)
	}
	if errors.Is(err, New(CodeVersionConflict, "anything")) {
		t.Fatalf("unexpected code match between %s and %s", CodeNotFound, CodeVersionConflict)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(CodeUnavailable, "flush failed", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be found")
	}

	wrapped := fmt.Errorf("session loop: %w", err)
	if CodeOf(wrapped) != CodeUnavailable {
		t.Fatalf("code = %s, want %s", CodeOf(wrapped), CodeUnavailable)
	}
}

func TestCodeOfUnknown(t *testing.T) {
	if CodeOf(errors.New("plain")) != CodeUnknown {
		t.Fatalf("expected %s for plain error", CodeUnknown)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		code Code
		want int
	}{
		{CodeUnauthenticated, http.StatusUnauthorized},
		{CodeInvalidCredentials, http.StatusUnauthorized},
		{CodePermissionDenied, http.StatusForbidden},
		{CodeWeakPassword, http.StatusBadRequest},
		{CodeNotFound, http.StatusNotFound},
		{CodeInviteExhausted, http.StatusGone},
		{CodeVersionConflict, http.StatusConflict},
		{CodeUsernameTaken, http.StatusConflict},
		{CodeRateLimited, http.StatusTooManyRequests},
		{CodeUnavailable, http.StatusServiceUnavailable},
		{CodeUnknown, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := tc.code.HTTPStatus(); got != tc.want {
			t.Fatalf("%s status = %d, want %d", tc.code, got, tc.want)
		}
	}
}

func TestKindMapping(t *testing.T) {
	cases := []struct {
		code Code
		want string
	}{
		{CodeStaleCredential, "authentication"},
		{CodeNotMember, "authorization"},
		{CodeInvalidDimensions, "validation"},
		{CodeNotFound, "not_found"},
		{CodeInviteExpired, "conflict"},
		{CodeRateLimited, "rate_limited"},
		{CodeUnavailable, "transient"},
	}
	for _, tc := range cases {
		if got := tc.code.Kind(); got != tc.want {
			t.Fatalf("%s kind = %q, want %q", tc.code, got, tc.want)
		}
	}
}
