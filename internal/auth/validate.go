package auth

import (
	"regexp"
	"unicode"

	apperrors "github.com/wyrmtable/wyrmtable/internal/platform/errors"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{4,50}$`)

// ValidateUsername enforces the registration username rules: 4 to 50
// characters from [A-Za-z0-9_].
func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return apperrors.New(apperrors.CodeInvalidUsername,
			"username must be 4-50 characters of letters, digits, or underscore")
	}
	return nil
}

// ValidatePassword enforces the password rules: at least 8 characters with
// an upper-case letter, a lower-case letter, and a digit.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return apperrors.New(apperrors.CodeWeakPassword, "password must be at least 8 characters")
	}
	var hasUpper, hasLower, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit {
		return apperrors.New(apperrors.CodeWeakPassword,
			"password must include upper-case, lower-case, and digit characters")
	}
	return nil
}
