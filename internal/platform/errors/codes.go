// Package errors provides structured error handling for the server.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Authentication errors
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodeInvalidCredentials Code = "INVALID_CREDENTIALS"
	CodeAccountDisabled    Code = "ACCOUNT_DISABLED"
	CodeStaleCredential    Code = "STALE_CREDENTIAL"

	// Authorization errors
	CodePermissionDenied Code = "PERMISSION_DENIED"
	CodeNotMember        Code = "NOT_A_MEMBER"

	// Validation errors
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeInvalidUsername   Code = "INVALID_USERNAME"
	CodeWeakPassword      Code = "WEAK_PASSWORD"
	CodeInvalidRole       Code = "INVALID_ROLE"
	CodeInvalidPermission Code = "INVALID_PERMISSION"
	CodeInvalidDimensions Code = "INVALID_DIMENSIONS"
	CodeInvalidLayer      Code = "INVALID_LAYER"

	// Not-found errors
	CodeNotFound Code = "NOT_FOUND"

	// Conflict errors
	CodeUsernameTaken     Code = "USERNAME_TAKEN"
	CodeEmailTaken        Code = "EMAIL_TAKEN"
	CodeNameConflict      Code = "NAME_CONFLICT"
	CodeVersionConflict   Code = "VERSION_CONFLICT"
	CodeOwnerProtected    Code = "OWNER_PROTECTED"
	CodeInviteExhausted   Code = "INVITE_EXHAUSTED"
	CodeInviteExpired     Code = "INVITE_EXPIRED"
	CodeInviteRevoked     Code = "INVITE_REVOKED"
	CodeAlreadyMember     Code = "ALREADY_A_MEMBER"
	CodeConfirmationNeeds Code = "CONFIRMATION_REQUIRED"

	// Rate limiting
	CodeRateLimited Code = "RATE_LIMITED"

	// Transient errors
	CodeUnavailable Code = "UNAVAILABLE"

	// Fatal startup errors
	CodeMigrationFailed Code = "MIGRATION_FAILED"
)

// HTTPStatus maps domain codes to HTTP status codes for the REST surface.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeUnauthenticated, CodeInvalidCredentials, CodeAccountDisabled, CodeStaleCredential:
		return http.StatusUnauthorized

	case CodePermissionDenied, CodeNotMember:
		return http.StatusForbidden

	case CodeInvalidArgument,
		CodeInvalidUsername,
		CodeWeakPassword,
		CodeInvalidRole,
		CodeInvalidPermission,
		CodeInvalidDimensions,
		CodeInvalidLayer,
		CodeConfirmationNeeds:
		return http.StatusBadRequest

	case CodeNotFound:
		return http.StatusNotFound

	case CodeInviteExhausted, CodeInviteExpired, CodeInviteRevoked:
		return http.StatusGone

	case CodeUsernameTaken,
		CodeEmailTaken,
		CodeNameConflict,
		CodeVersionConflict,
		CodeOwnerProtected,
		CodeAlreadyMember:
		return http.StatusConflict

	case CodeRateLimited:
		return http.StatusTooManyRequests

	case CodeUnavailable:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// Kind maps domain codes to the coarse error kinds carried in realtime
// error frames.
func (c Code) Kind() string {
	switch c {
	case CodeUnauthenticated, CodeInvalidCredentials, CodeAccountDisabled, CodeStaleCredential:
		return "authentication"
	case CodePermissionDenied, CodeNotMember:
		return "authorization"
	case CodeInvalidArgument, CodeInvalidUsername, CodeWeakPassword, CodeInvalidRole,
		CodeInvalidPermission, CodeInvalidDimensions, CodeInvalidLayer, CodeConfirmationNeeds:
		return "validation"
	case CodeNotFound:
		return "not_found"
	case CodeUsernameTaken, CodeEmailTaken, CodeNameConflict, CodeVersionConflict,
		CodeOwnerProtected, CodeInviteExhausted, CodeInviteExpired, CodeInviteRevoked,
		CodeAlreadyMember:
		return "conflict"
	case CodeRateLimited:
		return "rate_limited"
	case CodeUnavailable:
		return "transient"
	default:
		return "internal"
	}
}
