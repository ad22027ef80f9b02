// Package audit defines the append-only audit vocabulary and the sink
// contract. Every security-relevant event writes one entry, and the write
// must complete before the operation's response is sent.
package audit

import (
	"encoding/json"
	"time"
)

// EventType enumerates the security-relevant events the server records.
type EventType string

const (
	EventRegistration      EventType = "registration"
	EventLogin             EventType = "login"
	EventLoginFailed       EventType = "login_failed"
	EventPasswordChanged   EventType = "password_changed"
	EventPasswordReset     EventType = "password_reset"
	EventEmailChanged      EventType = "email_changed"
	EventSessionCreated    EventType = "session_created"
	EventSessionDeleted    EventType = "session_deleted"
	EventSessionSettings   EventType = "session_settings_updated"
	EventSessionJoined     EventType = "session_joined"
	EventRoleChanged       EventType = "role_changed"
	EventPlayerKicked      EventType = "player_kicked"
	EventPlayerBanned      EventType = "player_banned"
	EventInviteCreated     EventType = "invitation_created"
	EventInviteAccepted    EventType = "invitation_accepted"
	EventInviteRevoked     EventType = "invitation_revoked"
	EventPermissionGranted EventType = "permission_granted"
	EventPermissionRevoked EventType = "permission_revoked"
	EventPermissionDenied  EventType = "permission_denied"
	EventSlowConsumer      EventType = "slow_consumer"
	EventDemoAccess        EventType = "demo_access"
)

// Entry is one append-only audit record.
type Entry struct {
	EventType   EventType
	SessionCode string
	ActorID     string
	TargetID    string
	IP          string
	UserAgent   string
	Details     json.RawMessage
	CreatedAt   time.Time
}

// Details marshals a detail map for an entry, typically carrying old/new
// values for diffs. Marshal failures degrade to an empty object rather than
// blocking the audited operation on its own metadata.
func Details(values map[string]any) json.RawMessage {
	if len(values) == 0 {
		return json.RawMessage(`{}`)
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

// Filter narrows audit queries.
type Filter struct {
	EventType EventType
	UserID    string
	Limit     int
	Offset    int
}
