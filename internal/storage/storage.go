// Package storage defines the persistence records and store contracts for
// the server. The database is addressed only through this enumerated set of
// typed operations; batched mutations are applied in a single transaction.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wyrmtable/wyrmtable/internal/game/audit"
	"github.com/wyrmtable/wyrmtable/internal/game/permission"
	apperrors "github.com/wyrmtable/wyrmtable/internal/platform/errors"
)

// ErrNotFound indicates a requested persistence record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// UserRecord is a stored user identity.
type UserRecord struct {
	ID             string
	Username       string
	Email          string // empty means none; uniqueness enforced only when set
	PasswordHash   string // empty for federated identities
	IsVerified     bool
	FederatedID    string // empty means none; unique when set
	Disabled       bool
	SessionVersion int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// VerificationKind distinguishes the single-use token flows.
type VerificationKind string

const (
	VerifyEmail   VerificationKind = "email_verify"
	ResetPassword VerificationKind = "password_reset"
	ChangeEmail   VerificationKind = "email_change"
)

// VerificationRecord is a stored single-use token. Only the SHA-256 hash of
// the token is persisted, never the raw value.
type VerificationRecord struct {
	ID        string
	UserID    string
	Kind      VerificationKind
	TokenHash string
	NewEmail  string // pending address for email changes
	ExpiresAt time.Time
	Used      bool
	CreatedAt time.Time
}

// SessionRecord is a stored game session.
type SessionRecord struct {
	Code      string
	Name      string
	OwnerID   string
	Active    bool
	Demo      bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PlayerRecord is the membership edge between a session and a user.
type PlayerRecord struct {
	SessionCode   string
	UserID        string
	Role          permission.Role
	Banned        bool
	ActiveTableID string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Membership pairs a session with the caller's role in it.
type Membership struct {
	Session SessionRecord
	Role    permission.Role
}

// GrantRecord is a custom per-user permission overlaying the role set.
type GrantRecord struct {
	ID          string
	SessionCode string
	UserID      string
	Permission  permission.Permission
	GrantedBy   string
	Active      bool
	CreatedAt   time.Time
}

// InviteRecord is a limited-use invitation into a session.
type InviteRecord struct {
	ID          string
	Code        string
	SessionCode string
	Role        permission.Role
	CreatedBy   string
	ExpiresAt   *time.Time
	MaxUses     int
	Uses        int
	Active      bool
	CreatedAt   time.Time
}

// Valid reports whether the invitation can still be accepted: active, not
// expired, and not exhausted.
func (r InviteRecord) Valid(now time.Time) bool {
	if !r.Active {
		return false
	}
	if r.ExpiresAt != nil && !now.Before(*r.ExpiresAt) {
		return false
	}
	return r.Uses < r.MaxUses
}

// TableRecord is a stored table. Layer visibility and fog rectangles are
// stored as JSON blobs and decoded at the engine boundary.
type TableRecord struct {
	ID          string
	SessionCode string
	Name        string
	Width       int
	Height      int
	PosX        float64
	PosY        float64
	ScaleX      float64
	ScaleY      float64
	LayersJSON  json.RawMessage
	FogJSON     json.RawMessage
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// EntityRecord is a stored entity.
type EntityRecord struct {
	ID              string
	TableID         string
	Num             int64
	Name            string
	X               int
	Y               int
	Layer           string
	Kind            string
	Texture         string
	ScaleX          float64
	ScaleY          float64
	Rotation        float64
	ObstacleKind    string
	ObstacleJSON    json.RawMessage
	ExtrasJSON      json.RawMessage
	StatsJSON       json.RawMessage // nil when the entity carries no stats
	CharacterID     string
	ControllersJSON json.RawMessage
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CharacterRecord is a stored character sheet.
type CharacterRecord struct {
	ID             string
	SessionCode    string
	Name           string
	DataJSON       json.RawMessage
	OwnerID        string
	Version        int64
	LastModifiedBy string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AuditRecord is one stored audit entry.
type AuditRecord struct {
	ID          int64
	EventType   audit.EventType
	SessionCode string
	ActorID     string
	TargetID    string
	IP          string
	UserAgent   string
	DetailsJSON json.RawMessage
	CreatedAt   time.Time
}

// UserStore owns identity records.
type UserStore interface {
	CreateUser(ctx context.Context, u UserRecord) error
	GetUserByID(ctx context.Context, id string) (UserRecord, error)
	GetUserByUsername(ctx context.Context, username string) (UserRecord, error)
	GetUserByEmail(ctx context.Context, email string) (UserRecord, error)
	GetUserByFederatedID(ctx context.Context, federatedID string) (UserRecord, error)
	UpdateUser(ctx context.Context, u UserRecord) error
}

// VerificationStore owns single-use token records.
type VerificationStore interface {
	PutVerification(ctx context.Context, v VerificationRecord) error
	GetVerification(ctx context.Context, kind VerificationKind, tokenHash string) (VerificationRecord, error)
	MarkVerificationUsed(ctx context.Context, id string) error
}

// SessionStore owns game session records.
type SessionStore interface {
	PutSession(ctx context.Context, s SessionRecord) error
	GetSession(ctx context.Context, code string) (SessionRecord, error)
	// DeleteSession removes a session and cascades to its players, tables,
	// entities, characters, invitations, and grants.
	DeleteSession(ctx context.Context, code string) error
	ListMemberships(ctx context.Context, userID string) ([]Membership, error)
}

// PlayerStore owns membership edges.
type PlayerStore interface {
	PutPlayer(ctx context.Context, p PlayerRecord) error
	GetPlayer(ctx context.Context, sessionCode, userID string) (PlayerRecord, error)
	DeletePlayer(ctx context.Context, sessionCode, userID string) error
	ListPlayers(ctx context.Context, sessionCode string) ([]PlayerRecord, error)
}

// GrantStore owns custom permission grants.
type GrantStore interface {
	PutGrant(ctx context.Context, g GrantRecord) error
	ListActiveGrants(ctx context.Context, sessionCode, userID string) ([]GrantRecord, error)
	DeactivateGrant(ctx context.Context, sessionCode, userID string, perm permission.Permission) error
}

// InviteStore owns invitation lifecycle records.
type InviteStore interface {
	PutInvite(ctx context.Context, inv InviteRecord) error
	GetInviteByCode(ctx context.Context, code string) (InviteRecord, error)
	GetInviteByID(ctx context.Context, id string) (InviteRecord, error)
	ListInvites(ctx context.Context, sessionCode string) ([]InviteRecord, error)
	// ConsumeInvite atomically increments the use count of a still-valid
	// invitation. It reports false when the invitation was not consumable
	// (inactive, expired, or exhausted).
	ConsumeInvite(ctx context.Context, id string, now time.Time) (bool, error)
	RevokeInvite(ctx context.Context, id string) error
}

// TableStore owns table records.
type TableStore interface {
	PutTable(ctx context.Context, t TableRecord) error
	DeleteTable(ctx context.Context, tableID string) error
	ListTables(ctx context.Context, sessionCode string) ([]TableRecord, error)
}

// EntityStore owns entity records.
type EntityStore interface {
	PutEntity(ctx context.Context, e EntityRecord) error
	DeleteEntity(ctx context.Context, entityID string) error
	// ListEntitiesBySession loads every entity of a session in one joined
	// query across its tables.
	ListEntitiesBySession(ctx context.Context, sessionCode string) ([]EntityRecord, error)
}

// CharacterStore owns character sheet records.
type CharacterStore interface {
	PutCharacter(ctx context.Context, c CharacterRecord) error
	GetCharacter(ctx context.Context, sessionCode, characterID string) (CharacterRecord, error)
	DeleteCharacter(ctx context.Context, sessionCode, characterID string) error
	ListCharacters(ctx context.Context, sessionCode string) ([]CharacterRecord, error)
}

// AuditStore owns the append-only audit log.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry AuditRecord) error
	QueryAudit(ctx context.Context, sessionCode string, filter audit.Filter) ([]AuditRecord, error)
}

// MutationKind enumerates the staged write-behind operations.
type MutationKind string

const (
	MutPutSession      MutationKind = "put_session"
	MutPutPlayer       MutationKind = "put_player"
	MutDeletePlayer    MutationKind = "delete_player"
	MutPutTable        MutationKind = "put_table"
	MutDeleteTable     MutationKind = "delete_table"
	MutPutEntity       MutationKind = "put_entity"
	MutDeleteEntity    MutationKind = "delete_entity"
	MutPutCharacter    MutationKind = "put_character"
	MutDeleteCharacter MutationKind = "delete_character"
	MutAppendAudit     MutationKind = "append_audit"
)

// Mutation is one staged write. Exactly the field matching Kind is set.
type Mutation struct {
	Kind MutationKind

	Session   *SessionRecord
	Player    *PlayerRecord
	PlayerKey *PlayerKey
	Table     *TableRecord
	TableID   string
	Entity    *EntityRecord
	EntityID  string
	Character *CharacterRecord
	CharKey   *CharacterKey
	Audit     *AuditRecord
}

// PlayerKey identifies a membership edge for deletion.
type PlayerKey struct {
	SessionCode string
	UserID      string
}

// CharacterKey identifies a character for deletion.
type CharacterKey struct {
	SessionCode string
	CharacterID string
}

// BatchStore applies a set of staged mutations in one transaction: either
// all commit or none.
type BatchStore interface {
	ApplyBatch(ctx context.Context, mutations []Mutation) error
}

// Store is the composite interface for all persistence concerns.
type Store interface {
	UserStore
	VerificationStore
	SessionStore
	PlayerStore
	GrantStore
	InviteStore
	TableStore
	EntityStore
	CharacterStore
	AuditStore
	BatchStore
	Close() error
}
