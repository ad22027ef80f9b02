// Package permission defines the closed permission enumeration, the fixed
// role table, and the set algebra used for authorization decisions.
//
// Roles are built leaves-first: each stronger role embeds the permission set
// of the weaker one. The tables here are the single source of truth; custom
// per-user grants overlay them additively.
package permission

import (
	"sort"
	"strings"

	apperrors "github.com/wyrmtable/wyrmtable/internal/platform/errors"
)

// Permission is the atomic unit of authorization.
type Permission string

const (
	CreateTokens        Permission = "create_tokens"
	DeleteTokens        Permission = "delete_tokens"
	ModifyOwnTokens     Permission = "modify_own_tokens"
	ModifyAllTokens     Permission = "modify_all_tokens"
	ViewDMLayer         Permission = "view_dm_layer"
	ModifyDMLayer       Permission = "modify_dm_layer"
	ViewFogOfWar        Permission = "view_fog_of_war"
	ModifyFogOfWar      Permission = "modify_fog_of_war"
	UploadAssets        Permission = "upload_assets"
	DeleteAssets        Permission = "delete_assets"
	ManageAssets        Permission = "manage_assets"
	UseDrawingTools     Permission = "use_drawing_tools"
	UseMeasurementTools Permission = "use_measurement_tools"
	DeleteDrawings      Permission = "delete_drawings"
	ModifyTurnOrder     Permission = "modify_turn_order"
	RollDicePublic      Permission = "roll_dice_public"
	RollDicePrivate     Permission = "roll_dice_private"
	ViewPrivateRolls    Permission = "view_private_rolls"
	InvitePlayers       Permission = "invite_players"
	KickPlayers         Permission = "kick_players"
	BanPlayers          Permission = "ban_players"
	ChangeRoles         Permission = "change_roles"
	ModifySession       Permission = "modify_session"
	DeleteSession       Permission = "delete_session"
	CreateCharacters    Permission = "create_characters"
	EditOwnCharacters   Permission = "edit_own_characters"
	EditAllCharacters   Permission = "edit_all_characters"
	DeleteCharacters    Permission = "delete_characters"
)

// All lists every known permission in enumeration order.
var All = []Permission{
	CreateTokens, DeleteTokens, ModifyOwnTokens, ModifyAllTokens,
	ViewDMLayer, ModifyDMLayer, ViewFogOfWar, ModifyFogOfWar,
	UploadAssets, DeleteAssets, ManageAssets,
	UseDrawingTools, UseMeasurementTools, DeleteDrawings,
	ModifyTurnOrder, RollDicePublic, RollDicePrivate, ViewPrivateRolls,
	InvitePlayers, KickPlayers, BanPlayers, ChangeRoles,
	ModifySession, DeleteSession,
	CreateCharacters, EditOwnCharacters, EditAllCharacters, DeleteCharacters,
}

// Parse validates a permission string from the wire.
func Parse(value string) (Permission, error) {
	candidate := Permission(strings.TrimSpace(value))
	for _, known := range All {
		if candidate == known {
			return candidate, nil
		}
	}
	return "", apperrors.WithMetadata(apperrors.CodeInvalidPermission,
		"unknown permission", map[string]string{"permission": value})
}

// Role is a named bundle of permissions assigned per (user, session).
type Role string

const (
	RoleSpectator     Role = "spectator"
	RolePlayer        Role = "player"
	RoleTrustedPlayer Role = "trusted_player"
	RoleCoDM          Role = "co_dm"
	RoleOwner         Role = "owner"
)

// roleRank orders roles for comparative checks; higher is stronger.
var roleRank = map[Role]int{
	RoleSpectator:     0,
	RolePlayer:        1,
	RoleTrustedPlayer: 2,
	RoleCoDM:          3,
	RoleOwner:         4,
}

// ParseRole validates a role string from the wire.
func ParseRole(value string) (Role, error) {
	role := Role(strings.TrimSpace(value))
	if _, ok := roleRank[role]; !ok {
		return "", apperrors.WithMetadata(apperrors.CodeInvalidRole,
			"unknown role", map[string]string{"role": value})
	}
	return role, nil
}

// NormalizeStoredRole maps role labels found in storage to the current role
// set. Rows written before the role model was widened carry the legacy
// {dm, player} labels.
func NormalizeStoredRole(value string) (Role, error) {
	switch strings.TrimSpace(value) {
	case "dm":
		return RoleCoDM, nil
	default:
		return ParseRole(value)
	}
}

// AtLeast reports whether r is as strong as other in the role hierarchy.
func (r Role) AtLeast(other Role) bool {
	return roleRank[r] >= roleRank[other]
}

// Assignable reports whether a role may be pre-assigned through an
// invitation or role change. Ownership is never assigned this way.
func (r Role) Assignable() bool {
	_, known := roleRank[r]
	return known && r != RoleOwner
}

// Set is an unordered collection of permissions.
type Set map[Permission]struct{}

// NewSet builds a set from the given permissions.
func NewSet(perms ...Permission) Set {
	set := make(Set, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// Has reports membership.
func (s Set) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// Union returns a new set containing every permission from both sets.
func (s Set) Union(other Set) Set {
	merged := make(Set, len(s)+len(other))
	for p := range s {
		merged[p] = struct{}{}
	}
	for p := range other {
		merged[p] = struct{}{}
	}
	return merged
}

// Sorted returns the set's permissions in enumeration order for stable
// wire output.
func (s Set) Sorted() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// rolePermissions is the fixed role table, built leaves-first.
var rolePermissions = func() map[Role]Set {
	spectator := NewSet()

	player := spectator.Union(NewSet(
		ModifyOwnTokens,
		UseDrawingTools,
		UseMeasurementTools,
		RollDicePublic,
		RollDicePrivate,
		CreateCharacters,
		EditOwnCharacters,
	))

	trusted := player.Union(NewSet(
		UploadAssets,
		DeleteDrawings,
	))

	coDM := trusted.Union(NewSet(
		CreateTokens,
		DeleteTokens,
		ModifyAllTokens,
		ViewDMLayer,
		ModifyDMLayer,
		ViewFogOfWar,
		ModifyFogOfWar,
		DeleteAssets,
		ManageAssets,
		ModifyTurnOrder,
		ViewPrivateRolls,
		InvitePlayers,
		KickPlayers,
		EditAllCharacters,
	))

	owner := coDM.Union(NewSet(
		BanPlayers,
		ChangeRoles,
		ModifySession,
		DeleteSession,
		DeleteCharacters,
	))

	return map[Role]Set{
		RoleSpectator:     spectator,
		RolePlayer:        player,
		RoleTrustedPlayer: trusted,
		RoleCoDM:          coDM,
		RoleOwner:         owner,
	}
}()

// RolePermissions returns the fixed permission set for a role. The returned
// set is shared; callers must not mutate it.
func RolePermissions(role Role) Set {
	return rolePermissions[role]
}

// Effective computes a user's effective permission set: the role's fixed set
// plus any active custom grants.
func Effective(role Role, grants []Permission) Set {
	base := RolePermissions(role)
	if len(grants) == 0 {
		return base
	}
	return base.Union(NewSet(grants...))
}

// Diff computes the permissions gained and lost by a role transition. Both
// slices are sorted so audit entries and broadcasts are stable.
func Diff(from, to Role) (gained, lost []Permission) {
	fromSet := RolePermissions(from)
	toSet := RolePermissions(to)
	for p := range toSet {
		if !fromSet.Has(p) {
			gained = append(gained, p)
		}
	}
	for p := range fromSet {
		if !toSet.Has(p) {
			lost = append(lost, p)
		}
	}
	sort.Slice(gained, func(i, j int) bool { return gained[i] < gained[j] })
	sort.Slice(lost, func(i, j int) bool { return lost[i] < lost[j] })
	return gained, lost
}
