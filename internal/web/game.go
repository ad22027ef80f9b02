package web

import (
	"net/http"
	"strings"

	"github.com/wyrmtable/wyrmtable/internal/game/audit"
	"github.com/wyrmtable/wyrmtable/internal/game/permission"
	apperrors "github.com/wyrmtable/wyrmtable/internal/platform/errors"
	"github.com/wyrmtable/wyrmtable/internal/platform/id"
	"github.com/wyrmtable/wyrmtable/internal/storage"
)

type sessionResponse struct {
	Code      string `json:"code"`
	Name      string `json:"name"`
	OwnerID   string `json:"owner_id"`
	Active    bool   `json:"active"`
	Demo      bool   `json:"demo,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

func newSessionResponse(rec storage.SessionRecord) sessionResponse {
	return sessionResponse{
		Code:      rec.Code,
		Name:      rec.Name,
		OwnerID:   rec.OwnerID,
		Active:    rec.Active,
		Demo:      rec.Demo,
		CreatedAt: rec.CreatedAt.UnixMilli(),
	}
}

// handleGameCreate creates a session from form {game_name}; the caller
// becomes its owner. Creation is durable, audited, and atomic.
func (s *Server) handleGameCreate(w http.ResponseWriter, r *http.Request, user storage.UserRecord) {
	if err := r.ParseForm(); err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeInvalidArgument, "parse form", err))
		return
	}
	name := strings.TrimSpace(r.PostFormValue("game_name"))
	if name == "" {
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "game_name is required"))
		return
	}

	// Regenerate on the unlikely code collision.
	var code string
	for attempt := 0; ; attempt++ {
		code = id.SessionCode()
		_, err := s.store.GetSession(r.Context(), code)
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			break
		}
		if err != nil {
			writeError(w, err)
			return
		}
		if attempt >= 4 {
			writeError(w, apperrors.New(apperrors.CodeUnavailable, "could not allocate a session code"))
			return
		}
	}

	now := s.now()
	record := storage.SessionRecord{
		Code: code, Name: name, OwnerID: user.ID, Active: true,
		CreatedAt: now, UpdatedAt: now,
	}
	owner := storage.PlayerRecord{
		SessionCode: code, UserID: user.ID, Role: permission.RoleOwner,
		CreatedAt: now, UpdatedAt: now,
	}
	entry := s.auditEntry(r, audit.EventSessionCreated, code, user.ID, "", map[string]any{"name": name})
	err := s.store.ApplyBatch(r.Context(), []storage.Mutation{
		{Kind: storage.MutPutSession, Session: &record},
		{Kind: storage.MutPutPlayer, Player: &owner},
		{Kind: storage.MutAppendAudit, Audit: &entry},
	})
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeUnavailable, "create session", err))
		return
	}
	writeJSON(w, http.StatusCreated, newSessionResponse(record))
}

// handleGameJoin adds the caller to a session from form {session_code,
// character_name?}. Joining an already-joined session is idempotent.
func (s *Server) handleGameJoin(w http.ResponseWriter, r *http.Request, user storage.UserRecord) {
	if err := r.ParseForm(); err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeInvalidArgument, "parse form", err))
		return
	}
	code := id.NormalizeSessionCode(r.PostFormValue("session_code"))
	if !id.ValidSessionCode(code) {
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "invalid session code"))
		return
	}
	record, err := s.store.GetSession(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}
	if !record.Active {
		writeError(w, apperrors.New(apperrors.CodeNotFound, "session is not active"))
		return
	}

	existing, err := s.store.GetPlayer(r.Context(), code, user.ID)
	switch {
	case err == nil && existing.Banned:
		writeError(w, apperrors.New(apperrors.CodeNotMember, "banned from this session"))
		return
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"session_code": code, "role": string(existing.Role)})
		return
	case apperrors.CodeOf(err) != apperrors.CodeNotFound:
		writeError(w, err)
		return
	}

	now := s.now()
	player := storage.PlayerRecord{
		SessionCode: code, UserID: user.ID, Role: permission.RolePlayer,
		CreatedAt: now, UpdatedAt: now,
	}
	entry := s.auditEntry(r, audit.EventSessionJoined, code, user.ID, "", nil)
	mutations := []storage.Mutation{
		{Kind: storage.MutPutPlayer, Player: &player},
		{Kind: storage.MutAppendAudit, Audit: &entry},
	}
	if characterName := strings.TrimSpace(r.PostFormValue("character_name")); characterName != "" {
		character := storage.CharacterRecord{
			ID: id.New(), SessionCode: code, Name: characterName,
			DataJSON: []byte(`{}`), OwnerID: user.ID, Version: 1,
			LastModifiedBy: user.ID, CreatedAt: now, UpdatedAt: now,
		}
		mutations = append(mutations, storage.Mutation{Kind: storage.MutPutCharacter, Character: &character})
	}
	if err := s.store.ApplyBatch(r.Context(), mutations); err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeUnavailable, "join session", err))
		return
	}
	if live, ok := s.sessions.Peek(code); ok {
		live.ApplyMembershipChange(player, false)
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_code": code, "role": string(permission.RolePlayer)})
}

type membershipResponse struct {
	Session sessionResponse `json:"session"`
	Role    string          `json:"role"`
}

func (s *Server) handleListMemberships(w http.ResponseWriter, r *http.Request, user storage.UserRecord) {
	memberships, err := s.store.ListMemberships(r.Context(), user.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]membershipResponse, 0, len(memberships))
	for _, m := range memberships {
		out = append(out, membershipResponse{Session: newSessionResponse(m.Session), Role: string(m.Role)})
	}
	writeJSON(w, http.StatusOK, out)
}

type playerResponse struct {
	UserID        string `json:"user_id"`
	Role          string `json:"role"`
	Banned        bool   `json:"banned,omitempty"`
	ActiveTableID string `json:"active_table_id,omitempty"`
	JoinedAt      int64  `json:"joined_at"`
}

func (s *Server) handleListPlayers(w http.ResponseWriter, r *http.Request, user storage.UserRecord) {
	c, err := s.sessionCaller(r, user)
	if err != nil {
		writeError(w, err)
		return
	}
	players, err := s.store.ListPlayers(r.Context(), c.session.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	// Banned members are only visible to moderators.
	seesBanned := c.player.Role.AtLeast(permission.RoleCoDM)
	out := make([]playerResponse, 0, len(players))
	for _, p := range players {
		if p.Banned && !seesBanned {
			continue
		}
		out = append(out, playerResponse{
			UserID:        p.UserID,
			Role:          string(p.Role),
			Banned:        p.Banned,
			ActiveTableID: p.ActiveTableID,
			JoinedAt:      p.CreatedAt.UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRoleChange assigns a member a new role. Owner only; ownership
// itself is never assigned or removed this way.
func (s *Server) handleRoleChange(w http.ResponseWriter, r *http.Request, user storage.UserRecord) {
	c, err := s.sessionCaller(r, user)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.requirePerm(r, c, permission.ChangeRoles); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		NewRole string `json:"new_role"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	newRole, err := permission.ParseRole(req.NewRole)
	if err != nil {
		writeError(w, err)
		return
	}
	if !newRole.Assignable() {
		writeError(w, apperrors.New(apperrors.CodeInvalidRole, "ownership cannot be assigned"))
		return
	}

	targetID := r.PathValue("uid")
	target, err := s.store.GetPlayer(r.Context(), c.session.Code, targetID)
	if err != nil {
		writeError(w, err)
		return
	}
	if target.Role == permission.RoleOwner {
		writeError(w, apperrors.New(apperrors.CodeOwnerProtected, "the owner's role cannot be changed"))
		return
	}

	oldRole := target.Role
	target.Role = newRole
	target.UpdatedAt = s.now()
	gained, lost := permission.Diff(oldRole, newRole)
	entry := s.auditEntry(r, audit.EventRoleChanged, c.session.Code, user.ID, targetID, map[string]any{
		"old_role":           string(oldRole),
		"new_role":           string(newRole),
		"permissions_gained": permissionNames(gained),
		"permissions_lost":   permissionNames(lost),
	})
	err = s.store.ApplyBatch(r.Context(), []storage.Mutation{
		{Kind: storage.MutPutPlayer, Player: &target},
		{Kind: storage.MutAppendAudit, Audit: &entry},
	})
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeUnavailable, "change role", err))
		return
	}
	if live, ok := s.sessions.Peek(c.session.Code); ok {
		live.ApplyRoleChange(targetID, oldRole, newRole)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":            targetID,
		"role":               string(newRole),
		"permissions_gained": permissionNames(gained),
		"permissions_lost":   permissionNames(lost),
	})
}

// permissionNames renders a permission slice for responses and audit
// details. Always non-nil so an empty set encodes as [].
func permissionNames(perms []permission.Permission) []string {
	names := make([]string, 0, len(perms))
	for _, p := range perms {
		names = append(names, string(p))
	}
	return names
}

// handleKickPlayer removes a member; ?ban=true also bars rejoining.
func (s *Server) handleKickPlayer(w http.ResponseWriter, r *http.Request, user storage.UserRecord) {
	c, err := s.sessionCaller(r, user)
	if err != nil {
		writeError(w, err)
		return
	}
	ban := r.URL.Query().Get("ban") == "true"
	needed := permission.KickPlayers
	if ban {
		needed = permission.BanPlayers
	}
	if err := s.requirePerm(r, c, needed); err != nil {
		writeError(w, err)
		return
	}

	targetID := r.PathValue("uid")
	if targetID == user.ID {
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "cannot kick yourself"))
		return
	}
	target, err := s.store.GetPlayer(r.Context(), c.session.Code, targetID)
	if err != nil {
		writeError(w, err)
		return
	}
	if target.Role == permission.RoleOwner {
		writeError(w, apperrors.New(apperrors.CodeOwnerProtected, "the owner cannot be removed"))
		return
	}

	var mutations []storage.Mutation
	event := audit.EventPlayerKicked
	if ban {
		event = audit.EventPlayerBanned
		target.Banned = true
		target.UpdatedAt = s.now()
		mutations = append(mutations, storage.Mutation{Kind: storage.MutPutPlayer, Player: &target})
	} else {
		mutations = append(mutations, storage.Mutation{
			Kind:      storage.MutDeletePlayer,
			PlayerKey: &storage.PlayerKey{SessionCode: c.session.Code, UserID: targetID},
		})
	}
	entry := s.auditEntry(r, event, c.session.Code, user.ID, targetID, nil)
	mutations = append(mutations, storage.Mutation{Kind: storage.MutAppendAudit, Audit: &entry})
	if err := s.store.ApplyBatch(r.Context(), mutations); err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeUnavailable, "remove player", err))
		return
	}
	if live, ok := s.sessions.Peek(c.session.Code); ok {
		live.ApplyMembershipChange(target, !ban)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleGrantPermission grants or revokes one custom permission overlaying
// the target's role. Owner only.
func (s *Server) handleGrantPermission(w http.ResponseWriter, r *http.Request, user storage.UserRecord) {
	c, err := s.sessionCaller(r, user)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.requireRole(r, c, permission.RoleOwner); err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Permission string `json:"permission"`
		Revoke     bool   `json:"revoke"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	perm, err := permission.Parse(req.Permission)
	if err != nil {
		writeError(w, err)
		return
	}
	targetID := r.PathValue("uid")
	if _, err := s.store.GetPlayer(r.Context(), c.session.Code, targetID); err != nil {
		writeError(w, err)
		return
	}

	// Audit first; the grant mutation only runs once the trail exists.
	event := audit.EventPermissionGranted
	if req.Revoke {
		event = audit.EventPermissionRevoked
	}
	entry := s.auditEntry(r, event, c.session.Code, user.ID, targetID, map[string]any{"permission": string(perm)})
	if err := s.store.AppendAudit(r.Context(), entry); err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeUnavailable, "audit permission change", err))
		return
	}
	if req.Revoke {
		err = s.store.DeactivateGrant(r.Context(), c.session.Code, targetID, perm)
	} else {
		err = s.store.PutGrant(r.Context(), storage.GrantRecord{
			ID: id.New(), SessionCode: c.session.Code, UserID: targetID,
			Permission: perm, GrantedBy: user.ID, Active: true, CreatedAt: s.now(),
		})
	}
	if err != nil {
		writeError(w, err)
		return
	}
	if live, ok := s.sessions.Peek(c.session.Code); ok {
		live.InvalidatePermissions(targetID, map[string]any{
			"permission": string(perm),
			"revoked":    req.Revoke,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    targetID,
		"permission": string(perm),
		"revoked":    req.Revoke,
	})
}

func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request, user storage.UserRecord) {
	c, err := s.sessionCaller(r, user)
	if err != nil {
		writeError(w, err)
		return
	}
	targetID := r.PathValue("uid")
	target, err := s.store.GetPlayer(r.Context(), c.session.Code, targetID)
	if err != nil {
		writeError(w, err)
		return
	}
	grants, err := s.store.ListActiveGrants(r.Context(), c.session.Code, targetID)
	if err != nil {
		writeError(w, err)
		return
	}
	extra := make([]permission.Permission, 0, len(grants))
	for _, g := range grants {
		extra = append(extra, g.Permission)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     targetID,
		"role":        string(target.Role),
		"permissions": permission.Effective(target.Role, extra).Sorted(),
	})
}

// handleCreateTable adds a table to the live session.
func (s *Server) handleCreateTable(w http.ResponseWriter, r *http.Request, user storage.UserRecord) {
	c, err := s.sessionCaller(r, user)
	if err != nil {
		writeError(w, err)
		return
	}
	var req struct {
		Name   string `json:"name"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	live, err := s.sessions.Get(r.Context(), c.session.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	table, err := live.CreateTable(r.Context(), user.ID, req.Name, req.Width, req.Height)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, table)
}

func (s *Server) handleDeleteTable(w http.ResponseWriter, r *http.Request, user storage.UserRecord) {
	c, err := s.sessionCaller(r, user)
	if err != nil {
		writeError(w, err)
		return
	}
	live, err := s.sessions.Get(r.Context(), c.session.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := live.DeleteTable(r.Context(), user.ID, r.PathValue("table_id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteCharacter(w http.ResponseWriter, r *http.Request, user storage.UserRecord) {
	c, err := s.sessionCaller(r, user)
	if err != nil {
		writeError(w, err)
		return
	}
	live, err := s.sessions.Get(r.Context(), c.session.Code)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := live.DeleteCharacter(r.Context(), user.ID, r.PathValue("character_id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
