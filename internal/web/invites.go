package web

import (
	"net/http"
	"time"

	"github.com/wyrmtable/wyrmtable/internal/game/audit"
	"github.com/wyrmtable/wyrmtable/internal/game/permission"
	apperrors "github.com/wyrmtable/wyrmtable/internal/platform/errors"
	"github.com/wyrmtable/wyrmtable/internal/platform/id"
	"github.com/wyrmtable/wyrmtable/internal/storage"
)

type inviteResponse struct {
	ID          string `json:"id"`
	Code        string `json:"code"`
	SessionCode string `json:"session_code"`
	Role        string `json:"pre_assigned_role"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
	MaxUses     int    `json:"max_uses"`
	Uses        int    `json:"uses"`
	Valid       bool   `json:"valid"`
}

func (s *Server) newInviteResponse(inv storage.InviteRecord) inviteResponse {
	out := inviteResponse{
		ID:          inv.ID,
		Code:        inv.Code,
		SessionCode: inv.SessionCode,
		Role:        string(inv.Role),
		MaxUses:     inv.MaxUses,
		Uses:        inv.Uses,
		Valid:       inv.Valid(s.now()),
	}
	if inv.ExpiresAt != nil {
		out.ExpiresAt = inv.ExpiresAt.UnixMilli()
	}
	return out
}

// handleInviteCreate mints an invitation code for a session the caller can
// invite into. The pre-assigned role is granted on acceptance.
func (s *Server) handleInviteCreate(w http.ResponseWriter, r *http.Request, user storage.UserRecord) {
	var req struct {
		SessionCode  string `json:"session_code"`
		Role         string `json:"pre_assigned_role"`
		ExpiresHours int    `json:"expires_hours"`
		MaxUses      int    `json:"max_uses"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	role, err := permission.ParseRole(req.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	if !role.Assignable() {
		writeError(w, apperrors.New(apperrors.CodeInvalidRole, "ownership cannot be pre-assigned"))
		return
	}
	if req.MaxUses < 1 {
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "max_uses must be at least 1"))
		return
	}

	code := id.NormalizeSessionCode(req.SessionCode)
	c, err := s.memberOf(r, user, code)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.requirePerm(r, c, permission.InvitePlayers); err != nil {
		writeError(w, err)
		return
	}

	now := s.now()
	invite := storage.InviteRecord{
		ID:          id.New(),
		Code:        id.InviteCode(),
		SessionCode: code,
		Role:        role,
		CreatedBy:   user.ID,
		MaxUses:     req.MaxUses,
		Active:      true,
		CreatedAt:   now,
	}
	if req.ExpiresHours > 0 {
		expires := now.Add(time.Duration(req.ExpiresHours) * time.Hour)
		invite.ExpiresAt = &expires
	}

	entry := s.auditEntry(r, audit.EventInviteCreated, code, user.ID, "", map[string]any{
		"invite_id": invite.ID,
		"role":      string(role),
		"max_uses":  req.MaxUses,
	})
	if err := s.store.AppendAudit(r.Context(), entry); err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeUnavailable, "audit invitation", err))
		return
	}
	if err := s.store.PutInvite(r.Context(), invite); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.newInviteResponse(invite))
}

// memberOf resolves the caller's membership in a session named outside the
// request path.
func (s *Server) memberOf(r *http.Request, user storage.UserRecord, code string) (caller, error) {
	record, err := s.store.GetSession(r.Context(), code)
	if err != nil {
		return caller{}, err
	}
	player, err := s.store.GetPlayer(r.Context(), code, user.ID)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeNotFound {
			return caller{}, apperrors.New(apperrors.CodeNotMember, "not a member of this session")
		}
		return caller{}, err
	}
	if player.Banned {
		return caller{}, apperrors.New(apperrors.CodeNotMember, "banned from this session")
	}
	grants, err := s.store.ListActiveGrants(r.Context(), code, user.ID)
	if err != nil {
		return caller{}, err
	}
	extra := make([]permission.Permission, 0, len(grants))
	for _, g := range grants {
		extra = append(extra, g.Permission)
	}
	return caller{
		user:    user,
		session: record,
		player:  player,
		perms:   permission.Effective(player.Role, extra),
	}, nil
}

func (s *Server) handleInviteGet(w http.ResponseWriter, r *http.Request, user storage.UserRecord) {
	invite, err := s.store.GetInviteByCode(r.Context(), r.PathValue("invite_code"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.newInviteResponse(invite))
}

// inviteUsable distinguishes why an invitation can no longer be accepted.
func inviteUsable(inv storage.InviteRecord, now time.Time) error {
	if !inv.Active {
		return apperrors.New(apperrors.CodeInviteRevoked, "invitation was revoked")
	}
	if inv.ExpiresAt != nil && !now.Before(*inv.ExpiresAt) {
		return apperrors.New(apperrors.CodeInviteExpired, "invitation expired")
	}
	if inv.Uses >= inv.MaxUses {
		return apperrors.New(apperrors.CodeInviteExhausted, "invitation has no uses left")
	}
	return nil
}

// handleInviteAccept consumes one use and joins the caller with the invite's
// pre-assigned role.
func (s *Server) handleInviteAccept(w http.ResponseWriter, r *http.Request, user storage.UserRecord) {
	invite, err := s.store.GetInviteByCode(r.Context(), r.PathValue("invite_code"))
	if err != nil {
		writeError(w, err)
		return
	}
	now := s.now()
	if err := inviteUsable(invite, now); err != nil {
		writeError(w, err)
		return
	}
	record, err := s.store.GetSession(r.Context(), invite.SessionCode)
	if err != nil {
		writeError(w, err)
		return
	}
	if !record.Active {
		writeError(w, apperrors.New(apperrors.CodeNotFound, "session is not active"))
		return
	}

	existing, err := s.store.GetPlayer(r.Context(), invite.SessionCode, user.ID)
	switch {
	case err == nil && existing.Banned:
		writeError(w, apperrors.New(apperrors.CodeNotMember, "banned from this session"))
		return
	case err == nil:
		writeError(w, apperrors.New(apperrors.CodeAlreadyMember, "already a member of this session"))
		return
	case apperrors.CodeOf(err) != apperrors.CodeNotFound:
		writeError(w, err)
		return
	}

	// The use count is consumed atomically; a concurrent accept of the last
	// use loses here rather than over-admitting.
	consumed, err := s.store.ConsumeInvite(r.Context(), invite.ID, now)
	if err != nil {
		writeError(w, err)
		return
	}
	if !consumed {
		writeError(w, apperrors.New(apperrors.CodeInviteExhausted, "invitation has no uses left"))
		return
	}
	if invite.Uses+1 >= invite.MaxUses {
		if err := s.store.RevokeInvite(r.Context(), invite.ID); err != nil {
			s.logger.Printf("web: deactivate exhausted invite %s: %v", invite.ID, err)
		}
	}

	player := storage.PlayerRecord{
		SessionCode: invite.SessionCode, UserID: user.ID, Role: invite.Role,
		CreatedAt: now, UpdatedAt: now,
	}
	entry := s.auditEntry(r, audit.EventInviteAccepted, invite.SessionCode, user.ID, "", map[string]any{
		"invite_id": invite.ID,
		"role":      string(invite.Role),
	})
	err = s.store.ApplyBatch(r.Context(), []storage.Mutation{
		{Kind: storage.MutPutPlayer, Player: &player},
		{Kind: storage.MutAppendAudit, Audit: &entry},
	})
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeUnavailable, "accept invitation", err))
		return
	}
	if live, ok := s.sessions.Peek(invite.SessionCode); ok {
		live.ApplyMembershipChange(player, false)
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_code": invite.SessionCode,
		"role":         string(invite.Role),
	})
}

// handleInviteRevoke deactivates an invitation by record id.
func (s *Server) handleInviteRevoke(w http.ResponseWriter, r *http.Request, user storage.UserRecord) {
	invite, err := s.store.GetInviteByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := s.memberOf(r, user, invite.SessionCode)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.requireRole(r, c, permission.RoleCoDM); err != nil {
		writeError(w, err)
		return
	}

	entry := s.auditEntry(r, audit.EventInviteRevoked, invite.SessionCode, user.ID, "", map[string]any{
		"invite_id": invite.ID,
	})
	if err := s.store.AppendAudit(r.Context(), entry); err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeUnavailable, "audit revocation", err))
		return
	}
	if err := s.store.RevokeInvite(r.Context(), invite.ID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
