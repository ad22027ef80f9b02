package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/wyrmtable/wyrmtable/internal/game/audit"
	"github.com/wyrmtable/wyrmtable/internal/game/permission"
	apperrors "github.com/wyrmtable/wyrmtable/internal/platform/errors"
	"github.com/wyrmtable/wyrmtable/internal/storage"
)

func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request, user storage.UserRecord) {
	c, err := s.sessionCaller(r, user)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.requireRole(r, c, permission.RoleCoDM); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSessionResponse(c.session))
}

// handleSettingsPut updates session settings. Owner only.
func (s *Server) handleSettingsPut(w http.ResponseWriter, r *http.Request, user storage.UserRecord) {
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
		Name   *string `json:"name"`
		Active *bool   `json:"active"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	record := c.session
	details := map[string]any{}
	if req.Name != nil {
		if *req.Name == "" {
			writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "name cannot be empty"))
			return
		}
		details["old_name"] = record.Name
		details["new_name"] = *req.Name
		record.Name = *req.Name
	}
	if req.Active != nil {
		details["active"] = *req.Active
		record.Active = *req.Active
	}
	if len(details) == 0 {
		writeJSON(w, http.StatusOK, newSessionResponse(record))
		return
	}
	record.UpdatedAt = s.now()

	entry := s.auditEntry(r, audit.EventSessionSettings, record.Code, user.ID, "", details)
	err = s.store.ApplyBatch(r.Context(), []storage.Mutation{
		{Kind: storage.MutPutSession, Session: &record},
		{Kind: storage.MutAppendAudit, Audit: &entry},
	})
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeUnavailable, "update settings", err))
		return
	}
	if live, ok := s.sessions.Peek(record.Code); ok {
		live.UpdateRecord(record)
	}
	writeJSON(w, http.StatusOK, newSessionResponse(record))
}

// handleBulkRoleChange applies several role changes in one transaction.
// Owner only; all changes commit or none do.
func (s *Server) handleBulkRoleChange(w http.ResponseWriter, r *http.Request, user storage.UserRecord) {
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
		Changes []struct {
			UserID  string `json:"user_id"`
			NewRole string `json:"new_role"`
		} `json:"changes"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if len(req.Changes) == 0 {
		writeError(w, apperrors.New(apperrors.CodeInvalidArgument, "changes cannot be empty"))
		return
	}

	type applied struct {
		userID   string
		from, to permission.Role
	}
	var (
		mutations []storage.Mutation
		results   []applied
	)
	now := s.now()
	for _, change := range req.Changes {
		role, err := permission.ParseRole(change.NewRole)
		if err != nil {
			writeError(w, err)
			return
		}
		if !role.Assignable() {
			writeError(w, apperrors.New(apperrors.CodeInvalidRole, "ownership cannot be assigned"))
			return
		}
		target, err := s.store.GetPlayer(r.Context(), c.session.Code, change.UserID)
		if err != nil {
			writeError(w, err)
			return
		}
		if target.Role == permission.RoleOwner {
			writeError(w, apperrors.New(apperrors.CodeOwnerProtected, "the owner's role cannot be changed"))
			return
		}
		from := target.Role
		target.Role = role
		target.UpdatedAt = now
		record := target
		gained, lost := permission.Diff(from, role)
		entry := s.auditEntry(r, audit.EventRoleChanged, c.session.Code, user.ID, change.UserID, map[string]any{
			"old_role":           string(from),
			"new_role":           string(role),
			"permissions_gained": permissionNames(gained),
			"permissions_lost":   permissionNames(lost),
			"bulk":               true,
		})
		mutations = append(mutations,
			storage.Mutation{Kind: storage.MutPutPlayer, Player: &record},
			storage.Mutation{Kind: storage.MutAppendAudit, Audit: &entry})
		results = append(results, applied{userID: change.UserID, from: from, to: role})
	}
	if err := s.store.ApplyBatch(r.Context(), mutations); err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeUnavailable, "bulk role change", err))
		return
	}
	if live, ok := s.sessions.Peek(c.session.Code); ok {
		for _, a := range results {
			live.ApplyRoleChange(a.userID, a.from, a.to)
		}
	}
	out := make([]map[string]string, 0, len(results))
	for _, a := range results {
		out = append(out, map[string]string{"user_id": a.userID, "role": string(a.to)})
	}
	writeJSON(w, http.StatusOK, out)
}

type auditEntryResponse struct {
	EventType string          `json:"event_type"`
	ActorID   string          `json:"actor_id,omitempty"`
	TargetID  string          `json:"target_id,omitempty"`
	IP        string          `json:"ip,omitempty"`
	Details   json.RawMessage `json:"details"`
	CreatedAt int64           `json:"created_at"`
}

// handleAuditLog pages through the session's audit trail, newest first.
func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request, user storage.UserRecord) {
	c, err := s.sessionCaller(r, user)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.requireRole(r, c, permission.RoleCoDM); err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		EventType: audit.EventType(q.Get("event_type")),
		UserID:    q.Get("user_id"),
		Limit:     queryInt(q.Get("limit"), 50),
		Offset:    queryInt(q.Get("offset"), 0),
	}
	if filter.Limit < 1 || filter.Limit > 500 {
		filter.Limit = 50
	}
	entries, err := s.store.QueryAudit(r.Context(), c.session.Code, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryResponse{
			EventType: string(e.EventType),
			ActorID:   e.ActorID,
			TargetID:  e.TargetID,
			IP:        e.IP,
			Details:   e.DetailsJSON,
			CreatedAt: e.CreatedAt.UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func queryInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

// handleSessionDelete destroys the session and everything under it. Owner
// only, and the request must carry confirm=true.
func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request, user storage.UserRecord) {
	c, err := s.sessionCaller(r, user)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.requireRole(r, c, permission.RoleOwner); err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("confirm") != "true" {
		writeError(w, apperrors.New(apperrors.CodeConfirmationNeeds, "deletion requires confirm=true"))
		return
	}

	// Evict first so the live loop cannot flush into a session mid-delete.
	if err := s.sessions.Evict(r.Context(), c.session.Code); err != nil {
		s.logger.Printf("web: evict session %s before delete: %v", c.session.Code, err)
	}

	// The audit entry survives the cascade because it is written first and
	// audit rows are never deleted with the session.
	entry := s.auditEntry(r, audit.EventSessionDeleted, c.session.Code, user.ID, "", map[string]any{
		"name": c.session.Name,
	})
	if err := s.store.AppendAudit(r.Context(), entry); err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeUnavailable, "audit deletion", err))
		return
	}
	if err := s.store.DeleteSession(r.Context(), c.session.Code); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
