package web

import (
	"net/http"
	"strings"
	"time"

	"github.com/wyrmtable/wyrmtable/internal/game/audit"
	"github.com/wyrmtable/wyrmtable/internal/game/permission"
	apperrors "github.com/wyrmtable/wyrmtable/internal/platform/errors"
	"github.com/wyrmtable/wyrmtable/internal/platform/id"
	"github.com/wyrmtable/wyrmtable/internal/storage"
)

// demoTokenTTL bounds a guest credential; demo guests never outlive a
// browsing session by much.
const demoTokenTTL = 2 * time.Hour

// handleDemo admits an anonymous visitor into the demo session as a
// spectator. Public, rate limited per client address.
func (s *Server) handleDemo(w http.ResponseWriter, r *http.Request) {
	meta := requestMeta(r)
	if !s.demoLimiter.Allow(meta.IP) {
		writeError(w, apperrors.New(apperrors.CodeRateLimited, "demo access rate limited"))
		return
	}
	if s.cfg.DemoSessionCode == "" {
		writeError(w, apperrors.New(apperrors.CodeNotFound, "demo mode is not enabled"))
		return
	}
	record, err := s.store.GetSession(r.Context(), s.cfg.DemoSessionCode)
	if err != nil {
		writeError(w, err)
		return
	}
	if !record.Demo {
		writeError(w, apperrors.New(apperrors.CodeNotFound, "demo mode is not enabled"))
		return
	}

	now := s.now()
	guestID := id.New()
	guest := storage.UserRecord{
		ID:       guestID,
		Username: "guest_" + strings.ToLower(guestID[:8]),
		// The credential is signed from this record, so its session version
		// must match what the store persists.
		SessionVersion: 1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateUser(r.Context(), guest); err != nil {
		writeError(w, err)
		return
	}
	player := storage.PlayerRecord{
		SessionCode: record.Code,
		UserID:      guest.ID,
		Role:        permission.RoleSpectator,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	entry := s.auditEntry(r, audit.EventDemoAccess, record.Code, guest.ID, "", map[string]any{
		"username": guest.Username,
	})
	err = s.store.ApplyBatch(r.Context(), []storage.Mutation{
		{Kind: storage.MutPutPlayer, Player: &player},
		{Kind: storage.MutAppendAudit, Audit: &entry},
	})
	if err != nil {
		writeError(w, apperrors.Wrap(apperrors.CodeUnavailable, "admit demo guest", err))
		return
	}
	raw, err := s.tokens.IssueExpiring(guest, demoTokenTTL)
	if err != nil {
		writeError(w, err)
		return
	}
	if live, ok := s.sessions.Peek(record.Code); ok {
		live.ApplyMembershipChange(player, false)
	}
	s.setTokenCookie(w, r, raw)
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": raw,
		"token_type":   "bearer",
		"session_code": record.Code,
		"username":     guest.Username,
	})
}
