package web

import (
	"context"
	"net"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/wyrmtable/wyrmtable/internal/auth"
	"github.com/wyrmtable/wyrmtable/internal/game/audit"
	"github.com/wyrmtable/wyrmtable/internal/game/permission"
	apperrors "github.com/wyrmtable/wyrmtable/internal/platform/errors"
	"github.com/wyrmtable/wyrmtable/internal/platform/id"
	"github.com/wyrmtable/wyrmtable/internal/platform/timeouts"
	"github.com/wyrmtable/wyrmtable/internal/storage"
)

var tracer = otel.Tracer("wyrmtable/web")

// trace wraps the mux with a per-request span and a per-operation timeout.
// The realtime channel is exempt from the timeout: a websocket outlives any
// single request budget.
func (s *Server) trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if !strings.HasPrefix(r.URL.Path, "/ws/") {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeouts.Request)
			defer cancel()
		}
		ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path)
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the credential from the Authorization header or the
// token cookie. The header wins when both are present.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if c, err := r.Cookie("token"); err == nil {
		return c.Value
	}
	return ""
}

func (s *Server) currentUser(r *http.Request) (storage.UserRecord, error) {
	raw := bearerToken(r)
	if raw == "" {
		return storage.UserRecord{}, apperrors.New(apperrors.CodeUnauthenticated, "credential required")
	}
	return s.tokens.Verify(r.Context(), raw)
}

// withUser requires a verified credential and hands the user to the handler.
func (s *Server) withUser(next func(http.ResponseWriter, *http.Request, storage.UserRecord)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.currentUser(r)
		if err != nil {
			writeError(w, err)
			return
		}
		next(w, r, user)
	}
}

// requestMeta captures the caller's address and agent for audit entries.
func requestMeta(r *http.Request) auth.RequestMeta {
	ip := r.Header.Get("X-Forwarded-For")
	if i := strings.IndexByte(ip, ','); i >= 0 {
		ip = ip[:i]
	}
	ip = strings.TrimSpace(ip)
	if ip == "" {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip = host
	}
	return auth.RequestMeta{IP: ip, UserAgent: r.UserAgent()}
}

// caller is a verified user resolved against one session.
type caller struct {
	user    storage.UserRecord
	session storage.SessionRecord
	player  storage.PlayerRecord
	perms   permission.Set
}

// sessionCaller resolves the caller's membership and effective permissions
// in the session named by the request path.
func (s *Server) sessionCaller(r *http.Request, user storage.UserRecord) (caller, error) {
	return s.memberOf(r, user, id.NormalizeSessionCode(r.PathValue("code")))
}

// requireRole enforces a minimum role, auditing the denial.
func (s *Server) requireRole(r *http.Request, c caller, min permission.Role) error {
	if c.player.Role.AtLeast(min) {
		return nil
	}
	s.auditDenial(r, c, map[string]any{"required_role": string(min)})
	return apperrors.WithMetadata(apperrors.CodePermissionDenied,
		"insufficient role", map[string]string{"required_role": string(min)})
}

// requirePerm enforces one permission, auditing the denial.
func (s *Server) requirePerm(r *http.Request, c caller, perm permission.Permission) error {
	if c.perms.Has(perm) {
		return nil
	}
	s.auditDenial(r, c, map[string]any{"permission": string(perm)})
	return apperrors.WithMetadata(apperrors.CodePermissionDenied,
		"missing permission", map[string]string{"permission": string(perm)})
}

// auditDenial records an authorization failure. Best effort: a denied
// request is already refused, so a failed audit write only logs.
func (s *Server) auditDenial(r *http.Request, c caller, details map[string]any) {
	meta := requestMeta(r)
	entry := storage.AuditRecord{
		EventType:   audit.EventPermissionDenied,
		SessionCode: c.session.Code,
		ActorID:     c.user.ID,
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
		DetailsJSON: audit.Details(details),
		CreatedAt:   s.now(),
	}
	if err := s.store.AppendAudit(r.Context(), entry); err != nil {
		s.logger.Printf("web: audit permission denial: %v", err)
	}
}

// auditEntry builds an audit record from the request for batched mutations.
func (s *Server) auditEntry(r *http.Request, event audit.EventType, sessionCode, actorID, targetID string, details map[string]any) storage.AuditRecord {
	meta := requestMeta(r)
	return storage.AuditRecord{
		EventType:   event,
		SessionCode: sessionCode,
		ActorID:     actorID,
		TargetID:    targetID,
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
		DetailsJSON: audit.Details(details),
		CreatedAt:   s.now(),
	}
}
