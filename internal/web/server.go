// Package web is the HTTP surface of the server: the REST endpoints, the
// game WebSocket, and the middleware shared between them.
package web

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/wyrmtable/wyrmtable/internal/auth"
	"github.com/wyrmtable/wyrmtable/internal/auth/token"
	"github.com/wyrmtable/wyrmtable/internal/compendium"
	"github.com/wyrmtable/wyrmtable/internal/game/session"
	"github.com/wyrmtable/wyrmtable/internal/platform/timeouts"
	"github.com/wyrmtable/wyrmtable/internal/storage"
)

// Config carries the web server's settings.
type Config struct {
	Addr string
	// DemoSessionCode is the pre-seeded session GET /demo admits
	// spectators into. Empty disables demo mode.
	DemoSessionCode string
}

// Server wires the HTTP surface over the domain services.
type Server struct {
	cfg      Config
	logger   *log.Logger
	store    storage.Store
	tokens   *token.Manager
	identity *auth.Service
	sessions *session.Manager
	catalog  *compendium.Compendium

	demoLimiter auth.Limiter
	now         func() time.Time

	httpServer *http.Server
}

// New builds the server and its route table.
func New(cfg Config, store storage.Store, tokens *token.Manager, identity *auth.Service, sessions *session.Manager, catalog *compendium.Compendium, demoLimiter auth.Limiter, logger *log.Logger) *Server {
	s := &Server{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		tokens:      tokens,
		identity:    identity,
		sessions:    sessions,
		catalog:     catalog,
		demoLimiter: demoLimiter,
		now:         time.Now,
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: timeouts.ReadHeader,
	}
	return s
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /users/register", s.handleRegister)
	mux.HandleFunc("POST /users/token", s.handleToken)
	mux.HandleFunc("GET /users/me", s.withUser(s.handleMe))
	mux.HandleFunc("POST /users/verify-email", s.handleVerifyEmail)
	mux.HandleFunc("POST /users/password-reset/request", s.handlePasswordResetRequest)
	mux.HandleFunc("POST /users/password-reset/complete", s.handlePasswordResetComplete)
	mux.HandleFunc("POST /users/email-change/request", s.withUser(s.handleEmailChangeRequest))
	mux.HandleFunc("POST /users/email-change/complete", s.handleEmailChangeComplete)

	mux.HandleFunc("POST /game/create", s.withUser(s.handleGameCreate))
	mux.HandleFunc("POST /game/join", s.withUser(s.handleGameJoin))
	mux.HandleFunc("GET /game/api/sessions", s.withUser(s.handleListMemberships))

	mux.HandleFunc("GET /game/session/{code}/players", s.withUser(s.handleListPlayers))
	mux.HandleFunc("POST /game/session/{code}/players/{uid}/role", s.withUser(s.handleRoleChange))
	mux.HandleFunc("DELETE /game/session/{code}/players/{uid}", s.withUser(s.handleKickPlayer))
	mux.HandleFunc("POST /game/session/{code}/players/{uid}/permissions", s.withUser(s.handleGrantPermission))
	mux.HandleFunc("GET /game/session/{code}/players/{uid}/permissions", s.withUser(s.handleListPermissions))

	mux.HandleFunc("POST /game/session/{code}/tables", s.withUser(s.handleCreateTable))
	mux.HandleFunc("DELETE /game/session/{code}/tables/{table_id}", s.withUser(s.handleDeleteTable))
	mux.HandleFunc("DELETE /game/session/{code}/characters/{character_id}", s.withUser(s.handleDeleteCharacter))

	mux.HandleFunc("POST /game/invitations/create", s.withUser(s.handleInviteCreate))
	mux.HandleFunc("GET /game/invitations/{invite_code}", s.withUser(s.handleInviteGet))
	mux.HandleFunc("POST /game/invitations/{invite_code}/accept", s.withUser(s.handleInviteAccept))
	mux.HandleFunc("DELETE /game/invitations/{id}", s.withUser(s.handleInviteRevoke))

	mux.HandleFunc("GET /game/session/{code}/admin/settings", s.withUser(s.handleSettingsGet))
	mux.HandleFunc("PUT /game/session/{code}/admin/settings", s.withUser(s.handleSettingsPut))
	mux.HandleFunc("POST /game/session/{code}/admin/bulk-role-change", s.withUser(s.handleBulkRoleChange))
	mux.HandleFunc("GET /game/session/{code}/admin/audit-log", s.withUser(s.handleAuditLog))
	mux.HandleFunc("DELETE /game/session/{code}/admin/delete", s.withUser(s.handleSessionDelete))

	mux.HandleFunc("GET /api/compendium/{category}", s.withUser(s.handleCompendiumList))
	mux.HandleFunc("GET /api/compendium/{category}/{name}", s.withUser(s.handleCompendiumLookup))

	mux.HandleFunc("GET /demo", s.handleDemo)
	mux.HandleFunc("GET /ws/game/{code}", s.handleGameSocket)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return s.trace(mux)
}

// ListenAndServe runs the HTTP server until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		s.logger.Printf("web: listening on %s", s.httpServer.Addr)
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-serveErr; err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
