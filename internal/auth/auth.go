// Package auth implements the identity and credential store: registration,
// password authentication, and the single-use verification token flows that
// rotate credentials.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/wyrmtable/wyrmtable/internal/game/audit"
	apperrors "github.com/wyrmtable/wyrmtable/internal/platform/errors"
	"github.com/wyrmtable/wyrmtable/internal/platform/id"
	"github.com/wyrmtable/wyrmtable/internal/storage"
)

// VerificationTTL bounds how long a password-reset or email-change token
// stays redeemable.
const VerificationTTL = time.Hour

// Store is the persistence surface the identity service needs.
type Store interface {
	storage.UserStore
	storage.VerificationStore
	storage.AuditStore
}

// RequestMeta carries the client attribution recorded in audit entries.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// Service owns identity operations. Shared across requests; safe for
// concurrent use because all state lives in the store.
type Service struct {
	store    Store
	limiter  Limiter
	logger   *log.Logger
	hashCost int
	now      func() time.Time
}

// Limiter is the flood-control hook for registration. Keys are client IPs;
// the empty key tracks the global rate.
type Limiter interface {
	Allow(key string) bool
}

// NewService builds the identity service.
func NewService(store Store, limiter Limiter, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:    store,
		limiter:  limiter,
		logger:   logger,
		hashCost: bcrypt.DefaultCost,
		now:      time.Now,
	}
}

// dummyHash is compared against when the username does not resolve, so the
// failure path costs the same as a real comparison.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("wyrmtable-dummy-password"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
}()

// Register creates a user. Password is optional; federated identities have
// none. Registration is flood-limited globally and per client IP.
func (s *Service) Register(ctx context.Context, username, password, email string, meta RequestMeta) (storage.UserRecord, error) {
	if s.limiter != nil {
		if !s.limiter.Allow("") || !s.limiter.Allow(meta.IP) {
			return storage.UserRecord{}, apperrors.New(apperrors.CodeRateLimited, "too many registrations")
		}
	}
	if err := ValidateUsername(username); err != nil {
		return storage.UserRecord{}, err
	}

	var hash string
	if password != "" {
		if err := ValidatePassword(password); err != nil {
			return storage.UserRecord{}, err
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
		if err != nil {
			return storage.UserRecord{}, fmt.Errorf("hash password: %w", err)
		}
		hash = string(hashed)
	}

	if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
		return storage.UserRecord{}, apperrors.New(apperrors.CodeUsernameTaken, "username already taken")
	} else if !errors.Is(err, storage.ErrNotFound) {
		return storage.UserRecord{}, fmt.Errorf("check username: %w", err)
	}

	email = strings.TrimSpace(email)
	if email != "" {
		if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
			return storage.UserRecord{}, apperrors.New(apperrors.CodeEmailTaken, "email already taken")
		} else if !errors.Is(err, storage.ErrNotFound) {
			return storage.UserRecord{}, fmt.Errorf("check email: %w", err)
		}
	}

	user := storage.UserRecord{
		ID:             id.New(),
		Username:       username,
		Email:          email,
		PasswordHash:   hash,
		SessionVersion: 1,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return storage.UserRecord{}, fmt.Errorf("create user: %w", err)
	}

	if err := s.audit(ctx, audit.EventRegistration, user.ID, meta, map[string]any{"username": username}); err != nil {
		return storage.UserRecord{}, err
	}
	s.logger.Printf("auth: registered user %s", username)
	return user, nil
}

// Authenticate verifies a username/password pair. Unknown usernames and
// wrong passwords surface the same outcome; disabled accounts differ.
func (s *Service) Authenticate(ctx context.Context, username, password string, meta RequestMeta) (storage.UserRecord, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if errors.Is(err, storage.ErrNotFound) {
		// Burn a comparison so the miss costs the same as a mismatch.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		s.auditBestEffort(ctx, audit.EventLoginFailed, "", meta, map[string]any{"username": username})
		return storage.UserRecord{}, apperrors.New(apperrors.CodeInvalidCredentials, "invalid credentials")
	}
	if err != nil {
		return storage.UserRecord{}, fmt.Errorf("lookup user: %w", err)
	}

	if user.PasswordHash == "" ||
		bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		s.auditBestEffort(ctx, audit.EventLoginFailed, user.ID, meta, nil)
		return storage.UserRecord{}, apperrors.New(apperrors.CodeInvalidCredentials, "invalid credentials")
	}
	if user.Disabled {
		s.auditBestEffort(ctx, audit.EventLoginFailed, user.ID, meta, map[string]any{"reason": "disabled"})
		return storage.UserRecord{}, apperrors.New(apperrors.CodeAccountDisabled, "account disabled")
	}

	if err := s.audit(ctx, audit.EventLogin, user.ID, meta, nil); err != nil {
		return storage.UserRecord{}, err
	}
	return user, nil
}

// FederatedLogin resolves or creates a user for an external identity
// subject. New users get a generated username when the suggestion collides.
func (s *Service) FederatedLogin(ctx context.Context, federatedID, suggestedUsername string, meta RequestMeta) (storage.UserRecord, error) {
	if strings.TrimSpace(federatedID) == "" {
		return storage.UserRecord{}, apperrors.New(apperrors.CodeInvalidArgument, "federated id is required")
	}

	user, err := s.store.GetUserByFederatedID(ctx, federatedID)
	if err == nil {
		if user.Disabled {
			return storage.UserRecord{}, apperrors.New(apperrors.CodeAccountDisabled, "account disabled")
		}
		if auditErr := s.audit(ctx, audit.EventLogin, user.ID, meta, map[string]any{"federated": true}); auditErr != nil {
			return storage.UserRecord{}, auditErr
		}
		return user, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return storage.UserRecord{}, fmt.Errorf("lookup federated user: %w", err)
	}

	username := suggestedUsername
	if ValidateUsername(username) != nil {
		username = "user_" + id.SessionCode()
	}
	if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
		username = username + "_" + id.SessionCode()
	}

	user = storage.UserRecord{
		ID:             id.New(),
		Username:       username,
		FederatedID:    federatedID,
		IsVerified:     true,
		SessionVersion: 1,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return storage.UserRecord{}, fmt.Errorf("create federated user: %w", err)
	}
	if err := s.audit(ctx, audit.EventRegistration, user.ID, meta, map[string]any{"federated": true}); err != nil {
		return storage.UserRecord{}, err
	}
	return user, nil
}

// hashToken stores only the SHA-256 of verification tokens, never raw.
func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// RequestVerification mints a single-use token for the given flow and stores
// its hash. The raw token is returned for the delivery boundary (email is an
// external collaborator).
func (s *Service) RequestVerification(ctx context.Context, userID string, kind storage.VerificationKind, newEmail string) (string, error) {
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("lookup user: %w", err)
	}

	newEmail = strings.TrimSpace(newEmail)
	if kind == storage.ChangeEmail {
		if newEmail == "" {
			return "", apperrors.New(apperrors.CodeInvalidArgument, "new email is required")
		}
		if _, err := s.store.GetUserByEmail(ctx, newEmail); err == nil {
			return "", apperrors.New(apperrors.CodeEmailTaken, "email already taken")
		} else if !errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("check email: %w", err)
		}
	}

	raw := id.InviteCode()
	record := storage.VerificationRecord{
		ID:        id.New(),
		UserID:    userID,
		Kind:      kind,
		TokenHash: hashToken(raw),
		NewEmail:  newEmail,
		ExpiresAt: s.now().Add(VerificationTTL),
	}
	if err := s.store.PutVerification(ctx, record); err != nil {
		return "", fmt.Errorf("store verification: %w", err)
	}
	return raw, nil
}

// RequestPasswordReset mints a reset token for the account holding email.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("lookup user: %w", err)
	}
	return s.RequestVerification(ctx, user.ID, storage.ResetPassword, "")
}

// consumeVerification redeems a token: looked up by hash, checked for use
// and expiry, and burned. The distinct failure modes stay in the log.
func (s *Service) consumeVerification(ctx context.Context, kind storage.VerificationKind, raw string) (storage.VerificationRecord, error) {
	record, err := s.store.GetVerification(ctx, kind, hashToken(raw))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Printf("auth: %s token unknown", kind)
			return storage.VerificationRecord{}, apperrors.New(apperrors.CodeUnauthenticated, "authentication required")
		}
		return storage.VerificationRecord{}, fmt.Errorf("lookup verification: %w", err)
	}
	if record.Used {
		s.logger.Printf("auth: %s token already used (user %s)", kind, record.UserID)
		return storage.VerificationRecord{}, apperrors.New(apperrors.CodeUnauthenticated, "authentication required")
	}
	if !s.now().Before(record.ExpiresAt) {
		s.logger.Printf("auth: %s token expired (user %s)", kind, record.UserID)
		return storage.VerificationRecord{}, apperrors.New(apperrors.CodeUnauthenticated, "authentication required")
	}
	if err := s.store.MarkVerificationUsed(ctx, record.ID); err != nil {
		return storage.VerificationRecord{}, fmt.Errorf("burn verification: %w", err)
	}
	return record, nil
}

// CompletePasswordReset redeems a reset token and installs the new password.
// Success bumps session_version, invalidating every outstanding credential.
func (s *Service) CompletePasswordReset(ctx context.Context, rawToken, newPassword string, meta RequestMeta) error {
	return s.completePasswordChange(ctx, rawToken, newPassword, audit.EventPasswordReset, meta)
}

// CompletePasswordChange redeems a set-password token for a signed-in user.
func (s *Service) CompletePasswordChange(ctx context.Context, rawToken, newPassword string, meta RequestMeta) error {
	return s.completePasswordChange(ctx, rawToken, newPassword, audit.EventPasswordChanged, meta)
}

func (s *Service) completePasswordChange(ctx context.Context, rawToken, newPassword string, event audit.EventType, meta RequestMeta) error {
	if err := ValidatePassword(newPassword); err != nil {
		return err
	}
	record, err := s.consumeVerification(ctx, storage.ResetPassword, rawToken)
	if err != nil {
		return err
	}
	user, err := s.store.GetUserByID(ctx, record.UserID)
	if err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(newPassword), s.hashCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	user.PasswordHash = string(hashed)
	user.SessionVersion++
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return s.audit(ctx, event, user.ID, meta, nil)
}

// CompleteEmailChange redeems an email-change token. The old address stays
// active until this confirmation lands.
func (s *Service) CompleteEmailChange(ctx context.Context, rawToken string, meta RequestMeta) error {
	record, err := s.consumeVerification(ctx, storage.ChangeEmail, rawToken)
	if err != nil {
		return err
	}
	user, err := s.store.GetUserByID(ctx, record.UserID)
	if err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}

	if _, err := s.store.GetUserByEmail(ctx, record.NewEmail); err == nil {
		return apperrors.New(apperrors.CodeEmailTaken, "email already taken")
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("check email: %w", err)
	}

	old := user.Email
	user.Email = record.NewEmail
	user.SessionVersion++
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return s.audit(ctx, audit.EventEmailChanged, user.ID, meta,
		map[string]any{"old": old, "new": record.NewEmail})
}

// VerifyEmail redeems an email verification token.
func (s *Service) VerifyEmail(ctx context.Context, rawToken string) error {
	record, err := s.consumeVerification(ctx, storage.VerifyEmail, rawToken)
	if err != nil {
		return err
	}
	user, err := s.store.GetUserByID(ctx, record.UserID)
	if err != nil {
		return fmt.Errorf("lookup user: %w", err)
	}
	user.IsVerified = true
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}

// audit writes an entry and fails the operation when the write fails.
func (s *Service) audit(ctx context.Context, event audit.EventType, actorID string, meta RequestMeta, details map[string]any) error {
	entry := storage.AuditRecord{
		EventType:   event,
		ActorID:     actorID,
		IP:          meta.IP,
		UserAgent:   meta.UserAgent,
		DetailsJSON: audit.Details(details),
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.logger.Printf("auth: audit append failed for %s: %v", event, err)
		return apperrors.Wrap(apperrors.CodeUnavailable, "audit log unavailable", err)
	}
	return nil
}

// auditBestEffort logs append failures for events recording a denial; the
// denial itself is still surfaced.
func (s *Service) auditBestEffort(ctx context.Context, event audit.EventType, actorID string, meta RequestMeta, details map[string]any) {
	if err := s.audit(ctx, event, actorID, meta, details); err != nil {
		s.logger.Printf("auth: dropping %s audit entry: %v", event, err)
	}
}
