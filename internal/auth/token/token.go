// Package token issues and verifies the signed bearer credentials carried by
// REST requests and websocket handshakes.
package token

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/wyrmtable/wyrmtable/internal/platform/errors"
	"github.com/wyrmtable/wyrmtable/internal/storage"
)

// DefaultTTL bounds credential lifetime; stolen tokens age out even when the
// session version never moves.
const DefaultTTL = 24 * time.Hour

// Claims is the signed payload of a bearer credential.
type Claims struct {
	UserID  string `json:"uid"`
	Version int64  `json:"ver"`
	jwt.RegisteredClaims
}

// Manager signs and verifies bearer credentials against the user store.
type Manager struct {
	secret []byte
	ttl    time.Duration
	users  storage.UserStore
	logger *log.Logger
	now    func() time.Time
}

// NewManager builds a credential manager. The secret must be non-empty;
// startup validates that before construction.
func NewManager(secret []byte, ttl time.Duration, users storage.UserStore, logger *log.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{secret: secret, ttl: ttl, users: users, logger: logger, now: time.Now}
}

// Issue signs a credential for the user carrying its current session version.
func (m *Manager) Issue(user storage.UserRecord) (string, error) {
	now := m.now().UTC()
	claims := Claims{
		UserID:  user.ID,
		Version: user.SessionVersion,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("sign credential: %w", err)
	}
	return signed, nil
}

// IssueExpiring signs a credential with a custom lifetime. Demo access uses
// this for short-lived spectator credentials.
func (m *Manager) IssueExpiring(user storage.UserRecord, ttl time.Duration) (string, error) {
	clone := *m
	clone.ttl = ttl
	return clone.Issue(user)
}

// errUnauthenticated is the single outcome surfaced for every verification
// failure. The distinct causes go to the log only, never to the client.
func errUnauthenticated() error {
	return apperrors.New(apperrors.CodeUnauthenticated, "authentication required")
}

// Verify parses a raw credential, resolves its user, and checks expiry,
// the disabled flag, and the session version.
func (m *Manager) Verify(ctx context.Context, raw string) (storage.UserRecord, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return storage.UserRecord{}, errUnauthenticated()
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return m.now() }))
	if err != nil || !parsed.Valid {
		m.logger.Printf("auth: credential rejected: %v", err)
		return storage.UserRecord{}, errUnauthenticated()
	}

	user, err := m.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		m.logger.Printf("auth: credential user %s not found", claims.UserID)
		return storage.UserRecord{}, errUnauthenticated()
	}
	if user.Disabled {
		m.logger.Printf("auth: credential for disabled user %s", user.ID)
		return storage.UserRecord{}, errUnauthenticated()
	}
	if user.SessionVersion != claims.Version {
		m.logger.Printf("auth: stale credential for user %s (ver %d, stored %d)",
			user.ID, claims.Version, user.SessionVersion)
		return storage.UserRecord{}, errUnauthenticated()
	}
	return user, nil
}
