package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wyrmtable/wyrmtable/internal/storage"
)

const userColumns = `id, username, email, password_hash, is_verified, federated_id, disabled, session_version, created_at, updated_at`

// CreateUser inserts a new identity record.
func (s *Store) CreateUser(ctx context.Context, u storage.UserRecord) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(u.Username) == "" {
		return fmt.Errorf("username is required")
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = now
	}
	if u.SessionVersion == 0 {
		u.SessionVersion = 1
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO users (`+userColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Email, u.PasswordHash, boolToInt(u.IsVerified),
		u.FederatedID, boolToInt(u.Disabled), u.SessionVersion,
		toMillis(u.CreatedAt), toMillis(u.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// UpdateUser overwrites a user record by id.
func (s *Store) UpdateUser(ctx context.Context, u storage.UserRecord) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(u.ID) == "" {
		return fmt.Errorf("user id is required")
	}
	u.UpdatedAt = time.Now().UTC()

	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE users SET username = ?, email = ?, password_hash = ?, is_verified = ?,
    federated_id = ?, disabled = ?, session_version = ?, updated_at = ?
WHERE id = ?`,
		u.Username, u.Email, u.PasswordHash, boolToInt(u.IsVerified),
		u.FederatedID, boolToInt(u.Disabled), u.SessionVersion,
		toMillis(u.UpdatedAt), u.ID)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetUserByID fetches a user by primary key.
func (s *Store) GetUserByID(ctx context.Context, id string) (storage.UserRecord, error) {
	return s.getUser(ctx, "id = ?", id)
}

// GetUserByUsername fetches a user by its case-insensitive username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (storage.UserRecord, error) {
	return s.getUser(ctx, "username = ?", username)
}

// GetUserByEmail fetches a user by email. Empty emails never match.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (storage.UserRecord, error) {
	if strings.TrimSpace(email) == "" {
		return storage.UserRecord{}, storage.ErrNotFound
	}
	return s.getUser(ctx, "email = ?", email)
}

// GetUserByFederatedID fetches a user by its federated identity subject.
func (s *Store) GetUserByFederatedID(ctx context.Context, federatedID string) (storage.UserRecord, error) {
	if strings.TrimSpace(federatedID) == "" {
		return storage.UserRecord{}, storage.ErrNotFound
	}
	return s.getUser(ctx, "federated_id = ?", federatedID)
}

func (s *Store) getUser(ctx context.Context, where string, arg any) (storage.UserRecord, error) {
	if err := s.guard(ctx); err != nil {
		return storage.UserRecord{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg)
	return scanUser(row)
}

func scanUser(row *sql.Row) (storage.UserRecord, error) {
	var u storage.UserRecord
	var isVerified, disabled int
	var createdAt, updatedAt int64
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &isVerified,
		&u.FederatedID, &disabled, &u.SessionVersion, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.UserRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.UserRecord{}, fmt.Errorf("scan user: %w", err)
	}
	u.IsVerified = isVerified != 0
	u.Disabled = disabled != 0
	u.CreatedAt = fromMillis(createdAt)
	u.UpdatedAt = fromMillis(updatedAt)
	return u, nil
}

// PutVerification stores a single-use token record.
func (s *Store) PutVerification(ctx context.Context, v storage.VerificationRecord) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(v.ID) == "" {
		return fmt.Errorf("verification id is required")
	}
	if strings.TrimSpace(v.TokenHash) == "" {
		return fmt.Errorf("token hash is required")
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO verifications (id, user_id, kind, token_hash, new_email, expires_at, used, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.UserID, string(v.Kind), v.TokenHash, v.NewEmail,
		toMillis(v.ExpiresAt), boolToInt(v.Used), toMillis(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert verification: %w", err)
	}
	return nil
}

// GetVerification looks a token up by kind and hash. Used and expired records
// are still returned so callers can distinguish failure modes in logs.
func (s *Store) GetVerification(ctx context.Context, kind storage.VerificationKind, tokenHash string) (storage.VerificationRecord, error) {
	if err := s.guard(ctx); err != nil {
		return storage.VerificationRecord{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, user_id, kind, token_hash, new_email, expires_at, used, created_at
FROM verifications WHERE kind = ? AND token_hash = ?`, string(kind), tokenHash)

	var v storage.VerificationRecord
	var kindStr string
	var used int
	var expiresAt, createdAt int64
	err := row.Scan(&v.ID, &v.UserID, &kindStr, &v.TokenHash, &v.NewEmail, &expiresAt, &used, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.VerificationRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.VerificationRecord{}, fmt.Errorf("scan verification: %w", err)
	}
	v.Kind = storage.VerificationKind(kindStr)
	v.Used = used != 0
	v.ExpiresAt = fromMillis(expiresAt)
	v.CreatedAt = fromMillis(createdAt)
	return v, nil
}

// MarkVerificationUsed burns a token so it cannot be replayed.
func (s *Store) MarkVerificationUsed(ctx context.Context, id string) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx, `UPDATE verifications SET used = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark verification used: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark verification rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
