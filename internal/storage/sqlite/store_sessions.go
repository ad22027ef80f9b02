package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wyrmtable/wyrmtable/internal/game/permission"
	"github.com/wyrmtable/wyrmtable/internal/storage"
)

// PutSession upserts a game session record.
func (s *Store) PutSession(ctx context.Context, sess storage.SessionRecord) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	return putSession(ctx, s.sqlDB, sess)
}

func putSession(ctx context.Context, exec execContexter, sess storage.SessionRecord) error {
	if strings.TrimSpace(sess.Code) == "" {
		return fmt.Errorf("session code is required")
	}
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	_, err := exec.ExecContext(ctx, `
INSERT INTO sessions (code, name, owner_id, active, demo, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (code) DO UPDATE SET
    name = excluded.name,
    owner_id = excluded.owner_id,
    active = excluded.active,
    demo = excluded.demo,
    updated_at = excluded.updated_at`,
		sess.Code, sess.Name, sess.OwnerID, boolToInt(sess.Active), boolToInt(sess.Demo),
		toMillis(sess.CreatedAt), toMillis(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// GetSession fetches a session by code.
func (s *Store) GetSession(ctx context.Context, code string) (storage.SessionRecord, error) {
	if err := s.guard(ctx); err != nil {
		return storage.SessionRecord{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT code, name, owner_id, active, demo, created_at, updated_at
FROM sessions WHERE code = ?`, code)

	var sess storage.SessionRecord
	var active, demo int
	var createdAt, updatedAt int64
	err := row.Scan(&sess.Code, &sess.Name, &sess.OwnerID, &active, &demo, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.SessionRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.SessionRecord{}, fmt.Errorf("scan session: %w", err)
	}
	sess.Active = active != 0
	sess.Demo = demo != 0
	sess.CreatedAt = fromMillis(createdAt)
	sess.UpdatedAt = fromMillis(updatedAt)
	return sess, nil
}

// DeleteSession removes a session. Foreign keys cascade the delete to
// players, invitations, grants, tables, entities, and characters.
func (s *Store) DeleteSession(ctx context.Context, code string) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM sessions WHERE code = ?`, code)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete session rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListMemberships returns every session the user belongs to with their role.
func (s *Store) ListMemberships(ctx context.Context, userID string) ([]storage.Membership, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT s.code, s.name, s.owner_id, s.active, s.demo, s.created_at, s.updated_at, p.role
FROM sessions s
JOIN players p ON p.session_code = s.code
WHERE p.user_id = ? AND p.banned = 0
ORDER BY s.updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var out []storage.Membership
	for rows.Next() {
		var m storage.Membership
		var active, demo int
		var createdAt, updatedAt int64
		var role string
		if err := rows.Scan(&m.Session.Code, &m.Session.Name, &m.Session.OwnerID,
			&active, &demo, &createdAt, &updatedAt, &role); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		m.Session.Active = active != 0
		m.Session.Demo = demo != 0
		m.Session.CreatedAt = fromMillis(createdAt)
		m.Session.UpdatedAt = fromMillis(updatedAt)
		m.Role, err = permission.NormalizeStoredRole(role)
		if err != nil {
			return nil, fmt.Errorf("membership role: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// PutPlayer upserts a membership edge.
func (s *Store) PutPlayer(ctx context.Context, p storage.PlayerRecord) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	return putPlayer(ctx, s.sqlDB, p)
}

func putPlayer(ctx context.Context, exec execContexter, p storage.PlayerRecord) error {
	if strings.TrimSpace(p.SessionCode) == "" || strings.TrimSpace(p.UserID) == "" {
		return fmt.Errorf("session code and user id are required")
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	_, err := exec.ExecContext(ctx, `
INSERT INTO players (session_code, user_id, role, banned, active_table_id, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (session_code, user_id) DO UPDATE SET
    role = excluded.role,
    banned = excluded.banned,
    active_table_id = excluded.active_table_id,
    updated_at = excluded.updated_at`,
		p.SessionCode, p.UserID, string(p.Role), boolToInt(p.Banned), p.ActiveTableID,
		toMillis(p.CreatedAt), toMillis(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put player: %w", err)
	}
	return nil
}

// GetPlayer fetches a membership edge.
func (s *Store) GetPlayer(ctx context.Context, sessionCode, userID string) (storage.PlayerRecord, error) {
	if err := s.guard(ctx); err != nil {
		return storage.PlayerRecord{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT session_code, user_id, role, banned, active_table_id, created_at, updated_at
FROM players WHERE session_code = ? AND user_id = ?`, sessionCode, userID)
	return scanPlayer(row.Scan)
}

func scanPlayer(scan func(dest ...any) error) (storage.PlayerRecord, error) {
	var p storage.PlayerRecord
	var role string
	var banned int
	var createdAt, updatedAt int64
	err := scan(&p.SessionCode, &p.UserID, &role, &banned, &p.ActiveTableID, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.PlayerRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.PlayerRecord{}, fmt.Errorf("scan player: %w", err)
	}
	p.Role, err = permission.NormalizeStoredRole(role)
	if err != nil {
		return storage.PlayerRecord{}, fmt.Errorf("player role: %w", err)
	}
	p.Banned = banned != 0
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return p, nil
}

// DeletePlayer removes a membership edge.
func (s *Store) DeletePlayer(ctx context.Context, sessionCode, userID string) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	return deletePlayer(ctx, s.sqlDB, sessionCode, userID)
}

func deletePlayer(ctx context.Context, exec execContexter, sessionCode, userID string) error {
	res, err := exec.ExecContext(ctx, `
DELETE FROM players WHERE session_code = ? AND user_id = ?`, sessionCode, userID)
	if err != nil {
		return fmt.Errorf("delete player: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete player rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListPlayers returns all membership edges of a session.
func (s *Store) ListPlayers(ctx context.Context, sessionCode string) ([]storage.PlayerRecord, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT session_code, user_id, role, banned, active_table_id, created_at, updated_at
FROM players WHERE session_code = ?
ORDER BY created_at ASC`, sessionCode)
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	defer rows.Close()

	var out []storage.PlayerRecord
	for rows.Next() {
		p, err := scanPlayer(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
