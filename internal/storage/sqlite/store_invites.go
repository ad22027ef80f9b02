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

const inviteColumns = `id, code, session_code, role, created_by, expires_at, max_uses, uses, active, created_at`

// PutInvite stores an invitation record.
func (s *Store) PutInvite(ctx context.Context, inv storage.InviteRecord) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(inv.ID) == "" || strings.TrimSpace(inv.Code) == "" {
		return fmt.Errorf("invitation id and code are required")
	}
	if inv.MaxUses <= 0 {
		return fmt.Errorf("max uses must be positive")
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO invitations (`+inviteColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.Code, inv.SessionCode, string(inv.Role), inv.CreatedBy,
		toNullMillis(inv.ExpiresAt), inv.MaxUses, inv.Uses, boolToInt(inv.Active),
		toMillis(inv.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert invitation: %w", err)
	}
	return nil
}

// GetInviteByCode fetches an invitation by its join code.
func (s *Store) GetInviteByCode(ctx context.Context, code string) (storage.InviteRecord, error) {
	return s.getInvite(ctx, "code = ?", code)
}

// GetInviteByID fetches an invitation by primary key.
func (s *Store) GetInviteByID(ctx context.Context, id string) (storage.InviteRecord, error) {
	return s.getInvite(ctx, "id = ?", id)
}

func (s *Store) getInvite(ctx context.Context, where string, arg any) (storage.InviteRecord, error) {
	if err := s.guard(ctx); err != nil {
		return storage.InviteRecord{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+inviteColumns+` FROM invitations WHERE `+where, arg)
	return scanInvite(row.Scan)
}

func scanInvite(scan func(dest ...any) error) (storage.InviteRecord, error) {
	var inv storage.InviteRecord
	var role string
	var expiresAt sql.NullInt64
	var active int
	var createdAt int64
	err := scan(&inv.ID, &inv.Code, &inv.SessionCode, &role, &inv.CreatedBy,
		&expiresAt, &inv.MaxUses, &inv.Uses, &active, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.InviteRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.InviteRecord{}, fmt.Errorf("scan invitation: %w", err)
	}
	inv.Role, err = permission.NormalizeStoredRole(role)
	if err != nil {
		return storage.InviteRecord{}, fmt.Errorf("invitation role: %w", err)
	}
	inv.ExpiresAt = fromNullMillis(expiresAt)
	inv.Active = active != 0
	inv.CreatedAt = fromMillis(createdAt)
	return inv, nil
}

// ListInvites returns all invitations of a session, newest first.
func (s *Store) ListInvites(ctx context.Context, sessionCode string) ([]storage.InviteRecord, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+inviteColumns+` FROM invitations
WHERE session_code = ?
ORDER BY created_at DESC`, sessionCode)
	if err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	defer rows.Close()

	var out []storage.InviteRecord
	for rows.Next() {
		inv, err := scanInvite(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// ConsumeInvite atomically claims one use of a still-valid invitation. The
// conditional update makes concurrent acceptances race safely: only as many
// callers succeed as there are uses left.
func (s *Store) ConsumeInvite(ctx context.Context, id string, now time.Time) (bool, error) {
	if err := s.guard(ctx); err != nil {
		return false, err
	}

	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE invitations SET uses = uses + 1
WHERE id = ? AND active = 1 AND uses < max_uses
  AND (expires_at IS NULL OR expires_at > ?)`, id, toMillis(now))
	if err != nil {
		return false, fmt.Errorf("consume invitation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume invitation rows: %w", err)
	}
	return affected == 1, nil
}

// RevokeInvite deactivates an invitation.
func (s *Store) RevokeInvite(ctx context.Context, id string) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx, `UPDATE invitations SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("revoke invitation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke invitation rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// PutGrant stores a custom permission grant.
func (s *Store) PutGrant(ctx context.Context, g storage.GrantRecord) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(g.ID) == "" {
		return fmt.Errorf("grant id is required")
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO permission_grants (id, session_code, user_id, permission, granted_by, active, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.SessionCode, g.UserID, string(g.Permission), g.GrantedBy,
		boolToInt(g.Active), toMillis(g.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	return nil
}

// ListActiveGrants returns the active custom permissions of a member.
func (s *Store) ListActiveGrants(ctx context.Context, sessionCode, userID string) ([]storage.GrantRecord, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, session_code, user_id, permission, granted_by, active, created_at
FROM permission_grants
WHERE session_code = ? AND user_id = ? AND active = 1
ORDER BY created_at ASC`, sessionCode, userID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var out []storage.GrantRecord
	for rows.Next() {
		var g storage.GrantRecord
		var perm string
		var active int
		var createdAt int64
		if err := rows.Scan(&g.ID, &g.SessionCode, &g.UserID, &perm, &g.GrantedBy, &active, &createdAt); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		g.Permission = permission.Permission(perm)
		g.Active = active != 0
		g.CreatedAt = fromMillis(createdAt)
		out = append(out, g)
	}
	return out, rows.Err()
}

// DeactivateGrant revokes a member's custom permission.
func (s *Store) DeactivateGrant(ctx context.Context, sessionCode, userID string, perm permission.Permission) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE permission_grants SET active = 0
WHERE session_code = ? AND user_id = ? AND permission = ? AND active = 1`,
		sessionCode, userID, string(perm))
	if err != nil {
		return fmt.Errorf("deactivate grant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate grant rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
