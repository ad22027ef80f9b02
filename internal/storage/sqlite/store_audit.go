package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/wyrmtable/wyrmtable/internal/game/audit"
	"github.com/wyrmtable/wyrmtable/internal/storage"
)

// AppendAudit writes one audit entry.
func (s *Store) AppendAudit(ctx context.Context, entry storage.AuditRecord) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	return appendAudit(ctx, s.sqlDB, entry)
}

func appendAudit(ctx context.Context, exec execContexter, entry storage.AuditRecord) error {
	if strings.TrimSpace(string(entry.EventType)) == "" {
		return fmt.Errorf("event type is required")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := exec.ExecContext(ctx, `
INSERT INTO audit_log (event_type, session_code, actor_id, target_id, ip, user_agent, details_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(entry.EventType), entry.SessionCode, entry.ActorID, entry.TargetID,
		entry.IP, entry.UserAgent, rawOrDefault(entry.DetailsJSON, "{}"),
		toMillis(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// QueryAudit returns audit entries for a session, newest first. An empty
// session code queries the global (identity) log.
func (s *Store) QueryAudit(ctx context.Context, sessionCode string, filter audit.Filter) ([]storage.AuditRecord, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}

	query := `
SELECT id, event_type, session_code, actor_id, target_id, ip, user_agent, details_json, created_at
FROM audit_log
WHERE session_code = ?`
	args := []any{sessionCode}

	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, string(filter.EventType))
	}
	if filter.UserID != "" {
		query += ` AND (actor_id = ? OR target_id = ?)`
		args = append(args, filter.UserID, filter.UserID)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []storage.AuditRecord
	for rows.Next() {
		var entry storage.AuditRecord
		var eventType, details string
		var createdAt int64
		if err := rows.Scan(&entry.ID, &eventType, &entry.SessionCode, &entry.ActorID,
			&entry.TargetID, &entry.IP, &entry.UserAgent, &details, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		entry.EventType = audit.EventType(eventType)
		entry.DetailsJSON = json.RawMessage(details)
		entry.CreatedAt = fromMillis(createdAt)
		out = append(out, entry)
	}
	return out, rows.Err()
}
