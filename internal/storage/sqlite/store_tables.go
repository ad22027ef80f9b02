package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wyrmtable/wyrmtable/internal/storage"
)

const tableColumns = `id, session_code, name, width, height, pos_x, pos_y, scale_x, scale_y, layers_json, fog_json, created_at, updated_at`

const entityColumns = `id, table_id, num, name, x, y, layer, kind, texture, scale_x, scale_y, rotation, obstacle_kind, obstacle_json, extras_json, stats_json, character_id, controllers_json, created_at, updated_at`

func rawOrDefault(raw json.RawMessage, fallback string) string {
	if len(raw) == 0 {
		return fallback
	}
	return string(raw)
}

// PutTable upserts a table record.
func (s *Store) PutTable(ctx context.Context, t storage.TableRecord) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	return putTable(ctx, s.sqlDB, t)
}

func putTable(ctx context.Context, exec execContexter, t storage.TableRecord) error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("table id is required")
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := exec.ExecContext(ctx, `
INSERT INTO game_tables (`+tableColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    name = excluded.name,
    width = excluded.width,
    height = excluded.height,
    pos_x = excluded.pos_x,
    pos_y = excluded.pos_y,
    scale_x = excluded.scale_x,
    scale_y = excluded.scale_y,
    layers_json = excluded.layers_json,
    fog_json = excluded.fog_json,
    updated_at = excluded.updated_at`,
		t.ID, t.SessionCode, t.Name, t.Width, t.Height,
		t.PosX, t.PosY, t.ScaleX, t.ScaleY,
		rawOrDefault(t.LayersJSON, "{}"), rawOrDefault(t.FogJSON, "[]"),
		toMillis(t.CreatedAt), toMillis(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put table: %w", err)
	}
	return nil
}

// DeleteTable removes a table; its entities cascade.
func (s *Store) DeleteTable(ctx context.Context, tableID string) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	return deleteTable(ctx, s.sqlDB, tableID)
}

func deleteTable(ctx context.Context, exec execContexter, tableID string) error {
	res, err := exec.ExecContext(ctx, `DELETE FROM game_tables WHERE id = ?`, tableID)
	if err != nil {
		return fmt.Errorf("delete table: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete table rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListTables returns all tables of a session ordered by name.
func (s *Store) ListTables(ctx context.Context, sessionCode string) ([]storage.TableRecord, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+tableColumns+` FROM game_tables
WHERE session_code = ?
ORDER BY name ASC`, sessionCode)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var out []storage.TableRecord
	for rows.Next() {
		var t storage.TableRecord
		var layers, fog string
		var createdAt, updatedAt int64
		if err := rows.Scan(&t.ID, &t.SessionCode, &t.Name, &t.Width, &t.Height,
			&t.PosX, &t.PosY, &t.ScaleX, &t.ScaleY, &layers, &fog,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		t.LayersJSON = json.RawMessage(layers)
		t.FogJSON = json.RawMessage(fog)
		t.CreatedAt = fromMillis(createdAt)
		t.UpdatedAt = fromMillis(updatedAt)
		out = append(out, t)
	}
	return out, rows.Err()
}

// PutEntity upserts an entity record.
func (s *Store) PutEntity(ctx context.Context, e storage.EntityRecord) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	return putEntity(ctx, s.sqlDB, e)
}

func putEntity(ctx context.Context, exec execContexter, e storage.EntityRecord) error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("entity id is required")
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	var stats any
	if len(e.StatsJSON) > 0 {
		stats = string(e.StatsJSON)
	}

	_, err := exec.ExecContext(ctx, `
INSERT INTO entities (`+entityColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    num = excluded.num,
    name = excluded.name,
    x = excluded.x,
    y = excluded.y,
    layer = excluded.layer,
    kind = excluded.kind,
    texture = excluded.texture,
    scale_x = excluded.scale_x,
    scale_y = excluded.scale_y,
    rotation = excluded.rotation,
    obstacle_kind = excluded.obstacle_kind,
    obstacle_json = excluded.obstacle_json,
    extras_json = excluded.extras_json,
    stats_json = excluded.stats_json,
    character_id = excluded.character_id,
    controllers_json = excluded.controllers_json,
    updated_at = excluded.updated_at`,
		e.ID, e.TableID, e.Num, e.Name, e.X, e.Y, e.Layer, e.Kind, e.Texture,
		e.ScaleX, e.ScaleY, e.Rotation, e.ObstacleKind,
		rawOrDefault(e.ObstacleJSON, "{}"), rawOrDefault(e.ExtrasJSON, "{}"),
		stats, e.CharacterID, rawOrDefault(e.ControllersJSON, "[]"),
		toMillis(e.CreatedAt), toMillis(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put entity: %w", err)
	}
	return nil
}

// DeleteEntity removes an entity record.
func (s *Store) DeleteEntity(ctx context.Context, entityID string) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	return deleteEntity(ctx, s.sqlDB, entityID)
}

func deleteEntity(ctx context.Context, exec execContexter, entityID string) error {
	res, err := exec.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, entityID)
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete entity rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListEntitiesBySession loads every entity of a session in one joined query.
func (s *Store) ListEntitiesBySession(ctx context.Context, sessionCode string) ([]storage.EntityRecord, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT e.id, e.table_id, e.num, e.name, e.x, e.y, e.layer, e.kind, e.texture,
       e.scale_x, e.scale_y, e.rotation, e.obstacle_kind, e.obstacle_json,
       e.extras_json, e.stats_json, e.character_id, e.controllers_json,
       e.created_at, e.updated_at
FROM entities e
JOIN game_tables t ON t.id = e.table_id
WHERE t.session_code = ?
ORDER BY e.table_id, e.num ASC`, sessionCode)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []storage.EntityRecord
	for rows.Next() {
		var e storage.EntityRecord
		var obstacle, extras, controllers string
		var stats sql.NullString
		var createdAt, updatedAt int64
		if err := rows.Scan(&e.ID, &e.TableID, &e.Num, &e.Name, &e.X, &e.Y,
			&e.Layer, &e.Kind, &e.Texture, &e.ScaleX, &e.ScaleY, &e.Rotation,
			&e.ObstacleKind, &obstacle, &extras, &stats, &e.CharacterID,
			&controllers, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e.ObstacleJSON = json.RawMessage(obstacle)
		e.ExtrasJSON = json.RawMessage(extras)
		if stats.Valid {
			e.StatsJSON = json.RawMessage(stats.String)
		}
		e.ControllersJSON = json.RawMessage(controllers)
		e.CreatedAt = fromMillis(createdAt)
		e.UpdatedAt = fromMillis(updatedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// PutCharacter upserts a character sheet record.
func (s *Store) PutCharacter(ctx context.Context, c storage.CharacterRecord) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	return putCharacter(ctx, s.sqlDB, c)
}

func putCharacter(ctx context.Context, exec execContexter, c storage.CharacterRecord) error {
	if strings.TrimSpace(c.ID) == "" || strings.TrimSpace(c.SessionCode) == "" {
		return fmt.Errorf("character id and session code are required")
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := exec.ExecContext(ctx, `
INSERT INTO characters (session_code, id, name, data_json, owner_id, version, last_modified_by, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (session_code, id) DO UPDATE SET
    name = excluded.name,
    data_json = excluded.data_json,
    owner_id = excluded.owner_id,
    version = excluded.version,
    last_modified_by = excluded.last_modified_by,
    updated_at = excluded.updated_at`,
		c.SessionCode, c.ID, c.Name, rawOrDefault(c.DataJSON, "{}"), c.OwnerID,
		c.Version, c.LastModifiedBy, toMillis(c.CreatedAt), toMillis(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("put character: %w", err)
	}
	return nil
}

// GetCharacter fetches a character sheet.
func (s *Store) GetCharacter(ctx context.Context, sessionCode, characterID string) (storage.CharacterRecord, error) {
	if err := s.guard(ctx); err != nil {
		return storage.CharacterRecord{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT session_code, id, name, data_json, owner_id, version, last_modified_by, created_at, updated_at
FROM characters WHERE session_code = ? AND id = ?`, sessionCode, characterID)
	return scanCharacter(row.Scan)
}

func scanCharacter(scan func(dest ...any) error) (storage.CharacterRecord, error) {
	var c storage.CharacterRecord
	var data string
	var createdAt, updatedAt int64
	err := scan(&c.SessionCode, &c.ID, &c.Name, &data, &c.OwnerID,
		&c.Version, &c.LastModifiedBy, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.CharacterRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.CharacterRecord{}, fmt.Errorf("scan character: %w", err)
	}
	c.DataJSON = json.RawMessage(data)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return c, nil
}

// DeleteCharacter removes a character sheet.
func (s *Store) DeleteCharacter(ctx context.Context, sessionCode, characterID string) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	return deleteCharacter(ctx, s.sqlDB, sessionCode, characterID)
}

func deleteCharacter(ctx context.Context, exec execContexter, sessionCode, characterID string) error {
	res, err := exec.ExecContext(ctx, `
DELETE FROM characters WHERE session_code = ? AND id = ?`, sessionCode, characterID)
	if err != nil {
		return fmt.Errorf("delete character: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete character rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListCharacters returns all characters of a session ordered by name.
func (s *Store) ListCharacters(ctx context.Context, sessionCode string) ([]storage.CharacterRecord, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT session_code, id, name, data_json, owner_id, version, last_modified_by, created_at, updated_at
FROM characters WHERE session_code = ?
ORDER BY name ASC`, sessionCode)
	if err != nil {
		return nil, fmt.Errorf("list characters: %w", err)
	}
	defer rows.Close()

	var out []storage.CharacterRecord
	for rows.Next() {
		c, err := scanCharacter(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
