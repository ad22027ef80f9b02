// Package engine holds the authoritative in-memory state of one live game
// session: its tables, entities, and characters.
//
// An Engine is owned exclusively by its session loop and is not safe for
// concurrent use. All synchronization happens by message passing into that
// loop; nothing outside it may touch the engine.
package engine

import (
	"sort"
	"strings"

	apperrors "github.com/wyrmtable/wyrmtable/internal/platform/errors"
)

// Engine is the in-memory table/entity state for one session.
type Engine struct {
	sessionCode  string
	tables       map[string]*Table
	tablesByName map[string]string
	characters   map[string]*Character
}

// New creates an empty engine for a session.
func New(sessionCode string) *Engine {
	return &Engine{
		sessionCode:  sessionCode,
		tables:       make(map[string]*Table),
		tablesByName: make(map[string]string),
		characters:   make(map[string]*Character),
	}
}

// SessionCode returns the owning session's code.
func (e *Engine) SessionCode() string {
	return e.sessionCode
}

// CreateTable adds a table. Names are unique within a session
// (case-insensitive) and dimensions must be positive.
func (e *Engine) CreateTable(id, name string, width, height int) (*Table, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "table name is required")
	}
	if width <= 0 || height <= 0 {
		return nil, apperrors.WithMetadata(apperrors.CodeInvalidDimensions,
			"table dimensions must be positive",
			map[string]string{"name": name})
	}
	if _, taken := e.tablesByName[strings.ToLower(name)]; taken {
		return nil, apperrors.WithMetadata(apperrors.CodeNameConflict,
			"table name already exists in session",
			map[string]string{"name": name})
	}

	table := newTable(id, name, width, height)
	e.tables[id] = table
	e.tablesByName[strings.ToLower(name)] = id
	return table, nil
}

// DeleteTable removes a table and cascades to its entities. The removed
// entity ids are returned so callers can stage the persistence deletes.
func (e *Engine) DeleteTable(tableID string) ([]string, error) {
	table, ok := e.tables[tableID]
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, "table not found")
	}
	removed := make([]string, 0, len(table.entities))
	for id := range table.entities {
		removed = append(removed, id)
	}
	sort.Strings(removed)
	delete(e.tables, tableID)
	delete(e.tablesByName, strings.ToLower(table.Name))
	return removed, nil
}

// Table returns a table by id.
func (e *Engine) Table(tableID string) (*Table, bool) {
	t, ok := e.tables[tableID]
	return t, ok
}

// TableByName returns a table by its session-unique name.
func (e *Engine) TableByName(name string) (*Table, bool) {
	id, ok := e.tablesByName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, false
	}
	return e.tables[id], true
}

// Tables returns all tables sorted by name for stable snapshots.
func (e *Engine) Tables() []*Table {
	out := make([]*Table, 0, len(e.tables))
	for _, t := range e.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddEntity places a new entity on a table. The entity's numeric per-table
// id is assigned here and never reused. Out-of-bounds positions are clamped
// to the nearest cell; the clamped flag lets callers emit a warning event.
func (e *Engine) AddEntity(tableID string, draft *Entity) (*Entity, bool, error) {
	table, ok := e.tables[tableID]
	if !ok {
		return nil, false, apperrors.New(apperrors.CodeNotFound, "table not found")
	}
	if strings.TrimSpace(draft.ID) == "" {
		return nil, false, apperrors.New(apperrors.CodeInvalidArgument, "entity id is required")
	}
	if _, exists := table.entities[draft.ID]; exists {
		return nil, false, apperrors.New(apperrors.CodeNameConflict, "entity id already exists on table")
	}

	entity := draft.Clone()
	entity.TableID = tableID
	entity.Num = table.nextNum
	table.nextNum++
	if entity.Kind == "" {
		entity.Kind = DefaultKind(entity.Layer)
	}
	if entity.ScaleX == 0 {
		entity.ScaleX = 1
	}
	if entity.ScaleY == 0 {
		entity.ScaleY = 1
	}

	clamped := false
	entity.Pos, clamped = table.clamp(entity.Pos)

	table.entities[entity.ID] = entity
	table.insertOrdered(entity)
	return entity.Clone(), clamped, nil
}

// MoveEntity writes a new position, clamping to the table bounds.
func (e *Engine) MoveEntity(tableID, entityID string, pos Position) (*Entity, bool, error) {
	table, ok := e.tables[tableID]
	if !ok {
		return nil, false, apperrors.New(apperrors.CodeNotFound, "table not found")
	}
	entity, ok := table.entities[entityID]
	if !ok {
		return nil, false, apperrors.New(apperrors.CodeNotFound, "entity not found")
	}
	clamped := false
	entity.Pos, clamped = table.clamp(pos)
	return entity.Clone(), clamped, nil
}

// UpdateEntity applies a partial update. Layer changes re-slot the entity in
// z-order; its numeric id is retained.
func (e *Engine) UpdateEntity(tableID, entityID string, patch EntityPatch) (*Entity, error) {
	table, ok := e.tables[tableID]
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, "table not found")
	}
	entity, ok := table.entities[entityID]
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, "entity not found")
	}

	if patch.Layer != nil && *patch.Layer != entity.Layer {
		layer, err := ParseLayer(string(*patch.Layer))
		if err != nil {
			return nil, err
		}
		table.removeFromOrder(entity)
		entity.Layer = layer
		table.insertOrdered(entity)
	}
	entity.applyPatch(patch)
	return entity.Clone(), nil
}

// DeleteEntity removes an entity from its table.
func (e *Engine) DeleteEntity(tableID, entityID string) (*Entity, error) {
	table, ok := e.tables[tableID]
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, "table not found")
	}
	entity, ok := table.entities[entityID]
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, "entity not found")
	}
	table.removeFromOrder(entity)
	delete(table.entities, entityID)
	return entity.Clone(), nil
}

// FindEntity locates an entity across all tables.
func (e *Engine) FindEntity(entityID string) (*Table, *Entity, bool) {
	for _, table := range e.tables {
		if entity, ok := table.entities[entityID]; ok {
			return table, entity, true
		}
	}
	return nil, nil, false
}

// SetLayerVisibility toggles a layer on a table.
func (e *Engine) SetLayerVisibility(tableID string, layer Layer, visible bool) error {
	table, ok := e.tables[tableID]
	if !ok {
		return apperrors.New(apperrors.CodeNotFound, "table not found")
	}
	table.LayerVisibility[layer] = visible
	return nil
}

// SetFog replaces the authoritative fog rectangles on a table.
func (e *Engine) SetFog(tableID string, rects []FogRect) (*Table, error) {
	table, ok := e.tables[tableID]
	if !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, "table not found")
	}
	table.FogRectangles = append([]FogRect(nil), rects...)
	return table, nil
}

// RestoreTable reinstates a table loaded from storage, recomputing the
// z-order indexes and the next numeric id from the restored entities.
func (e *Engine) RestoreTable(table *Table, entities []*Entity) {
	restored := newTable(table.ID, table.Name, table.Width, table.Height)
	restored.PosX = table.PosX
	restored.PosY = table.PosY
	restored.ScaleX = table.ScaleX
	restored.ScaleY = table.ScaleY
	if table.LayerVisibility != nil {
		for layer, visible := range table.LayerVisibility {
			restored.LayerVisibility[layer] = visible
		}
	}
	restored.FogRectangles = append([]FogRect(nil), table.FogRectangles...)

	for _, entity := range entities {
		dup := entity.Clone()
		dup.TableID = table.ID
		restored.entities[dup.ID] = dup
		restored.insertOrdered(dup)
		if dup.Num >= restored.nextNum {
			restored.nextNum = dup.Num + 1
		}
	}

	e.tables[table.ID] = restored
	e.tablesByName[strings.ToLower(table.Name)] = table.ID
}
