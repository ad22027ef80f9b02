package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/wyrmtable/wyrmtable/internal/game/engine"
	"github.com/wyrmtable/wyrmtable/internal/storage"
)

// Conversions between the engine's in-memory types and storage records.
// JSON blob columns (layer visibility, fog, controllers, stats) are encoded
// and decoded only here.

func tableToRecord(sessionCode string, t *engine.Table, now time.Time) (storage.TableRecord, error) {
	layers, err := json.Marshal(t.LayerVisibility)
	if err != nil {
		return storage.TableRecord{}, fmt.Errorf("marshal layer visibility: %w", err)
	}
	fog := t.FogRectangles
	if fog == nil {
		fog = []engine.FogRect{}
	}
	fogRaw, err := json.Marshal(fog)
	if err != nil {
		return storage.TableRecord{}, fmt.Errorf("marshal fog rectangles: %w", err)
	}
	return storage.TableRecord{
		ID:          t.ID,
		SessionCode: sessionCode,
		Name:        t.Name,
		Width:       t.Width,
		Height:      t.Height,
		PosX:        t.PosX,
		PosY:        t.PosY,
		ScaleX:      t.ScaleX,
		ScaleY:      t.ScaleY,
		LayersJSON:  layers,
		FogJSON:     fogRaw,
		UpdatedAt:   now,
	}, nil
}

func recordToTable(rec storage.TableRecord) (*engine.Table, error) {
	table := &engine.Table{
		ID:     rec.ID,
		Name:   rec.Name,
		Width:  rec.Width,
		Height: rec.Height,
		PosX:   rec.PosX,
		PosY:   rec.PosY,
		ScaleX: rec.ScaleX,
		ScaleY: rec.ScaleY,
	}
	if len(rec.LayersJSON) > 0 {
		if err := json.Unmarshal(rec.LayersJSON, &table.LayerVisibility); err != nil {
			return nil, fmt.Errorf("decode layer visibility for table %s: %w", rec.ID, err)
		}
	}
	if len(rec.FogJSON) > 0 {
		if err := json.Unmarshal(rec.FogJSON, &table.FogRectangles); err != nil {
			return nil, fmt.Errorf("decode fog rectangles for table %s: %w", rec.ID, err)
		}
	}
	return table, nil
}

func entityToRecord(e *engine.Entity, now time.Time) (storage.EntityRecord, error) {
	rec := storage.EntityRecord{
		ID:           e.ID,
		TableID:      e.TableID,
		Num:          e.Num,
		Name:         e.Name,
		X:            e.Pos.X,
		Y:            e.Pos.Y,
		Layer:        string(e.Layer),
		Kind:         string(e.Kind),
		Texture:      e.Texture,
		ScaleX:       e.ScaleX,
		ScaleY:       e.ScaleY,
		Rotation:     e.Rotation,
		ObstacleKind: e.ObstacleKind,
		ObstacleJSON: e.ObstacleData,
		ExtrasJSON:   e.Extras,
		CharacterID:  e.CharacterID,
		UpdatedAt:    now,
	}
	if e.Stats != nil {
		raw, err := json.Marshal(e.Stats)
		if err != nil {
			return storage.EntityRecord{}, fmt.Errorf("marshal stats for entity %s: %w", e.ID, err)
		}
		rec.StatsJSON = raw
	}
	controllers := e.Controllers
	if controllers == nil {
		controllers = []string{}
	}
	raw, err := json.Marshal(controllers)
	if err != nil {
		return storage.EntityRecord{}, fmt.Errorf("marshal controllers for entity %s: %w", e.ID, err)
	}
	rec.ControllersJSON = raw
	return rec, nil
}

func recordToEntity(rec storage.EntityRecord) (*engine.Entity, error) {
	layer, err := engine.ParseLayer(rec.Layer)
	if err != nil {
		return nil, fmt.Errorf("entity %s: %w", rec.ID, err)
	}
	entity := &engine.Entity{
		ID:           rec.ID,
		TableID:      rec.TableID,
		Num:          rec.Num,
		Name:         rec.Name,
		Pos:          engine.Position{X: rec.X, Y: rec.Y},
		Layer:        layer,
		Kind:         engine.Kind(rec.Kind),
		Texture:      rec.Texture,
		ScaleX:       rec.ScaleX,
		ScaleY:       rec.ScaleY,
		Rotation:     rec.Rotation,
		ObstacleKind: rec.ObstacleKind,
		ObstacleData: rec.ObstacleJSON,
		Extras:       rec.ExtrasJSON,
		CharacterID:  rec.CharacterID,
	}
	if entity.Kind == "" {
		entity.Kind = engine.DefaultKind(layer)
	}
	if len(rec.StatsJSON) > 0 {
		stats := &engine.Stats{}
		if err := json.Unmarshal(rec.StatsJSON, stats); err != nil {
			return nil, fmt.Errorf("decode stats for entity %s: %w", rec.ID, err)
		}
		entity.Stats = stats
	}
	if len(rec.ControllersJSON) > 0 {
		if err := json.Unmarshal(rec.ControllersJSON, &entity.Controllers); err != nil {
			return nil, fmt.Errorf("decode controllers for entity %s: %w", rec.ID, err)
		}
	}
	return entity, nil
}

func characterToRecord(sessionCode string, c *engine.Character, now time.Time) (storage.CharacterRecord, error) {
	data, err := c.DataJSON()
	if err != nil {
		return storage.CharacterRecord{}, err
	}
	return storage.CharacterRecord{
		ID:             c.ID,
		SessionCode:    sessionCode,
		Name:           c.Name,
		DataJSON:       data,
		OwnerID:        c.OwnerID,
		Version:        c.Version,
		LastModifiedBy: c.LastModifiedBy,
		UpdatedAt:      now,
	}, nil
}

func recordToCharacter(rec storage.CharacterRecord) (*engine.Character, error) {
	character := &engine.Character{
		ID:             rec.ID,
		Name:           rec.Name,
		OwnerID:        rec.OwnerID,
		Version:        rec.Version,
		LastModifiedBy: rec.LastModifiedBy,
	}
	if len(rec.DataJSON) > 0 {
		if err := json.Unmarshal(rec.DataJSON, &character.Data); err != nil {
			return nil, fmt.Errorf("decode data for character %s: %w", rec.ID, err)
		}
	}
	return character, nil
}
