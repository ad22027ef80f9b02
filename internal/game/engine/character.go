package engine

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/wyrmtable/wyrmtable/internal/platform/errors"
)

// Character is a persistent sheet record, session-scoped, optionally bound
// to one or more entities. The sheet data is opaque to the core.
type Character struct {
	ID             string
	Name           string
	Data           map[string]any
	OwnerID        string
	Version        int64
	LastModifiedBy string
}

// Clone returns a deep copy safe to hand outside the session loop.
func (c *Character) Clone() *Character {
	dup := *c
	dup.Data = deepCopyMap(c.Data)
	return &dup
}

// DataJSON marshals the sheet data for persistence and broadcast.
func (c *Character) DataJSON() (json.RawMessage, error) {
	if c.Data == nil {
		return json.RawMessage(`{}`), nil
	}
	raw, err := json.Marshal(c.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal character data: %w", err)
	}
	return raw, nil
}

// mergeData deep-merges patch into stored: top-level and nested maps merge
// recursively, arrays and scalars are replaced wholesale. The inputs are not
// mutated.
func mergeData(stored, patch map[string]any) map[string]any {
	merged := deepCopyMap(stored)
	if merged == nil {
		merged = make(map[string]any, len(patch))
	}
	for key, value := range patch {
		patchMap, patchIsMap := value.(map[string]any)
		storedMap, storedIsMap := merged[key].(map[string]any)
		if patchIsMap && storedIsMap {
			merged[key] = mergeData(storedMap, patchMap)
			continue
		}
		merged[key] = deepCopyValue(value)
	}
	return merged
}

func deepCopyMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for key, value := range src {
		dst[key] = deepCopyValue(value)
	}
	return dst
}

func deepCopyValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return deepCopyMap(typed)
	case []any:
		dup := make([]any, len(typed))
		for i, item := range typed {
			dup[i] = deepCopyValue(item)
		}
		return dup
	default:
		return value
	}
}

// SaveCharacter applies the versioned character save protocol. A missing
// character is created at version 1. When expectedVersion is non-nil it must
// equal the stored version; on mismatch the current stored state is returned
// alongside a VERSION_CONFLICT error and nothing changes.
func (e *Engine) SaveCharacter(characterID, name string, patch map[string]any, actorID, ownerID string, expectedVersion *int64) (*Character, error) {
	stored, exists := e.characters[characterID]
	if !exists {
		created := &Character{
			ID:             characterID,
			Name:           name,
			Data:           mergeData(nil, patch),
			OwnerID:        ownerID,
			Version:        1,
			LastModifiedBy: actorID,
		}
		e.characters[characterID] = created
		return created.Clone(), nil
	}

	if expectedVersion != nil && stored.Version != *expectedVersion {
		return stored.Clone(), apperrors.WithMetadata(apperrors.CodeVersionConflict,
			"character version mismatch",
			map[string]string{
				"character_id": characterID,
				"expected":     fmt.Sprintf("%d", *expectedVersion),
				"stored":       fmt.Sprintf("%d", stored.Version),
			})
	}

	stored.Data = mergeData(stored.Data, patch)
	if name != "" {
		stored.Name = name
	}
	stored.Version++
	stored.LastModifiedBy = actorID
	return stored.Clone(), nil
}

// Character returns a copy of the character record.
func (e *Engine) Character(characterID string) (*Character, bool) {
	c, ok := e.characters[characterID]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Characters returns copies of all characters in the session.
func (e *Engine) Characters() []*Character {
	out := make([]*Character, 0, len(e.characters))
	for _, c := range e.characters {
		out = append(out, c.Clone())
	}
	return out
}

// DeleteCharacter removes a character and nulls any entity bindings that
// reference it. Entities are never cascaded into deletion.
func (e *Engine) DeleteCharacter(characterID string) ([]*Entity, error) {
	if _, ok := e.characters[characterID]; !ok {
		return nil, apperrors.New(apperrors.CodeNotFound, "character not found")
	}
	delete(e.characters, characterID)

	var unbound []*Entity
	for _, table := range e.tables {
		for _, entity := range table.entities {
			if entity.CharacterID == characterID {
				entity.CharacterID = ""
				unbound = append(unbound, entity.Clone())
			}
		}
	}
	return unbound, nil
}

// EntitiesBoundTo returns copies of every entity referencing characterID.
func (e *Engine) EntitiesBoundTo(characterID string) []*Entity {
	var bound []*Entity
	for _, table := range e.tables {
		for _, entity := range table.Entities() {
			if entity.CharacterID == characterID {
				bound = append(bound, entity.Clone())
			}
		}
	}
	return bound
}

// RestoreCharacter reinstates a character loaded from storage.
func (e *Engine) RestoreCharacter(c *Character) {
	e.characters[c.ID] = c.Clone()
}
