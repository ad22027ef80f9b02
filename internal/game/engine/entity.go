package engine

import (
	"encoding/json"
	"strings"

	apperrors "github.com/wyrmtable/wyrmtable/internal/platform/errors"
)

// Kind tags the variant of an entity. A single Entity type with optional
// per-kind fields replaces any class hierarchy.
type Kind string

const (
	KindPlayerToken Kind = "player_token"
	KindNPC         Kind = "npc"
	KindObject      Kind = "object"
	KindLight       Kind = "light"
	KindObstacle    Kind = "obstacle"
)

// ParseKind validates an entity kind from the wire.
func ParseKind(value string) (Kind, error) {
	kind := Kind(strings.TrimSpace(value))
	switch kind {
	case KindPlayerToken, KindNPC, KindObject, KindLight, KindObstacle:
		return kind, nil
	}
	return "", apperrors.WithMetadata(apperrors.CodeInvalidArgument,
		"unknown entity kind", map[string]string{"kind": value})
}

// DefaultKind picks the kind implied by a layer when the client omits one.
func DefaultKind(layer Layer) Kind {
	switch layer {
	case LayerMap:
		return KindObject
	case LayerObstacles:
		return KindObstacle
	case LayerLight:
		return KindLight
	default:
		return KindPlayerToken
	}
}

// Position is an integer grid cell on a table.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Stats carries the optional gameplay numbers bound to an entity. The server
// stores and broadcasts them; it never interprets them.
type Stats struct {
	HP         int `json:"hp"`
	MaxHP      int `json:"max_hp"`
	AC         int `json:"ac"`
	AuraRadius int `json:"aura_radius"`
}

// Entity is any positioned object on a table.
type Entity struct {
	ID      string // sprite id, unique within the session
	Num     int64  // per-table numeric id, never reused
	TableID string

	Name     string
	Pos      Position
	Layer    Layer
	Kind     Kind
	Texture  string
	ScaleX   float64
	ScaleY   float64
	Rotation float64

	ObstacleKind string
	ObstacleData json.RawMessage

	// Extras is the bounded opaque metadata blob; stored verbatim, never
	// interpreted by the core.
	Extras json.RawMessage

	Stats       *Stats
	CharacterID string
	Controllers []string
}

// ControlledBy reports whether userID is in the entity's explicit
// controller list.
func (e *Entity) ControlledBy(userID string) bool {
	for _, id := range e.Controllers {
		if id == userID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand outside the session loop.
func (e *Entity) Clone() *Entity {
	dup := *e
	if e.Stats != nil {
		stats := *e.Stats
		dup.Stats = &stats
	}
	if e.Controllers != nil {
		dup.Controllers = append([]string(nil), e.Controllers...)
	}
	if e.ObstacleData != nil {
		dup.ObstacleData = append(json.RawMessage(nil), e.ObstacleData...)
	}
	if e.Extras != nil {
		dup.Extras = append(json.RawMessage(nil), e.Extras...)
	}
	return &dup
}

// EntityPatch describes a partial update to an entity's mutable attributes.
// Nil fields are left untouched.
type EntityPatch struct {
	Name         *string
	Layer        *Layer
	Texture      *string
	ScaleX       *float64
	ScaleY       *float64
	Rotation     *float64
	ObstacleKind *string
	ObstacleData json.RawMessage
	Extras       json.RawMessage
	HP           *int
	MaxHP        *int
	AC           *int
	AuraRadius   *int
	CharacterID  *string
	Controllers  *[]string
}

// TouchesObstacleData reports whether the patch writes obstacle geometry.
func (p EntityPatch) TouchesObstacleData() bool {
	return p.ObstacleKind != nil || p.ObstacleData != nil
}

// TouchesLight reports whether the patch writes light metadata inside the
// extras blob.
func (p EntityPatch) TouchesLight() bool {
	if p.Extras == nil {
		return false
	}
	var extras map[string]json.RawMessage
	if err := json.Unmarshal(p.Extras, &extras); err != nil {
		return false
	}
	_, ok := extras["light"]
	return ok
}

// TouchesStats reports whether the patch writes gameplay stats.
func (p EntityPatch) TouchesStats() bool {
	return p.HP != nil || p.MaxHP != nil || p.AC != nil || p.AuraRadius != nil
}

func (e *Entity) applyPatch(patch EntityPatch) {
	if patch.Name != nil {
		e.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Texture != nil {
		e.Texture = *patch.Texture
	}
	if patch.ScaleX != nil {
		e.ScaleX = *patch.ScaleX
	}
	if patch.ScaleY != nil {
		e.ScaleY = *patch.ScaleY
	}
	if patch.Rotation != nil {
		e.Rotation = *patch.Rotation
	}
	if patch.ObstacleKind != nil {
		e.ObstacleKind = *patch.ObstacleKind
	}
	if patch.ObstacleData != nil {
		e.ObstacleData = append(json.RawMessage(nil), patch.ObstacleData...)
	}
	if patch.Extras != nil {
		e.Extras = append(json.RawMessage(nil), patch.Extras...)
	}
	if patch.TouchesStats() {
		if e.Stats == nil {
			e.Stats = &Stats{}
		}
		if patch.HP != nil {
			e.Stats.HP = *patch.HP
		}
		if patch.MaxHP != nil {
			e.Stats.MaxHP = *patch.MaxHP
		}
		if patch.AC != nil {
			e.Stats.AC = *patch.AC
		}
		if patch.AuraRadius != nil {
			e.Stats.AuraRadius = *patch.AuraRadius
		}
	}
	if patch.CharacterID != nil {
		e.CharacterID = strings.TrimSpace(*patch.CharacterID)
	}
	if patch.Controllers != nil {
		e.Controllers = append([]string(nil), (*patch.Controllers)...)
	}
}
