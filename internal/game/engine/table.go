package engine

import (
	"sort"
	"strings"

	apperrors "github.com/wyrmtable/wyrmtable/internal/platform/errors"
)

// Layer names a sub-plane of a table controlling visibility and z-order.
type Layer string

const (
	LayerMap       Layer = "map"
	LayerTokens    Layer = "tokens"
	LayerDM        Layer = "dungeon_master"
	LayerObstacles Layer = "obstacles"
	LayerLight     Layer = "light"
)

// ZOrder lists layers bottom-up; entities render per layer in this order.
var ZOrder = []Layer{LayerMap, LayerObstacles, LayerTokens, LayerLight, LayerDM}

// layerAliases maps renderer-only layer names onto the closed set.
var layerAliases = map[string]Layer{
	"dm":         LayerDM,
	"gm":         LayerDM,
	"background": LayerMap,
	"token":      LayerTokens,
}

// ParseLayer validates a layer string, accepting renderer aliases.
func ParseLayer(value string) (Layer, error) {
	name := strings.TrimSpace(value)
	if alias, ok := layerAliases[name]; ok {
		return alias, nil
	}
	layer := Layer(name)
	for _, known := range ZOrder {
		if layer == known {
			return layer, nil
		}
	}
	return "", apperrors.WithMetadata(apperrors.CodeInvalidLayer,
		"unknown layer", map[string]string{"layer": value})
}

// FogRect is one axis-aligned fog-of-war rectangle on a table. The table's
// fog_rectangles field is the authoritative location for fog state; any
// client-side cache is a derived view.
type FogRect struct {
	X      int  `json:"x"`
	Y      int  `json:"y"`
	W      int  `json:"w"`
	H      int  `json:"h"`
	Reveal bool `json:"reveal"`
}

// Table is a bounded 2D grid within a session on which entities live.
type Table struct {
	ID              string
	Name            string
	Width           int
	Height          int
	PosX            float64
	PosY            float64
	ScaleX          float64
	ScaleY          float64
	LayerVisibility map[Layer]bool
	FogRectangles   []FogRect

	entities map[string]*Entity
	order    map[Layer][]string
	nextNum  int64
}

func newTable(id, name string, width, height int) *Table {
	visibility := make(map[Layer]bool, len(ZOrder))
	for _, layer := range ZOrder {
		visibility[layer] = true
	}
	return &Table{
		ID:              id,
		Name:            name,
		Width:           width,
		Height:          height,
		ScaleX:          1,
		ScaleY:          1,
		LayerVisibility: visibility,
		entities:        make(map[string]*Entity),
		order:           make(map[Layer][]string),
		nextNum:         1,
	}
}

// Entity returns the entity with the given sprite id, if present.
func (t *Table) Entity(id string) (*Entity, bool) {
	e, ok := t.entities[id]
	return e, ok
}

// EntityCount reports how many entities live on the table.
func (t *Table) EntityCount() int {
	return len(t.entities)
}

// Entities returns all entities in z-order: layers bottom-up, and within a
// layer in insertion order (numeric per-table id ascending). Deletion leaves
// a hole; numeric ids are never reused within a session.
func (t *Table) Entities() []*Entity {
	out := make([]*Entity, 0, len(t.entities))
	for _, layer := range ZOrder {
		for _, id := range t.order[layer] {
			out = append(out, t.entities[id])
		}
	}
	return out
}

// clamp forces a position inside [0,width) x [0,height) and reports whether
// clamping was needed. Out-of-bounds writes are corrected, never dropped.
func (t *Table) clamp(pos Position) (Position, bool) {
	clamped := pos
	if clamped.X < 0 {
		clamped.X = 0
	}
	if clamped.X >= t.Width {
		clamped.X = t.Width - 1
	}
	if clamped.Y < 0 {
		clamped.Y = 0
	}
	if clamped.Y >= t.Height {
		clamped.Y = t.Height - 1
	}
	return clamped, clamped != pos
}

// insertOrdered places an entity id in its layer's z-order keeping numeric
// ids ascending. Entities restored from storage may arrive out of order.
func (t *Table) insertOrdered(e *Entity) {
	ids := t.order[e.Layer]
	at := sort.Search(len(ids), func(i int) bool {
		return t.entities[ids[i]].Num > e.Num
	})
	ids = append(ids, "")
	copy(ids[at+1:], ids[at:])
	ids[at] = e.ID
	t.order[e.Layer] = ids
}

func (t *Table) removeFromOrder(e *Entity) {
	ids := t.order[e.Layer]
	for i, id := range ids {
		if id == e.ID {
			t.order[e.Layer] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}
