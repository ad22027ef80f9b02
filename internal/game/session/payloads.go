package session

import (
	"encoding/json"

	"github.com/wyrmtable/wyrmtable/internal/game/engine"
	"github.com/wyrmtable/wyrmtable/internal/game/permission"
)

// Outbound payload shapes. Entities and tables are always rendered from
// engine clones; the loop never leaks live engine pointers onto the wire.

type entityPayload struct {
	ID           string          `json:"id"`
	TableID      string          `json:"table_id"`
	Num          int64           `json:"num"`
	Name         string          `json:"name"`
	X            int             `json:"x"`
	Y            int             `json:"y"`
	Layer        string          `json:"layer"`
	Kind         string          `json:"kind"`
	Texture      string          `json:"texture,omitempty"`
	ScaleX       float64         `json:"scale_x"`
	ScaleY       float64         `json:"scale_y"`
	Rotation     float64         `json:"rotation,omitempty"`
	ObstacleKind string          `json:"obstacle_kind,omitempty"`
	ObstacleData json.RawMessage `json:"obstacle_data,omitempty"`
	Extras       json.RawMessage `json:"extras,omitempty"`
	Stats        *engine.Stats   `json:"stats,omitempty"`
	CharacterID  string          `json:"character_id,omitempty"`
	Controllers  []string        `json:"controllers,omitempty"`
	Clamped      bool            `json:"clamped,omitempty"`
}

func newEntityPayload(e *engine.Entity, clamped bool) entityPayload {
	return entityPayload{
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
		ObstacleData: e.ObstacleData,
		Extras:       e.Extras,
		Stats:        e.Stats,
		CharacterID:  e.CharacterID,
		Controllers:  e.Controllers,
		Clamped:      clamped,
	}
}

type tablePayload struct {
	ID       string                `json:"id"`
	Name     string                `json:"name"`
	Width    int                   `json:"width"`
	Height   int                   `json:"height"`
	PosX     float64               `json:"pos_x"`
	PosY     float64               `json:"pos_y"`
	ScaleX   float64               `json:"scale_x"`
	ScaleY   float64               `json:"scale_y"`
	Layers   map[engine.Layer]bool `json:"layers"`
	Fog      []engine.FogRect      `json:"fog"`
	Entities []entityPayload       `json:"entities"`
}

type characterPayload struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Data           map[string]any `json:"data"`
	OwnerID        string         `json:"owner_id"`
	Version        int64          `json:"version"`
	LastModifiedBy string         `json:"last_modified_by,omitempty"`
}

func newCharacterPayload(c *engine.Character) characterPayload {
	data := c.Data
	if data == nil {
		data = map[string]any{}
	}
	return characterPayload{
		ID:             c.ID,
		Name:           c.Name,
		Data:           data,
		OwnerID:        c.OwnerID,
		Version:        c.Version,
		LastModifiedBy: c.LastModifiedBy,
	}
}

type playerPayload struct {
	UserID        string          `json:"user_id"`
	Username      string          `json:"username,omitempty"`
	Role          permission.Role `json:"role"`
	Connected     bool            `json:"connected"`
	ActiveTableID string          `json:"active_table_id,omitempty"`
}

type snapshotPayload struct {
	SessionCode   string                  `json:"session_code"`
	SessionName   string                  `json:"session_name"`
	Role          permission.Role         `json:"role"`
	Permissions   []permission.Permission `json:"permissions"`
	ActiveTableID string                  `json:"active_table_id,omitempty"`
	Tables        []tablePayload          `json:"tables"`
	Characters    []characterPayload      `json:"characters"`
	Players       []playerPayload         `json:"players"`
}

type roleChangePayload struct {
	UserID string                  `json:"user_id"`
	From   permission.Role         `json:"from"`
	To     permission.Role         `json:"to"`
	Gained []permission.Permission `json:"gained"`
	Lost   []permission.Permission `json:"lost"`
}

type fogPayload struct {
	TableID    string           `json:"table_id"`
	Rectangles []engine.FogRect `json:"rectangles"`
}

type chatBroadcast struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Text     string `json:"text"`
}

type diceBroadcast struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Formula  string `json:"formula"`
	Results  []int  `json:"results,omitempty"`
	Total    int    `json:"total"`
	Private  bool   `json:"private"`
}

// Inbound payload shapes.

type tableRequestPayload struct {
	TableID string `json:"table_id"`
	Name    string `json:"name"`
}

type createEntityPayload struct {
	TableID     string          `json:"table_id"`
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	X           int             `json:"x"`
	Y           int             `json:"y"`
	Layer       string          `json:"layer"`
	Kind        string          `json:"kind"`
	Texture     string          `json:"texture"`
	ScaleX      float64         `json:"scale_x"`
	ScaleY      float64         `json:"scale_y"`
	Rotation    float64         `json:"rotation"`
	CharacterID string          `json:"character_id"`
	Controllers []string        `json:"controllers"`
	Extras      json.RawMessage `json:"extras"`
}

type moveEntityPayload struct {
	TableID  string `json:"table_id"`
	EntityID string `json:"entity_id"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
}

type deleteEntityPayload struct {
	TableID  string `json:"table_id"`
	EntityID string `json:"entity_id"`
}

type updateEntityPayload struct {
	TableID      string          `json:"table_id"`
	EntityID     string          `json:"entity_id"`
	Name         *string         `json:"name"`
	Layer        *string         `json:"layer"`
	Texture      *string         `json:"texture"`
	ScaleX       *float64        `json:"scale_x"`
	ScaleY       *float64        `json:"scale_y"`
	Rotation     *float64        `json:"rotation"`
	ObstacleKind *string         `json:"obstacle_kind"`
	ObstacleData json.RawMessage `json:"obstacle_data"`
	Extras       json.RawMessage `json:"extras"`
	HP           *int            `json:"hp"`
	MaxHP        *int            `json:"max_hp"`
	AC           *int            `json:"ac"`
	AuraRadius   *int            `json:"aura_radius"`
	CharacterID  *string         `json:"character_id"`
	Controllers  *[]string       `json:"controllers"`
}

type characterSavePayload struct {
	CharacterID     string         `json:"character_id"`
	Name            string         `json:"name"`
	Data            map[string]any `json:"data"`
	ExpectedVersion *int64         `json:"expected_version"`
}

type characterLoadPayload struct {
	CharacterID string `json:"character_id"`
}

type fogUpdatePayload struct {
	TableID    string           `json:"table_id"`
	Rectangles []engine.FogRect `json:"rectangles"`
}

type chatPayload struct {
	Text string `json:"text"`
}

type dicePayload struct {
	Formula string `json:"formula"`
	Results []int  `json:"results"`
	Total   int    `json:"total"`
	Private bool   `json:"private"`
}
