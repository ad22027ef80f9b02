package session

import (
	"encoding/json"
	"log"

	apperrors "github.com/wyrmtable/wyrmtable/internal/platform/errors"
)

// Frame is the JSON message unit on the realtime channel.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Inbound frame types (client to server).
const (
	FrameRegister      = "register"
	FramePing          = "ping"
	FrameTableRequest  = "table_request"
	FrameSpriteUpdate  = "sprite_update"
	FrameCreateEntity  = "create_entity"
	FrameMoveEntity    = "move_entity"
	FrameDeleteEntity  = "delete_entity"
	FrameUpdateEntity  = "update_entity"
	FrameCharacterSave = "character_save"
	FrameCharacterLoad = "character_load"
	FrameFogUpdate     = "fog_update"
	FrameChat          = "chat"
	FrameDiceRoll      = "dice_roll"
)

// Outbound frame types (server to client).
const (
	FrameSnapshot          = "snapshot"
	FrameTableData         = "table_data"
	FrameTableRemoved      = "table_removed"
	FrameCharacterRemoved  = "character_removed"
	FrameEntityAdded       = "entity_added"
	FrameEntityMoved       = "entity_moved"
	FrameEntityUpdated     = "entity_updated"
	FrameEntityRemoved     = "entity_removed"
	FrameCharacterUpdated  = "character_updated"
	FrameFogUpdated        = "fog_updated"
	FrameDiceResult        = "dice_result"
	FramePlayerJoined      = "player_joined"
	FramePlayerLeft        = "player_left"
	FramePlayerRoleChanged = "player_role_changed"
	FramePlayerKicked      = "player_kicked"
	FramePermissionGranted = "permission_granted"
	FramePong              = "pong"
	FrameError             = "error"
)

// critical frames are never dropped under backpressure; a client that cannot
// keep up with them is disconnected instead.
var criticalFrames = map[string]struct{}{
	FrameSnapshot:          {},
	FrameTableRemoved:      {},
	FramePlayerRoleChanged: {},
	FramePlayerKicked:      {},
	FramePermissionGranted: {},
	FrameError:             {},
}

// Critical reports whether the frame must survive backpressure.
func (f Frame) Critical() bool {
	_, ok := criticalFrames[f.Type]
	return ok
}

// errorPayload is the body of an outbound error frame.
type errorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  any    `json:"detail,omitempty"`
}

// ErrorData builds the error frame body for an error surfaced outside the
// session loop, such as a rejected attach.
func ErrorData(err error) json.RawMessage {
	return mustJSON(errorPayload{
		Kind:    string(apperrors.CodeOf(err)),
		Message: err.Error(),
	})
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		log.Printf("game: marshal frame payload: %v", err)
		return nil
	}
	return raw
}
