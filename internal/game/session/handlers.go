package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/wyrmtable/wyrmtable/internal/game/engine"
	"github.com/wyrmtable/wyrmtable/internal/game/permission"
	apperrors "github.com/wyrmtable/wyrmtable/internal/platform/errors"
	"github.com/wyrmtable/wyrmtable/internal/platform/id"
	"github.com/wyrmtable/wyrmtable/internal/platform/timeouts"
	"github.com/wyrmtable/wyrmtable/internal/storage"
)

// HandleFrame routes one inbound frame onto the session loop. Handler errors
// are unicast back as error frames; they never tear down the connection.
func (s *LiveSession) HandleFrame(client *Client, frame Frame) {
	_ = s.do(func() {
		if _, ok := s.clients[client.ID]; !ok {
			return
		}
		s.touch()
		if err := s.dispatch(client, frame); err != nil {
			s.sendError(client, conflictDetail(err), err)
		}
	})
}

// conflictDetail extracts the stored-state detail attached to version
// conflicts so the client can rebase its edit.
func conflictDetail(err error) any {
	var conflict *versionConflictError
	if errors.As(err, &conflict) {
		return conflict.stored
	}
	return nil
}

func (s *LiveSession) dispatch(client *Client, frame Frame) error {
	switch frame.Type {
	case FramePing:
		s.deliver(client, Frame{Type: FramePong, ClientID: frame.ClientID, Timestamp: s.now().UnixMilli()})
		return nil
	case FrameRegister:
		player, ok := s.players[client.UserID]
		if !ok {
			return apperrors.New(apperrors.CodePermissionDenied, "not a member of this session")
		}
		snapshot := s.snapshotFor(client.UserID, player)
		s.deliver(client, Frame{Type: FrameSnapshot, ClientID: frame.ClientID, Timestamp: s.now().UnixMilli(), Data: mustJSON(snapshot)})
		return nil
	case FrameTableRequest:
		return s.handleTableRequest(client, frame)
	case FrameCreateEntity:
		return s.handleCreateEntity(client, frame)
	case FrameMoveEntity:
		return s.handleMoveEntity(client, frame)
	case FrameUpdateEntity, FrameSpriteUpdate:
		return s.handleUpdateEntity(client, frame)
	case FrameDeleteEntity:
		return s.handleDeleteEntity(client, frame)
	case FrameCharacterSave:
		return s.handleCharacterSave(client, frame)
	case FrameCharacterLoad:
		return s.handleCharacterLoad(client, frame)
	case FrameFogUpdate:
		return s.handleFogUpdate(client, frame)
	case FrameChat:
		return s.handleChat(client, frame)
	case FrameDiceRoll:
		return s.handleDiceRoll(client, frame)
	default:
		return apperrors.WithMetadata(apperrors.CodeInvalidArgument,
			"unknown frame type", map[string]string{"type": frame.Type})
	}
}

func decodePayload(frame Frame, dst any) error {
	if len(frame.Data) == 0 {
		return apperrors.New(apperrors.CodeInvalidArgument, "frame payload is required")
	}
	if err := json.Unmarshal(frame.Data, dst); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "decode frame payload", err)
	}
	return nil
}

func (s *LiveSession) handleTableRequest(client *Client, frame Frame) error {
	var req tableRequestPayload
	if err := decodePayload(frame, &req); err != nil {
		return err
	}
	var table *engine.Table
	var ok bool
	switch {
	case req.TableID != "":
		table, ok = s.engine.Table(req.TableID)
	case req.Name != "":
		table, ok = s.engine.TableByName(req.Name)
	default:
		return apperrors.New(apperrors.CodeInvalidArgument, "table_id or name is required")
	}
	if !ok {
		return apperrors.New(apperrors.CodeNotFound, "table not found")
	}

	// The requested table becomes the member's active table and survives
	// reconnects.
	player := s.players[client.UserID]
	if player.ActiveTableID != table.ID {
		player.ActiveTableID = table.ID
		player.UpdatedAt = s.now()
		s.players[client.UserID] = player
		rec := player
		s.stage(storage.Mutation{Kind: storage.MutPutPlayer, Player: &rec})
	}

	payload := s.tablePayloadFor(table, s.has(client.UserID, permission.ViewDMLayer))
	s.deliver(client, Frame{Type: FrameTableData, ClientID: frame.ClientID, Timestamp: s.now().UnixMilli(), Data: mustJSON(payload)})
	return nil
}

// createPermission picks the permission gating entity creation on a layer.
func createPermission(layer engine.Layer) permission.Permission {
	switch layer {
	case engine.LayerDM:
		return permission.ModifyDMLayer
	case engine.LayerMap, engine.LayerObstacles:
		return permission.ModifySession
	default:
		return permission.CreateTokens
	}
}

func (s *LiveSession) handleCreateEntity(client *Client, frame Frame) error {
	var req createEntityPayload
	if err := decodePayload(frame, &req); err != nil {
		return err
	}
	layer := engine.LayerTokens
	if req.Layer != "" {
		parsed, err := engine.ParseLayer(req.Layer)
		if err != nil {
			return err
		}
		layer = parsed
	}
	if err := s.require(client.UserID, createPermission(layer)); err != nil {
		return err
	}
	var kind engine.Kind
	if req.Kind != "" {
		parsed, err := engine.ParseKind(req.Kind)
		if err != nil {
			return err
		}
		kind = parsed
	}

	draft := &engine.Entity{
		ID:          req.ID,
		Name:        strings.TrimSpace(req.Name),
		Pos:         engine.Position{X: req.X, Y: req.Y},
		Layer:       layer,
		Kind:        kind,
		Texture:     req.Texture,
		ScaleX:      req.ScaleX,
		ScaleY:      req.ScaleY,
		Rotation:    req.Rotation,
		CharacterID: req.CharacterID,
		Controllers: req.Controllers,
		Extras:      req.Extras,
	}
	if draft.ID == "" {
		draft.ID = id.New()
	}
	entity, clamped, err := s.engine.AddEntity(req.TableID, draft)
	if err != nil {
		return err
	}
	s.stageEntity(entity)
	s.broadcastEntity(FrameEntityAdded, entity, clamped)
	return nil
}

// ownsEntity reports whether userID controls the entity directly or owns the
// character it is bound to.
func (s *LiveSession) ownsEntity(userID string, e *engine.Entity) bool {
	if e.ControlledBy(userID) {
		return true
	}
	if e.CharacterID == "" {
		return false
	}
	if c, ok := s.engine.Character(e.CharacterID); ok {
		return c.OwnerID == userID
	}
	return false
}

func (s *LiveSession) handleMoveEntity(client *Client, frame Frame) error {
	var req moveEntityPayload
	if err := decodePayload(frame, &req); err != nil {
		return err
	}
	table, ok := s.engine.Table(req.TableID)
	if !ok {
		return apperrors.New(apperrors.CodeNotFound, "table not found")
	}
	existing, ok := table.Entity(req.EntityID)
	if !ok {
		return apperrors.New(apperrors.CodeNotFound, "entity not found")
	}

	perm := permission.ModifyAllTokens
	if s.ownsEntity(client.UserID, existing) {
		perm = permission.ModifyOwnTokens
	}
	if err := s.require(client.UserID, perm); err != nil {
		return err
	}

	entity, clamped, err := s.engine.MoveEntity(req.TableID, req.EntityID, engine.Position{X: req.X, Y: req.Y})
	if err != nil {
		return err
	}
	s.stageEntity(entity)
	s.debounceMove(entity, clamped)
	return nil
}

// debounceMove coalesces position broadcasts per entity: the first move in a
// window arms a timer, later moves just overwrite the payload, and the timer
// flushes the newest position. State stays authoritative on every move; only
// the broadcast is delayed.
func (s *LiveSession) debounceMove(e *engine.Entity, clamped bool) {
	key := e.TableID + "/" + e.ID
	payload := newEntityPayload(e, clamped)
	if pending, ok := s.debounce[key]; ok {
		pending.payload = payload
		return
	}
	s.debounce[key] = &pendingMove{payload: payload}
	time.AfterFunc(timeouts.MoveDebounce, func() {
		_ = s.do(func() {
			pending, ok := s.debounce[key]
			if !ok {
				return
			}
			delete(s.debounce, key)
			frame := Frame{Type: FrameEntityMoved, Timestamp: s.now().UnixMilli(), Data: mustJSON(pending.payload)}
			gate := permission.Permission("")
			if pending.payload.Layer == string(engine.LayerDM) {
				gate = permission.ViewDMLayer
			}
			s.broadcast(frame, gate)
		})
	})
}

func (s *LiveSession) handleUpdateEntity(client *Client, frame Frame) error {
	var req updateEntityPayload
	if err := decodePayload(frame, &req); err != nil {
		return err
	}
	table, ok := s.engine.Table(req.TableID)
	if !ok {
		return apperrors.New(apperrors.CodeNotFound, "table not found")
	}
	existing, ok := table.Entity(req.EntityID)
	if !ok {
		return apperrors.New(apperrors.CodeNotFound, "entity not found")
	}

	patch := engine.EntityPatch{
		Name:         req.Name,
		Texture:      req.Texture,
		ScaleX:       req.ScaleX,
		ScaleY:       req.ScaleY,
		Rotation:     req.Rotation,
		ObstacleKind: req.ObstacleKind,
		ObstacleData: req.ObstacleData,
		Extras:       req.Extras,
		HP:           req.HP,
		MaxHP:        req.MaxHP,
		AC:           req.AC,
		AuraRadius:   req.AuraRadius,
		CharacterID:  req.CharacterID,
		Controllers:  req.Controllers,
	}
	if req.Layer != nil {
		layer, err := engine.ParseLayer(*req.Layer)
		if err != nil {
			return err
		}
		patch.Layer = &layer
	}

	if err := s.requireUpdatePermissions(client.UserID, existing, patch); err != nil {
		return err
	}

	entity, err := s.engine.UpdateEntity(req.TableID, req.EntityID, patch)
	if err != nil {
		return err
	}
	s.stageEntity(entity)
	s.broadcastEntity(FrameEntityUpdated, entity, false)
	return nil
}

// requireUpdatePermissions maps the fields touched by a patch onto the
// permissions gating them. Obstacle geometry and light metadata shape fog
// computation, so they ride the fog permission.
func (s *LiveSession) requireUpdatePermissions(userID string, existing *engine.Entity, patch engine.EntityPatch) error {
	owns := s.ownsEntity(userID, existing)

	base := permission.ModifyAllTokens
	if owns {
		base = permission.ModifyOwnTokens
	}
	if err := s.require(userID, base); err != nil {
		return err
	}

	if patch.TouchesObstacleData() || patch.TouchesLight() {
		if err := s.require(userID, permission.ModifyFogOfWar); err != nil {
			return err
		}
	}
	if patch.TouchesStats() && !owns {
		if err := s.require(userID, permission.ModifyAllTokens); err != nil {
			return err
		}
	}
	if patch.Layer != nil && (*patch.Layer == engine.LayerDM || existing.Layer == engine.LayerDM) {
		if err := s.require(userID, permission.ModifyDMLayer); err != nil {
			return err
		}
	}
	return nil
}

func (s *LiveSession) handleDeleteEntity(client *Client, frame Frame) error {
	var req deleteEntityPayload
	if err := decodePayload(frame, &req); err != nil {
		return err
	}
	table, ok := s.engine.Table(req.TableID)
	if !ok {
		return apperrors.New(apperrors.CodeNotFound, "table not found")
	}
	existing, ok := table.Entity(req.EntityID)
	if !ok {
		return apperrors.New(apperrors.CodeNotFound, "entity not found")
	}

	perm := permission.DeleteTokens
	if s.ownsEntity(client.UserID, existing) {
		perm = permission.ModifyOwnTokens
	}
	if err := s.require(client.UserID, perm); err != nil {
		return err
	}

	entity, err := s.engine.DeleteEntity(req.TableID, req.EntityID)
	if err != nil {
		return err
	}
	s.stage(storage.Mutation{Kind: storage.MutDeleteEntity, EntityID: entity.ID})
	s.broadcastEntity(FrameEntityRemoved, entity, false)
	return nil
}

// versionConflictError carries the stored character state back to the caller
// alongside the conflict code.
type versionConflictError struct {
	err    error
	stored characterPayload
}

func (e *versionConflictError) Error() string { return e.err.Error() }
func (e *versionConflictError) Unwrap() error { return e.err }

func (s *LiveSession) handleCharacterSave(client *Client, frame Frame) error {
	var req characterSavePayload
	if err := decodePayload(frame, &req); err != nil {
		return err
	}
	if req.CharacterID == "" {
		req.CharacterID = id.New()
	}

	existing, exists := s.engine.Character(req.CharacterID)
	perm := permission.CreateCharacters
	if exists {
		perm = permission.EditAllCharacters
		if existing.OwnerID == client.UserID {
			perm = permission.EditOwnCharacters
		}
	}
	if err := s.require(client.UserID, perm); err != nil {
		return err
	}

	character, err := s.engine.SaveCharacter(req.CharacterID, req.Name, req.Data, client.UserID, client.UserID, req.ExpectedVersion)
	if err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeVersionConflict && character != nil {
			return &versionConflictError{err: err, stored: newCharacterPayload(character)}
		}
		return err
	}

	// Character saves are durable before the acknowledging broadcast.
	s.stageCharacter(character)
	if err := s.flush(); err != nil {
		return apperrors.Wrap(apperrors.CodeUnavailable, "persist character", err)
	}
	s.broadcast(Frame{Type: FrameCharacterUpdated, ClientID: frame.ClientID, Timestamp: s.now().UnixMilli(), Data: mustJSON(newCharacterPayload(character))}, "")
	return nil
}

func (s *LiveSession) handleCharacterLoad(client *Client, frame Frame) error {
	var req characterLoadPayload
	if err := decodePayload(frame, &req); err != nil {
		return err
	}
	character, ok := s.engine.Character(req.CharacterID)
	if !ok {
		return apperrors.New(apperrors.CodeNotFound, "character not found")
	}
	s.deliver(client, Frame{Type: FrameCharacterUpdated, ClientID: frame.ClientID, Timestamp: s.now().UnixMilli(), Data: mustJSON(newCharacterPayload(character))})
	return nil
}

func (s *LiveSession) handleFogUpdate(client *Client, frame Frame) error {
	var req fogUpdatePayload
	if err := decodePayload(frame, &req); err != nil {
		return err
	}
	if err := s.require(client.UserID, permission.ModifyFogOfWar); err != nil {
		return err
	}
	table, err := s.engine.SetFog(req.TableID, req.Rectangles)
	if err != nil {
		return err
	}
	s.stageTable(table)
	rects := table.FogRectangles
	if rects == nil {
		rects = []engine.FogRect{}
	}
	s.broadcast(Frame{Type: FrameFogUpdated, Timestamp: s.now().UnixMilli(), Data: mustJSON(fogPayload{
		TableID:    table.ID,
		Rectangles: rects,
	})}, "")
	return nil
}

func (s *LiveSession) handleChat(client *Client, frame Frame) error {
	var req chatPayload
	if err := decodePayload(frame, &req); err != nil {
		return err
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "chat text is required")
	}
	s.broadcast(Frame{Type: FrameChat, Timestamp: s.now().UnixMilli(), Data: mustJSON(chatBroadcast{
		UserID:   client.UserID,
		Username: client.Username,
		Text:     text,
	})}, "")
	return nil
}

func (s *LiveSession) handleDiceRoll(client *Client, frame Frame) error {
	var req dicePayload
	if err := decodePayload(frame, &req); err != nil {
		return err
	}
	perm := permission.RollDicePublic
	if req.Private {
		perm = permission.RollDicePrivate
	}
	if err := s.require(client.UserID, perm); err != nil {
		return err
	}

	result := Frame{Type: FrameDiceResult, Timestamp: s.now().UnixMilli(), Data: mustJSON(diceBroadcast{
		UserID:   client.UserID,
		Username: client.Username,
		Formula:  req.Formula,
		Results:  req.Results,
		Total:    req.Total,
		Private:  req.Private,
	})}
	if !req.Private {
		s.broadcast(result, "")
		return nil
	}
	// Private rolls reach the roller and anyone allowed to see them.
	for _, c := range s.clients {
		if c.UserID == client.UserID || s.has(c.UserID, permission.ViewPrivateRolls) {
			s.deliver(c, result)
		}
	}
	return nil
}

// CreateTable adds a table through the REST surface. The write is durable
// before the call returns; connected clients receive the new table.
func (s *LiveSession) CreateTable(ctx context.Context, actorID, name string, width, height int) (tbl tablePayload, err error) {
	err = s.call(func() error {
		if err := s.require(actorID, permission.ModifySession); err != nil {
			return err
		}
		table, err := s.engine.CreateTable(id.New(), name, width, height)
		if err != nil {
			return err
		}
		s.stageTable(table)
		if err := s.flush(); err != nil {
			return apperrors.Wrap(apperrors.CodeUnavailable, "persist table", err)
		}
		tbl = s.tablePayloadFor(table, true)
		s.broadcast(Frame{Type: FrameTableData, Timestamp: s.now().UnixMilli(), Data: mustJSON(tbl)}, "")
		return nil
	})
	return tbl, err
}

// DeleteTable removes a table and its entities, durable before return.
func (s *LiveSession) DeleteTable(ctx context.Context, actorID, tableID string) error {
	return s.call(func() error {
		if err := s.require(actorID, permission.ModifySession); err != nil {
			return err
		}
		removed, err := s.engine.DeleteTable(tableID)
		if err != nil {
			return err
		}
		for _, entityID := range removed {
			s.stage(storage.Mutation{Kind: storage.MutDeleteEntity, EntityID: entityID})
		}
		s.stage(storage.Mutation{Kind: storage.MutDeleteTable, TableID: tableID})
		if err := s.flush(); err != nil {
			return apperrors.Wrap(apperrors.CodeUnavailable, "persist table deletion", err)
		}
		s.broadcast(Frame{Type: FrameTableRemoved, Timestamp: s.now().UnixMilli(), Data: mustJSON(map[string]string{"table_id": tableID})}, "")
		return nil
	})
}

// DeleteCharacter removes a character sheet and nulls any entity bindings.
// Owners may delete their own sheets; anyone else needs the delete
// permission.
func (s *LiveSession) DeleteCharacter(ctx context.Context, actorID, characterID string) error {
	return s.call(func() error {
		character, ok := s.engine.Character(characterID)
		if !ok {
			return apperrors.New(apperrors.CodeNotFound, "character not found")
		}
		if character.OwnerID != actorID {
			if err := s.require(actorID, permission.DeleteCharacters); err != nil {
				return err
			}
		}
		unbound, err := s.engine.DeleteCharacter(characterID)
		if err != nil {
			return err
		}
		s.stage(storage.Mutation{Kind: storage.MutDeleteCharacter, CharKey: &storage.CharacterKey{
			SessionCode: s.code,
			CharacterID: characterID,
		}})
		for _, entity := range unbound {
			s.stageEntity(entity)
		}
		if err := s.flush(); err != nil {
			return apperrors.Wrap(apperrors.CodeUnavailable, "persist character deletion", err)
		}
		s.broadcast(Frame{Type: FrameCharacterRemoved, Timestamp: s.now().UnixMilli(), Data: mustJSON(map[string]string{"character_id": characterID})}, "")
		for _, entity := range unbound {
			s.broadcastEntity(FrameEntityUpdated, entity, false)
		}
		return nil
	})
}

// ApplyRoleChange updates the in-memory membership after a persisted role
// change, invalidates the cached permission set, and broadcasts the
// permission diff.
func (s *LiveSession) ApplyRoleChange(targetID string, from, to permission.Role) {
	_ = s.do(func() {
		player, ok := s.players[targetID]
		if !ok {
			return
		}
		player.Role = to
		player.UpdatedAt = s.now()
		s.players[targetID] = player
		delete(s.perms, targetID)

		gained, lost := permission.Diff(from, to)
		s.broadcast(Frame{Type: FramePlayerRoleChanged, Timestamp: s.now().UnixMilli(), Data: mustJSON(roleChangePayload{
			UserID: targetID,
			From:   from,
			To:     to,
			Gained: gained,
			Lost:   lost,
		})}, "")
	})
}

// ApplyMembershipChange reconciles a persisted join, leave, kick, or ban.
// Removed or banned members are disconnected after the kick frame is queued.
func (s *LiveSession) ApplyMembershipChange(player storage.PlayerRecord, removed bool) {
	_ = s.do(func() {
		delete(s.perms, player.UserID)
		if removed {
			delete(s.players, player.UserID)
		} else {
			s.players[player.UserID] = player
		}
		if !removed && !player.Banned {
			return
		}
		kicked := Frame{Type: FramePlayerKicked, Timestamp: s.now().UnixMilli(), Data: mustJSON(playerPayload{
			UserID: player.UserID,
			Role:   player.Role,
		})}
		for _, c := range s.clients {
			if c.UserID != player.UserID {
				continue
			}
			s.deliver(c, kicked)
			delete(s.clients, c.ID)
			c.CloseAfterDrain(time.Second)
		}
		s.clientCount.Store(int64(len(s.clients)))
	})
}

// InvalidatePermissions drops a member's cached permission set after a grant
// change and notifies their clients.
func (s *LiveSession) InvalidatePermissions(userID string, details map[string]any) {
	_ = s.do(func() {
		delete(s.perms, userID)
		set, err := s.permsFor(userID)
		if err != nil {
			return
		}
		frame := Frame{Type: FramePermissionGranted, Timestamp: s.now().UnixMilli(), Data: mustJSON(map[string]any{
			"user_id":     userID,
			"permissions": set.Sorted(),
			"details":     details,
		})}
		for _, c := range s.clients {
			if c.UserID == userID {
				s.deliver(c, frame)
			}
		}
	})
}

// UpdateRecord reconciles persisted session settings into the live state.
func (s *LiveSession) UpdateRecord(record storage.SessionRecord) {
	_ = s.do(func() {
		s.record = record
	})
}
