package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/wyrmtable/wyrmtable/internal/game/audit"
	"github.com/wyrmtable/wyrmtable/internal/game/permission"
	"github.com/wyrmtable/wyrmtable/internal/platform/timeouts"
)

func newTestManager(t *testing.T, store *memGameStore) *Manager {
	t.Helper()
	manager := NewManager(store, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := manager.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})
	return manager
}

func getSession(t *testing.T, manager *Manager, code string) *LiveSession {
	t.Helper()
	live, err := manager.Get(context.Background(), code)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	return live
}

func attach(t *testing.T, live *LiveSession, userID, username string) (*Client, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	client, err := live.Attach(context.Background(), userID, username, conn)
	if err != nil {
		t.Fatalf("attach %s: %v", userID, err)
	}
	return client, conn
}

func waitFrame(t *testing.T, conn *fakeConn, frameType string) Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if frames := conn.typed(frameType); len(frames) > 0 {
			return frames[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s frame delivered", frameType)
	return Frame{}
}

func decodeFrame[T any](t *testing.T, frame Frame) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(frame.Data, &out); err != nil {
		t.Fatalf("decode %s payload: %v", frame.Type, err)
	}
	return out
}

func TestAttachDeliversSnapshot(t *testing.T) {
	store := newGameStore()
	store.seedSession("ABCDEF", "owner-1")
	store.seedTable("ABCDEF", "t-1", "Dungeon", 20, 20)
	store.seedEntity("t-1", "e-1", "Hero", "tokens", 1, 3, 4)
	manager := newTestManager(t, store)
	live := getSession(t, manager, "ABCDEF")

	_, conn := attach(t, live, "owner-1", "dm")
	snapshot := decodeFrame[snapshotPayload](t, waitFrame(t, conn, FrameSnapshot))

	if snapshot.SessionCode != "ABCDEF" {
		t.Fatalf("session_code = %s, want ABCDEF", snapshot.SessionCode)
	}
	if snapshot.Role != permission.RoleOwner {
		t.Fatalf("role = %s, want owner", snapshot.Role)
	}
	if len(snapshot.Tables) != 1 || snapshot.Tables[0].Name != "Dungeon" {
		t.Fatalf("tables = %+v, want one named Dungeon", snapshot.Tables)
	}
	if len(snapshot.Tables[0].Entities) != 1 || snapshot.Tables[0].Entities[0].ID != "e-1" {
		t.Fatalf("entities = %+v, want e-1", snapshot.Tables[0].Entities)
	}
	found := false
	for _, p := range snapshot.Permissions {
		if p == permission.ModifySession {
			found = true
		}
	}
	if !found {
		t.Fatal("owner snapshot missing modify_session")
	}
}

func TestAttachRejectsNonMembers(t *testing.T) {
	store := newGameStore()
	store.seedSession("ABCDEF", "owner-1")
	manager := newTestManager(t, store)
	live := getSession(t, manager, "ABCDEF")

	if _, err := live.Attach(context.Background(), "stranger", "who", &fakeConn{}); err == nil {
		t.Fatal("non-member attached")
	}
}

func TestSnapshotHidesDMLayer(t *testing.T) {
	store := newGameStore()
	store.seedSession("ABCDEF", "owner-1")
	store.seedPlayer("ABCDEF", "player-1", permission.RolePlayer)
	store.seedTable("ABCDEF", "t-1", "Dungeon", 20, 20)
	store.seedEntity("t-1", "e-vis", "Hero", "tokens", 1, 0, 0)
	store.seedEntity("t-1", "e-dm", "Secret Door", "dungeon_master", 2, 5, 5)
	manager := newTestManager(t, store)
	live := getSession(t, manager, "ABCDEF")

	_, playerConn := attach(t, live, "player-1", "bob")
	snapshot := decodeFrame[snapshotPayload](t, waitFrame(t, playerConn, FrameSnapshot))
	for _, e := range snapshot.Tables[0].Entities {
		if e.Layer == "dungeon_master" {
			t.Fatalf("player snapshot leaked DM-layer entity %s", e.ID)
		}
	}

	_, ownerConn := attach(t, live, "owner-1", "dm")
	ownerSnapshot := decodeFrame[snapshotPayload](t, waitFrame(t, ownerConn, FrameSnapshot))
	sawDM := false
	for _, e := range ownerSnapshot.Tables[0].Entities {
		if e.ID == "e-dm" {
			sawDM = true
		}
	}
	if !sawDM {
		t.Fatal("owner snapshot missing DM-layer entity")
	}
}

func TestMoveBroadcastIsDebounced(t *testing.T) {
	store := newGameStore()
	store.seedSession("ABCDEF", "owner-1")
	store.seedPlayer("ABCDEF", "player-1", permission.RolePlayer)
	store.seedTable("ABCDEF", "t-1", "Dungeon", 20, 20)
	store.seedEntity("t-1", "e-1", "Hero", "tokens", 1, 0, 0)
	manager := newTestManager(t, store)
	live := getSession(t, manager, "ABCDEF")

	owner, _ := attach(t, live, "owner-1", "dm")
	_, watcherConn := attach(t, live, "player-1", "bob")
	waitFrame(t, watcherConn, FrameSnapshot)

	for _, pos := range [][2]int{{1, 1}, {2, 2}, {3, 3}} {
		live.HandleFrame(owner, Frame{Type: FrameMoveEntity, Data: mustJSON(moveEntityPayload{
			TableID: "t-1", EntityID: "e-1", X: pos[0], Y: pos[1],
		})})
	}

	time.Sleep(4 * timeouts.MoveDebounce)
	moves := watcherConn.typed(FrameEntityMoved)
	if len(moves) != 1 {
		t.Fatalf("entity_moved broadcasts = %d, want 1", len(moves))
	}
	moved := decodeFrame[entityPayload](t, moves[0])
	if moved.X != 3 || moved.Y != 3 {
		t.Fatalf("final position = (%d,%d), want (3,3)", moved.X, moved.Y)
	}
}

func TestMoveClampsToBounds(t *testing.T) {
	store := newGameStore()
	store.seedSession("ABCDEF", "owner-1")
	store.seedTable("ABCDEF", "t-1", "Dungeon", 10, 10)
	store.seedEntity("t-1", "e-1", "Hero", "tokens", 1, 0, 0)
	manager := newTestManager(t, store)
	live := getSession(t, manager, "ABCDEF")

	owner, conn := attach(t, live, "owner-1", "dm")
	waitFrame(t, conn, FrameSnapshot)

	live.HandleFrame(owner, Frame{Type: FrameMoveEntity, Data: mustJSON(moveEntityPayload{
		TableID: "t-1", EntityID: "e-1", X: 50, Y: -3,
	})})

	moved := decodeFrame[entityPayload](t, waitFrame(t, conn, FrameEntityMoved))
	if moved.X != 9 || moved.Y != 0 {
		t.Fatalf("clamped position = (%d,%d), want (9,0)", moved.X, moved.Y)
	}
	if !moved.Clamped {
		t.Fatal("clamped move not flagged")
	}
}

func TestSpectatorMoveDeniedAndAudited(t *testing.T) {
	store := newGameStore()
	store.seedSession("ABCDEF", "owner-1")
	store.seedPlayer("ABCDEF", "spec-1", permission.RoleSpectator)
	store.seedTable("ABCDEF", "t-1", "Dungeon", 20, 20)
	store.seedEntity("t-1", "e-1", "Hero", "tokens", 1, 0, 0)
	manager := newTestManager(t, store)
	live := getSession(t, manager, "ABCDEF")

	spectator, conn := attach(t, live, "spec-1", "ghost")
	waitFrame(t, conn, FrameSnapshot)

	live.HandleFrame(spectator, Frame{Type: FrameMoveEntity, Data: mustJSON(moveEntityPayload{
		TableID: "t-1", EntityID: "e-1", X: 1, Y: 1,
	})})

	errFrame := waitFrame(t, conn, FrameError)
	payload := decodeFrame[errorPayload](t, errFrame)
	if payload.Kind != "PERMISSION_DENIED" {
		t.Fatalf("error kind = %s, want PERMISSION_DENIED", payload.Kind)
	}

	if err := live.Checkpoint(context.Background()); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if len(store.auditEvents("ABCDEF", audit.EventPermissionDenied)) == 0 {
		t.Fatal("permission denial not audited")
	}
}

func TestCustomGrantOverlaysRole(t *testing.T) {
	store := newGameStore()
	store.seedSession("ABCDEF", "owner-1")
	store.seedPlayer("ABCDEF", "player-1", permission.RolePlayer)
	store.seedTable("ABCDEF", "t-1", "Dungeon", 20, 20)
	_ = store.PutGrant(context.Background(), gameGrant("ABCDEF", "player-1", permission.ModifyFogOfWar))
	manager := newTestManager(t, store)
	live := getSession(t, manager, "ABCDEF")

	player, conn := attach(t, live, "player-1", "bob")
	waitFrame(t, conn, FrameSnapshot)

	live.HandleFrame(player, Frame{Type: FrameFogUpdate, Data: mustJSON(fogUpdatePayload{
		TableID: "t-1",
	})})

	fog := decodeFrame[fogPayload](t, waitFrame(t, conn, FrameFogUpdated))
	if fog.TableID != "t-1" {
		t.Fatalf("fog table = %s, want t-1", fog.TableID)
	}
}

func TestLightLayerNeedsOnlyCreateTokens(t *testing.T) {
	store := newGameStore()
	store.seedSession("ABCDEF", "owner-1")
	store.seedPlayer("ABCDEF", "player-1", permission.RolePlayer)
	store.seedTable("ABCDEF", "t-1", "Dungeon", 20, 20)
	_ = store.PutGrant(context.Background(), gameGrant("ABCDEF", "player-1", permission.CreateTokens))
	manager := newTestManager(t, store)
	live := getSession(t, manager, "ABCDEF")

	player, conn := attach(t, live, "player-1", "bob")
	waitFrame(t, conn, FrameSnapshot)

	live.HandleFrame(player, Frame{Type: FrameCreateEntity, Data: mustJSON(createEntityPayload{
		TableID: "t-1", Name: "Torch", Layer: "light", X: 3, Y: 3,
	})})

	added := decodeFrame[entityPayload](t, waitFrame(t, conn, FrameEntityAdded))
	if added.Layer != "light" {
		t.Fatalf("layer = %s, want light", added.Layer)
	}

	// Map and obstacle layers stay behind modify_session.
	live.HandleFrame(player, Frame{Type: FrameCreateEntity, Data: mustJSON(createEntityPayload{
		TableID: "t-1", Name: "Wall", Layer: "obstacles", X: 4, Y: 4,
	})})
	payload := decodeFrame[errorPayload](t, waitFrame(t, conn, FrameError))
	if payload.Kind != "PERMISSION_DENIED" {
		t.Fatalf("error kind = %s, want PERMISSION_DENIED", payload.Kind)
	}
}

func TestCharacterSaveIsDurableBeforeBroadcast(t *testing.T) {
	store := newGameStore()
	store.seedSession("ABCDEF", "owner-1")
	store.seedPlayer("ABCDEF", "player-1", permission.RolePlayer)
	manager := newTestManager(t, store)
	live := getSession(t, manager, "ABCDEF")

	player, conn := attach(t, live, "player-1", "bob")
	waitFrame(t, conn, FrameSnapshot)

	live.HandleFrame(player, Frame{Type: FrameCharacterSave, Data: mustJSON(characterSavePayload{
		CharacterID: "c-1", Name: "Fighter", Data: map[string]any{"hp": float64(10)},
	})})

	saved := decodeFrame[characterPayload](t, waitFrame(t, conn, FrameCharacterUpdated))
	if saved.Version != 1 {
		t.Fatalf("version = %d, want 1", saved.Version)
	}
	// The broadcast implies the write already committed.
	if _, err := store.GetCharacter(context.Background(), "ABCDEF", "c-1"); err != nil {
		t.Fatalf("character not persisted before broadcast: %v", err)
	}
}

func TestCharacterSaveVersionConflictReturnsStoredState(t *testing.T) {
	store := newGameStore()
	store.seedSession("ABCDEF", "owner-1")
	store.seedPlayer("ABCDEF", "player-1", permission.RolePlayer)
	manager := newTestManager(t, store)
	live := getSession(t, manager, "ABCDEF")

	player, conn := attach(t, live, "player-1", "bob")
	waitFrame(t, conn, FrameSnapshot)

	live.HandleFrame(player, Frame{Type: FrameCharacterSave, Data: mustJSON(characterSavePayload{
		CharacterID: "c-1", Name: "Fighter", Data: map[string]any{"hp": float64(10)},
	})})
	waitFrame(t, conn, FrameCharacterUpdated)

	stale := int64(7)
	live.HandleFrame(player, Frame{Type: FrameCharacterSave, Data: mustJSON(characterSavePayload{
		CharacterID: "c-1", Data: map[string]any{"hp": float64(5)}, ExpectedVersion: &stale,
	})})

	errFrame := waitFrame(t, conn, FrameError)
	payload := decodeFrame[errorPayload](t, errFrame)
	if payload.Kind != "VERSION_CONFLICT" {
		t.Fatalf("error kind = %s, want VERSION_CONFLICT", payload.Kind)
	}
	detail, err := json.Marshal(payload.Detail)
	if err != nil {
		t.Fatalf("re-marshal detail: %v", err)
	}
	var stored characterPayload
	if err := json.Unmarshal(detail, &stored); err != nil {
		t.Fatalf("decode stored state: %v", err)
	}
	if stored.Version != 1 {
		t.Fatalf("stored version = %d, want 1", stored.Version)
	}
}

func TestCharacterSaveDeepMerges(t *testing.T) {
	store := newGameStore()
	store.seedSession("ABCDEF", "owner-1")
	store.seedPlayer("ABCDEF", "player-1", permission.RolePlayer)
	manager := newTestManager(t, store)
	live := getSession(t, manager, "ABCDEF")

	player, conn := attach(t, live, "player-1", "bob")
	waitFrame(t, conn, FrameSnapshot)

	live.HandleFrame(player, Frame{Type: FrameCharacterSave, Data: mustJSON(characterSavePayload{
		CharacterID: "c-1", Name: "Fighter",
		Data: map[string]any{"stats": map[string]any{"str": float64(16), "dex": float64(12)}},
	})})
	waitFrame(t, conn, FrameCharacterUpdated)

	live.HandleFrame(player, Frame{Type: FrameCharacterSave, Data: mustJSON(characterSavePayload{
		CharacterID: "c-1",
		Data:        map[string]any{"stats": map[string]any{"dex": float64(14)}},
	})})

	deadline := time.Now().Add(2 * time.Second)
	var latest characterPayload
	for time.Now().Before(deadline) {
		frames := conn.typed(FrameCharacterUpdated)
		if len(frames) >= 2 {
			latest = decodeFrame[characterPayload](t, frames[1])
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if latest.Version != 2 {
		t.Fatalf("version = %d, want 2", latest.Version)
	}
	stats, _ := latest.Data["stats"].(map[string]any)
	if stats["str"] != float64(16) || stats["dex"] != float64(14) {
		t.Fatalf("merged stats = %v, want str 16 and dex 14", stats)
	}
}

func TestTableRequestSetsActiveTable(t *testing.T) {
	store := newGameStore()
	store.seedSession("ABCDEF", "owner-1")
	store.seedTable("ABCDEF", "t-1", "Dungeon", 20, 20)
	manager := newTestManager(t, store)
	live := getSession(t, manager, "ABCDEF")

	owner, conn := attach(t, live, "owner-1", "dm")
	waitFrame(t, conn, FrameSnapshot)

	live.HandleFrame(owner, Frame{Type: FrameTableRequest, Data: mustJSON(tableRequestPayload{Name: "dungeon"})})

	data := decodeFrame[tablePayload](t, waitFrame(t, conn, FrameTableData))
	if data.ID != "t-1" {
		t.Fatalf("table id = %s, want t-1", data.ID)
	}

	if err := live.Checkpoint(context.Background()); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	player, err := store.GetPlayer(context.Background(), "ABCDEF", "owner-1")
	if err != nil {
		t.Fatalf("get player: %v", err)
	}
	if player.ActiveTableID != "t-1" {
		t.Fatalf("active table = %q, want t-1", player.ActiveTableID)
	}
}

func TestDetachFlushesStagedWrites(t *testing.T) {
	store := newGameStore()
	store.seedSession("ABCDEF", "owner-1")
	store.seedTable("ABCDEF", "t-1", "Dungeon", 20, 20)
	store.seedEntity("t-1", "e-1", "Hero", "tokens", 1, 0, 0)
	manager := newTestManager(t, store)
	live := getSession(t, manager, "ABCDEF")

	owner, conn := attach(t, live, "owner-1", "dm")
	waitFrame(t, conn, FrameSnapshot)

	live.HandleFrame(owner, Frame{Type: FrameMoveEntity, Data: mustJSON(moveEntityPayload{
		TableID: "t-1", EntityID: "e-1", X: 7, Y: 8,
	})})
	waitFrame(t, conn, FrameEntityMoved)

	live.Detach(owner)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		rec := store.entities["e-1"]
		store.mu.Unlock()
		if rec.X == 7 && rec.Y == 8 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("staged move not flushed on detach")
}

func TestRoleChangeBroadcastsDiffAndInvalidatesCache(t *testing.T) {
	store := newGameStore()
	store.seedSession("ABCDEF", "owner-1")
	store.seedPlayer("ABCDEF", "player-1", permission.RolePlayer)
	store.seedTable("ABCDEF", "t-1", "Dungeon", 20, 20)
	manager := newTestManager(t, store)
	live := getSession(t, manager, "ABCDEF")

	player, conn := attach(t, live, "player-1", "bob")
	waitFrame(t, conn, FrameSnapshot)

	live.ApplyRoleChange("player-1", permission.RolePlayer, permission.RoleCoDM)

	change := decodeFrame[roleChangePayload](t, waitFrame(t, conn, FramePlayerRoleChanged))
	if change.To != permission.RoleCoDM {
		t.Fatalf("to = %s, want co_dm", change.To)
	}
	gained := false
	for _, p := range change.Gained {
		if p == permission.CreateTokens {
			gained = true
		}
	}
	if !gained {
		t.Fatal("diff missing gained create_tokens")
	}

	// The promoted member can now exercise a co_dm permission.
	live.HandleFrame(player, Frame{Type: FrameFogUpdate, Data: mustJSON(fogUpdatePayload{TableID: "t-1"})})
	waitFrame(t, conn, FrameFogUpdated)
}

func TestKickedPlayerIsDisconnected(t *testing.T) {
	store := newGameStore()
	store.seedSession("ABCDEF", "owner-1")
	store.seedPlayer("ABCDEF", "player-1", permission.RolePlayer)
	manager := newTestManager(t, store)
	live := getSession(t, manager, "ABCDEF")

	client, conn := attach(t, live, "player-1", "bob")
	waitFrame(t, conn, FrameSnapshot)

	live.ApplyMembershipChange(playerRecordFor("ABCDEF", "player-1", permission.RolePlayer), true)

	waitFrame(t, conn, FramePlayerKicked)
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("kicked client still connected")
	}
}

func TestPrivateRollsOnlyReachAllowedViewers(t *testing.T) {
	store := newGameStore()
	store.seedSession("ABCDEF", "owner-1")
	store.seedPlayer("ABCDEF", "player-1", permission.RolePlayer)
	store.seedPlayer("ABCDEF", "player-2", permission.RolePlayer)
	manager := newTestManager(t, store)
	live := getSession(t, manager, "ABCDEF")

	roller, rollerConn := attach(t, live, "player-1", "bob")
	_, ownerConn := attach(t, live, "owner-1", "dm")
	_, otherConn := attach(t, live, "player-2", "carol")
	waitFrame(t, rollerConn, FrameSnapshot)
	waitFrame(t, ownerConn, FrameSnapshot)
	waitFrame(t, otherConn, FrameSnapshot)

	live.HandleFrame(roller, Frame{Type: FrameDiceRoll, Data: mustJSON(dicePayload{
		Formula: "1d20", Results: []int{17}, Total: 17, Private: true,
	})})

	waitFrame(t, rollerConn, FrameDiceResult)
	waitFrame(t, ownerConn, FrameDiceResult)
	time.Sleep(50 * time.Millisecond)
	if len(otherConn.typed(FrameDiceResult)) != 0 {
		t.Fatal("private roll leaked to a player without view_private_rolls")
	}
}

func TestManagerEvictsIdleSessions(t *testing.T) {
	store := newGameStore()
	store.seedSession("ABCDEF", "owner-1")
	manager := newTestManager(t, store)
	getSession(t, manager, "ABCDEF")

	if _, ok := manager.Peek("ABCDEF"); !ok {
		t.Fatal("session not resident after load")
	}

	manager.now = func() time.Time { return time.Now().Add(timeouts.IdleEviction + time.Minute) }
	manager.sweep()

	if _, ok := manager.Peek("ABCDEF"); ok {
		t.Fatal("idle session still resident after sweep")
	}
}

func TestManagerGetIsCaseInsensitive(t *testing.T) {
	store := newGameStore()
	store.seedSession("ABCDEF", "owner-1")
	manager := newTestManager(t, store)

	first := getSession(t, manager, "abcdef")
	second := getSession(t, manager, "ABCDEF")
	if first != second {
		t.Fatal("case variants loaded distinct sessions")
	}
}

func TestManagerGetUnknownSession(t *testing.T) {
	manager := newTestManager(t, newGameStore())
	if _, err := manager.Get(context.Background(), "ZZZZZZ"); err == nil {
		t.Fatal("unknown session loaded")
	}
}
