// Package session hosts live game sessions: one serialized loop per session
// owning its engine, the connected realtime clients, and a write-behind
// queue of staged persistence mutations.
package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wyrmtable/wyrmtable/internal/game/audit"
	"github.com/wyrmtable/wyrmtable/internal/game/engine"
	"github.com/wyrmtable/wyrmtable/internal/game/permission"
	apperrors "github.com/wyrmtable/wyrmtable/internal/platform/errors"
	"github.com/wyrmtable/wyrmtable/internal/platform/id"
	"github.com/wyrmtable/wyrmtable/internal/platform/timeouts"
	"github.com/wyrmtable/wyrmtable/internal/storage"
)

const (
	// maxPendingMutations forces a flush once the staged batch grows past it.
	maxPendingMutations = 64

	flushTimeout = 10 * time.Second
)

// Store is the persistence surface a live session needs.
type Store interface {
	storage.SessionStore
	storage.PlayerStore
	storage.GrantStore
	storage.TableStore
	storage.EntityStore
	storage.CharacterStore
	storage.AuditStore
	storage.BatchStore
}

// pendingMove holds the newest coalesced position broadcast for one entity.
type pendingMove struct {
	payload entityPayload
}

// LiveSession is the in-memory authority for one session. All state below
// the cmds channel is owned by the run loop; external callers reach it only
// through posted closures.
type LiveSession struct {
	code   string
	demo   bool
	store  Store
	logger *log.Logger
	now    func() time.Time

	cmds chan func()

	stopOnce sync.Once
	stopping chan struct{}
	exited   chan struct{}

	clientCount  atomic.Int64
	lastActivity atomic.Int64 // unix millis

	// Loop-owned state.
	record   storage.SessionRecord
	engine   *engine.Engine
	players  map[string]storage.PlayerRecord
	clients  map[string]*Client
	perms    map[string]permission.Set
	pending  []storage.Mutation
	debounce map[string]*pendingMove
}

func newLiveSession(record storage.SessionRecord, eng *engine.Engine, players map[string]storage.PlayerRecord, store Store, logger *log.Logger, now func() time.Time) *LiveSession {
	s := &LiveSession{
		code:     record.Code,
		demo:     record.Demo,
		store:    store,
		logger:   logger,
		now:      now,
		cmds:     make(chan func(), 64),
		stopping: make(chan struct{}),
		exited:   make(chan struct{}),
		record:   record,
		engine:   eng,
		players:  players,
		clients:  make(map[string]*Client),
		perms:    make(map[string]permission.Set),
		debounce: make(map[string]*pendingMove),
	}
	s.touch()
	go s.run()
	return s
}

// Code returns the session code.
func (s *LiveSession) Code() string {
	return s.code
}

// Demo reports whether the session is a throwaway demo, which evicts on a
// much shorter idle window.
func (s *LiveSession) Demo() bool {
	return s.demo
}

// ClientCount reports the number of attached realtime clients.
func (s *LiveSession) ClientCount() int {
	return int(s.clientCount.Load())
}

// LastActivity reports when the session last processed a command.
func (s *LiveSession) LastActivity() time.Time {
	return time.UnixMilli(s.lastActivity.Load())
}

func (s *LiveSession) touch() {
	s.lastActivity.Store(s.now().UnixMilli())
}

func (s *LiveSession) run() {
	ticker := time.NewTicker(timeouts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-ticker.C:
			if err := s.flush(); err != nil {
				s.logger.Printf("game: periodic flush for %s: %v", s.code, err)
			}
		case <-s.stopping:
			// Drain commands already posted before shutting down.
			for {
				select {
				case fn := <-s.cmds:
					fn()
					continue
				default:
				}
				break
			}
			if err := s.flush(); err != nil {
				s.logger.Printf("game: final flush for %s: %v", s.code, err)
			}
			for _, c := range s.clients {
				c.Close()
			}
			s.clients = make(map[string]*Client)
			s.clientCount.Store(0)
			close(s.exited)
			return
		}
	}
}

var errSessionClosed = apperrors.New(apperrors.CodeUnavailable, "session is shutting down")

// do posts fn onto the session loop without waiting for it.
func (s *LiveSession) do(fn func()) error {
	select {
	case s.cmds <- fn:
		return nil
	case <-s.stopping:
		return errSessionClosed
	}
}

// call posts fn onto the session loop and waits for its result. Must not be
// invoked from inside the loop.
func (s *LiveSession) call(fn func() error) error {
	errc := make(chan error, 1)
	if err := s.do(func() { errc <- fn() }); err != nil {
		return err
	}
	select {
	case err := <-errc:
		return err
	case <-s.exited:
		return errSessionClosed
	}
}

// Close flushes pending mutations, disconnects every client, and stops the
// loop. Safe to call more than once.
func (s *LiveSession) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopping) })
	select {
	case <-s.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Checkpoint forces the staged mutations out to storage.
func (s *LiveSession) Checkpoint(ctx context.Context) error {
	return s.call(s.flush)
}

// stage queues mutations for the next flush, flushing early once the batch
// is large enough.
func (s *LiveSession) stage(muts ...storage.Mutation) {
	s.pending = append(s.pending, muts...)
	if len(s.pending) >= maxPendingMutations {
		if err := s.flush(); err != nil {
			s.logger.Printf("game: size-triggered flush for %s: %v", s.code, err)
		}
	}
}

// flush applies the staged batch in one transaction. On failure the batch is
// requeued ahead of anything staged since, preserving order for the retry.
func (s *LiveSession) flush() error {
	if len(s.pending) == 0 {
		return nil
	}
	batch := s.pending
	s.pending = nil
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := s.store.ApplyBatch(ctx, batch); err != nil {
		s.pending = append(batch, s.pending...)
		return err
	}
	return nil
}

func (s *LiveSession) stageEntity(e *engine.Entity) {
	rec, err := entityToRecord(e, s.now())
	if err != nil {
		s.logger.Printf("game: stage entity %s in %s: %v", e.ID, s.code, err)
		return
	}
	s.stage(storage.Mutation{Kind: storage.MutPutEntity, Entity: &rec})
}

func (s *LiveSession) stageTable(t *engine.Table) {
	rec, err := tableToRecord(s.code, t, s.now())
	if err != nil {
		s.logger.Printf("game: stage table %s in %s: %v", t.ID, s.code, err)
		return
	}
	s.stage(storage.Mutation{Kind: storage.MutPutTable, Table: &rec})
}

func (s *LiveSession) stageCharacter(c *engine.Character) {
	rec, err := characterToRecord(s.code, c, s.now())
	if err != nil {
		s.logger.Printf("game: stage character %s in %s: %v", c.ID, s.code, err)
		return
	}
	s.stage(storage.Mutation{Kind: storage.MutPutCharacter, Character: &rec})
}

func (s *LiveSession) stageAudit(eventType audit.EventType, actorID, targetID string, details map[string]any) {
	s.stage(storage.Mutation{Kind: storage.MutAppendAudit, Audit: &storage.AuditRecord{
		EventType:   eventType,
		SessionCode: s.code,
		ActorID:     actorID,
		TargetID:    targetID,
		DetailsJSON: audit.Details(details),
		CreatedAt:   s.now(),
	}})
}

// permsFor resolves a member's effective permission set, caching it until a
// role change or grant update invalidates it.
func (s *LiveSession) permsFor(userID string) (permission.Set, error) {
	player, ok := s.players[userID]
	if !ok || player.Banned {
		return nil, apperrors.New(apperrors.CodePermissionDenied, "not a member of this session")
	}
	if set, ok := s.perms[userID]; ok {
		return set, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	grants, err := s.store.ListActiveGrants(ctx, s.code, userID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeUnavailable, "load permission grants", err)
	}
	extra := make([]permission.Permission, 0, len(grants))
	for _, g := range grants {
		extra = append(extra, g.Permission)
	}
	set := permission.Effective(player.Role, extra)
	s.perms[userID] = set
	return set, nil
}

// require checks one permission, staging a denial audit entry on failure.
func (s *LiveSession) require(userID string, perm permission.Permission) error {
	set, err := s.permsFor(userID)
	if err != nil {
		return err
	}
	if !set.Has(perm) {
		s.stageAudit(audit.EventPermissionDenied, userID, "", map[string]any{
			"permission": string(perm),
		})
		return apperrors.WithMetadata(apperrors.CodePermissionDenied,
			"missing permission", map[string]string{"permission": string(perm)})
	}
	return nil
}

// has reports a permission without auditing; used for view filtering.
func (s *LiveSession) has(userID string, perm permission.Permission) bool {
	set, err := s.permsFor(userID)
	if err != nil {
		return false
	}
	return set.Has(perm)
}

// Attach connects a realtime client for a session member. The caller owns
// the transport; the returned client queues outbound frames. The snapshot is
// the first frame delivered.
func (s *LiveSession) Attach(ctx context.Context, userID, username string, conn FrameWriter) (*Client, error) {
	var client *Client
	err := s.call(func() error {
		player, ok := s.players[userID]
		if !ok {
			return apperrors.New(apperrors.CodePermissionDenied, "join the session before connecting")
		}
		if player.Banned {
			return apperrors.New(apperrors.CodePermissionDenied, "banned from this session")
		}
		if _, err := s.permsFor(userID); err != nil {
			return err
		}

		client = newClient(id.New(), userID, username, conn, s.logger)
		s.clients[client.ID] = client
		s.clientCount.Store(int64(len(s.clients)))
		s.touch()

		snapshot := s.snapshotFor(userID, player)
		s.deliver(client, Frame{Type: FrameSnapshot, Timestamp: s.now().UnixMilli(), Data: mustJSON(snapshot)})
		joined := Frame{Type: FramePlayerJoined, Timestamp: s.now().UnixMilli(), Data: mustJSON(playerPayload{
			UserID:    userID,
			Username:  username,
			Role:      player.Role,
			Connected: true,
		})}
		for _, other := range s.clients {
			if other.ID != client.ID {
				s.deliver(other, joined)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Detach disconnects a client and flushes staged mutations.
func (s *LiveSession) Detach(client *Client) {
	_ = s.do(func() {
		if _, ok := s.clients[client.ID]; !ok {
			return
		}
		delete(s.clients, client.ID)
		s.clientCount.Store(int64(len(s.clients)))
		client.Close()
		s.touch()

		left := Frame{Type: FramePlayerLeft, Timestamp: s.now().UnixMilli(), Data: mustJSON(playerPayload{
			UserID:    client.UserID,
			Username:  client.Username,
			Connected: s.userConnected(client.UserID),
		})}
		s.broadcast(left, "")
		if err := s.flush(); err != nil {
			s.logger.Printf("game: flush on detach from %s: %v", s.code, err)
		}
	})
}

func (s *LiveSession) userConnected(userID string) bool {
	for _, c := range s.clients {
		if c.UserID == userID {
			return true
		}
	}
	return false
}

// deliver enqueues one frame, disconnecting and auditing slow consumers.
func (s *LiveSession) deliver(c *Client, frame Frame) {
	err := c.Enqueue(frame)
	if err == nil {
		return
	}
	if errors.Is(err, ErrSlowConsumer) {
		s.logger.Printf("game: disconnecting slow consumer %s (user %s) in %s", c.ID, c.UserID, s.code)
		s.stageAudit(audit.EventSlowConsumer, "", c.UserID, map[string]any{"client_id": c.ID})
		delete(s.clients, c.ID)
		s.clientCount.Store(int64(len(s.clients)))
		c.Close()
	}
}

// broadcast sends a frame to every client; gate restricts delivery to
// clients holding that permission when non-empty.
func (s *LiveSession) broadcast(frame Frame, gate permission.Permission) {
	for _, c := range s.clients {
		if gate != "" && !s.has(c.UserID, gate) {
			continue
		}
		s.deliver(c, frame)
	}
}

// broadcastEntity sends an entity event, hiding DM-layer entities from
// clients without the view permission.
func (s *LiveSession) broadcastEntity(frameType string, e *engine.Entity, clamped bool) {
	frame := Frame{Type: frameType, Timestamp: s.now().UnixMilli(), Data: mustJSON(newEntityPayload(e, clamped))}
	gate := permission.Permission("")
	if e.Layer == engine.LayerDM {
		gate = permission.ViewDMLayer
	}
	s.broadcast(frame, gate)
}

// snapshotFor renders the full session state visible to one member:
// DM-layer entities are omitted for members without the view permission.
func (s *LiveSession) snapshotFor(userID string, player storage.PlayerRecord) snapshotPayload {
	set, _ := s.permsFor(userID)
	seesDM := set.Has(permission.ViewDMLayer)

	tables := s.engine.Tables()
	tablePayloads := make([]tablePayload, 0, len(tables))
	for _, t := range tables {
		tablePayloads = append(tablePayloads, s.tablePayloadFor(t, seesDM))
	}

	characters := s.engine.Characters()
	characterPayloads := make([]characterPayload, 0, len(characters))
	for _, c := range characters {
		characterPayloads = append(characterPayloads, newCharacterPayload(c))
	}

	players := make([]playerPayload, 0, len(s.players))
	for _, p := range s.players {
		players = append(players, playerPayload{
			UserID:        p.UserID,
			Role:          p.Role,
			Connected:     s.userConnected(p.UserID),
			ActiveTableID: p.ActiveTableID,
		})
	}

	return snapshotPayload{
		SessionCode:   s.code,
		SessionName:   s.record.Name,
		Role:          player.Role,
		Permissions:   set.Sorted(),
		ActiveTableID: player.ActiveTableID,
		Tables:        tablePayloads,
		Characters:    characterPayloads,
		Players:       players,
	}
}

func (s *LiveSession) tablePayloadFor(t *engine.Table, seesDM bool) tablePayload {
	entities := t.Entities()
	payloads := make([]entityPayload, 0, len(entities))
	for _, e := range entities {
		if e.Layer == engine.LayerDM && !seesDM {
			continue
		}
		payloads = append(payloads, newEntityPayload(e.Clone(), false))
	}
	fog := t.FogRectangles
	if fog == nil {
		fog = []engine.FogRect{}
	}
	return tablePayload{
		ID:       t.ID,
		Name:     t.Name,
		Width:    t.Width,
		Height:   t.Height,
		PosX:     t.PosX,
		PosY:     t.PosY,
		ScaleX:   t.ScaleX,
		ScaleY:   t.ScaleY,
		Layers:   t.LayerVisibility,
		Fog:      fog,
		Entities: payloads,
	}
}

// sendError unicasts an error frame for a failed inbound request. Version
// conflicts carry the stored character state so the client can rebase.
func (s *LiveSession) sendError(c *Client, detail any, err error) {
	payload := errorPayload{
		Kind:    string(apperrors.CodeOf(err)),
		Message: err.Error(),
		Detail:  detail,
	}
	s.deliver(c, Frame{Type: FrameError, Timestamp: s.now().UnixMilli(), Data: mustJSON(payload)})
}
