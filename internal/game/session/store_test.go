package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/wyrmtable/wyrmtable/internal/game/audit"
	"github.com/wyrmtable/wyrmtable/internal/game/permission"
	"github.com/wyrmtable/wyrmtable/internal/storage"
)

// memGameStore is an in-memory Store for session tests.
type memGameStore struct {
	mu         sync.Mutex
	sessions   map[string]storage.SessionRecord
	players    map[string]storage.PlayerRecord
	grants     map[string][]storage.GrantRecord
	tables     map[string]storage.TableRecord
	entities   map[string]storage.EntityRecord
	characters map[string]storage.CharacterRecord
	audits     []storage.AuditRecord
	batches    int
}

func newGameStore() *memGameStore {
	return &memGameStore{
		sessions:   make(map[string]storage.SessionRecord),
		players:    make(map[string]storage.PlayerRecord),
		grants:     make(map[string][]storage.GrantRecord),
		tables:     make(map[string]storage.TableRecord),
		entities:   make(map[string]storage.EntityRecord),
		characters: make(map[string]storage.CharacterRecord),
	}
}

func playerKey(code, userID string) string { return code + "/" + userID }

func (m *memGameStore) PutSession(ctx context.Context, s storage.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.Code] = s
	return nil
}

func (m *memGameStore) GetSession(ctx context.Context, code string) (storage.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[code]
	if !ok {
		return storage.SessionRecord{}, storage.ErrNotFound
	}
	return s, nil
}

func (m *memGameStore) DeleteSession(ctx context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, code)
	for key, p := range m.players {
		if p.SessionCode == code {
			delete(m.players, key)
		}
	}
	for id, t := range m.tables {
		if t.SessionCode == code {
			delete(m.tables, id)
			for eid, e := range m.entities {
				if e.TableID == id {
					delete(m.entities, eid)
				}
			}
		}
	}
	for key, c := range m.characters {
		if c.SessionCode == code {
			delete(m.characters, key)
		}
	}
	return nil
}

func (m *memGameStore) ListMemberships(ctx context.Context, userID string) ([]storage.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Membership
	for _, p := range m.players {
		if p.UserID == userID && !p.Banned {
			out = append(out, storage.Membership{Session: m.sessions[p.SessionCode], Role: p.Role})
		}
	}
	return out, nil
}

func (m *memGameStore) PutPlayer(ctx context.Context, p storage.PlayerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.players[playerKey(p.SessionCode, p.UserID)] = p
	return nil
}

func (m *memGameStore) GetPlayer(ctx context.Context, sessionCode, userID string) (storage.PlayerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.players[playerKey(sessionCode, userID)]
	if !ok {
		return storage.PlayerRecord{}, storage.ErrNotFound
	}
	return p, nil
}

func (m *memGameStore) DeletePlayer(ctx context.Context, sessionCode, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.players, playerKey(sessionCode, userID))
	return nil
}

func (m *memGameStore) ListPlayers(ctx context.Context, sessionCode string) ([]storage.PlayerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.PlayerRecord
	for _, p := range m.players {
		if p.SessionCode == sessionCode {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memGameStore) PutGrant(ctx context.Context, g storage.GrantRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := playerKey(g.SessionCode, g.UserID)
	m.grants[key] = append(m.grants[key], g)
	return nil
}

func (m *memGameStore) ListActiveGrants(ctx context.Context, sessionCode, userID string) ([]storage.GrantRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.GrantRecord
	for _, g := range m.grants[playerKey(sessionCode, userID)] {
		if g.Active {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *memGameStore) DeactivateGrant(ctx context.Context, sessionCode, userID string, perm permission.Permission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := playerKey(sessionCode, userID)
	for i, g := range m.grants[key] {
		if g.Permission == perm {
			m.grants[key][i].Active = false
		}
	}
	return nil
}

func (m *memGameStore) PutTable(ctx context.Context, t storage.TableRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[t.ID] = t
	return nil
}

func (m *memGameStore) DeleteTable(ctx context.Context, tableID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables, tableID)
	for id, e := range m.entities {
		if e.TableID == tableID {
			delete(m.entities, id)
		}
	}
	return nil
}

func (m *memGameStore) ListTables(ctx context.Context, sessionCode string) ([]storage.TableRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.TableRecord
	for _, t := range m.tables {
		if t.SessionCode == sessionCode {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memGameStore) PutEntity(ctx context.Context, e storage.EntityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[e.ID] = e
	return nil
}

func (m *memGameStore) DeleteEntity(ctx context.Context, entityID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entities, entityID)
	return nil
}

func (m *memGameStore) ListEntitiesBySession(ctx context.Context, sessionCode string) ([]storage.EntityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.EntityRecord
	for _, e := range m.entities {
		if t, ok := m.tables[e.TableID]; ok && t.SessionCode == sessionCode {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memGameStore) PutCharacter(ctx context.Context, c storage.CharacterRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.characters[playerKey(c.SessionCode, c.ID)] = c
	return nil
}

func (m *memGameStore) GetCharacter(ctx context.Context, sessionCode, characterID string) (storage.CharacterRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.characters[playerKey(sessionCode, characterID)]
	if !ok {
		return storage.CharacterRecord{}, storage.ErrNotFound
	}
	return c, nil
}

func (m *memGameStore) DeleteCharacter(ctx context.Context, sessionCode, characterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.characters, playerKey(sessionCode, characterID))
	return nil
}

func (m *memGameStore) ListCharacters(ctx context.Context, sessionCode string) ([]storage.CharacterRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.CharacterRecord
	for _, c := range m.characters {
		if c.SessionCode == sessionCode {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memGameStore) AppendAudit(ctx context.Context, entry storage.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, entry)
	return nil
}

func (m *memGameStore) QueryAudit(ctx context.Context, sessionCode string, filter audit.Filter) ([]storage.AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.AuditRecord
	for _, entry := range m.audits {
		if entry.SessionCode != sessionCode {
			continue
		}
		if filter.EventType != "" && entry.EventType != filter.EventType {
			continue
		}
		if filter.UserID != "" && entry.ActorID != filter.UserID && entry.TargetID != filter.UserID {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (m *memGameStore) ApplyBatch(ctx context.Context, mutations []storage.Mutation) error {
	m.mu.Lock()
	m.batches++
	m.mu.Unlock()
	for _, mut := range mutations {
		switch mut.Kind {
		case storage.MutPutSession:
			_ = m.PutSession(ctx, *mut.Session)
		case storage.MutPutPlayer:
			_ = m.PutPlayer(ctx, *mut.Player)
		case storage.MutDeletePlayer:
			_ = m.DeletePlayer(ctx, mut.PlayerKey.SessionCode, mut.PlayerKey.UserID)
		case storage.MutPutTable:
			_ = m.PutTable(ctx, *mut.Table)
		case storage.MutDeleteTable:
			_ = m.DeleteTable(ctx, mut.TableID)
		case storage.MutPutEntity:
			_ = m.PutEntity(ctx, *mut.Entity)
		case storage.MutDeleteEntity:
			_ = m.DeleteEntity(ctx, mut.EntityID)
		case storage.MutPutCharacter:
			_ = m.PutCharacter(ctx, *mut.Character)
		case storage.MutDeleteCharacter:
			_ = m.DeleteCharacter(ctx, mut.CharKey.SessionCode, mut.CharKey.CharacterID)
		case storage.MutAppendAudit:
			_ = m.AppendAudit(ctx, *mut.Audit)
		}
	}
	return nil
}

func (m *memGameStore) auditEvents(sessionCode string, eventType audit.EventType) []storage.AuditRecord {
	out, _ := m.QueryAudit(context.Background(), sessionCode, audit.Filter{EventType: eventType})
	return out
}

// Seeding helpers.

func (m *memGameStore) seedSession(code, ownerID string) {
	now := time.Now().UTC()
	_ = m.PutSession(context.Background(), storage.SessionRecord{
		Code: code, Name: "Test Game", OwnerID: ownerID, Active: true, CreatedAt: now, UpdatedAt: now,
	})
	_ = m.PutPlayer(context.Background(), storage.PlayerRecord{
		SessionCode: code, UserID: ownerID, Role: permission.RoleOwner, CreatedAt: now, UpdatedAt: now,
	})
}

func (m *memGameStore) seedPlayer(code, userID string, role permission.Role) {
	now := time.Now().UTC()
	_ = m.PutPlayer(context.Background(), storage.PlayerRecord{
		SessionCode: code, UserID: userID, Role: role, CreatedAt: now, UpdatedAt: now,
	})
}

func (m *memGameStore) seedTable(code, tableID, name string, width, height int) {
	now := time.Now().UTC()
	_ = m.PutTable(context.Background(), storage.TableRecord{
		ID: tableID, SessionCode: code, Name: name, Width: width, Height: height,
		ScaleX: 1, ScaleY: 1,
		LayersJSON: json.RawMessage(`{"map":true,"obstacles":true,"tokens":true,"light":true,"dungeon_master":true}`),
		FogJSON:    json.RawMessage(`[]`),
		CreatedAt:  now, UpdatedAt: now,
	})
}

func gameGrant(code, userID string, perm permission.Permission) storage.GrantRecord {
	return storage.GrantRecord{
		ID: "g-" + userID, SessionCode: code, UserID: userID,
		Permission: perm, GrantedBy: "owner-1", Active: true, CreatedAt: time.Now().UTC(),
	}
}

func playerRecordFor(code, userID string, role permission.Role) storage.PlayerRecord {
	now := time.Now().UTC()
	return storage.PlayerRecord{SessionCode: code, UserID: userID, Role: role, CreatedAt: now, UpdatedAt: now}
}

func (m *memGameStore) seedEntity(tableID, entityID, name, layer string, num int64, x, y int) {
	now := time.Now().UTC()
	_ = m.PutEntity(context.Background(), storage.EntityRecord{
		ID: entityID, TableID: tableID, Num: num, Name: name, X: x, Y: y,
		Layer: layer, Kind: "player_token", ScaleX: 1, ScaleY: 1,
		ControllersJSON: json.RawMessage(`[]`),
		CreatedAt:       now, UpdatedAt: now,
	})
}
