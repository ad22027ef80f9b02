package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/wyrmtable/wyrmtable/internal/game/engine"
	"github.com/wyrmtable/wyrmtable/internal/platform/id"
	"github.com/wyrmtable/wyrmtable/internal/platform/timeouts"
	"github.com/wyrmtable/wyrmtable/internal/storage"
)

const sweepInterval = time.Minute

// Manager owns the set of resident live sessions. Sessions load lazily from
// storage on first access and are evicted after sitting idle with no
// clients.
type Manager struct {
	store     Store
	logger    *log.Logger
	now       func() time.Time
	idleAfter time.Duration

	mu       sync.Mutex
	sessions map[string]*LiveSession

	stopOnce sync.Once
	stop     chan struct{}
	swept    chan struct{}
}

// NewManager builds a manager and starts its eviction janitor.
func NewManager(store Store, logger *log.Logger) *Manager {
	m := &Manager{
		store:     store,
		logger:    logger,
		now:       time.Now,
		idleAfter: timeouts.IdleEviction,
		sessions:  make(map[string]*LiveSession),
		stop:      make(chan struct{}),
		swept:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Get returns the live session for code, loading it from storage when not
// resident. Codes are case-insensitive.
func (m *Manager) Get(ctx context.Context, code string) (*LiveSession, error) {
	code = id.NormalizeSessionCode(code)

	m.mu.Lock()
	defer m.mu.Unlock()
	if live, ok := m.sessions[code]; ok {
		return live, nil
	}
	live, err := m.load(ctx, code)
	if err != nil {
		return nil, err
	}
	m.sessions[code] = live
	return live, nil
}

// Peek returns a resident session without loading. Callers reconciling
// persisted changes use it so an unloaded session is simply left to pick the
// change up at next load.
func (m *Manager) Peek(code string) (*LiveSession, bool) {
	code = id.NormalizeSessionCode(code)
	m.mu.Lock()
	defer m.mu.Unlock()
	live, ok := m.sessions[code]
	return live, ok
}

func (m *Manager) load(ctx context.Context, code string) (*LiveSession, error) {
	record, err := m.store.GetSession(ctx, code)
	if err != nil {
		return nil, err
	}

	playerRecords, err := m.store.ListPlayers(ctx, code)
	if err != nil {
		return nil, err
	}
	players := make(map[string]storage.PlayerRecord, len(playerRecords))
	for _, p := range playerRecords {
		players[p.UserID] = p
	}

	tableRecords, err := m.store.ListTables(ctx, code)
	if err != nil {
		return nil, err
	}
	entityRecords, err := m.store.ListEntitiesBySession(ctx, code)
	if err != nil {
		return nil, err
	}
	entitiesByTable := make(map[string][]*engine.Entity, len(tableRecords))
	for _, rec := range entityRecords {
		entity, err := recordToEntity(rec)
		if err != nil {
			return nil, err
		}
		entitiesByTable[rec.TableID] = append(entitiesByTable[rec.TableID], entity)
	}

	eng := engine.New(code)
	for _, rec := range tableRecords {
		table, err := recordToTable(rec)
		if err != nil {
			return nil, err
		}
		eng.RestoreTable(table, entitiesByTable[rec.ID])
	}

	characterRecords, err := m.store.ListCharacters(ctx, code)
	if err != nil {
		return nil, err
	}
	for _, rec := range characterRecords {
		character, err := recordToCharacter(rec)
		if err != nil {
			return nil, err
		}
		eng.RestoreCharacter(character)
	}

	m.logger.Printf("game: loaded session %s (%d tables, %d entities, %d characters, %d players)",
		code, len(tableRecords), len(entityRecords), len(characterRecords), len(playerRecords))
	return newLiveSession(record, eng, players, m.store, m.logger, m.now), nil
}

// Evict flushes and unloads one session.
func (m *Manager) Evict(ctx context.Context, code string) error {
	code = id.NormalizeSessionCode(code)
	m.mu.Lock()
	live, ok := m.sessions[code]
	delete(m.sessions, code)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return live.Close(ctx)
}

func (m *Manager) sweepLoop() {
	defer close(m.swept)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) sweep() {
	now := m.now()
	cutoff := now.Add(-m.idleAfter)
	demoCutoff := now.Add(-timeouts.DemoIdleEviction)

	m.mu.Lock()
	var idle []*LiveSession
	for code, live := range m.sessions {
		if live.ClientCount() != 0 {
			continue
		}
		limit := cutoff
		if live.Demo() {
			limit = demoCutoff
		}
		if live.LastActivity().Before(limit) {
			idle = append(idle, live)
			delete(m.sessions, code)
		}
	}
	m.mu.Unlock()

	for _, live := range idle {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		if err := live.Close(ctx); err != nil {
			m.logger.Printf("game: evict idle session %s: %v", live.Code(), err)
		} else {
			m.logger.Printf("game: evicted idle session %s", live.Code())
		}
		cancel()
	}
}

// Shutdown stops the janitor and closes every resident session, flushing
// their staged mutations.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stop) })
	select {
	case <-m.swept:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	resident := make([]*LiveSession, 0, len(m.sessions))
	for code, live := range m.sessions {
		resident = append(resident, live)
		delete(m.sessions, code)
	}
	m.mu.Unlock()

	var firstErr error
	for _, live := range resident {
		if err := live.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
