package sqlite

import (
	"context"
	"fmt"

	"github.com/wyrmtable/wyrmtable/internal/storage"
)

// ApplyBatch commits a set of staged mutations in one transaction. Checkpoint
// flushes and audited multi-record operations rely on this to stay atomic.
func (s *Store) ApplyBatch(ctx context.Context, mutations []storage.Mutation) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	if len(mutations) == 0 {
		return nil
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch tx: %w", err)
	}
	defer tx.Rollback()

	for i, m := range mutations {
		if err := applyMutation(ctx, tx, m); err != nil {
			return fmt.Errorf("apply mutation %d (%s): %w", i, m.Kind, err)
		}
	}

	return tx.Commit()
}

func applyMutation(ctx context.Context, exec execContexter, m storage.Mutation) error {
	switch m.Kind {
	case storage.MutPutSession:
		if m.Session == nil {
			return fmt.Errorf("session record is required")
		}
		return putSession(ctx, exec, *m.Session)
	case storage.MutPutPlayer:
		if m.Player == nil {
			return fmt.Errorf("player record is required")
		}
		return putPlayer(ctx, exec, *m.Player)
	case storage.MutDeletePlayer:
		if m.PlayerKey == nil {
			return fmt.Errorf("player key is required")
		}
		return deletePlayer(ctx, exec, m.PlayerKey.SessionCode, m.PlayerKey.UserID)
	case storage.MutPutTable:
		if m.Table == nil {
			return fmt.Errorf("table record is required")
		}
		return putTable(ctx, exec, *m.Table)
	case storage.MutDeleteTable:
		return deleteTable(ctx, exec, m.TableID)
	case storage.MutPutEntity:
		if m.Entity == nil {
			return fmt.Errorf("entity record is required")
		}
		return putEntity(ctx, exec, *m.Entity)
	case storage.MutDeleteEntity:
		return deleteEntity(ctx, exec, m.EntityID)
	case storage.MutPutCharacter:
		if m.Character == nil {
			return fmt.Errorf("character record is required")
		}
		return putCharacter(ctx, exec, *m.Character)
	case storage.MutDeleteCharacter:
		if m.CharKey == nil {
			return fmt.Errorf("character key is required")
		}
		return deleteCharacter(ctx, exec, m.CharKey.SessionCode, m.CharKey.CharacterID)
	case storage.MutAppendAudit:
		if m.Audit == nil {
			return fmt.Errorf("audit record is required")
		}
		return appendAudit(ctx, exec, *m.Audit)
	default:
		return fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
}
