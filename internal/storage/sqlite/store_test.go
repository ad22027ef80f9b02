package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/wyrmtable/wyrmtable/internal/game/audit"
	"github.com/wyrmtable/wyrmtable/internal/game/permission"
	"github.com/wyrmtable/wyrmtable/internal/storage"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wyrmtable.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil && err != sql.ErrConnDone {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func seedUser(t *testing.T, store *Store, id, username string) {
	t.Helper()
	err := store.CreateUser(context.Background(), storage.UserRecord{
		ID:       id,
		Username: username,
	})
	if err != nil {
		t.Fatalf("seed user %s: %v", username, err)
	}
}

func seedSession(t *testing.T, store *Store, code, ownerID string) {
	t.Helper()
	err := store.PutSession(context.Background(), storage.SessionRecord{
		Code:    code,
		Name:    "game night",
		OwnerID: ownerID,
		Active:  true,
	})
	if err != nil {
		t.Fatalf("seed session %s: %v", code, err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	store := openTempStore(t)
	if err := store.runMigrations(); err != nil {
		t.Fatalf("second migration run: %v", err)
	}
}

func TestUserRoundTrip(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	seedUser(t, store, "u-1", "alice")

	got, err := store.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("get by username: %v", err)
	}
	if got.ID != "u-1" {
		t.Fatalf("id = %s, want u-1", got.ID)
	}
	if got.SessionVersion != 1 {
		t.Fatalf("session version = %d, want 1", got.SessionVersion)
	}

	// Username lookup is case-insensitive.
	if _, err := store.GetUserByUsername(ctx, "ALICE"); err != nil {
		t.Fatalf("case-insensitive lookup: %v", err)
	}

	got.Email = "alice@example.com"
	got.SessionVersion = 2
	if err := store.UpdateUser(ctx, got); err != nil {
		t.Fatalf("update user: %v", err)
	}
	byEmail, err := store.GetUserByEmail(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("get by email: %v", err)
	}
	if byEmail.SessionVersion != 2 {
		t.Fatalf("session version = %d, want 2", byEmail.SessionVersion)
	}
}

func TestUsernameUniqueCaseInsensitive(t *testing.T) {
	store := openTempStore(t)
	seedUser(t, store, "u-1", "alice")

	err := store.CreateUser(context.Background(), storage.UserRecord{ID: "u-2", Username: "Alice"})
	if err == nil {
		t.Fatal("expected unique violation for case-variant username")
	}
}

func TestEmptyEmailsDoNotCollide(t *testing.T) {
	store := openTempStore(t)
	seedUser(t, store, "u-1", "alice")
	seedUser(t, store, "u-2", "bob")

	if _, err := store.GetUserByEmail(context.Background(), ""); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("empty email lookup: got %v, want not found", err)
	}
}

func TestGetUserNotFound(t *testing.T) {
	store := openTempStore(t)
	if _, err := store.GetUserByID(context.Background(), "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("got %v, want %v", err, storage.ErrNotFound)
	}
}

func TestVerificationLifecycle(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	seedUser(t, store, "u-1", "alice")

	record := storage.VerificationRecord{
		ID:        "v-1",
		UserID:    "u-1",
		Kind:      storage.ResetPassword,
		TokenHash: "deadbeef",
		ExpiresAt: time.Now().Add(time.Hour),
	}
	if err := store.PutVerification(ctx, record); err != nil {
		t.Fatalf("put verification: %v", err)
	}

	got, err := store.GetVerification(ctx, storage.ResetPassword, "deadbeef")
	if err != nil {
		t.Fatalf("get verification: %v", err)
	}
	if got.Used {
		t.Fatal("fresh token marked used")
	}

	if err := store.MarkVerificationUsed(ctx, "v-1"); err != nil {
		t.Fatalf("mark used: %v", err)
	}
	got, err = store.GetVerification(ctx, storage.ResetPassword, "deadbeef")
	if err != nil {
		t.Fatalf("get after use: %v", err)
	}
	if !got.Used {
		t.Fatal("token not marked used")
	}
}

func TestSessionAndMemberships(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	seedUser(t, store, "u-1", "alice")
	seedUser(t, store, "u-2", "bob")
	seedSession(t, store, "ABCDEF", "u-1")

	for _, p := range []storage.PlayerRecord{
		{SessionCode: "ABCDEF", UserID: "u-1", Role: permission.RoleOwner},
		{SessionCode: "ABCDEF", UserID: "u-2", Role: permission.RolePlayer},
	} {
		if err := store.PutPlayer(ctx, p); err != nil {
			t.Fatalf("put player %s: %v", p.UserID, err)
		}
	}

	memberships, err := store.ListMemberships(ctx, "u-2")
	if err != nil {
		t.Fatalf("list memberships: %v", err)
	}
	if len(memberships) != 1 {
		t.Fatalf("memberships = %d, want 1", len(memberships))
	}
	if memberships[0].Role != permission.RolePlayer {
		t.Fatalf("role = %s, want %s", memberships[0].Role, permission.RolePlayer)
	}

	// Banned members keep their row but drop out of membership listings.
	banned, err := store.GetPlayer(ctx, "ABCDEF", "u-2")
	if err != nil {
		t.Fatalf("get player: %v", err)
	}
	banned.Banned = true
	if err := store.PutPlayer(ctx, banned); err != nil {
		t.Fatalf("ban player: %v", err)
	}
	memberships, err = store.ListMemberships(ctx, "u-2")
	if err != nil {
		t.Fatalf("list after ban: %v", err)
	}
	if len(memberships) != 0 {
		t.Fatalf("memberships after ban = %d, want 0", len(memberships))
	}
}

func TestLegacyRoleNormalizedOnRead(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	seedUser(t, store, "u-1", "alice")
	seedSession(t, store, "ABCDEF", "u-1")

	_, err := store.sqlDB.ExecContext(ctx, `
INSERT INTO players (session_code, user_id, role, banned, active_table_id, created_at, updated_at)
VALUES ('ABCDEF', 'u-1', 'dm', 0, '', 0, 0)`)
	if err != nil {
		t.Fatalf("insert legacy row: %v", err)
	}

	p, err := store.GetPlayer(ctx, "ABCDEF", "u-1")
	if err != nil {
		t.Fatalf("get player: %v", err)
	}
	if p.Role != permission.RoleCoDM {
		t.Fatalf("role = %s, want %s", p.Role, permission.RoleCoDM)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	seedUser(t, store, "u-1", "alice")
	seedSession(t, store, "ABCDEF", "u-1")
	if err := store.PutPlayer(ctx, storage.PlayerRecord{SessionCode: "ABCDEF", UserID: "u-1", Role: permission.RoleOwner}); err != nil {
		t.Fatalf("put player: %v", err)
	}
	if err := store.PutTable(ctx, storage.TableRecord{ID: "t-1", SessionCode: "ABCDEF", Name: "dungeon", Width: 10, Height: 10}); err != nil {
		t.Fatalf("put table: %v", err)
	}
	if err := store.PutEntity(ctx, storage.EntityRecord{ID: "e-1", TableID: "t-1", Num: 1, Layer: "tokens", Kind: "npc"}); err != nil {
		t.Fatalf("put entity: %v", err)
	}

	if err := store.DeleteSession(ctx, "ABCDEF"); err != nil {
		t.Fatalf("delete session: %v", err)
	}

	if _, err := store.GetPlayer(ctx, "ABCDEF", "u-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("player survived cascade: %v", err)
	}
	entities, err := store.ListEntitiesBySession(ctx, "ABCDEF")
	if err != nil {
		t.Fatalf("list entities: %v", err)
	}
	if len(entities) != 0 {
		t.Fatalf("entities = %d, want 0 after cascade", len(entities))
	}
}

func TestConsumeInviteEnforcesLimits(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	seedUser(t, store, "u-1", "alice")
	seedSession(t, store, "ABCDEF", "u-1")

	invite := storage.InviteRecord{
		ID:          "inv-1",
		Code:        "joincode",
		SessionCode: "ABCDEF",
		Role:        permission.RolePlayer,
		CreatedBy:   "u-1",
		MaxUses:     2,
		Active:      true,
	}
	if err := store.PutInvite(ctx, invite); err != nil {
		t.Fatalf("put invite: %v", err)
	}

	now := time.Now()
	for i := 0; i < 2; i++ {
		ok, err := store.ConsumeInvite(ctx, "inv-1", now)
		if err != nil {
			t.Fatalf("consume %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("consume %d refused before exhaustion", i)
		}
	}
	ok, err := store.ConsumeInvite(ctx, "inv-1", now)
	if err != nil {
		t.Fatalf("consume exhausted: %v", err)
	}
	if ok {
		t.Fatal("exhausted invitation still consumable")
	}
}

func TestConsumeInviteRespectsExpiryAndRevocation(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	seedUser(t, store, "u-1", "alice")
	seedSession(t, store, "ABCDEF", "u-1")

	past := time.Now().Add(-time.Minute)
	expired := storage.InviteRecord{
		ID: "inv-exp", Code: "expired", SessionCode: "ABCDEF",
		Role: permission.RolePlayer, CreatedBy: "u-1",
		MaxUses: 5, Active: true, ExpiresAt: &past,
	}
	if err := store.PutInvite(ctx, expired); err != nil {
		t.Fatalf("put expired invite: %v", err)
	}
	if ok, _ := store.ConsumeInvite(ctx, "inv-exp", time.Now()); ok {
		t.Fatal("expired invitation consumed")
	}

	revoked := storage.InviteRecord{
		ID: "inv-rev", Code: "revoked", SessionCode: "ABCDEF",
		Role: permission.RolePlayer, CreatedBy: "u-1",
		MaxUses: 5, Active: true,
	}
	if err := store.PutInvite(ctx, revoked); err != nil {
		t.Fatalf("put invite: %v", err)
	}
	if err := store.RevokeInvite(ctx, "inv-rev"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if ok, _ := store.ConsumeInvite(ctx, "inv-rev", time.Now()); ok {
		t.Fatal("revoked invitation consumed")
	}
}

func TestGrantsLifecycle(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	seedUser(t, store, "u-1", "alice")
	seedSession(t, store, "ABCDEF", "u-1")

	grant := storage.GrantRecord{
		ID:          "g-1",
		SessionCode: "ABCDEF",
		UserID:      "u-1",
		Permission:  permission.Permission("fog.edit"),
		GrantedBy:   "owner",
		Active:      true,
	}
	if err := store.PutGrant(ctx, grant); err != nil {
		t.Fatalf("put grant: %v", err)
	}

	grants, err := store.ListActiveGrants(ctx, "ABCDEF", "u-1")
	if err != nil {
		t.Fatalf("list grants: %v", err)
	}
	if len(grants) != 1 {
		t.Fatalf("grants = %d, want 1", len(grants))
	}

	if err := store.DeactivateGrant(ctx, "ABCDEF", "u-1", grant.Permission); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	grants, err = store.ListActiveGrants(ctx, "ABCDEF", "u-1")
	if err != nil {
		t.Fatalf("list after deactivate: %v", err)
	}
	if len(grants) != 0 {
		t.Fatalf("grants after deactivate = %d, want 0", len(grants))
	}
}

func TestTableNameUniquePerSession(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	seedUser(t, store, "u-1", "alice")
	seedSession(t, store, "ABCDEF", "u-1")

	if err := store.PutTable(ctx, storage.TableRecord{ID: "t-1", SessionCode: "ABCDEF", Name: "dungeon", Width: 10, Height: 10}); err != nil {
		t.Fatalf("put table: %v", err)
	}
	err := store.PutTable(ctx, storage.TableRecord{ID: "t-2", SessionCode: "ABCDEF", Name: "Dungeon", Width: 10, Height: 10})
	if err == nil {
		t.Fatal("expected unique violation for case-variant table name")
	}
}

func TestEntityRoundTripWithNullStats(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	seedUser(t, store, "u-1", "alice")
	seedSession(t, store, "ABCDEF", "u-1")
	if err := store.PutTable(ctx, storage.TableRecord{ID: "t-1", SessionCode: "ABCDEF", Name: "dungeon", Width: 10, Height: 10}); err != nil {
		t.Fatalf("put table: %v", err)
	}

	plain := storage.EntityRecord{ID: "e-1", TableID: "t-1", Num: 1, Layer: "tokens", Kind: "npc"}
	statted := storage.EntityRecord{
		ID: "e-2", TableID: "t-1", Num: 2, Layer: "tokens", Kind: "player_token",
		StatsJSON: json.RawMessage(`{"hp":10,"max_hp":10}`),
	}
	for _, e := range []storage.EntityRecord{plain, statted} {
		if err := store.PutEntity(ctx, e); err != nil {
			t.Fatalf("put entity %s: %v", e.ID, err)
		}
	}

	entities, err := store.ListEntitiesBySession(ctx, "ABCDEF")
	if err != nil {
		t.Fatalf("list entities: %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("entities = %d, want 2", len(entities))
	}
	if entities[0].StatsJSON != nil {
		t.Fatalf("plain entity stats = %s, want nil", entities[0].StatsJSON)
	}
	if entities[1].StatsJSON == nil {
		t.Fatal("statted entity lost stats")
	}
}

func TestCharacterRoundTrip(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	seedUser(t, store, "u-1", "alice")
	seedSession(t, store, "ABCDEF", "u-1")

	record := storage.CharacterRecord{
		ID:          "c-1",
		SessionCode: "ABCDEF",
		Name:        "Mira",
		DataJSON:    json.RawMessage(`{"hp":10}`),
		OwnerID:     "u-1",
		Version:     1,
	}
	if err := store.PutCharacter(ctx, record); err != nil {
		t.Fatalf("put character: %v", err)
	}

	got, err := store.GetCharacter(ctx, "ABCDEF", "c-1")
	if err != nil {
		t.Fatalf("get character: %v", err)
	}
	if got.Version != 1 || got.Name != "Mira" {
		t.Fatalf("got %+v", got)
	}

	record.Version = 2
	record.DataJSON = json.RawMessage(`{"hp":12}`)
	if err := store.PutCharacter(ctx, record); err != nil {
		t.Fatalf("update character: %v", err)
	}
	got, err = store.GetCharacter(ctx, "ABCDEF", "c-1")
	if err != nil {
		t.Fatalf("get updated: %v", err)
	}
	if got.Version != 2 {
		t.Fatalf("version = %d, want 2", got.Version)
	}

	if err := store.DeleteCharacter(ctx, "ABCDEF", "c-1"); err != nil {
		t.Fatalf("delete character: %v", err)
	}
	if _, err := store.GetCharacter(ctx, "ABCDEF", "c-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("got %v, want %v", err, storage.ErrNotFound)
	}
}

func TestAuditAppendAndQuery(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	entries := []storage.AuditRecord{
		{EventType: audit.EventSessionCreated, SessionCode: "ABCDEF", ActorID: "u-1"},
		{EventType: audit.EventRoleChanged, SessionCode: "ABCDEF", ActorID: "u-1", TargetID: "u-2"},
		{EventType: audit.EventRoleChanged, SessionCode: "OTHER1", ActorID: "u-1"},
	}
	for i, entry := range entries {
		if err := store.AppendAudit(ctx, entry); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	got, err := store.QueryAudit(ctx, "ABCDEF", audit.Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("entries = %d, want 2", len(got))
	}
	// Newest first.
	if got[0].EventType != audit.EventRoleChanged {
		t.Fatalf("first entry = %s, want %s", got[0].EventType, audit.EventRoleChanged)
	}

	filtered, err := store.QueryAudit(ctx, "ABCDEF", audit.Filter{EventType: audit.EventSessionCreated})
	if err != nil {
		t.Fatalf("filtered query: %v", err)
	}
	if len(filtered) != 1 {
		t.Fatalf("filtered = %d, want 1", len(filtered))
	}

	byUser, err := store.QueryAudit(ctx, "ABCDEF", audit.Filter{UserID: "u-2"})
	if err != nil {
		t.Fatalf("user query: %v", err)
	}
	if len(byUser) != 1 || byUser[0].TargetID != "u-2" {
		t.Fatalf("user query = %+v", byUser)
	}
}

func TestApplyBatchAtomic(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()

	seedUser(t, store, "u-1", "alice")
	seedSession(t, store, "ABCDEF", "u-1")
	if err := store.PutTable(ctx, storage.TableRecord{ID: "t-1", SessionCode: "ABCDEF", Name: "dungeon", Width: 10, Height: 10}); err != nil {
		t.Fatalf("put table: %v", err)
	}

	batch := []storage.Mutation{
		{Kind: storage.MutPutEntity, Entity: &storage.EntityRecord{ID: "e-1", TableID: "t-1", Num: 1, Layer: "tokens", Kind: "npc"}},
		{Kind: storage.MutPutCharacter, Character: &storage.CharacterRecord{ID: "c-1", SessionCode: "ABCDEF", Name: "Mira", OwnerID: "u-1", Version: 1}},
		{Kind: storage.MutAppendAudit, Audit: &storage.AuditRecord{EventType: audit.EventSessionCreated, SessionCode: "ABCDEF"}},
	}
	if err := store.ApplyBatch(ctx, batch); err != nil {
		t.Fatalf("apply batch: %v", err)
	}

	entities, err := store.ListEntitiesBySession(ctx, "ABCDEF")
	if err != nil {
		t.Fatalf("list entities: %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("entities = %d, want 1", len(entities))
	}

	// A failing mutation rolls the whole batch back.
	bad := []storage.Mutation{
		{Kind: storage.MutPutEntity, Entity: &storage.EntityRecord{ID: "e-2", TableID: "t-1", Num: 2, Layer: "tokens", Kind: "npc"}},
		{Kind: storage.MutPutEntity, Entity: &storage.EntityRecord{ID: "e-3", TableID: "missing-table", Num: 3, Layer: "tokens", Kind: "npc"}},
	}
	if err := store.ApplyBatch(ctx, bad); err == nil {
		t.Fatal("expected batch failure for missing table")
	}
	entities, err = store.ListEntitiesBySession(ctx, "ABCDEF")
	if err != nil {
		t.Fatalf("list after failed batch: %v", err)
	}
	if len(entities) != 1 {
		t.Fatalf("entities = %d, want 1 (failed batch must roll back)", len(entities))
	}
}

func TestApplyBatchEmptyIsNoop(t *testing.T) {
	store := openTempStore(t)
	if err := store.ApplyBatch(context.Background(), nil); err != nil {
		t.Fatalf("empty batch: %v", err)
	}
}
