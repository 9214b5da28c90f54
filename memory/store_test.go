package memory

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/arborchat/memoryd/migrations"

	_ "github.com/mattn/go-sqlite3"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1.0}, nil
}

// topicEmbedder simulates semantic similarity deterministically: any text
// mentioning coffee lands on one axis, everything else on the other.
type topicEmbedder struct{}

func (topicEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.Contains(strings.ToLower(text), "coffee") {
		return []float32{1, 0}, nil
	}
	return []float32{0, 1}, nil
}

// setupTestDB creates an in-memory database and runs migrations.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// The pool must not hand out a second connection with its own empty
	// in-memory database.
	db.SetMaxOpenConns(1)

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}

	migrationsPath := filepath.Join(cwd, "..", "migrations")
	if !fileExists(filepath.Join(migrationsPath, "000001_initial_schema.up.sql")) {
		t.Fatalf("migrations not found at %s", migrationsPath)
	}

	if err := migrations.RunMigrations(db, migrationsPath, zerolog.Nop()); err != nil {
		_ = db.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}
	return db
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func testStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db := setupTestDB(t)
	return NewStore(db, stubEmbedder{}, 0, zerolog.Nop()), db
}

func TestStore_UpsertCreatesWithDefaults(t *testing.T) {
	store, db := testStore(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	res, err := store.Upsert(ctx, "u1", []UpsertItem{
		{Key: "preferences.color", Value: TextValue("green")},
	}, nil)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if len(res.Created) != 1 || res.Created[0] != "preferences.color" {
		t.Fatalf("expected created=[preferences.color], got %+v", res)
	}

	item, err := store.GetByKey(ctx, "u1", "preferences.color")
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if item == nil {
		t.Fatal("expected item, got nil")
	}
	if item.Tier != TierNormal || item.Importance != 5 || item.Confidence != 0.75 {
		t.Errorf("unexpected defaults: tier=%s importance=%d confidence=%v", item.Tier, item.Importance, item.Confidence)
	}
	if item.Pinned || item.Locked {
		t.Errorf("new normal item must not be pinned or locked")
	}
	if item.Value["text"] != "green" {
		t.Errorf("value not preserved: %v", item.Value)
	}
	if len(item.Embedding) == 0 {
		t.Error("expected an embedding to be stored")
	}
}

func TestStore_UpsertMergeSemantics(t *testing.T) {
	store, db := testStore(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	project := "p1"
	if _, err := store.Upsert(ctx, "u1", []UpsertItem{
		{Key: "preferences.color", Value: TextValue("green"), Importance: 8, Tier: TierCore},
	}, &project); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}

	// Lower importance, plain tier, no project: importance keeps the max,
	// pinned stays set, project scope survives.
	res, err := store.Upsert(ctx, "u1", []UpsertItem{
		{Key: "preferences.color", Value: TextValue("blue"), Importance: 3},
	}, nil)
	if err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	if len(res.Updated) != 1 {
		t.Fatalf("expected one update, got %+v", res)
	}

	item, err := store.GetByKey(ctx, "u1", "preferences.color")
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if item.Value["text"] != "blue" {
		t.Errorf("value must be replaced, got %v", item.Value)
	}
	if item.Importance != 8 {
		t.Errorf("importance must keep the max, got %d", item.Importance)
	}
	if !item.Pinned {
		t.Error("pinned must survive a non-core merge")
	}
	if item.ProjectID == nil || *item.ProjectID != "p1" {
		t.Errorf("project scope must survive when the merge has none, got %v", item.ProjectID)
	}
	if item.MentionCount != 1 {
		t.Errorf("merge must bump mention_count, got %d", item.MentionCount)
	}
}

func TestStore_CorrectLocksAtThreshold(t *testing.T) {
	store, db := testStore(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	if _, err := store.Upsert(ctx, "u1", []UpsertItem{
		{Key: "identity.hometown", Value: TextValue("Springfield")},
	}, nil); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	for i, want := range []bool{false, false, true} {
		res, err := store.Correct(ctx, "u1", "identity.hometown", TextValue("Shelbyville"), nil)
		if err != nil {
			t.Fatalf("Correct #%d: %v", i+1, err)
		}
		if res.Locked != want {
			t.Fatalf("Correct #%d: locked=%v, want %v", i+1, res.Locked, want)
		}
	}

	item, err := store.GetByKey(ctx, "u1", "identity.hometown")
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if !item.Locked || !item.Pinned || item.Tier != TierCore {
		t.Errorf("corrected item must be locked core pinned, got %+v", item)
	}
	if item.Importance != 10 || item.Confidence != 1.0 {
		t.Errorf("correction must force importance 10 and confidence 1.0, got %d/%v", item.Importance, item.Confidence)
	}
	if item.CorrectionCount != 3 {
		t.Errorf("correction_count=%d, want 3", item.CorrectionCount)
	}
}

func TestStore_UpsertAgainstLockedOnlyBumpsCounters(t *testing.T) {
	store, db := testStore(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := store.Correct(ctx, "u1", "identity.hometown", TextValue("Shelbyville"), nil); err != nil {
			t.Fatalf("Correct: %v", err)
		}
	}

	res, err := store.Upsert(ctx, "u1", []UpsertItem{
		{Key: "identity.hometown", Value: TextValue("Ogdenville")},
	}, nil)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if len(res.Ignored) != 1 || len(res.Locked) != 1 {
		t.Fatalf("expected the write to be ignored as locked, got %+v", res)
	}

	item, err := store.GetByKey(ctx, "u1", "identity.hometown")
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if item.Value["text"] != "Shelbyville" {
		t.Errorf("locked value must not change, got %v", item.Value)
	}
	if item.MentionCount == 0 {
		t.Error("locked upsert must still bump mention_count")
	}
}

func TestStore_CorrectOnAbsentCreatesEligible(t *testing.T) {
	store, db := testStore(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	res, err := store.Correct(ctx, "u1", "identity.pronouns", TextValue("they/them"), nil)
	if err != nil {
		t.Fatalf("Correct: %v", err)
	}
	if res.Locked {
		t.Error("first correction must not lock at the default threshold")
	}

	item, err := store.GetByKey(ctx, "u1", "identity.pronouns")
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if item == nil {
		t.Fatal("correction on absent key must create the item")
	}
	if item.CorrectionCount != 1 || item.Tier != TierCore || !item.Pinned {
		t.Errorf("created item must be in the corrected state, got %+v", item)
	}
}

func TestStore_ReinforceSkipsLockedAndUnknown(t *testing.T) {
	store, db := testStore(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	if _, err := store.Upsert(ctx, "u1", []UpsertItem{
		{Key: "preferences.music", Value: TextValue("jazz")},
	}, nil); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.Correct(ctx, "u1", "identity.hometown", TextValue("x"), nil); err != nil {
			t.Fatalf("Correct: %v", err)
		}
	}
	locked, _ := store.GetByKey(ctx, "u1", "identity.hometown")

	// Must not panic or error on unknown keys, and must not touch locked rows.
	store.Reinforce(ctx, "u1", []string{"preferences.music", "identity.hometown", "no.such.key", ""})

	item, err := store.GetByKey(ctx, "u1", "preferences.music")
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if item.MentionCount != 1 {
		t.Errorf("reinforce must bump mention_count, got %d", item.MentionCount)
	}

	after, _ := store.GetByKey(ctx, "u1", "identity.hometown")
	if after.MentionCount != locked.MentionCount {
		t.Errorf("reinforce must skip locked items: before=%d after=%d", locked.MentionCount, after.MentionCount)
	}
}

func TestStore_UpdateStrength(t *testing.T) {
	store, db := testStore(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	if _, err := store.Upsert(ctx, "u1", []UpsertItem{
		{Key: "preferences.music", Value: TextValue("jazz")},
	}, nil); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	item, _ := store.GetByKey(ctx, "u1", "preferences.music")

	next, err := store.UpdateStrength(ctx, item.ID, 0.3)
	if err != nil {
		t.Fatalf("UpdateStrength: %v", err)
	}
	if next != 3 {
		t.Errorf("delta 0.3 must bump by 3, got %d", next)
	}

	next, err = store.UpdateStrength(ctx, item.ID, 0)
	if err != nil {
		t.Fatalf("UpdateStrength: %v", err)
	}
	if next != 4 {
		t.Errorf("zero delta must still bump by 1, got %d", next)
	}

	if _, err := store.UpdateStrength(ctx, "no-such-id", 1); !IsNotFound(err) {
		t.Errorf("expected not_found for unknown id, got %v", err)
	}
}

func TestStore_DiscardTombstones(t *testing.T) {
	store, db := testStore(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	if _, err := store.Upsert(ctx, "u1", []UpsertItem{
		{Key: "preferences.music", Value: TextValue("jazz")},
	}, nil); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	item, _ := store.GetByKey(ctx, "u1", "preferences.music")

	if err := store.Discard(ctx, item.ID); err != nil {
		t.Fatalf("Discard: %v", err)
	}

	got, err := store.GetByKey(ctx, "u1", "preferences.music")
	if err != nil {
		t.Fatalf("GetByKey: %v", err)
	}
	if got != nil {
		t.Error("tombstoned item must be invisible to key lookup")
	}
	if _, err := store.Get(ctx, item.ID); !IsNotFound(err) {
		t.Errorf("tombstoned item must be not_found by id, got %v", err)
	}
	if err := store.Discard(ctx, item.ID); !IsNotFound(err) {
		t.Errorf("second discard must be not_found, got %v", err)
	}
}

func TestStore_AuditEventsRecorded(t *testing.T) {
	store, db := testStore(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	if _, err := store.Upsert(ctx, "u1", []UpsertItem{
		{Key: "preferences.music", Value: TextValue("jazz")},
	}, nil); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := store.Correct(ctx, "u1", "preferences.music", TextValue("blues"), nil); err != nil {
		t.Fatalf("Correct: %v", err)
	}

	events, err := store.RecentEvents(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(events) < 2 {
		t.Fatalf("expected at least 2 events, got %d", len(events))
	}
	types := make(map[string]bool)
	for _, e := range events {
		types[e.EventType] = true
	}
	if !types["create"] || !types["correct"] {
		t.Errorf("expected create and correct events, got %v", types)
	}
}
