package prompt

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/arborchat/memoryd/cache"
	"github.com/arborchat/memoryd/memory"
	"github.com/arborchat/memoryd/migrations"

	_ "github.com/mattn/go-sqlite3"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 1.0}, nil
}

func setupBuilder(t *testing.T) (*Builder, *memory.Store, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("failed to get working directory: %v", err)
	}
	if err := migrations.RunMigrations(db, filepath.Join(cwd, "..", "migrations"), zerolog.Nop()); err != nil {
		_ = db.Close()
		t.Fatalf("failed to run migrations: %v", err)
	}

	store := memory.NewStore(db, stubEmbedder{}, 0, zerolog.Nop())
	retriever := memory.NewRetriever(store, stubEmbedder{}, nil, memory.DefaultRetrievalConfig(), zerolog.Nop())
	builder := NewBuilder(store, retriever, cache.NewTTLMap(), zerolog.Nop())
	return builder, store, db
}

func TestBuild_SectionOrder(t *testing.T) {
	builder, store, db := setupBuilder(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	project := "p1"
	if _, err := store.SetAnchor(ctx, "u1", project, memory.NewAnchorWrite(memory.AnchorPreferredAddress, "Dude")); err != nil {
		t.Fatalf("SetAnchor: %v", err)
	}
	if _, err := store.Upsert(ctx, "u1", []memory.UpsertItem{
		{Key: "preferences.music", Value: memory.TextValue("listens to jazz")},
	}, &project); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	built, err := builder.Build(ctx, Params{
		UserID:         "u1",
		ProjectID:      &project,
		LatestUserText: "what music do I like again",
		Safety:         "SAFETY: keep it light.",
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	idx := func(s string) int { return strings.Index(built.System, s) }
	identity := idx("IDENTITY (NON-NEGOTIABLE):")
	anchors := idx("ANCHORS (AUTHORITATIVE PROJECT FACTS):")
	governance := idx("GOVERNANCE CONSTRAINTS:")
	safety := idx("SAFETY: keep it light.")
	memBlock := idx("MEMORY (PERSONAL CONTEXT):")

	for name, pos := range map[string]int{
		"identity": identity, "anchors": anchors, "governance": governance,
		"safety": safety, "memory": memBlock,
	} {
		if pos == -1 {
			t.Fatalf("section %s missing from prompt:\n%s", name, built.System)
		}
	}
	if !(identity < anchors && anchors < governance && governance < safety && safety < memBlock) {
		t.Errorf("sections out of order: identity=%d anchors=%d governance=%d safety=%d memory=%d",
			identity, anchors, governance, safety, memBlock)
	}
	if strings.Contains(built.System, noMemoryFallback) {
		t.Error("fallback text must not appear when memory exists")
	}
	if len(built.UsedIDs) != 1 {
		t.Errorf("UsedIDs must reflect the surfaced items, got %d", len(built.UsedIDs))
	}
}

func TestBuild_FallbackWithoutMemory(t *testing.T) {
	builder, _, db := setupBuilder(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	built, err := builder.Build(context.Background(), Params{
		UserID:         "fresh-user",
		LatestUserText: "hello, who am I",
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(built.System, noMemoryFallback) {
		t.Errorf("empty memory must render the fallback sentence:\n%s", built.System)
	}
	if strings.Contains(built.System, "ANCHORS") {
		t.Error("no anchors must mean no anchor section")
	}
	if len(built.UsedIDs) != 0 {
		t.Errorf("no items used, got %d", len(built.UsedIDs))
	}
}

func TestBuild_CacheAndInvalidation(t *testing.T) {
	builder, store, db := setupBuilder(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	project := "p1"
	conv := "c1"
	params := Params{
		UserID:         "u1",
		ProjectID:      &project,
		ConversationID: &conv,
		LatestUserText: "hi again",
	}

	first, err := builder.Build(ctx, params)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if _, err := store.SetAnchor(ctx, "u1", project, memory.NewAnchorWrite(memory.AnchorPreferredAddress, "Dude")); err != nil {
		t.Fatalf("SetAnchor: %v", err)
	}

	cached, err := builder.Build(ctx, params)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cached != first {
		t.Error("within TTL and without invalidation, the cached prompt must be served")
	}

	builder.InvalidatePrompt("u1", project)

	fresh, err := builder.Build(ctx, params)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if fresh == first {
		t.Error("invalidation must force a rebuild")
	}
	if !strings.Contains(fresh.System, "user.preferred_address: Dude") {
		t.Errorf("rebuilt prompt must include the new anchor:\n%s", fresh.System)
	}

	// Invalidation is scoped: another project's conversations keep their cache.
	otherProject := "p2"
	otherParams := Params{UserID: "u1", ProjectID: &otherProject, ConversationID: &conv, LatestUserText: "hi"}
	otherFirst, err := builder.Build(ctx, otherParams)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	builder.InvalidatePrompt("u1", project)
	otherCached, err := builder.Build(ctx, otherParams)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if otherCached != otherFirst {
		t.Error("invalidating one project must not evict another project's prompts")
	}
}
