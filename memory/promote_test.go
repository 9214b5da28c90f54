package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type recordingInvalidator struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingInvalidator) InvalidatePrompt(userID, projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, userID+":"+projectID)
}

func (r *recordingInvalidator) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func anchorByKey(t *testing.T, store *Store, userID, projectID, key string) *MemoryItem {
	t.Helper()
	anchors, err := store.ProjectAnchors(context.Background(), userID, projectID)
	if err != nil {
		t.Fatalf("ProjectAnchors: %v", err)
	}
	for _, a := range anchors {
		if a.Key == key {
			return a
		}
	}
	return nil
}

func TestPromote_PositiveAndNegativeDirectives(t *testing.T) {
	store, db := testStore(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	inv := &recordingInvalidator{}
	promoter := NewPromoter(store, inv, zerolog.Nop())

	ctx := context.Background()
	promoter.PromoteIdentityAnchors(ctx, "u1", "p1", "Call me Dude, don't call me Mike.", nil)

	preferred := anchorByKey(t, store, "u1", "p1", AnchorPreferredAddress)
	if preferred == nil || ValueText(preferred.Value) != "Dude" {
		t.Fatalf("preferred address anchor wrong: %+v", preferred)
	}
	display := anchorByKey(t, store, "u1", "p1", AnchorDisplayName)
	if display == nil || ValueText(display.Value) != "Dude" {
		t.Fatalf("display name anchor wrong: %+v", display)
	}
	rejected := anchorByKey(t, store, "u1", "p1", AnchorDoNotCall)
	if rejected == nil || ValueText(rejected.Value) != "Mike" {
		t.Fatalf("do_not_call anchor wrong: %+v", rejected)
	}
	if inv.count() == 0 {
		t.Error("anchor writes must invalidate the prompt cache")
	}
}

func TestPromote_NegativeDoesNotRegisterAsPreference(t *testing.T) {
	store, db := testStore(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	promoter := NewPromoter(store, nil, zerolog.Nop())
	ctx := context.Background()
	promoter.PromoteIdentityAnchors(ctx, "u1", "p1", "Please don't call me Mike.", nil)

	if a := anchorByKey(t, store, "u1", "p1", AnchorPreferredAddress); a != nil {
		t.Errorf("a rejection alone must not set a preferred address, got %v", a.Value)
	}
	rejected := anchorByKey(t, store, "u1", "p1", AnchorDoNotCall)
	if rejected == nil || ValueText(rejected.Value) != "Mike" {
		t.Fatalf("do_not_call anchor wrong: %+v", rejected)
	}
}

func TestPromote_DoNotCallAccumulates(t *testing.T) {
	store, db := testStore(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	promoter := NewPromoter(store, nil, zerolog.Nop())
	ctx := context.Background()
	promoter.PromoteIdentityAnchors(ctx, "u1", "p1", "Don't call me Mike.", nil)
	promoter.PromoteIdentityAnchors(ctx, "u1", "p1", "Don't call me Michael.", nil)
	promoter.PromoteIdentityAnchors(ctx, "u1", "p1", "Don't call me Mike.", nil)

	rejected := anchorByKey(t, store, "u1", "p1", AnchorDoNotCall)
	if rejected == nil {
		t.Fatal("expected do_not_call anchor")
	}
	if got := ValueText(rejected.Value); got != "Mike, Michael" {
		t.Errorf("do_not_call must accumulate without duplicates, got %q", got)
	}
}

func TestPromote_LegalNameSeparateFromPreferred(t *testing.T) {
	store, db := testStore(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	promoter := NewPromoter(store, nil, zerolog.Nop())
	ctx := context.Background()
	promoter.PromoteIdentityAnchors(ctx, "u2", "p1", "My name is Jeffrey. You can call me Dude.", nil)
	legal := anchorByKey(t, store, "u2", "p1", AnchorLegalName)
	if legal == nil || ValueText(legal.Value) != "Jeffrey" {
		t.Fatalf("legal name anchor wrong: %+v", legal)
	}
	if legal.Pinned {
		t.Error("legal name must not be pinned into every prompt")
	}
	if !legal.Locked {
		t.Error("legal name must be locked")
	}
	preferred := anchorByKey(t, store, "u2", "p1", AnchorPreferredAddress)
	if preferred == nil || ValueText(preferred.Value) != "Dude" {
		t.Fatalf("preferred address anchor wrong: %+v", preferred)
	}
}

func TestPromote_AvoidRealName(t *testing.T) {
	store, db := testStore(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	promoter := NewPromoter(store, nil, zerolog.Nop())
	ctx := context.Background()
	promoter.PromoteIdentityAnchors(ctx, "u1", "p1", "Please don’t use my real name here.", nil)

	a := anchorByKey(t, store, "u1", "p1", AnchorAvoidRealName)
	if a == nil || ValueText(a.Value) != "true" {
		t.Fatalf("avoid_real_name anchor wrong: %+v", a)
	}
}

func TestPromote_DerivedFromExtractedKeys(t *testing.T) {
	store, db := testStore(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	promoter := NewPromoter(store, nil, zerolog.Nop())
	ctx := context.Background()
	promoter.PromoteIdentityAnchors(ctx, "u1", "p1", "nothing to see in the raw text", []UpsertItem{
		{Key: "preferences.preferred_name", Value: TextValue("Dude")},
		{Key: "preferences.color", Value: TextValue("green")},
	})

	preferred := anchorByKey(t, store, "u1", "p1", AnchorPreferredAddress)
	if preferred == nil || ValueText(preferred.Value) != "Dude" {
		t.Fatalf("derived anchor wrong: %+v", preferred)
	}
	if a := anchorByKey(t, store, "u1", "p1", "preferences.color"); a != nil {
		t.Error("non-identity keys must not become anchors")
	}
}

func TestPromote_NoProjectIsNoop(t *testing.T) {
	store, db := testStore(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	inv := &recordingInvalidator{}
	promoter := NewPromoter(store, inv, zerolog.Nop())
	promoter.PromoteIdentityAnchors(context.Background(), "u1", "", "Call me Dude.", nil)

	if inv.count() != 0 {
		t.Error("promotion without a project scope must write nothing")
	}
}
