package memory

import (
	"context"
	"strings"
	"testing"
)

func TestSetAnchor_InsertThenUpdate(t *testing.T) {
	store, db := testStore(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	updated, err := store.SetAnchor(ctx, "u1", "p1", NewAnchorWrite(AnchorPreferredAddress, "Dude"))
	if err != nil {
		t.Fatalf("SetAnchor: %v", err)
	}
	if updated {
		t.Error("first write must insert, not update")
	}

	updated, err = store.SetAnchor(ctx, "u1", "p1", NewAnchorWrite(AnchorPreferredAddress, "Duder"))
	if err != nil {
		t.Fatalf("SetAnchor: %v", err)
	}
	if !updated {
		t.Error("second write must update the existing row")
	}

	anchors, err := store.ProjectAnchors(ctx, "u1", "p1")
	if err != nil {
		t.Fatalf("ProjectAnchors: %v", err)
	}
	if len(anchors) != 1 {
		t.Fatalf("expected exactly one anchor row, got %d", len(anchors))
	}
	a := anchors[0]
	if ValueText(a.Value) != "Duder" {
		t.Errorf("anchor value not replaced: %v", a.Value)
	}
	if a.Kind != KindAnchor || a.Tier != TierCore || a.Scope != ScopeProject {
		t.Errorf("anchor row shape wrong: kind=%s tier=%s scope=%s", a.Kind, a.Tier, a.Scope)
	}
	if !a.Pinned || !a.Locked {
		t.Error("identity anchors default to pinned and locked")
	}
}

func TestProjectAnchors_ScopedByProject(t *testing.T) {
	store, db := testStore(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	if _, err := store.SetAnchor(ctx, "u1", "p1", NewAnchorWrite(AnchorDisplayName, "Dude")); err != nil {
		t.Fatalf("SetAnchor: %v", err)
	}

	anchors, err := store.ProjectAnchors(ctx, "u1", "p2")
	if err != nil {
		t.Fatalf("ProjectAnchors: %v", err)
	}
	if len(anchors) != 0 {
		t.Errorf("p2 must not see p1 anchors, got %d", len(anchors))
	}

	anchors, err = store.ProjectAnchors(ctx, "u1", "")
	if err != nil {
		t.Fatalf("ProjectAnchors: %v", err)
	}
	if anchors != nil {
		t.Error("empty project id must yield no anchors")
	}
}

func TestMergeAnchorList(t *testing.T) {
	cases := []struct {
		existing string
		add      string
		want     string
	}{
		{"", "Mike", "Mike"},
		{"Mike", "Michael", "Mike, Michael"},
		{"Mike, Michael", "Mike", "Mike, Michael"},
		{"Mike,, Michael ,", "Miguel", "Mike, Michael, Miguel"},
		{"Mike", "", "Mike"},
		{"Mike", "mike", "Mike, mike"}, // case-sensitive union
	}
	for _, tc := range cases {
		if got := MergeAnchorList(tc.existing, tc.add); got != tc.want {
			t.Errorf("MergeAnchorList(%q, %q) = %q, want %q", tc.existing, tc.add, got, tc.want)
		}
	}
}

func TestAnchorsPromptBlock(t *testing.T) {
	if got := AnchorsPromptBlock(nil); got != "" {
		t.Errorf("no anchors must render nothing, got %q", got)
	}

	anchors := []*MemoryItem{
		{Key: AnchorPreferredAddress, Value: map[string]any{"text": "Dude"}},
		{Key: AnchorDoNotCall, Value: map[string]any{"text": "Mike, Michael"}},
	}
	block := AnchorsPromptBlock(anchors)
	if !strings.HasPrefix(block, "ANCHORS (AUTHORITATIVE PROJECT FACTS):") {
		t.Errorf("missing header:\n%s", block)
	}
	if !strings.Contains(block, "- user.preferred_address: Dude") {
		t.Errorf("missing preferred address line:\n%s", block)
	}
	if !strings.Contains(block, "- user.do_not_call: Mike, Michael") {
		t.Errorf("missing do_not_call line:\n%s", block)
	}
}
