package memory

import (
	"context"
	"encoding/json"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/samber/lo"
)

// Anchor keys written by identity promotion.
const (
	AnchorPreferredAddress = "user.preferred_address"
	AnchorDisplayName      = "user.display_name"
	AnchorLegalName        = "user.legal_name"
	AnchorDoNotCall        = "user.do_not_call"
	AnchorAvoidRealName    = "user.avoid_real_name"
)

// AnchorWrite describes one anchor upsert. NewAnchorWrite defaults
// Pinned and Locked to true.
type AnchorWrite struct {
	Key         string
	Value       string
	DisplayText string
	Pinned      bool
	Locked      bool
}

// NewAnchorWrite returns an AnchorWrite with the pinned/locked defaults.
func NewAnchorWrite(key, value string) AnchorWrite {
	return AnchorWrite{Key: key, Value: value, Pinned: true, Locked: true}
}

// SetAnchor attempts to update the existing active anchor row for
// (userID, projectID, key); when no row is updated it inserts one. Returns
// true when an existing row was updated. A true double-insert under
// pathological concurrency is resolved by the store-level uniqueness
// constraint.
func (s *Store) SetAnchor(ctx context.Context, userID, projectID string, w AnchorWrite) (bool, error) {
	key := strings.TrimSpace(w.Key)
	if key == "" {
		return false, NewInvalidInput("set anchor: key is empty")
	}

	value := map[string]any{"text": w.Value}
	if w.DisplayText != "" {
		value["display"] = w.DisplayText
	}
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return false, NewInvalidInput("set anchor: marshal value: " + err.Error())
	}

	nowUnix := now()
	update := StatementBuilder().
		Update("memory_items").
		Set("value", string(valueJSON)).
		Set("tier", string(TierCore)).
		Set("scope", string(ScopeProject)).
		Set("kind", string(KindAnchor)).
		Set("pinned", w.Pinned).
		Set("locked", w.Locked).
		Set("status", string(StatusActive)).
		Set("updated_at", nowUnix).
		Set("last_seen_at", nowUnix).
		Set("last_reinforced_at", nowUnix).
		Where(sq.Eq{"user_id": userID, "project_id": projectID, "key": key}).
		Where(sq.Eq{"deleted_at": nil})

	queryStr, args, err := update.ToSql()
	if err != nil {
		return false, NewStoreError("build anchor update", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return false, NewStoreError("update anchor", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, NewStoreError("anchor rows affected", err)
	}
	if affected > 0 {
		s.logger.Info().Str("method", "SetAnchor").Str("key", key).Msg("anchor updated")
		return true, nil
	}

	insert := StatementBuilder().
		Insert("memory_items").
		Columns("id", "user_id", "project_id", "conversation_id", "key", "value",
			"embedding", "tier", "scope", "kind", "user_trigger_only",
			"importance", "confidence", "pinned", "locked",
			"mention_count", "correction_count", "status",
			"created_at", "updated_at", "last_seen_at", "last_reinforced_at", "deleted_at").
		Values(newID(), userID, projectID, nil, key, string(valueJSON),
			nil, string(TierCore), string(ScopeProject), string(KindAnchor), false,
			10, 1.0, w.Pinned, w.Locked,
			0, 0, string(StatusActive),
			nowUnix, nowUnix, nowUnix, nowUnix, nil)

	if err := s.exec(ctx, insert, "insert anchor"); err != nil {
		return false, err
	}
	s.logger.Info().Str("method", "SetAnchor").Str("key", key).Msg("anchor inserted")
	return false, nil
}

// ProjectAnchors returns the active anchors for (userID, projectID), pinned
// first, most recently updated next.
func (s *Store) ProjectAnchors(ctx context.Context, userID, projectID string) ([]*MemoryItem, error) {
	if projectID == "" {
		return nil, nil
	}
	query := StatementBuilder().
		Select(SelectMemoryItemsColumns()...).
		From("memory_items").
		Where(sq.Eq{
			"user_id":    userID,
			"project_id": projectID,
			"kind":       string(KindAnchor),
			"tier":       string(TierCore),
		}).
		Where(activeOnly()).
		OrderBy("pinned DESC", "updated_at DESC")

	return s.queryItems(ctx, query)
}

// AnchorsPromptBlock renders anchors so they read as authoritative and
// override conflicting ordinary memory.
func AnchorsPromptBlock(anchors []*MemoryItem) string {
	if len(anchors) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("ANCHORS (AUTHORITATIVE PROJECT FACTS):\n")
	b.WriteString("These are the most reliable facts for this project. If any other memory conflicts, prefer these.\n")
	b.WriteString("Always address the user using \"Preferred address\" if present. Do not use older names if they conflict.\n")
	for _, a := range anchors {
		b.WriteString("- ")
		b.WriteString(strings.TrimSpace(a.Key + ": " + ValueText(a.Value)))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// MergeAnchorList merges a new entry into a comma-separated accumulator
// value: set union, case-sensitive exact match, original order preserved.
func MergeAnchorList(existing, add string) string {
	parts := strings.Split(existing, ",")
	entries := lo.FilterMap(parts, func(p string, _ int) (string, bool) {
		p = strings.TrimSpace(p)
		return p, p != ""
	})
	add = strings.TrimSpace(add)
	if add != "" {
		entries = append(entries, add)
	}
	return strings.Join(lo.Uniq(entries), ", ")
}
