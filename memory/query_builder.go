package memory

import (
	sq "github.com/Masterminds/squirrel"
)

// StatementBuilder returns a Squirrel StatementBuilder configured for SQLite.
// SQLite uses '?' as placeholders, which is Squirrel's default.
func StatementBuilder() sq.StatementBuilderType {
	return sq.StatementBuilder
}

// SelectMemoryItemsColumns returns the standard column list for memory_items
// SELECT queries, in scan order.
func SelectMemoryItemsColumns() []string {
	return []string{
		"id", "user_id", "project_id", "conversation_id", "key", "value",
		"embedding", "tier", "scope", "kind", "user_trigger_only",
		"importance", "confidence", "pinned", "locked",
		"mention_count", "correction_count", "status",
		"created_at", "updated_at", "last_seen_at", "last_reinforced_at", "deleted_at",
	}
}

// activeOnly restricts a query to live rows; tombstoned items are excluded
// from all default reads.
func activeOnly() sq.Sqlizer {
	return sq.And{
		sq.Eq{"status": string(StatusActive)},
		sq.Eq{"deleted_at": nil},
	}
}
