package memory

import (
	"context"
	"database/sql"
	"encoding/json"

	sq "github.com/Masterminds/squirrel"
)

// recordEvent appends a row to the memory_events audit log. Audit logging is
// best-effort: a failure is logged and swallowed so it can never break the
// primary write path.
func (s *Store) recordEvent(ctx context.Context, userID string, projectID *string, key, eventType string, payload map[string]any) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("event_type", eventType).Msg("audit payload marshal failed, skipping event")
		return
	}

	query := StatementBuilder().
		Insert("memory_events").
		Columns("id", "user_id", "project_id", "memory_key", "event_type", "payload", "created_at").
		Values(newID(), userID, nullable(projectID), key, eventType, string(payloadJSON), now())

	queryStr, args, err := query.ToSql()
	if err != nil {
		s.logger.Warn().Err(err).Str("event_type", eventType).Msg("audit query build failed, skipping event")
		return
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		s.logger.Warn().Err(err).
			Str("event_type", eventType).
			Str("memory_key", key).
			Msg("audit insert failed, skipping event")
	}
}

// AuditEvent is a single row of the memory_events log, exposed for
// inspection tooling.
type AuditEvent struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	ProjectID *string        `json:"project_id,omitempty"`
	MemoryKey string         `json:"memory_key"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt int64          `json:"created_at"`
}

// RecentEvents returns the latest audit events for a user, newest first.
func (s *Store) RecentEvents(ctx context.Context, userID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := StatementBuilder().
		Select("id", "user_id", "project_id", "memory_key", "event_type", "payload", "created_at").
		From("memory_events").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC").
		Limit(uint64(limit))

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, NewStoreError("build events query", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, NewStoreError("query memory_events", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var events []AuditEvent
	for rows.Next() {
		var (
			ev          AuditEvent
			projectID   sql.NullString
			payloadJSON string
		)
		if err := rows.Scan(&ev.ID, &ev.UserID, &projectID, &ev.MemoryKey, &ev.EventType, &payloadJSON, &ev.CreatedAt); err != nil {
			return nil, NewStoreError("scan memory_event", err)
		}
		ev.ProjectID = nullStringPtr(projectID)
		if payloadJSON != "" {
			_ = json.Unmarshal([]byte(payloadJSON), &ev.Payload)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStoreError("iterate memory_events", err)
	}
	return events, nil
}
