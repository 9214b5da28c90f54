package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/arborchat/memoryd/provider"
)

// DefaultLockThreshold is the number of corrections after which an item
// auto-locks. Tunable policy, not a contract.
const DefaultLockThreshold = 3

// Store manages memory item persistence and lifecycle rules.
type Store struct {
	db            *sql.DB
	embedder      provider.Embedder
	logger        zerolog.Logger
	lockThreshold int
}

// NewStore creates a Store. A nil embedder is allowed; items are then saved
// without embeddings and retrieval falls back to the non-vector path.
func NewStore(db *sql.DB, embedder provider.Embedder, lockThreshold int, logger zerolog.Logger) *Store {
	if lockThreshold <= 0 {
		lockThreshold = DefaultLockThreshold
	}
	return &Store{
		db:            db,
		embedder:      embedder,
		logger:        logger.With().Str("component", "memory_store").Logger(),
		lockThreshold: lockThreshold,
	}
}

func now() int64 { return time.Now().Unix() }

func newID() string { return ulid.Make().String() }

// Upsert applies each candidate item with find-by-key merge semantics.
// Locked rows only get counter bumps; unlocked rows merge value, max
// importance and pinned-OR. Every branch records an audit event.
func (s *Store) Upsert(ctx context.Context, userID string, items []UpsertItem, projectID *string) (UpsertResult, error) {
	start := time.Now()
	res := UpsertResult{Created: []string{}, Updated: []string{}, Locked: []string{}, Ignored: []string{}}

	for _, item := range items {
		key := strings.TrimSpace(item.Key)
		if key == "" {
			continue
		}

		value := item.Value.Normalize()
		tier := item.Tier
		if tier == "" {
			tier = TierNormal
		}
		scope := item.Scope
		if scope == "" {
			scope = ScopeConversation
		}
		importance := item.Importance
		if importance == 0 {
			importance = 5
		}
		confidence := item.Confidence
		if confidence == 0 {
			confidence = 0.75
		}
		pinned := tier == TierCore

		embedding := s.embed(ctx, EmbedString(key, value))

		existing, err := s.findByKey(ctx, userID, key)
		if err != nil {
			return res, err
		}

		nowUnix := now()

		if existing == nil {
			valueJSON, err := json.Marshal(value)
			if err != nil {
				return res, NewInvalidInput(fmt.Sprintf("marshal value for %q: %v", key, err))
			}
			query := StatementBuilder().
				Insert("memory_items").
				Columns("id", "user_id", "project_id", "conversation_id", "key", "value",
					"embedding", "tier", "scope", "kind", "user_trigger_only",
					"importance", "confidence", "pinned", "locked",
					"mention_count", "correction_count", "status",
					"created_at", "updated_at", "last_seen_at", "last_reinforced_at", "deleted_at").
				Values(newID(), userID, nullable(projectID), nil, key, string(valueJSON),
					EncodeEmbedding(embedding), string(tier), string(scope), string(KindFact), item.UserTriggerOnly,
					importance, confidence, pinned, false,
					0, 0, string(StatusActive),
					nowUnix, nowUnix, nowUnix, nowUnix, nil)

			if err := s.exec(ctx, query, "insert memory_item"); err != nil {
				return res, err
			}

			s.recordEvent(ctx, userID, projectID, key, "create", map[string]any{
				"tier": tier, "user_trigger_only": item.UserTriggerOnly,
				"importance": importance, "confidence": confidence,
			})
			s.logger.Debug().Str("method", "Upsert").Str("key", key).Msg("created")
			res.Created = append(res.Created, key)
			continue
		}

		if existing.Locked {
			query := StatementBuilder().
				Update("memory_items").
				Set("mention_count", existing.MentionCount+1).
				Set("last_seen_at", nowUnix).
				Set("last_reinforced_at", nowUnix).
				Set("updated_at", nowUnix).
				Where(sq.Eq{"id": existing.ID})

			if err := s.exec(ctx, query, "bump locked memory_item"); err != nil {
				return res, err
			}

			s.recordEvent(ctx, userID, projectID, key, "locked_ignore", map[string]any{
				"reason": "locked", "attempted_value": value,
			})
			s.logger.Debug().Str("method", "Upsert").Str("key", key).Msg("locked, counter bump only")
			res.Ignored = append(res.Ignored, key)
			res.Locked = append(res.Locked, key)
			continue
		}

		valueJSON, err := json.Marshal(value)
		if err != nil {
			return res, NewInvalidInput(fmt.Sprintf("marshal value for %q: %v", key, err))
		}
		mergedImportance := existing.Importance
		if importance > mergedImportance {
			mergedImportance = importance
		}
		mergedProject := projectID
		if mergedProject == nil {
			mergedProject = existing.ProjectID
		}

		query := StatementBuilder().
			Update("memory_items").
			Set("project_id", nullable(mergedProject)).
			Set("value", string(valueJSON)).
			Set("tier", string(tier)).
			Set("scope", string(scope)).
			Set("user_trigger_only", item.UserTriggerOnly).
			Set("importance", mergedImportance).
			Set("confidence", confidence).
			Set("pinned", pinned || existing.Pinned).
			Set("embedding", EncodeEmbedding(embedding)).
			Set("mention_count", existing.MentionCount+1).
			Set("last_seen_at", nowUnix).
			Set("last_reinforced_at", nowUnix).
			Set("updated_at", nowUnix).
			Where(sq.Eq{"id": existing.ID})

		if err := s.exec(ctx, query, "merge memory_item"); err != nil {
			return res, err
		}

		s.recordEvent(ctx, userID, projectID, key, "update", map[string]any{
			"before": existing.Value, "after": value,
		})
		s.logger.Debug().Str("method", "Upsert").Str("key", key).Msg("merged")
		res.Updated = append(res.Updated, key)
	}

	s.logger.Info().
		Str("method", "Upsert").
		Str("user_id", userID).
		Int("items", len(items)).
		Int("created", len(res.Created)).
		Int("updated", len(res.Updated)).
		Int("ignored", len(res.Ignored)).
		Dur("duration", time.Since(start)).
		Msg("upsert complete")
	return res, nil
}

// Correct applies a user correction: the item becomes core, pinned,
// importance 10, confidence 1.0, and auto-locks once correction_count
// reaches the lock threshold. Missing keys are created directly in the
// correction-eligible state.
func (s *Store) Correct(ctx context.Context, userID, key string, newValue MemoryValue, projectID *string) (CorrectResult, error) {
	cleanKey := strings.TrimSpace(key)
	if cleanKey == "" {
		return CorrectResult{}, NewInvalidInput("correct: key is empty")
	}

	value := newValue.Normalize()
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return CorrectResult{}, NewInvalidInput(fmt.Sprintf("marshal value for %q: %v", cleanKey, err))
	}
	embedding := s.embed(ctx, EmbedString(cleanKey, value))
	nowUnix := now()

	existing, err := s.findByKey(ctx, userID, cleanKey)
	if err != nil {
		return CorrectResult{}, err
	}

	if existing == nil {
		shouldLock := 1 >= s.lockThreshold
		query := StatementBuilder().
			Insert("memory_items").
			Columns("id", "user_id", "project_id", "conversation_id", "key", "value",
				"embedding", "tier", "scope", "kind", "user_trigger_only",
				"importance", "confidence", "pinned", "locked",
				"mention_count", "correction_count", "status",
				"created_at", "updated_at", "last_seen_at", "last_reinforced_at", "deleted_at").
			Values(newID(), userID, nullable(projectID), nil, cleanKey, string(valueJSON),
				EncodeEmbedding(embedding), string(TierCore), string(ScopeGlobal), string(KindFact), false,
				10, 1.0, true, shouldLock,
				0, 1, string(StatusActive),
				nowUnix, nowUnix, nowUnix, nowUnix, nil)

		if err := s.exec(ctx, query, "insert corrected memory_item"); err != nil {
			return CorrectResult{}, err
		}

		s.recordEvent(ctx, userID, projectID, cleanKey, "correct_create", map[string]any{
			"new_value": value, "correction_count": 1,
		})
		return CorrectResult{Locked: shouldLock}, nil
	}

	nextCount := existing.CorrectionCount + 1
	shouldLock := nextCount >= s.lockThreshold
	mergedProject := projectID
	if mergedProject == nil {
		mergedProject = existing.ProjectID
	}

	query := StatementBuilder().
		Update("memory_items").
		Set("project_id", nullable(mergedProject)).
		Set("value", string(valueJSON)).
		Set("embedding", EncodeEmbedding(embedding)).
		Set("correction_count", nextCount).
		Set("locked", shouldLock).
		Set("tier", string(TierCore)).
		Set("pinned", true).
		Set("importance", 10).
		Set("confidence", 1.0).
		Set("mention_count", existing.MentionCount+1).
		Set("last_seen_at", nowUnix).
		Set("last_reinforced_at", nowUnix).
		Set("updated_at", nowUnix).
		Where(sq.Eq{"id": existing.ID})

	if err := s.exec(ctx, query, "correct memory_item"); err != nil {
		return CorrectResult{}, err
	}

	eventType := "correct"
	if shouldLock {
		eventType = "lock"
	}
	s.recordEvent(ctx, userID, projectID, cleanKey, eventType, map[string]any{
		"new_value": value, "correction_count": nextCount,
	})
	s.logger.Info().
		Str("method", "Correct").
		Str("key", cleanKey).
		Int("correction_count", nextCount).
		Bool("locked", shouldLock).
		Msg("correction applied")
	return CorrectResult{Locked: shouldLock}, nil
}

// Reinforce bumps mention_count and last_reinforced_at for each key that
// exists and is not locked. It never fails the caller: locked items and
// unknown keys are skipped, store errors logged and swallowed.
func (s *Store) Reinforce(ctx context.Context, userID string, keys []string) {
	nowUnix := now()
	for _, key := range keys {
		cleanKey := strings.TrimSpace(key)
		if cleanKey == "" {
			continue
		}

		existing, err := s.findByKey(ctx, userID, cleanKey)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", cleanKey).Msg("reinforce lookup failed, skipping")
			continue
		}
		if existing == nil || existing.Locked {
			continue
		}

		query := StatementBuilder().
			Update("memory_items").
			Set("mention_count", existing.MentionCount+1).
			Set("last_seen_at", nowUnix).
			Set("last_reinforced_at", nowUnix).
			Set("updated_at", nowUnix).
			Where(sq.Eq{"id": existing.ID})

		if err := s.exec(ctx, query, "reinforce memory_item"); err != nil {
			s.logger.Warn().Err(err).Str("key", cleanKey).Msg("reinforce update failed, skipping")
			continue
		}

		s.recordEvent(ctx, userID, nil, cleanKey, "reinforce", map[string]any{
			"mention_count": existing.MentionCount + 1,
		})
	}
}

// UpdateStrength bumps an item's mention_count by max(1, round(delta*10)).
// Returns the new count, or NotFound when the id has no active row.
func (s *Store) UpdateStrength(ctx context.Context, id string, delta float64) (int, error) {
	inc := int(math.Round(delta * 10))
	if inc < 1 {
		inc = 1
	}

	item, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}

	nowUnix := now()
	next := item.MentionCount + inc
	query := StatementBuilder().
		Update("memory_items").
		Set("mention_count", next).
		Set("last_seen_at", nowUnix).
		Set("last_reinforced_at", nowUnix).
		Set("updated_at", nowUnix).
		Where(sq.Eq{"id": id})

	if err := s.exec(ctx, query, "update strength"); err != nil {
		return 0, err
	}
	return next, nil
}

// Discard tombstones an item: deleted_at is set and the row is excluded
// from all default reads. Irreversible via this API.
func (s *Store) Discard(ctx context.Context, id string) error {
	nowUnix := now()
	query := StatementBuilder().
		Update("memory_items").
		Set("status", string(StatusTombstoned)).
		Set("deleted_at", nowUnix).
		Set("updated_at", nowUnix).
		Where(sq.Eq{"id": id}).
		Where(activeOnly())

	queryStr, args, err := query.ToSql()
	if err != nil {
		return NewStoreError("build discard query", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return NewStoreError("discard memory_item", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return NewStoreError("discard rows affected", err)
	}
	if affected == 0 {
		return NewNotFound(fmt.Sprintf("memory item %q not found", id))
	}
	s.logger.Info().Str("method", "Discard").Str("id", id).Msg("item tombstoned")
	return nil
}

// Touch marks items as shown to the model: last_seen_at only, no
// reinforcement semantics. Best-effort; failures are logged and swallowed.
func (s *Store) Touch(ctx context.Context, ids []string) {
	if len(ids) == 0 {
		return
	}
	nowUnix := now()
	query := StatementBuilder().
		Update("memory_items").
		Set("last_seen_at", nowUnix).
		Where(sq.Eq{"id": ids})

	if err := s.exec(ctx, query, "touch memory_items"); err != nil {
		s.logger.Warn().Err(err).Int("ids", len(ids)).Msg("touch failed, ignoring")
	}
}

// Get loads a single active item by id.
func (s *Store) Get(ctx context.Context, id string) (*MemoryItem, error) {
	query := StatementBuilder().
		Select(SelectMemoryItemsColumns()...).
		From("memory_items").
		Where(sq.Eq{"id": id}).
		Where(activeOnly())

	items, err := s.queryItems(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, NewNotFound(fmt.Sprintf("memory item %q not found", id))
	}
	return items[0], nil
}

// List loads up to limit active items for a user, most recently updated
// first.
func (s *Store) List(ctx context.Context, userID string, limit int) ([]*MemoryItem, error) {
	if limit <= 0 {
		limit = 50
	}
	query := StatementBuilder().
		Select(SelectMemoryItemsColumns()...).
		From("memory_items").
		Where(sq.Eq{"user_id": userID}).
		Where(activeOnly()).
		OrderBy("updated_at DESC").
		Limit(uint64(limit)) //nolint:gosec // limit is validated above

	return s.queryItems(ctx, query)
}

// GetByKey loads the single active item for (userID, key), or nil.
func (s *Store) GetByKey(ctx context.Context, userID, key string) (*MemoryItem, error) {
	return s.findByKey(ctx, userID, key)
}

func (s *Store) findByKey(ctx context.Context, userID, key string) (*MemoryItem, error) {
	query := StatementBuilder().
		Select(SelectMemoryItemsColumns()...).
		From("memory_items").
		Where(sq.Eq{"user_id": userID, "key": key}).
		Where(activeOnly()).
		Limit(1)

	items, err := s.queryItems(ctx, query)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return items[0], nil
}

// embed computes an embedding, tolerating failure: a nil vector is stored
// and the non-vector retrieval path covers the item.
func (s *Store) embed(ctx context.Context, text string) []float32 {
	if s.embedder == nil {
		return nil
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		s.logger.Warn().Err(err).Msg("embedding failed, saving without embedding")
		return nil
	}
	return vec
}

func (s *Store) exec(ctx context.Context, query sq.Sqlizer, label string) error {
	queryStr, args, err := query.ToSql()
	if err != nil {
		return NewStoreError("build query: "+label, err)
	}
	if _, err := s.db.ExecContext(ctx, queryStr, args...); err != nil {
		return NewStoreError(label, err)
	}
	return nil
}

func (s *Store) queryItems(ctx context.Context, query sq.SelectBuilder) ([]*MemoryItem, error) {
	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, NewStoreError("build select query", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, NewStoreError("query memory_items", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var items []*MemoryItem
	for rows.Next() {
		item, err := scanMemoryItem(rows)
		if err != nil {
			return nil, NewStoreError("scan memory_item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStoreError("iterate memory_items", err)
	}
	return items, nil
}

func scanMemoryItem(rows *sql.Rows) (*MemoryItem, error) {
	var (
		id, userID, key        string
		projectID, convID      sql.NullString
		valueJSON              string
		embBlob                []byte
		tierStr, scopeStr      string
		kindStr, statusStr     string
		userTriggerOnly        bool
		importance             int
		confidence             float64
		pinned, locked         bool
		mentionCount           int
		correctionCount        int
		createdAt, updatedAt   int64
		lastSeenAt, lastReinf  int64
		deletedAt              sql.NullInt64
	)
	if err := rows.Scan(&id, &userID, &projectID, &convID, &key, &valueJSON,
		&embBlob, &tierStr, &scopeStr, &kindStr, &userTriggerOnly,
		&importance, &confidence, &pinned, &locked,
		&mentionCount, &correctionCount, &statusStr,
		&createdAt, &updatedAt, &lastSeenAt, &lastReinf, &deletedAt); err != nil {
		return nil, err
	}

	vec, err := DecodeEmbedding(embBlob)
	if err != nil {
		return nil, err
	}

	var value map[string]any
	if valueJSON != "" {
		_ = json.Unmarshal([]byte(valueJSON), &value)
	}

	item := &MemoryItem{
		ID:              id,
		UserID:          userID,
		ProjectID:       nullStringPtr(projectID),
		ConversationID:  nullStringPtr(convID),
		Key:             key,
		Value:           value,
		Embedding:       vec,
		Tier:            Tier(tierStr),
		Scope:           Scope(scopeStr),
		Kind:            Kind(kindStr),
		UserTriggerOnly: userTriggerOnly,
		Importance:      importance,
		Confidence:      confidence,
		Pinned:          pinned,
		Locked:          locked,
		MentionCount:    mentionCount,
		CorrectionCount: correctionCount,
		Status:          Status(statusStr),
		CreatedAt:       time.Unix(createdAt, 0),
		UpdatedAt:       time.Unix(updatedAt, 0),
		LastSeenAt:      time.Unix(lastSeenAt, 0),
		LastReinforcedAt: time.Unix(lastReinf, 0),
	}
	if deletedAt.Valid {
		t := time.Unix(deletedAt.Int64, 0)
		item.DeletedAt = &t
	}
	return item, nil
}

func nullStringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullable(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
