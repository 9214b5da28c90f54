// Package episode implements the episode lifecycle: bounded units of one
// conversation thread that progress open -> closed -> summarized, with an
// optional consolidation stage that proposes promotion candidates.
package episode

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/arborchat/memoryd/memory"
	"github.com/arborchat/memoryd/provider"
)

// Status is the episode state. Transitions are monotonic; there is no way
// back from summarized.
type Status string

const (
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
	StatusSummarized Status = "summarized"
)

// Episode is one bounded unit of conversation for a thread.
type Episode struct {
	ID                string  `json:"id"`
	UserID            string  `json:"user_id"`
	ProjectID         *string `json:"project_id,omitempty"`
	ThreadID          string  `json:"thread_id"`
	Status            Status  `json:"status"`
	SummaryJSON       []byte  `json:"-"`
	ConsolidationJSON []byte  `json:"-"`

	OpenedAt  time.Time  `json:"opened_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Message is one ordered transcript row belonging to an episode.
type Message struct {
	Role      string
	Content   string
	CreatedAt time.Time
}

// Config bounds the summarization inputs.
type Config struct {
	MaxMessages        int // transcript rows loaded per episode
	MaxMessageChars    int // per-message clip
	MaxTranscriptChars int // whole-transcript clip
	MaxCandidates      int // consolidation candidate cap
}

// DefaultConfig returns the default bounds.
func DefaultConfig() Config {
	return Config{
		MaxMessages:        120,
		MaxMessageChars:    1200,
		MaxTranscriptChars: 12000,
		MaxCandidates:      12,
	}
}

// Pipeline runs the episode state machine over the durable store.
type Pipeline struct {
	db     *sql.DB
	gen    provider.Generator
	cfg    Config
	logger zerolog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(db *sql.DB, gen provider.Generator, cfg Config, logger zerolog.Logger) *Pipeline {
	if cfg.MaxMessages <= 0 {
		cfg = DefaultConfig()
	}
	return &Pipeline{
		db:     db,
		gen:    gen,
		cfg:    cfg,
		logger: logger.With().Str("component", "episode_pipeline").Logger(),
	}
}

func now() int64 { return time.Now().Unix() }

// GetOrCreateOpen returns the id of the single open episode for the thread,
// creating one when none exists. On any failure it returns "" rather than an
// error: chat continuity never blocks on episode bookkeeping.
func (p *Pipeline) GetOrCreateOpen(ctx context.Context, userID string, projectID *string, threadID string) string {
	query := sq.Select("id").
		From("episodes").
		Where(sq.Eq{
			"user_id":   userID,
			"thread_id": threadID,
			"status":    string(StatusOpen),
		}).
		Limit(1)

	queryStr, args, err := query.ToSql()
	if err != nil {
		p.logger.Error().Err(err).Msg("getOrCreateOpen build query failed")
		return ""
	}

	var id string
	err = p.db.QueryRowContext(ctx, queryStr, args...).Scan(&id)
	switch {
	case err == nil:
		return id
	case err != sql.ErrNoRows:
		p.logger.Error().Err(err).Str("thread_id", threadID).Msg("getOrCreateOpen lookup failed")
		return ""
	}

	id = ulid.Make().String()
	nowUnix := now()
	var projectVal any
	if projectID != nil {
		projectVal = *projectID
	}
	insert := sq.Insert("episodes").
		Columns("id", "user_id", "project_id", "thread_id", "status",
			"summary_json", "consolidation_json", "opened_at", "closed_at", "created_at", "updated_at").
		Values(id, userID, projectVal, threadID, string(StatusOpen),
			nil, nil, nowUnix, nil, nowUnix, nowUnix)

	insertStr, insertArgs, err := insert.ToSql()
	if err != nil {
		p.logger.Error().Err(err).Msg("getOrCreateOpen build insert failed")
		return ""
	}
	if _, err := p.db.ExecContext(ctx, insertStr, insertArgs...); err != nil {
		// A concurrent call may have won the race against the partial unique
		// index on open episodes; re-read rather than fail.
		p.logger.Warn().Err(err).Str("thread_id", threadID).Msg("getOrCreateOpen insert failed, re-reading")
		if rerr := p.db.QueryRowContext(ctx, queryStr, args...).Scan(&id); rerr != nil {
			p.logger.Error().Err(rerr).Str("thread_id", threadID).Msg("getOrCreateOpen re-read failed")
			return ""
		}
		return id
	}

	p.logger.Info().Str("episode_id", id).Str("thread_id", threadID).Msg("opened episode")
	return id
}

// AppendMessage accumulates one transcript row for an episode.
func (p *Pipeline) AppendMessage(ctx context.Context, userID string, projectID *string, episodeID, role, content string) error {
	if episodeID == "" {
		return memory.NewInvalidInput("append message: episode id is empty")
	}
	var projectVal any
	if projectID != nil {
		projectVal = *projectID
	}
	insert := sq.Insert("messages").
		Columns("id", "user_id", "project_id", "episode_id", "role", "content", "created_at").
		Values(ulid.Make().String(), userID, projectVal, episodeID, role, content, now())

	queryStr, args, err := insert.ToSql()
	if err != nil {
		return memory.NewStoreError("build message insert", err)
	}
	if _, err := p.db.ExecContext(ctx, queryStr, args...); err != nil {
		return memory.NewStoreError("insert message", err)
	}
	return nil
}

// Get loads an episode owned by userID. Returns not_found for absent rows
// and for rows owned by someone else.
func (p *Pipeline) Get(ctx context.Context, userID, episodeID string) (*Episode, error) {
	query := sq.Select("id", "user_id", "project_id", "thread_id", "status",
		"summary_json", "consolidation_json", "opened_at", "closed_at", "created_at", "updated_at").
		From("episodes").
		Where(sq.Eq{"id": episodeID})

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, memory.NewStoreError("build episode query", err)
	}

	var (
		ep                Episode
		projectID         sql.NullString
		summaryJSON       sql.NullString
		consolidationJSON sql.NullString
		openedAt          int64
		closedAt          sql.NullInt64
		createdAt         int64
		updatedAt         int64
		status            string
	)
	err = p.db.QueryRowContext(ctx, queryStr, args...).Scan(
		&ep.ID, &ep.UserID, &projectID, &ep.ThreadID, &status,
		&summaryJSON, &consolidationJSON, &openedAt, &closedAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, memory.NewNotFound("episode_not_found")
	}
	if err != nil {
		return nil, memory.NewStoreError("query episode", err)
	}
	if ep.UserID != userID {
		return nil, memory.NewNotFound("episode_not_found")
	}

	ep.Status = Status(status)
	if projectID.Valid {
		v := projectID.String
		ep.ProjectID = &v
	}
	if summaryJSON.Valid && summaryJSON.String != "" {
		ep.SummaryJSON = []byte(summaryJSON.String)
	}
	if consolidationJSON.Valid && consolidationJSON.String != "" {
		ep.ConsolidationJSON = []byte(consolidationJSON.String)
	}
	ep.OpenedAt = time.Unix(openedAt, 0)
	if closedAt.Valid {
		t := time.Unix(closedAt.Int64, 0)
		ep.ClosedAt = &t
	}
	ep.CreatedAt = time.Unix(createdAt, 0)
	ep.UpdatedAt = time.Unix(updatedAt, 0)
	return &ep, nil
}

// messages loads the ordered transcript for an episode, bounded by config.
func (p *Pipeline) messages(ctx context.Context, userID, episodeID string) ([]Message, error) {
	query := sq.Select("role", "content", "created_at").
		From("messages").
		Where(sq.Eq{"user_id": userID, "episode_id": episodeID}).
		OrderBy("created_at ASC", "id ASC").
		Limit(uint64(p.cfg.MaxMessages))

	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, memory.NewStoreError("build messages query", err)
	}
	rows, err := p.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, memory.NewStoreError("query messages", err)
	}
	defer rows.Close() //nolint:errcheck // no remedy for rows close error

	var msgs []Message
	for rows.Next() {
		var (
			m         Message
			createdAt int64
		)
		if err := rows.Scan(&m.Role, &m.Content, &createdAt); err != nil {
			return nil, memory.NewStoreError("scan message", err)
		}
		m.CreatedAt = time.Unix(createdAt, 0)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, memory.NewStoreError("iterate messages", err)
	}
	return msgs, nil
}

// parseStrictJSON decodes provider output that must be a bare JSON object.
func parseStrictJSON(raw string, v any, label string) error {
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return memory.NewGenerationFormat(label, err)
	}
	return nil
}
