package episode

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/arborchat/memoryd/memory"
	"github.com/arborchat/memoryd/provider"
)

// StableFactCandidate is one persistent fact proposed by summarization.
type StableFactCandidate struct {
	Key        string  `json:"key"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// Contradiction flags two statements from the episode that disagree.
type Contradiction struct {
	Key      string `json:"key"`
	A        string `json:"a"`
	B        string `json:"b"`
	Severity string `json:"severity"` // low | medium | high
}

// EmotionalTone captures each party's tone over the episode.
type EmotionalTone struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// Summary is the structured episode summary, written at most once.
type Summary struct {
	EpisodeID string    `json:"episode_id"`
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`

	Topics                []string              `json:"topics"`
	UserGoals             []string              `json:"user_goals"`
	AssistantCommitments  []string              `json:"assistant_commitments"`
	StableFactsCandidates []StableFactCandidate `json:"stable_facts_candidates"`
	Contradictions        []Contradiction       `json:"contradictions"`
	EmotionalTone         EmotionalTone         `json:"emotional_tone"`
	Followups             []string              `json:"followups"`
}

// SummarizeResult carries the summary plus the idempotency flag: Already is
// true when the episode was summarized before this call and nothing changed.
type SummarizeResult struct {
	EpisodeID string  `json:"episode_id"`
	Already   bool    `json:"already"`
	Summary   Summary `json:"summary"`
}

const summarizeSystemPrompt = `You are a backend summarizer. Output ONLY valid JSON.
No markdown. No extra keys. No prose outside JSON.

Goal:
Summarize an "episode" of chat into a compact structured object used for internal tooling.
Do NOT include sensitive personal data beyond what appears in the transcript.
Do NOT include raw quotes longer than ~12 words.

Return JSON matching this schema:

{
  "topics": string[],
  "user_goals": string[],
  "assistant_commitments": string[],
  "stable_facts_candidates": [{"key": string, "value": string, "confidence": number, "rationale": string}],
  "contradictions": [{"key": string, "a": string, "b": string, "severity": "low"|"medium"|"high"}],
  "emotional_tone": {"user": string, "assistant": string},
  "followups": string[]
}

Rules:
- topics: 3-10 items
- stable_facts_candidates: only facts that seem persistent and useful for personalization; confidence 0..1
- contradictions: include if present; else []
- followups: actionable next steps (max 8)`

// Summarize closes an open episode, asks the generator for a structured
// summary and persists it with a guarded conditional write. Calling it again
// after success is an idempotent no-op signaled via Already.
func (p *Pipeline) Summarize(ctx context.Context, userID, episodeID string) (SummarizeResult, error) {
	ep, err := p.Get(ctx, userID, episodeID)
	if err != nil {
		return SummarizeResult{}, err
	}

	if ep.Status == StatusSummarized || len(ep.SummaryJSON) > 0 {
		var existing Summary
		if err := json.Unmarshal(ep.SummaryJSON, &existing); err != nil {
			return SummarizeResult{}, memory.NewStoreError("decode stored summary", err)
		}
		return SummarizeResult{EpisodeID: episodeID, Already: true, Summary: existing}, nil
	}

	msgs, err := p.messages(ctx, userID, episodeID)
	if err != nil {
		return SummarizeResult{}, err
	}
	transcript := clip(renderTranscript(msgs, p.cfg.MaxMessageChars), p.cfg.MaxTranscriptChars)

	userPrompt := fmt.Sprintf("EPISODE_ID: %s\nTHREAD_ID: %s\n\nTRANSCRIPT:\n%s", episodeID, ep.ThreadID, transcript)
	raw, err := p.gen.Generate(ctx, []provider.Message{
		{Role: provider.RoleSystem, Content: summarizeSystemPrompt},
		{Role: provider.RoleUser, Content: userPrompt},
	})
	if err != nil {
		return SummarizeResult{}, err
	}

	var parsed struct {
		Topics                []string              `json:"topics"`
		UserGoals             []string              `json:"user_goals"`
		AssistantCommitments  []string              `json:"assistant_commitments"`
		StableFactsCandidates []StableFactCandidate `json:"stable_facts_candidates"`
		Contradictions        []Contradiction       `json:"contradictions"`
		EmotionalTone         EmotionalTone         `json:"emotional_tone"`
		Followups             []string              `json:"followups"`
	}
	if err := parseStrictJSON(raw, &parsed, "episode_summary_invalid_json"); err != nil {
		return SummarizeResult{}, err
	}

	summary := Summary{
		EpisodeID:             episodeID,
		ThreadID:              ep.ThreadID,
		CreatedAt:             time.Now().UTC(),
		Topics:                orEmpty(parsed.Topics),
		UserGoals:             orEmpty(parsed.UserGoals),
		AssistantCommitments:  orEmpty(parsed.AssistantCommitments),
		StableFactsCandidates: parsed.StableFactsCandidates,
		Contradictions:        parsed.Contradictions,
		EmotionalTone:         parsed.EmotionalTone,
		Followups:             orEmpty(parsed.Followups),
	}

	nowUnix := now()

	// Advance open -> closed before the summarized write.
	if ep.Status == StatusOpen {
		closeQuery := sq.Update("episodes").
			Set("status", string(StatusClosed)).
			Set("closed_at", nowUnix).
			Set("updated_at", nowUnix).
			Where(sq.Eq{"id": episodeID, "status": string(StatusOpen)})
		if err := p.exec(ctx, closeQuery, "close episode"); err != nil {
			return SummarizeResult{}, err
		}
	}

	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return SummarizeResult{}, memory.NewStoreError("encode summary", err)
	}

	// Guarded conditional write: only the first racer lands the summary.
	update := sq.Update("episodes").
		Set("status", string(StatusSummarized)).
		Set("summary_json", string(summaryJSON)).
		Set("updated_at", nowUnix).
		Where(sq.Eq{"id": episodeID}).
		Where(sq.Expr("summary_json IS NULL"))

	affected, err := p.execAffected(ctx, update, "persist summary")
	if err != nil {
		return SummarizeResult{}, err
	}
	if affected == 0 {
		p.logger.Warn().Str("episode_id", episodeID).Msg("summary already written by a concurrent run")
		fresh, err := p.Get(ctx, userID, episodeID)
		if err != nil {
			return SummarizeResult{}, err
		}
		if len(fresh.SummaryJSON) == 0 {
			return SummarizeResult{}, memory.NewStoreError("persist summary: lost race but no stored summary", nil)
		}
		var stored Summary
		if jerr := json.Unmarshal(fresh.SummaryJSON, &stored); jerr != nil {
			return SummarizeResult{}, memory.NewStoreError("decode stored summary", jerr)
		}
		return SummarizeResult{EpisodeID: episodeID, Already: true, Summary: stored}, nil
	}

	p.logger.Info().
		Str("episode_id", episodeID).
		Int("topics", len(summary.Topics)).
		Int("fact_candidates", len(summary.StableFactsCandidates)).
		Msg("episode summarized")
	return SummarizeResult{EpisodeID: episodeID, Already: false, Summary: summary}, nil
}

func (p *Pipeline) exec(ctx context.Context, query sq.Sqlizer, label string) error {
	_, err := p.execAffected(ctx, query, label)
	return err
}

func (p *Pipeline) execAffected(ctx context.Context, query sq.Sqlizer, label string) (int64, error) {
	queryStr, args, err := query.ToSql()
	if err != nil {
		return 0, memory.NewStoreError("build query: "+label, err)
	}
	res, err := p.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return 0, memory.NewStoreError(label, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, memory.NewStoreError(label+": rows affected", err)
	}
	return affected, nil
}

func renderTranscript(msgs []Message, perMessageMax int) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, strings.ToUpper(m.Role)+": "+clip(m.Content, perMessageMax))
	}
	return strings.Join(parts, "\n\n")
}

func clip(s string, max int) string {
	rs := []rune(s)
	if len(rs) <= max {
		return s
	}
	return string(rs[:max]) + "\n...[clipped]"
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
