package episode

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/arborchat/memoryd/memory"
	"github.com/arborchat/memoryd/provider"
)

// CandidateKind tags a promotion candidate as an anchor or an ordinary
// memory item.
type CandidateKind string

const (
	CandidateAnchor     CandidateKind = "anchor"
	CandidateMemoryItem CandidateKind = "memory_item"
)

// PromotionCandidate is one fact the consolidation stage proposes for
// promotion. Applying candidates is a separate, explicit step outside this
// pipeline.
type PromotionCandidate struct {
	Kind       CandidateKind `json:"kind"`
	Key        string        `json:"key"`
	Value      string        `json:"value"`
	Confidence float64       `json:"confidence"`
	Reason     string        `json:"reason"`
	Scope      string        `json:"scope"` // project | user
}

// DoNotPromote records a fact deliberately held back, with the reason.
type DoNotPromote struct {
	Key    string `json:"key"`
	Reason string `json:"reason"`
}

// Consolidation is the stored result of the consolidation stage, written at
// most once and only after a summary exists.
type Consolidation struct {
	EpisodeID    string               `json:"episode_id"`
	CreatedAt    time.Time            `json:"created_at"`
	Candidates   []PromotionCandidate `json:"candidates"`
	DoNotPromote []DoNotPromote       `json:"do_not_promote"`
}

// ConsolidateResult carries the consolidation plus the idempotency flag.
type ConsolidateResult struct {
	EpisodeID     string        `json:"episode_id"`
	Already       bool          `json:"already"`
	Consolidation Consolidation `json:"consolidation"`
}

const consolidateSystemPrompt = `You are a consolidation agent. Output ONLY valid JSON.
No markdown. No extra keys. No prose outside JSON.

You receive an episode summary JSON and must propose PROMOTION CANDIDATES only.
DO NOT write final memories. DO NOT mention private/sensitive data unless it is clearly safe and affirmed.
Prefer emotionally neutral, stable, repeatedly useful facts (names, roles, relationships, preferences) ONLY if clearly present.

Return JSON with this exact schema:
{
  "candidates": [
    {
      "kind": "anchor" | "memory_item",
      "key": string,
      "value": string,
      "confidence": number,
      "reason": string,
      "scope": "project" | "user"
    }
  ],
  "do_not_promote": [{ "key": string, "reason": string }]
}

Rules:
- candidates: 0..12
- confidence 0..1
- If uncertain, put it in do_not_promote instead.`

// Consolidate turns a stored summary into a bounded list of promotion
// candidates. Fails with not_found when the summary is missing; repeating a
// successful call is an idempotent no-op signaled via Already.
func (p *Pipeline) Consolidate(ctx context.Context, userID, episodeID string) (ConsolidateResult, error) {
	ep, err := p.Get(ctx, userID, episodeID)
	if err != nil {
		return ConsolidateResult{}, err
	}

	if len(ep.ConsolidationJSON) > 0 {
		var existing Consolidation
		if err := json.Unmarshal(ep.ConsolidationJSON, &existing); err != nil {
			return ConsolidateResult{}, memory.NewStoreError("decode stored consolidation", err)
		}
		return ConsolidateResult{EpisodeID: episodeID, Already: true, Consolidation: existing}, nil
	}

	if len(ep.SummaryJSON) == 0 {
		return ConsolidateResult{}, memory.NewNotFound("episode_missing_summary")
	}

	project := ""
	if ep.ProjectID != nil {
		project = *ep.ProjectID
	}
	userPrompt := fmt.Sprintf("EPISODE_ID: %s\nPROJECT_ID: %s\n\nEPISODE_SUMMARY_JSON:\n%s",
		episodeID, project, string(ep.SummaryJSON))

	raw, err := p.gen.Generate(ctx, []provider.Message{
		{Role: provider.RoleSystem, Content: consolidateSystemPrompt},
		{Role: provider.RoleUser, Content: userPrompt},
	})
	if err != nil {
		return ConsolidateResult{}, err
	}

	var parsed struct {
		Candidates   []PromotionCandidate `json:"candidates"`
		DoNotPromote []DoNotPromote       `json:"do_not_promote"`
	}
	if err := parseStrictJSON(raw, &parsed, "episode_consolidation_invalid_json"); err != nil {
		return ConsolidateResult{}, err
	}
	if len(parsed.Candidates) > p.cfg.MaxCandidates {
		parsed.Candidates = parsed.Candidates[:p.cfg.MaxCandidates]
	}

	consolidation := Consolidation{
		EpisodeID:    episodeID,
		CreatedAt:    time.Now().UTC(),
		Candidates:   parsed.Candidates,
		DoNotPromote: parsed.DoNotPromote,
	}
	if consolidation.Candidates == nil {
		consolidation.Candidates = []PromotionCandidate{}
	}
	if consolidation.DoNotPromote == nil {
		consolidation.DoNotPromote = []DoNotPromote{}
	}

	consolidationJSON, err := json.Marshal(consolidation)
	if err != nil {
		return ConsolidateResult{}, memory.NewStoreError("encode consolidation", err)
	}

	update := sq.Update("episodes").
		Set("consolidation_json", string(consolidationJSON)).
		Set("updated_at", now()).
		Where(sq.Eq{"id": episodeID}).
		Where(sq.Expr("consolidation_json IS NULL"))

	affected, err := p.execAffected(ctx, update, "persist consolidation")
	if err != nil {
		return ConsolidateResult{}, err
	}
	if affected == 0 {
		p.logger.Warn().Str("episode_id", episodeID).Msg("consolidation already written by a concurrent run")
		fresh, err := p.Get(ctx, userID, episodeID)
		if err != nil {
			return ConsolidateResult{}, err
		}
		if len(fresh.ConsolidationJSON) == 0 {
			return ConsolidateResult{}, memory.NewStoreError("persist consolidation: lost race but no stored consolidation", nil)
		}
		var stored Consolidation
		if jerr := json.Unmarshal(fresh.ConsolidationJSON, &stored); jerr != nil {
			return ConsolidateResult{}, memory.NewStoreError("decode stored consolidation", jerr)
		}
		return ConsolidateResult{EpisodeID: episodeID, Already: true, Consolidation: stored}, nil
	}

	p.logger.Info().
		Str("episode_id", episodeID).
		Int("candidates", len(consolidation.Candidates)).
		Int("held_back", len(consolidation.DoNotPromote)).
		Msg("episode consolidated")
	return ConsolidateResult{EpisodeID: episodeID, Already: false, Consolidation: consolidation}, nil
}
