package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"

	"github.com/arborchat/memoryd/cache"
	"github.com/arborchat/memoryd/provider"
)

// RetrievalConfig holds the ranking policy constants. These are tuned
// empirically, not contractual.
type RetrievalConfig struct {
	RecentTurns          int           // turns folded into the query text
	CandidateLimit       int           // similarity candidates considered
	PinnedCap            int           // max pinned items surfaced
	RelatedCap           int           // max non-pinned items surfaced
	MinQueryChars        int           // below this, skip embedding entirely
	CacheTTL             time.Duration // retrieval read cache TTL
	RecencyHalfLifeHours float64       // divisor in the exp decay
	RecencyCapHours      float64       // hours beyond this decay no further
}

// DefaultRetrievalConfig returns the default policy.
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		RecentTurns:          6,
		CandidateLimit:       30,
		PinnedCap:            8,
		RelatedCap:           16,
		MinQueryChars:        10,
		CacheTTL:             3 * time.Minute,
		RecencyHalfLifeHours: 72,
		RecencyCapHours:      14 * 24,
	}
}

// Stability score weights.
const (
	weightSimilarity = 0.60
	weightImportance = 0.20
	weightRecency    = 0.15
	boostPinned      = 0.20
	boostLocked      = 0.10
)

// Turn is one recent conversational exchange used to build the query text.
type Turn struct {
	Role    string
	Content string
}

// RetrievalQuery describes one retrieval request.
type RetrievalQuery struct {
	UserID         string
	ProjectID      *string
	RecentTurns    []Turn
	LatestUserText string
	// Sensitive selects the separate sensitive-scope path: ONLY items that
	// are tier=sensitive or user_trigger_only. Those are excluded otherwise.
	Sensitive bool
	// SkipCache bypasses the read cache for this call.
	SkipCache bool
}

// RankedItem is one retrieval candidate with its stability score.
type RankedItem struct {
	Item       *MemoryItem
	Similarity float64
	Score      float64
}

// RetrievalResult is the ordered, size-bounded selection plus the rendered
// text block. UsedIDs drives Touch/Reinforce at the caller; retrieval itself
// never mutates state.
type RetrievalResult struct {
	Pinned  []RankedItem
	Related []RankedItem
	Block   string
	UsedIDs []string
}

// Retriever turns a conversational context into a ranked, budgeted subset
// of memory items.
type Retriever struct {
	store    *Store
	embedder provider.Embedder
	cache    cache.Cache
	cfg      RetrievalConfig
	logger   zerolog.Logger
}

// NewRetriever creates a Retriever. cache may be nil to disable caching;
// embedder may be nil, forcing the non-vector fallback path.
func NewRetriever(store *Store, embedder provider.Embedder, c cache.Cache, cfg RetrievalConfig, logger zerolog.Logger) *Retriever {
	if cfg.CandidateLimit <= 0 {
		cfg = DefaultRetrievalConfig()
	}
	return &Retriever{
		store:    store,
		embedder: embedder,
		cache:    c,
		cfg:      cfg,
		logger:   logger.With().Str("component", "retriever").Logger(),
	}
}

// Retrieve ranks candidates by stability score and returns the budgeted,
// pinned-first selection. On store failure it degrades to an empty result so
// the conversational turn proceeds without personalization.
func (r *Retriever) Retrieve(ctx context.Context, q RetrievalQuery) *RetrievalResult {
	cacheKey := retrievalCacheKey(q)
	if r.cache != nil && !q.SkipCache && !q.Sensitive {
		if cached, ok := r.cache.Get(cacheKey); ok {
			if res, ok := cached.(*RetrievalResult); ok {
				r.logger.Debug().Str("user_id", q.UserID).Msg("retrieval cache hit")
				return res
			}
		}
	}

	res, err := r.retrieve(ctx, q)
	if err != nil {
		r.logger.Error().Err(err).Str("user_id", q.UserID).Msg("retrieval failed, degrading to empty memory block")
		return &RetrievalResult{Block: "", UsedIDs: []string{}}
	}

	if r.cache != nil && !q.SkipCache && !q.Sensitive {
		r.cache.Set(cacheKey, res, r.cfg.CacheTTL)
	}
	return res
}

func retrievalCacheKey(q RetrievalQuery) string {
	project := "none"
	if q.ProjectID != nil {
		project = *q.ProjectID
	}
	return q.UserID + ":" + project
}

func (r *Retriever) retrieve(ctx context.Context, q RetrievalQuery) (*RetrievalResult, error) {
	queryText := r.buildQueryText(q)

	var queryEmbedding []float32
	if r.embedder != nil && len(queryText) >= r.cfg.MinQueryChars {
		vec, err := r.embedder.Embed(ctx, queryText)
		if err != nil {
			r.logger.Warn().Err(err).Msg("query embedding failed, using non-vector fallback")
		} else {
			queryEmbedding = vec
		}
	}

	var candidates []RankedItem
	var err error
	if queryEmbedding != nil {
		candidates, err = r.similarityCandidates(ctx, q, queryEmbedding)
	} else {
		candidates, err = r.fallbackCandidates(ctx, q)
	}
	if err != nil {
		return nil, err
	}

	nowTime := time.Now()
	for i := range candidates {
		candidates[i].Score = stabilityScore(candidates[i].Item, candidates[i].Similarity, nowTime, r.cfg)
	}

	// Stable sort: equal scores keep their original candidate order.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	var pinned, related []RankedItem
	for _, c := range candidates {
		if c.Item.Pinned {
			if len(pinned) < r.cfg.PinnedCap {
				pinned = append(pinned, c)
			}
		} else if len(related) < r.cfg.RelatedCap {
			related = append(related, c)
		}
	}

	usedIDs := make([]string, 0, len(pinned)+len(related))
	for _, c := range pinned {
		usedIDs = append(usedIDs, c.Item.ID)
	}
	for _, c := range related {
		usedIDs = append(usedIDs, c.Item.ID)
	}

	res := &RetrievalResult{
		Pinned:  pinned,
		Related: related,
		Block:   renderMemoryBlock(pinned, related),
		UsedIDs: usedIDs,
	}
	r.logger.Info().
		Str("user_id", q.UserID).
		Bool("vector", queryEmbedding != nil).
		Int("candidates", len(candidates)).
		Int("pinned", len(pinned)).
		Int("related", len(related)).
		Msg("retrieval complete")
	return res, nil
}

// buildQueryText folds the last N turns plus the latest user text into one
// retrieval query string.
func (r *Retriever) buildQueryText(q RetrievalQuery) string {
	turns := q.RecentTurns
	if len(turns) > r.cfg.RecentTurns {
		turns = turns[len(turns)-r.cfg.RecentTurns:]
	}
	var b strings.Builder
	for _, t := range turns {
		b.WriteString(t.Content)
		b.WriteString("\n")
	}
	b.WriteString(q.LatestUserText)
	return strings.TrimSpace(b.String())
}

// candidateWhere is the shared filter: active rows for the user, anchors and
// corrections hard-excluded, sensitive items fenced off unless the separate
// sensitive-scope query asked for them.
func candidateWhere(q RetrievalQuery) sq.Sqlizer {
	conditions := sq.And{
		sq.Eq{"user_id": q.UserID},
		activeOnly(),
		sq.NotEq{"kind": []string{string(KindAnchor), string(KindCorrection)}},
	}
	if q.ProjectID != nil {
		conditions = append(conditions, sq.Or{
			sq.Eq{"project_id": *q.ProjectID},
			sq.Eq{"project_id": nil},
		})
	}
	if q.Sensitive {
		conditions = append(conditions, sq.Or{
			sq.Eq{"tier": string(TierSensitive)},
			sq.Eq{"user_trigger_only": true},
		})
	} else {
		conditions = append(conditions,
			sq.NotEq{"tier": string(TierSensitive)},
			sq.Eq{"user_trigger_only": false},
		)
	}
	return conditions
}

func (r *Retriever) similarityCandidates(ctx context.Context, q RetrievalQuery, queryEmbedding []float32) ([]RankedItem, error) {
	const scanLimit = 500

	query := StatementBuilder().
		Select(SelectMemoryItemsColumns()...).
		From("memory_items").
		Where(candidateWhere(q)).
		OrderBy("created_at DESC", "id").
		Limit(uint64(scanLimit))

	items, err := r.store.queryItems(ctx, query)
	if err != nil {
		return nil, err
	}

	var results []RankedItem
	for _, item := range items {
		if len(item.Embedding) == 0 {
			// Still a candidate; similarity contributes 0.
			results = append(results, RankedItem{Item: item})
			continue
		}
		sim := CosineSimilarity(queryEmbedding, item.Embedding)
		if sim < 0 {
			sim = 0
		}
		results = append(results, RankedItem{Item: item, Similarity: sim})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > r.cfg.CandidateLimit {
		results = results[:r.cfg.CandidateLimit]
	}
	return results, nil
}

// fallbackCandidates is the non-vector path: plain filter ordered by
// pinned, importance, then recency of reinforcement.
func (r *Retriever) fallbackCandidates(ctx context.Context, q RetrievalQuery) ([]RankedItem, error) {
	query := StatementBuilder().
		Select(SelectMemoryItemsColumns()...).
		From("memory_items").
		Where(candidateWhere(q)).
		OrderBy("pinned DESC", "importance DESC", "last_reinforced_at DESC", "id").
		Limit(uint64(r.cfg.CandidateLimit))

	items, err := r.store.queryItems(ctx, query)
	if err != nil {
		return nil, err
	}
	results := make([]RankedItem, 0, len(items))
	for _, item := range items {
		results = append(results, RankedItem{Item: item})
	}
	return results, nil
}

// stabilityScore combines similarity, normalized importance, recency decay
// and the pinned/locked boosts.
func stabilityScore(item *MemoryItem, similarity float64, at time.Time, cfg RetrievalConfig) float64 {
	importance := float64(item.Importance)
	if importance < 1 {
		importance = 1
	}
	if importance > 10 {
		importance = 10
	}
	importanceNorm := (importance - 1) / 9

	hours := at.Sub(item.LastSeenAt).Hours()
	if hours < 0 {
		hours = 0
	}
	if hours > cfg.RecencyCapHours {
		hours = cfg.RecencyCapHours
	}
	recency := math.Exp(-hours / cfg.RecencyHalfLifeHours)

	score := weightSimilarity*similarity + weightImportance*importanceNorm + weightRecency*recency
	if item.Pinned {
		score += boostPinned
	}
	if item.Locked {
		score += boostLocked
	}
	return score
}

func renderMemoryBlock(pinned, related []RankedItem) string {
	if len(pinned) == 0 && len(related) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("MEMORY (PERSONAL CONTEXT):\n")
	b.WriteString("Prefer PINNED items when they conflict with RELATED ones. Never invent details that are not listed.\n")
	if len(pinned) > 0 {
		b.WriteString("PINNED:\n")
		for _, c := range pinned {
			b.WriteString(renderItemLine(c.Item))
		}
	}
	if len(related) > 0 {
		b.WriteString("RELATED:\n")
		for _, c := range related {
			b.WriteString(renderItemLine(c.Item))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderItemLine(item *MemoryItem) string {
	if s, ok := item.Value["text"].(string); ok && s != "" {
		return fmt.Sprintf("- %s\n", s)
	}
	valueJSON, err := json.Marshal(item.Value)
	if err != nil {
		valueJSON = []byte("{}")
	}
	return fmt.Sprintf("- %s: %s\n", item.Key, string(valueJSON))
}
