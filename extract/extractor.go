// Package extract turns a user/assistant exchange into candidate memory
// items via the text-generation provider. The extractor is deliberately
// forgiving: unusable provider output yields an empty candidate list, never
// a failed turn.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/arborchat/memoryd/memory"
	"github.com/arborchat/memoryd/provider"
)

// sensitiveCategories force tier=sensitive and user_trigger_only regardless
// of what the model claimed.
var sensitiveCategories = []string{
	"diagnosis", "diagnoses", "trauma", "self_harm", "self-harm",
	"medical", "substance", "sex", "mental_health",
}

const maxExtractedItems = 20

const extractSystemPrompt = `You extract stable, user-affirmed memory for a friend-like AI.

Return STRICT JSON with this shape:
{
  "items": [
    {
      "key": "preferences.color",
      "value": { "value": "green" },
      "tier": "normal",
      "user_trigger_only": false,
      "importance": 6,
      "confidence": 0.9
    }
  ]
}

Rules:
- Do not invent.
- If value is a primitive, wrap it as { "value": <primitive> }.
- If sensitive (diagnoses/trauma/self-harm/medical/substance use/sex): tier="sensitive" and user_trigger_only=true.
- If uncertain, omit the item.
Return JSON only.`

// Extractor produces MemoryItem candidates from one exchange.
type Extractor struct {
	gen    provider.Generator
	logger zerolog.Logger
}

// NewExtractor creates an Extractor.
func NewExtractor(gen provider.Generator, logger zerolog.Logger) *Extractor {
	return &Extractor{
		gen:    gen,
		logger: logger.With().Str("component", "extractor").Logger(),
	}
}

// Extract asks the generator for candidate facts. Parse failures return an
// empty list: extraction is a personalization side-effect and must never
// degrade the primary response.
func (e *Extractor) Extract(ctx context.Context, userText, assistantText string) ([]memory.UpsertItem, error) {
	if assistantText == "" {
		assistantText = "(none)"
	}
	userPrompt := fmt.Sprintf("USER:\n%s\nASSISTANT:\n%s\nReturn JSON only.", userText, assistantText)

	raw, err := e.gen.Generate(ctx, []provider.Message{
		{Role: provider.RoleSystem, Content: extractSystemPrompt},
		{Role: provider.RoleUser, Content: userPrompt},
	})
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Items []struct {
			Key             string  `json:"key"`
			Value           any     `json:"value"`
			Tier            string  `json:"tier"`
			UserTriggerOnly *bool   `json:"user_trigger_only"`
			Importance      int     `json:"importance"`
			Confidence      float64 `json:"confidence"`
		} `json:"items"`
	}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		e.logger.Warn().Err(err).Str("raw", truncate(raw, 120)).Msg("extraction parse failed, returning no candidates")
		return nil, nil
	}

	items := parsed.Items
	if len(items) > maxExtractedItems {
		items = items[:maxExtractedItems]
	}

	out := make([]memory.UpsertItem, 0, len(items))
	for _, it := range items {
		key := strings.TrimSpace(it.Key)
		if len(key) < 3 {
			continue
		}

		tier := memory.Tier(it.Tier)
		switch tier {
		case memory.TierCore, memory.TierNormal, memory.TierSensitive:
		default:
			tier = memory.TierNormal
		}
		userTriggerOnly := it.UserTriggerOnly != nil && *it.UserTriggerOnly

		if isSensitiveKey(key) {
			tier = memory.TierSensitive
			userTriggerOnly = true
		}

		importance := it.Importance
		if importance < 1 || importance > 10 {
			importance = 6
			if tier == memory.TierCore {
				importance = 9
			}
		}
		confidence := it.Confidence
		if confidence <= 0 || confidence > 1 {
			confidence = 0.9
		}

		out = append(out, memory.UpsertItem{
			Key:             key,
			Value:           normalizeValue(it.Value),
			Tier:            tier,
			UserTriggerOnly: userTriggerOnly,
			Importance:      importance,
			Confidence:      confidence,
		})
	}
	return out, nil
}

func isSensitiveKey(key string) bool {
	lk := strings.ToLower(key)
	for _, c := range sensitiveCategories {
		if strings.Contains(lk, c) {
			return true
		}
	}
	return false
}

func normalizeValue(v any) memory.MemoryValue {
	if m, ok := v.(map[string]any); ok {
		return memory.StructuredValue(m)
	}
	return memory.PrimitiveValue(v)
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if len(rs) > n {
		return string(rs[:n]) + "..."
	}
	return s
}
