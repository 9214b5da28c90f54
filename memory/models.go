package memory

import (
	"encoding/json"
	"time"
)

// Tier classifies how much trust and sensitivity a memory item carries.
type Tier string

const (
	TierCore      Tier = "core"
	TierNormal    Tier = "normal"
	TierSensitive Tier = "sensitive"
)

// Scope indicates how widely a memory item applies.
type Scope string

const (
	ScopeGlobal       Scope = "global"
	ScopeProject      Scope = "project"
	ScopeConversation Scope = "conversation"
)

// Kind distinguishes ordinary facts from anchors and correction records.
// Anchors and corrections are excluded from ranked retrieval.
type Kind string

const (
	KindFact       Kind = "fact"
	KindAnchor     Kind = "anchor"
	KindCorrection Kind = "correction"
)

// Status is the lifecycle state of a stored item.
type Status string

const (
	StatusActive     Status = "active"
	StatusTombstoned Status = "tombstoned"
)

// MemoryItem is a single persisted fact about a user.
// Exactly one active row exists per (user_id, key) at a time.
type MemoryItem struct {
	ID             string  `json:"id"`
	UserID         string  `json:"user_id"`
	ProjectID      *string `json:"project_id,omitempty"`
	ConversationID *string `json:"conversation_id,omitempty"`

	Key       string         `json:"key"`
	Value     map[string]any `json:"value"`
	Embedding []float32      `json:"embedding,omitempty"`

	Tier            Tier    `json:"tier"`
	Scope           Scope   `json:"scope"`
	Kind            Kind    `json:"kind"`
	UserTriggerOnly bool    `json:"user_trigger_only"`
	Importance      int     `json:"importance"` // 1..10
	Confidence      float64 `json:"confidence"` // 0..1
	Pinned          bool    `json:"pinned"`
	Locked          bool    `json:"locked"`

	MentionCount    int `json:"mention_count"`
	CorrectionCount int `json:"correction_count"`

	Status           Status     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	LastSeenAt       time.Time  `json:"last_seen_at"`
	LastReinforcedAt time.Time  `json:"last_reinforced_at"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
}

// MemoryValue is the incoming payload for an item: either a primitive
// (string, number, bool) or an already-structured record. The store boundary
// normalizes both shapes via Normalize.
type MemoryValue struct {
	Primitive  any
	Structured map[string]any
}

// PrimitiveValue wraps a bare primitive payload.
func PrimitiveValue(v any) MemoryValue {
	return MemoryValue{Primitive: v}
}

// StructuredValue wraps an already-structured payload.
func StructuredValue(m map[string]any) MemoryValue {
	return MemoryValue{Structured: m}
}

// TextValue wraps free text the way anchors store it.
func TextValue(s string) MemoryValue {
	return MemoryValue{Structured: map[string]any{"text": s}}
}

// Normalize returns the canonical structured form: structured records pass
// through, primitives become {"value": v}, an empty payload an empty record.
func (v MemoryValue) Normalize() map[string]any {
	if v.Structured != nil {
		return v.Structured
	}
	if v.Primitive != nil {
		return map[string]any{"value": v.Primitive}
	}
	return map[string]any{}
}

// IsZero reports whether no payload was provided at all.
func (v MemoryValue) IsZero() bool {
	return v.Primitive == nil && v.Structured == nil
}

// UpsertItem is a candidate fact handed to Store.Upsert, typically produced
// by the fact extractor or an explicit user edit.
type UpsertItem struct {
	Key             string
	Value           MemoryValue
	Tier            Tier
	Scope           Scope
	UserTriggerOnly bool
	Importance      int
	Confidence      float64
}

// UpsertResult reports, per key, which lifecycle branch each item took.
type UpsertResult struct {
	Created []string `json:"created"`
	Updated []string `json:"updated"`
	Locked  []string `json:"locked"`
	Ignored []string `json:"ignored"`
}

// CorrectResult reports whether a correction pushed the item into the
// locked state.
type CorrectResult struct {
	Locked bool `json:"locked"`
}

// ValueText renders a normalized value for prompt blocks: the "text",
// "value" or "name" member when it is a plain string, otherwise compact JSON.
func ValueText(v map[string]any) string {
	if v == nil {
		return ""
	}
	for _, k := range []string{"text", "value", "name"} {
		if s, ok := v[k].(string); ok {
			return s
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// EmbedString is the canonical text embedded for an item: key plus the
// JSON-encoded normalized value.
func EmbedString(key string, value map[string]any) string {
	b, _ := json.Marshal(value)
	return "key:" + key + "\nvalue:" + string(b)
}
