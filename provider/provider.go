// Package provider defines the external text-generation and embedding
// collaborators the memory engine consumes, plus their OpenAI-backed
// implementations.
package provider

import "context"

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single provider-neutral chat message.
type Message struct {
	Role    Role
	Content string
}

// Generator produces text from a message sequence. Callers that require
// structured output instruct the model to return strict JSON and treat
// anything else as a hard error.
type Generator interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

// Embedder converts text into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
