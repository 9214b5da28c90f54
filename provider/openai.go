package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// MaxEmbedChars bounds the text sent to the embedding endpoint. Longer
// input is truncated, never rejected.
const MaxEmbedChars = 8000

// OpenAIProvider implements Generator and Embedder against the OpenAI API.
type OpenAIProvider struct {
	client     *openai.Client
	chatModel  string
	embedModel string
	logger     zerolog.Logger
}

// NewOpenAIProvider creates a provider. baseURL is optional and overrides
// the default API endpoint for compatible gateways.
func NewOpenAIProvider(apiKey, baseURL, chatModel, embedModel string, logger zerolog.Logger) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	if chatModel == "" {
		chatModel = openai.GPT4oMini
	}
	if embedModel == "" {
		embedModel = string(openai.SmallEmbedding3)
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(cfg),
		chatModel:  chatModel,
		embedModel: embedModel,
		logger:     logger.With().Str("component", "openai_provider").Logger(),
	}, nil
}

// Generate implements Generator with exponential-backoff retries on rate
// limits and server errors.
func (p *OpenAIProvider) Generate(ctx context.Context, messages []Message) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:    p.chatModel,
		Messages: toOpenAIMessages(messages),
	}

	var out string
	operation := func() error {
		resp, err := p.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return p.classify("chat completion", err)
		}
		if len(resp.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("openai: empty choices in chat response"))
		}
		out = resp.Choices[0].Message.Content
		return nil
	}

	if err := backoff.Retry(operation, p.newBackoff(ctx)); err != nil {
		return "", err
	}
	return out, nil
}

// Embed implements Embedder. Input beyond MaxEmbedChars is truncated.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if len(text) > MaxEmbedChars {
		text = text[:MaxEmbedChars]
	}

	req := openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(p.embedModel),
	}

	var vec []float32
	operation := func() error {
		resp, err := p.client.CreateEmbeddings(ctx, req)
		if err != nil {
			return p.classify("embeddings", err)
		}
		if len(resp.Data) == 0 {
			return backoff.Permanent(fmt.Errorf("openai: empty embedding response"))
		}
		vec = resp.Data[0].Embedding
		return nil
	}

	if err := backoff.Retry(operation, p.newBackoff(ctx)); err != nil {
		return nil, err
	}
	return vec, nil
}

// classify maps an API error to retryable or permanent for backoff.
func (p *OpenAIProvider) classify(call string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			p.logger.Warn().Str("call", call).Msg("rate limit encountered, retrying")
			return fmt.Errorf("openai: rate limit: %w", err)
		case apiErr.HTTPStatusCode >= 500:
			p.logger.Warn().Str("call", call).Int("status", apiErr.HTTPStatusCode).Msg("server error, retrying")
			return fmt.Errorf("openai: server error: %w", err)
		default:
			return backoff.Permanent(fmt.Errorf("openai: %s failed: %w", call, err))
		}
	}
	// Network-level failures are retryable.
	return fmt.Errorf("openai: %s request failed: %w", call, err)
}

func (p *OpenAIProvider) newBackoff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 1 * time.Second
	eb.Multiplier = 2.0
	eb.MaxInterval = 60 * time.Second
	eb.MaxElapsedTime = 5 * time.Minute
	eb.RandomizationFactor = 0.2
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, 5), ctx)
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, msg := range msgs {
		var role string
		switch msg.Role {
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		default:
			role = openai.ChatMessageRoleUser
		}
		result = append(result, openai.ChatCompletionMessage{Role: role, Content: msg.Content})
	}
	return result
}
