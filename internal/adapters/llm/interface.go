package llm

import (
	"context"
	"unicode"

	"github.com/selivandex/stock-agents/pkg/models"
)

// StreamFunc receives streamed chunks; returning an error aborts the stream
type StreamFunc func(delta models.StreamDelta) error

// Adapter is one upstream LLM provider. Adapters normalize provider wire
// formats into models.Completion and classify failures with typed errors so
// the router can decide between retry, fallback, and hard failure.
type Adapter interface {
	// Name returns the provider identity
	Name() string

	// Models lists the models this adapter serves with their static metadata
	Models() []models.ModelInfo

	// Complete runs one blocking completion
	Complete(ctx context.Context, model string, req *models.CompletionRequest) (*models.Completion, error)

	// Stream runs one streamed completion, invoking fn per chunk
	Stream(ctx context.Context, model string, req *models.CompletionRequest, fn StreamFunc) error

	// HealthCheck is a cheap probe; it must not burn paid quota
	HealthCheck(ctx context.Context) error

	// IsEnabled returns whether credentials are present
	IsEnabled() bool
}

// CalcTokens estimates token count for budgeting when the provider does not
// return usage. CJK text runs close to one token per character, Latin text
// close to one per four characters.
func CalcTokens(text string) int {
	cjk := 0
	other := 0
	for _, r := range text {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			cjk++
		} else {
			other++
		}
	}
	tokens := cjk + (other+3)/4
	if tokens == 0 && len(text) > 0 {
		tokens = 1
	}
	return tokens
}

// EstimateUsage fills a usage struct from raw text when the wire response
// carried no counts
func EstimateUsage(req *models.CompletionRequest, content string) models.TokenUsage {
	prompt := 0
	for _, msg := range req.Messages {
		prompt += CalcTokens(msg.Content)
	}
	completion := CalcTokens(content)
	return models.TokenUsage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}
