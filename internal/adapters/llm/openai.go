package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/selivandex/stock-agents/internal/adapters/config"
	"github.com/selivandex/stock-agents/pkg/models"
)

// OpenAIAdapter serves GPT models through the official-compatible SDK
type OpenAIAdapter struct {
	client  *openai.Client
	enabled bool
}

// NewOpenAIAdapter creates the OpenAI adapter; missing key disables it
func NewOpenAIAdapter(cfg *config.LLMProviderConfig) *OpenAIAdapter {
	if cfg.APIKey == "" {
		return &OpenAIAdapter{enabled: false}
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIAdapter{
		client:  openai.NewClientWithConfig(clientCfg),
		enabled: true,
	}
}

func (a *OpenAIAdapter) Name() string { return "openai" }

func (a *OpenAIAdapter) IsEnabled() bool { return a.enabled }

func (a *OpenAIAdapter) Models() []models.ModelInfo {
	return []models.ModelInfo{
		{
			Name: "gpt-4o", Provider: "openai",
			ContextSize: 128000, CostPer1K: 0.0075,
			SupportsCN: true, SupportsTool: true, Healthy: a.enabled,
		},
		{
			Name: "gpt-4o-mini", Provider: "openai",
			ContextSize: 128000, CostPer1K: 0.0004,
			SupportsCN: true, SupportsTool: true, Healthy: a.enabled,
		},
	}
}

// HealthCheck is configuration-only, completions bill per token
func (a *OpenAIAdapter) HealthCheck(ctx context.Context) error {
	if !a.enabled {
		return models.NewError(models.ErrAuth, "openai key not configured")
	}
	return nil
}

func (a *OpenAIAdapter) Complete(ctx context.Context, model string, req *models.CompletionRequest) (*models.Completion, error) {
	if !a.enabled {
		return nil, models.NewError(models.ErrAuth, "openai not configured")
	}

	start := time.Now()
	resp, err := a.client.CreateChatCompletion(ctx, a.buildRequest(model, req, false))
	if err != nil {
		return nil, classifyOpenAIError("openai", err)
	}
	if len(resp.Choices) == 0 {
		return nil, models.NewError(models.ErrUnavailable, "openai returned no choices")
	}

	return &models.Completion{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: models.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Duration: time.Since(start),
	}, nil
}

func (a *OpenAIAdapter) Stream(ctx context.Context, model string, req *models.CompletionRequest, fn StreamFunc) error {
	if !a.enabled {
		return models.NewError(models.ErrAuth, "openai not configured")
	}

	stream, err := a.client.CreateChatCompletionStream(ctx, a.buildRequest(model, req, true))
	if err != nil {
		return classifyOpenAIError("openai", err)
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return fn(models.StreamDelta{Done: true})
		}
		if err != nil {
			return classifyOpenAIError("openai", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			if err := fn(models.StreamDelta{Delta: delta}); err != nil {
				return err
			}
		}
	}
}

func (a *OpenAIAdapter) buildRequest(model string, req *models.CompletionRequest, stream bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	return openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		Stream:      stream,
	}
}

// classifyOpenAIError maps SDK errors onto the shared error taxonomy
func classifyOpenAIError(provider string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			return models.WrapError(models.ErrRateLimit, provider+" rate limited", err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return models.WrapError(models.ErrAuth, provider+" auth failed", err)
		case http.StatusBadRequest:
			return models.WrapError(models.ErrValidation, provider+" rejected the request", err)
		}
		if apiErr.HTTPStatusCode >= 500 {
			return models.WrapError(models.ErrUnavailable, provider+" server error", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.WrapError(models.ErrTimeout, provider+" call timed out", err)
	}
	return models.WrapError(models.ErrUnavailable, provider+" request failed", err)
}
