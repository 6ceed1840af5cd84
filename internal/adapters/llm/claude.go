package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/selivandex/stock-agents/internal/adapters/config"
	"github.com/selivandex/stock-agents/pkg/models"
)

const claudeAPIURL = "https://api.anthropic.com/v1/messages"

// ClaudeAdapter speaks the Anthropic messages API. The system prompt
// travels in its own field, so the message list gets split on the way out.
type ClaudeAdapter struct {
	apiKey  string
	apiURL  string
	enabled bool
	client  *http.Client
}

// NewClaudeAdapter creates the Claude adapter
func NewClaudeAdapter(cfg *config.LLMProviderConfig) *ClaudeAdapter {
	apiURL := claudeAPIURL
	if cfg.BaseURL != "" {
		apiURL = cfg.BaseURL
	}
	return &ClaudeAdapter{
		apiKey:  cfg.APIKey,
		apiURL:  apiURL,
		enabled: cfg.APIKey != "",
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (a *ClaudeAdapter) Name() string { return "claude" }

func (a *ClaudeAdapter) IsEnabled() bool { return a.enabled }

func (a *ClaudeAdapter) Models() []models.ModelInfo {
	return []models.ModelInfo{
		{
			Name: "claude-sonnet-4-5", Provider: "claude",
			ContextSize: 200000, CostPer1K: 0.009,
			SupportsCN: true, SupportsTool: true, Healthy: a.enabled,
		},
		{
			Name: "claude-haiku-4-5", Provider: "claude",
			ContextSize: 200000, CostPer1K: 0.003,
			SupportsCN: true, SupportsTool: true, Healthy: a.enabled,
		},
	}
}

func (a *ClaudeAdapter) HealthCheck(ctx context.Context) error {
	if !a.enabled {
		return models.NewError(models.ErrAuth, "claude key not configured")
	}
	return nil
}

type claudeRequest struct {
	Model     string               `json:"model"`
	MaxTokens int                  `json:"max_tokens"`
	System    string               `json:"system,omitempty"`
	Messages  []models.ChatMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream    bool                 `json:"stream,omitempty"`
}

func (a *ClaudeAdapter) buildRequest(model string, req *models.CompletionRequest, stream bool) *claudeRequest {
	system := ""
	messages := make([]models.ChatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		messages = append(messages, m)
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2000
	}

	out := &claudeRequest{
		Model:     model,
		MaxTokens: maxTokens,
		System:    system,
		Messages:  messages,
		Stream:    stream,
	}
	if req.Temperature > 0 {
		t := req.Temperature
		out.Temperature = &t
	}
	return out
}

func (a *ClaudeAdapter) Complete(ctx context.Context, model string, req *models.CompletionRequest) (*models.Completion, error) {
	if !a.enabled {
		return nil, models.NewError(models.ErrAuth, "claude not configured")
	}

	start := time.Now()
	resp, err := a.post(ctx, a.buildRequest(model, req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := a.checkStatus(resp); err != nil {
		return nil, err
	}

	var result struct {
		Model   string `json:"model"`
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Content) == 0 {
		return nil, models.NewError(models.ErrUnavailable, "claude returned no content")
	}

	return &models.Completion{
		Content: result.Content[0].Text,
		Model:   result.Model,
		Usage: models.TokenUsage{
			PromptTokens:     result.Usage.InputTokens,
			CompletionTokens: result.Usage.OutputTokens,
			TotalTokens:      result.Usage.InputTokens + result.Usage.OutputTokens,
		},
		Duration: time.Since(start),
	}, nil
}

func (a *ClaudeAdapter) Stream(ctx context.Context, model string, req *models.CompletionRequest, fn StreamFunc) error {
	if !a.enabled {
		return models.NewError(models.ErrAuth, "claude not configured")
	}

	resp, err := a.post(ctx, a.buildRequest(model, req, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := a.checkStatus(resp); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var event struct {
			Type  string `json:"type"`
			Delta struct {
				Text string `json:"text"`
			} `json:"delta"`
		}
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			continue
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta.Text != "" {
				if err := fn(models.StreamDelta{Delta: event.Delta.Text}); err != nil {
					return err
				}
			}
		case "message_stop":
			return fn(models.StreamDelta{Done: true})
		}
	}
	if err := scanner.Err(); err != nil {
		return models.WrapError(models.ErrUnavailable, "claude stream failed", err)
	}
	return fn(models.StreamDelta{Done: true})
}

func (a *ClaudeAdapter) post(ctx context.Context, body *claudeRequest) (*http.Response, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", a.apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, models.WrapError(models.ErrTimeout, "claude call timed out", err)
		}
		return nil, models.WrapError(models.ErrUnavailable, "claude request failed", err)
	}
	return resp, nil
}

func (a *ClaudeAdapter) checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	msg := fmt.Sprintf("claude status %d: %s", resp.StatusCode, string(body))
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return models.NewError(models.ErrRateLimit, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return models.NewError(models.ErrAuth, msg)
	case http.StatusBadRequest:
		return models.NewError(models.ErrValidation, msg)
	}
	return models.NewError(models.ErrUnavailable, msg)
}
