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

	"github.com/selivandex/stock-agents/pkg/models"
)

// openAICompat implements the chat-completions wire format shared by
// DeepSeek and DashScope's compatible mode, over raw HTTP.
type openAICompat struct {
	provider string
	apiURL   string
	apiKey   string
	client   *http.Client
}

func newOpenAICompat(provider, apiURL, apiKey string) *openAICompat {
	return &openAICompat{
		provider: provider,
		apiURL:   apiURL,
		apiKey:   apiKey,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type compatRequest struct {
	Model       string               `json:"model"`
	Messages    []models.ChatMessage `json:"messages"`
	Temperature float64              `json:"temperature,omitempty"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
	Stream      bool                 `json:"stream,omitempty"`
}

type compatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *openAICompat) complete(ctx context.Context, model string, req *models.CompletionRequest) (*models.Completion, error) {
	start := time.Now()

	resp, err := c.post(ctx, &compatRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}

	var result compatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return nil, models.NewError(models.ErrUnavailable, c.provider+" returned no choices")
	}

	content := result.Choices[0].Message.Content
	usage := models.TokenUsage{
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
		TotalTokens:      result.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage = EstimateUsage(req, content)
	}

	modelName := result.Model
	if modelName == "" {
		modelName = model
	}

	return &models.Completion{
		Content:  content,
		Model:    modelName,
		Usage:    usage,
		Duration: time.Since(start),
	}, nil
}

func (c *openAICompat) stream(ctx context.Context, model string, req *models.CompletionRequest, fn StreamFunc) error {
	resp, err := c.post(ctx, &compatRequest{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkStatus(resp); err != nil {
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
		if payload == "[DONE]" {
			return fn(models.StreamDelta{Done: true})
		}

		var chunk compatResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
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
	if err := scanner.Err(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return models.WrapError(models.ErrTimeout, c.provider+" stream aborted", err)
		}
		return models.WrapError(models.ErrUnavailable, c.provider+" stream failed", err)
	}
	return fn(models.StreamDelta{Done: true})
}

func (c *openAICompat) post(ctx context.Context, body *compatRequest) (*http.Response, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.apiURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, models.WrapError(models.ErrTimeout, c.provider+" call timed out", err)
		}
		return nil, models.WrapError(models.ErrUnavailable, c.provider+" request failed", err)
	}
	return resp, nil
}

func (c *openAICompat) checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	msg := fmt.Sprintf("%s status %d: %s", c.provider, resp.StatusCode, string(body))
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
