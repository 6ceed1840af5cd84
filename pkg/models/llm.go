package models

import (
	"time"
)

// TaskType tags a completion request so the router can pick a fitting model
type TaskType string

const (
	TaskFinancialAnalysis TaskType = "financial_analysis"
	TaskStockAnalysis     TaskType = "stock_analysis"
	TaskToolCalling       TaskType = "tool_calling"
	TaskDataExtraction    TaskType = "data_extraction"
	TaskReasoning         TaskType = "reasoning"
	TaskChinese           TaskType = "chinese_tasks"
	TaskGeneral           TaskType = "general"
)

// ChatMessage is one turn in a completion request
type ChatMessage struct {
	Role    string `json:"role"` // system / user / assistant
	Content string `json:"content"`
}

// TokenUsage reports token consumption for one completion
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is a finished LLM response
type Completion struct {
	Content  string        `json:"content"`
	Model    string        `json:"model"`
	Usage    TokenUsage    `json:"usage"`
	Duration time.Duration `json:"duration"`
}

// StreamDelta is one chunk of a streamed completion
type StreamDelta struct {
	Delta string `json:"delta"`
	Done  bool   `json:"done"`
}

// CompletionRequest is the router-level request
type CompletionRequest struct {
	Messages    []ChatMessage `json:"messages"`
	TaskType    TaskType      `json:"task_type"`
	Model       string        `json:"model,omitempty"` // "" or "auto" lets the router choose
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	UserID      string        `json:"user_id,omitempty"`
	Language    string        `json:"language,omitempty"`
	UseTemplate bool          `json:"use_prompt_template,omitempty"`
}

// ModelInfo is the static description of a routed model
type ModelInfo struct {
	Name         string  `json:"name"`
	Provider     string  `json:"provider"`
	ContextSize  int     `json:"context_size"`
	CostPer1K    float64 `json:"cost_per_1k"` // USD per 1k total tokens
	SupportsCN   bool    `json:"supports_chinese"`
	SupportsTool bool    `json:"supports_tools"`
	Healthy      bool    `json:"healthy"`
}

// UsageRecord is written for every completed LLM call
type UsageRecord struct {
	UserID           string        `json:"user_id"`
	Model            string        `json:"model"`
	TaskType         TaskType      `json:"task_type"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	Cost             float64       `json:"cost"`
	Duration         time.Duration `json:"duration"`
	Timestamp        time.Time     `json:"timestamp"`
}

// UsageStats aggregates usage for the stats endpoint
type UsageStats struct {
	TotalRequests int64              `json:"total_requests"`
	TotalTokens   int64              `json:"total_tokens"`
	TotalCost     float64            `json:"total_cost"`
	ByModel       map[string]int64   `json:"by_model"`
	ByDay         map[string]int64   `json:"by_day"`
	ByUser        map[string]float64 `json:"by_user"`
}
