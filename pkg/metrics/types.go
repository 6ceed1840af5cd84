package metrics

import "time"

// Common metric types that can be reused across the system

// LLMUsageMetric records one completed LLM call for ClickHouse
type LLMUsageMetric struct {
	Timestamp        time.Time
	UserID           string
	Provider         string
	Model            string
	TaskType         string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostUSD          float64
	DurationMs       int
	Streamed         bool
}

func (m *LLMUsageMetric) TableName() string {
	return "llm_usage_metrics"
}

func (m *LLMUsageMetric) Values() []interface{} {
	return []interface{}{
		m.Timestamp,
		m.UserID,
		m.Provider,
		m.Model,
		m.TaskType,
		m.PromptTokens,
		m.CompletionTokens,
		m.TotalTokens,
		m.CostUSD,
		m.DurationMs,
		m.Streamed,
	}
}

// AgentStepMetric records one agent node execution inside a workflow
type AgentStepMetric struct {
	Timestamp   time.Time
	TaskID      string
	Symbol      string
	Role        string
	Model       string
	DurationMs  int
	TokensUsed  int
	Success     bool
	ErrorDetail string
}

func (m *AgentStepMetric) TableName() string {
	return "agent_step_metrics"
}

func (m *AgentStepMetric) Values() []interface{} {
	return []interface{}{
		m.Timestamp,
		m.TaskID,
		m.Symbol,
		m.Role,
		m.Model,
		m.DurationMs,
		m.TokensUsed,
		m.Success,
		m.ErrorDetail,
	}
}

// SourceFetchMetric records one federation fetch attempt
type SourceFetchMetric struct {
	Timestamp  time.Time
	Source     string
	Symbol     string
	Market     string
	Category   string
	DurationMs int
	CacheHit   bool
	Success    bool
}

func (m *SourceFetchMetric) TableName() string {
	return "source_fetch_metrics"
}

func (m *SourceFetchMetric) Values() []interface{} {
	return []interface{}{
		m.Timestamp,
		m.Source,
		m.Symbol,
		m.Market,
		m.Category,
		m.DurationMs,
		m.CacheHit,
		m.Success,
	}
}

// SystemSampleMetric records one monitor sample of host and scheduler state
type SystemSampleMetric struct {
	Timestamp       time.Time
	CPUPercent      float64
	MemoryPercent   float64
	DiskPercent     float64
	ConnectionCount int
	QueueLength     int
	ConcurrentCount int
	Throughput      float64
	ErrorRate       float64
	AvgResponseMs   int
}

func (m *SystemSampleMetric) TableName() string {
	return "system_sample_metrics"
}

func (m *SystemSampleMetric) Values() []interface{} {
	return []interface{}{
		m.Timestamp,
		m.CPUPercent,
		m.MemoryPercent,
		m.DiskPercent,
		m.ConnectionCount,
		m.QueueLength,
		m.ConcurrentCount,
		m.Throughput,
		m.ErrorRate,
		m.AvgResponseMs,
	}
}

// EmbeddingDeduplicationMetric tracks embedding cache hits and misses
type EmbeddingDeduplicationMetric struct {
	Timestamp    time.Time
	TextHash     string
	Model        string
	TextLength   int
	CostSavedUSD float64
	CacheHit     bool
}

func (m *EmbeddingDeduplicationMetric) TableName() string {
	return "embedding_deduplication_metrics"
}

func (m *EmbeddingDeduplicationMetric) Values() []interface{} {
	return []interface{}{
		m.Timestamp,
		m.TextHash,
		m.TextLength,
		m.Model,
		m.CacheHit,
		m.CostSavedUSD,
	}
}
