package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config represents application configuration
type Config struct {
	Server     ServerConfig
	Scheduler  SchedulerConfig
	Pool       PoolConfig
	LLM        LLMConfig
	Sources    SourcesConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	Monitor    MonitorConfig
	Telegram   TelegramConfig
	Memory     MemoryConfig
	Logging    LoggingConfig
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Port        int    `envconfig:"SERVER_PORT" default:"8080"`
	ProfilePath string `envconfig:"PRIORITY_PROFILE_PATH" default:"config/priority_profiles.json"`
}

// SchedulerConfig represents workflow scheduler parameters
type SchedulerConfig struct {
	MaxConcurrent   int           `envconfig:"MAX_CONCURRENT_WORKFLOWS" default:"3"`
	MaxQueueSize    int           `envconfig:"MAX_QUEUE_SIZE" default:"100"`
	DefaultTimeout  time.Duration `envconfig:"ANALYSIS_TIMEOUT" default:"300s"`
	MaxRetries      int           `envconfig:"MAX_TOOL_RETRIES" default:"2"`
	RetentionPeriod time.Duration `envconfig:"TASK_RETENTION" default:"24h"`
}

// PoolConfig represents the API-side concurrency manager
type PoolConfig struct {
	MaxConcurrent int `envconfig:"MAX_CONCURRENT_ANALYSES" default:"10"`
}

// LLMConfig represents LLM provider configurations
type LLMConfig struct {
	OpenAI    LLMProviderConfig `envconfig:"OPENAI"`
	DeepSeek  LLMProviderConfig `envconfig:"DEEPSEEK"`
	Claude    LLMProviderConfig `envconfig:"CLAUDE"`
	DashScope LLMProviderConfig `envconfig:"DASHSCOPE"`

	DefaultModel       string  `envconfig:"DEFAULT_MODEL" default:"auto"`
	DefaultTemperature float64 `envconfig:"DEFAULT_TEMPERATURE" default:"0.7"`
	DefaultMaxTokens   int     `envconfig:"DEFAULT_MAX_TOKENS" default:"2000"`
}

// LLMProviderConfig represents single LLM provider configuration.
// Absent credentials disable the provider silently.
type LLMProviderConfig struct {
	APIKey  string `envconfig:"API_KEY" required:"false"`
	BaseURL string `envconfig:"BASE_URL" required:"false"`
}

// SourcesConfig represents data-source adapter credentials
type SourcesConfig struct {
	TushareToken    string        `envconfig:"TUSHARE_TOKEN" required:"false"`
	AlphaVantageKey string        `envconfig:"ALPHAVANTAGE_API_KEY" required:"false"`
	CacheTTL        time.Duration `envconfig:"TOOL_CACHE_TTL" default:"1h"`
	EnableLegacy    bool          `envconfig:"ENABLE_LEGACY_FALLBACK" default:"false"`
}

// DatabaseConfig represents Postgres connection parameters
type DatabaseConfig struct {
	Host     string `envconfig:"DB_HOST" default:"localhost"`
	Port     int    `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"stockagents"`
	User     string `envconfig:"DB_USER" required:"true"`
	Password string `envconfig:"DB_PASSWORD" required:"true"`
	SSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
}

// GetDSN builds a postgres connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// RedisConfig represents Redis connection parameters
type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD" required:"false"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// ClickHouseConfig represents the metrics sink connection
type ClickHouseConfig struct {
	Enabled  bool   `envconfig:"CLICKHOUSE_ENABLED" default:"false"`
	Host     string `envconfig:"CLICKHOUSE_HOST" default:"localhost"`
	Port     int    `envconfig:"CLICKHOUSE_PORT" default:"9000"`
	Name     string `envconfig:"CLICKHOUSE_DB" default:"stockagents"`
	User     string `envconfig:"CLICKHOUSE_USER" default:"default"`
	Password string `envconfig:"CLICKHOUSE_PASSWORD" required:"false"`
}

// MonitorConfig represents threshold configuration for the execution monitor
type MonitorConfig struct {
	SampleInterval     time.Duration `envconfig:"MONITOR_INTERVAL" default:"30s"`
	CPUThreshold       float64       `envconfig:"MONITOR_CPU_THRESHOLD" default:"80"`
	MemoryThreshold    float64       `envconfig:"MONITOR_MEMORY_THRESHOLD" default:"85"`
	DiskThreshold      float64       `envconfig:"MONITOR_DISK_THRESHOLD" default:"90"`
	ErrorRateThreshold float64       `envconfig:"MONITOR_ERROR_RATE_THRESHOLD" default:"10"`
	ResponseThreshold  time.Duration `envconfig:"MONITOR_RESPONSE_THRESHOLD" default:"300s"`
	QueueThreshold     int           `envconfig:"MONITOR_QUEUE_THRESHOLD" default:"50"`
	HistoryRetention   time.Duration `envconfig:"MONITOR_HISTORY_RETENTION" default:"24h"`
}

// TelegramConfig represents the alert notifier (optional)
type TelegramConfig struct {
	BotToken string `envconfig:"TELEGRAM_BOT_TOKEN" required:"false"`
	ChatID   int64  `envconfig:"TELEGRAM_CHAT_ID" required:"false"`
}

// MemoryConfig represents the vector memory store
type MemoryConfig struct {
	EmbeddingModel string `envconfig:"MEMORY_EMBEDDING_MODEL" default:"text-embedding-ada-002"`
	Enabled        bool   `envconfig:"MEMORY_ENABLED" default:"true"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level string `envconfig:"LOG_LEVEL" default:"info"`
	File  string `envconfig:"LOG_FILE" default:""`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Scheduler.MaxConcurrent < 1 {
		return fmt.Errorf("MAX_CONCURRENT_WORKFLOWS must be at least 1")
	}
	if c.Scheduler.MaxQueueSize < 1 {
		return fmt.Errorf("MAX_QUEUE_SIZE must be at least 1")
	}
	if c.Pool.MaxConcurrent < 1 {
		return fmt.Errorf("MAX_CONCURRENT_ANALYSES must be at least 1")
	}
	if c.Scheduler.DefaultTimeout <= 0 {
		return fmt.Errorf("ANALYSIS_TIMEOUT must be positive")
	}

	// Without any LLM provider the agent graph cannot produce reports
	if c.LLM.OpenAI.APIKey == "" && c.LLM.DeepSeek.APIKey == "" &&
		c.LLM.Claude.APIKey == "" && c.LLM.DashScope.APIKey == "" {
		return fmt.Errorf("at least one LLM provider must be configured")
	}

	return nil
}
