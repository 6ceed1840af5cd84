package llmrouter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	redisadapter "github.com/selivandex/stock-agents/internal/adapters/redis"
	"github.com/selivandex/stock-agents/pkg/logger"
	"github.com/selivandex/stock-agents/pkg/metrics"
	"github.com/selivandex/stock-agents/pkg/models"
)

var timeNow = time.Now

const usageKeyTTL = 35 * 24 * time.Hour

// UsageMeter persists usage records: full rows into the ClickHouse metrics
// buffer, running daily counters into Redis. Both writes are best-effort so
// a metering outage never fails a completion.
type UsageMeter struct {
	buffer metrics.Buffer
	redis  *redisadapter.Client
}

// NewUsageMeter creates the meter; either sink may be nil
func NewUsageMeter(buffer metrics.Buffer, redis *redisadapter.Client) *UsageMeter {
	return &UsageMeter{buffer: buffer, redis: redis}
}

func (m *UsageMeter) Record(record *models.UsageRecord) {
	if m.buffer != nil {
		provider := providerOf(record.Model)
		err := m.buffer.Add(&metrics.LLMUsageMetric{
			Timestamp:        record.Timestamp,
			UserID:           record.UserID,
			Provider:         provider,
			Model:            record.Model,
			TaskType:         string(record.TaskType),
			PromptTokens:     record.PromptTokens,
			CompletionTokens: record.CompletionTokens,
			TotalTokens:      record.TotalTokens,
			CostUSD:          record.Cost,
			DurationMs:       int(record.Duration.Milliseconds()),
		})
		if err != nil {
			logger.Warn("usage metric buffering failed", zap.Error(err))
		}
	}

	if m.redis != nil {
		go m.bumpCounters(record)
	}
}

// bumpCounters maintains per-day aggregates for cheap dashboard reads
func (m *UsageMeter) bumpCounters(record *models.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	day := record.Timestamp.UTC().Format("2006-01-02")
	keys := map[string]int64{
		fmt.Sprintf("usage:%s:requests", day):                  1,
		fmt.Sprintf("usage:%s:tokens", day):                    int64(record.TotalTokens),
		fmt.Sprintf("usage:%s:model:%s", day, record.Model):    int64(record.TotalTokens),
	}
	for key, delta := range keys {
		if err := m.redis.IncrBy(ctx, key, delta).Err(); err != nil {
			logger.Debug("usage counter bump failed",
				zap.String("key", key),
				zap.Error(err),
			)
			return
		}
		m.redis.Expire(ctx, key, usageKeyTTL)
	}
}

func providerOf(model string) string {
	switch {
	case strings.HasPrefix(model, "gpt"):
		return "openai"
	case strings.HasPrefix(model, "deepseek"):
		return "deepseek"
	case strings.HasPrefix(model, "claude"):
		return "claude"
	case strings.HasPrefix(model, "qwen"):
		return "dashscope"
	default:
		return "unknown"
	}
}
