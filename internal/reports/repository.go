package reports

import (
	"context"
	"time"

	"github.com/selivandex/stock-agents/internal/adapters/clickhouse"
	"github.com/selivandex/stock-agents/internal/scheduler"
)

// CacheStats is the datastore surface the generator reads
type CacheStats interface {
	CountCachedEntries(ctx context.Context) (int64, error)
	CountCachedByCategory(ctx context.Context) (map[string]int64, error)
	CountExpired(ctx context.Context, now time.Time) (int64, error)
}

// ReportSink persists the finished report; the datastore repository in
// production
type ReportSink interface {
	SaveDailyReport(ctx context.Context, date string, report []byte) error
}

// FetchStats reads per-source outcomes; nil when ClickHouse is disabled
type FetchStats interface {
	SourceFetchSummaries(ctx context.Context, since time.Time) ([]clickhouse.SourceFetchSummary, error)
}

// TaskStats exposes the scheduler counters captured in the report
type TaskStats interface {
	Metrics() scheduler.Metrics
}
