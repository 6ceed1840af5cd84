package reports

import (
	"time"

	"github.com/selivandex/stock-agents/internal/scheduler"
)

// DataReport is the daily data-quality summary persisted to data_reports
type DataReport struct {
	ReportDate  string    `json:"report_date"` // YYYY-MM-DD
	GeneratedAt time.Time `json:"generated_at"`

	Cache     CacheSummary      `json:"cache"`
	Sources   []SourceSummary   `json:"sources,omitempty"`
	Workflows scheduler.Metrics `json:"workflows"`
}

// CacheSummary describes the durable cache tier at report time
type CacheSummary struct {
	TotalEntries int64            `json:"total_entries"`
	ByCategory   map[string]int64 `json:"by_category"`
	Expired      int64            `json:"expired"`
}

// SourceSummary aggregates one source's fetch outcomes over the report day
type SourceSummary struct {
	Source      string  `json:"source"`
	Requests    int64   `json:"requests"`
	SuccessRate float64 `json:"success_rate"` // percent
	CacheHits   int64   `json:"cache_hits"`
	AvgMs       float64 `json:"avg_ms"`
}
