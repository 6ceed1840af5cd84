package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/selivandex/stock-agents/pkg/logger"
)

// Generator builds and persists the daily data-quality report
type Generator struct {
	cache CacheStats
	sink  ReportSink
	fetch FetchStats
	tasks TaskStats
}

// NewGenerator creates the report generator. fetch may be nil when the
// metrics sink is disabled; the report then omits per-source rows.
func NewGenerator(cache CacheStats, sink ReportSink, fetch FetchStats, tasks TaskStats) *Generator {
	return &Generator{cache: cache, sink: sink, fetch: fetch, tasks: tasks}
}

// Generate builds the report for one calendar day and saves it
func (g *Generator) Generate(ctx context.Context, date time.Time) (*DataReport, error) {
	report := &DataReport{
		ReportDate:  date.Format("2006-01-02"),
		GeneratedAt: time.Now(),
	}

	total, err := g.cache.CountCachedEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count cache entries: %w", err)
	}
	byCategory, err := g.cache.CountCachedByCategory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to bucket cache entries: %w", err)
	}
	expired, err := g.cache.CountExpired(ctx, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to count expired entries: %w", err)
	}
	report.Cache = CacheSummary{
		TotalEntries: total,
		ByCategory:   byCategory,
		Expired:      expired,
	}

	if g.tasks != nil {
		report.Workflows = g.tasks.Metrics()
	}

	// Per-source rows come from ClickHouse; their absence degrades the
	// report rather than failing it
	if g.fetch != nil {
		dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
		summaries, err := g.fetch.SourceFetchSummaries(ctx, dayStart)
		if err != nil {
			logger.Warn("source fetch summary unavailable for report", zap.Error(err))
		} else {
			for _, s := range summaries {
				row := SourceSummary{
					Source:    s.Source,
					Requests:  s.Requests,
					CacheHits: s.CacheHits,
					AvgMs:     s.AvgMs,
				}
				if s.Requests > 0 {
					row.SuccessRate = float64(s.Successes) / float64(s.Requests) * 100
				}
				report.Sources = append(report.Sources, row)
			}
		}
	}

	payload, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("failed to encode report: %w", err)
	}
	if err := g.sink.SaveDailyReport(ctx, report.ReportDate, payload); err != nil {
		return nil, err
	}

	logger.Info("📊 Daily data report generated",
		zap.String("date", report.ReportDate),
		zap.Int64("cached_entries", report.Cache.TotalEntries),
		zap.Int("sources", len(report.Sources)),
	)
	return report, nil
}
