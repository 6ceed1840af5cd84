package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/selivandex/stock-agents/internal/adapters/config"
	"github.com/selivandex/stock-agents/pkg/logger"
	"github.com/selivandex/stock-agents/pkg/metrics"
	"github.com/selivandex/stock-agents/pkg/models"
)

// Repository handles ClickHouse analytics: metric ingestion plus the
// aggregate queries behind the usage-stats endpoint.
type Repository struct {
	db *sqlx.DB
}

// New opens a ClickHouse connection
func New(cfg *config.ClickHouseConfig) (*Repository, error) {
	conn := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Name,
			Username: cfg.User,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(time.Hour)

	db := sqlx.NewDb(conn, "clickhouse")
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	logger.Info("clickhouse connection established",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Name),
	)

	return &Repository{db: db}, nil
}

// NewRepository wraps an existing connection, used by tests
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Write implements metrics.Writer: one multi-row INSERT per table batch
func (r *Repository) Write(ctx context.Context, tableName string, batch []metrics.Metric) error {
	if len(batch) == 0 {
		return nil
	}

	cols := len(batch[0].Values())
	placeholders := "(" + strings.TrimSuffix(strings.Repeat("?, ", cols), ", ") + ")"

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES %s", tableName, placeholders))
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, m := range batch {
		if _, err := stmt.ExecContext(ctx, m.Values()...); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert metric: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	logger.Debug("metrics written to ClickHouse",
		zap.String("table", tableName),
		zap.Int("count", len(batch)),
	)
	return nil
}

// Close closes the connection, satisfying metrics.Writer
func (r *Repository) Close() error {
	return r.db.Close()
}

// UsageStats aggregates LLM usage over the trailing window
func (r *Repository) UsageStats(ctx context.Context, since time.Time) (*models.UsageStats, error) {
	stats := &models.UsageStats{
		ByModel: make(map[string]int64),
		ByDay:   make(map[string]int64),
		ByUser:  make(map[string]float64),
	}

	err := r.db.QueryRowxContext(ctx, `
		SELECT count(), coalesce(sum(TotalTokens), 0), coalesce(sum(CostUSD), 0)
		FROM llm_usage_metrics WHERE Timestamp >= ?`, since).
		Scan(&stats.TotalRequests, &stats.TotalTokens, &stats.TotalCost)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}

	rows, err := r.db.QueryxContext(ctx, `
		SELECT Model, sum(TotalTokens) FROM llm_usage_metrics
		WHERE Timestamp >= ? GROUP BY Model`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate by model: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var model string
		var tokens int64
		if err := rows.Scan(&model, &tokens); err != nil {
			return nil, err
		}
		stats.ByModel[model] = tokens
	}

	dayRows, err := r.db.QueryxContext(ctx, `
		SELECT toString(toDate(Timestamp)), count() FROM llm_usage_metrics
		WHERE Timestamp >= ? GROUP BY toDate(Timestamp)`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate by day: %w", err)
	}
	defer dayRows.Close()
	for dayRows.Next() {
		var day string
		var count int64
		if err := dayRows.Scan(&day, &count); err != nil {
			return nil, err
		}
		stats.ByDay[day] = count
	}

	userRows, err := r.db.QueryxContext(ctx, `
		SELECT UserID, sum(CostUSD) FROM llm_usage_metrics
		WHERE Timestamp >= ? AND UserID != '' GROUP BY UserID`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate by user: %w", err)
	}
	defer userRows.Close()
	for userRows.Next() {
		var user string
		var cost float64
		if err := userRows.Scan(&user, &cost); err != nil {
			return nil, err
		}
		stats.ByUser[user] = cost
	}

	return stats, nil
}

// SourceFetchSummary feeds the daily data-quality report
type SourceFetchSummary struct {
	Source    string  `db:"source"`
	Requests  int64   `db:"requests"`
	Successes int64   `db:"successes"`
	CacheHits int64   `db:"cache_hits"`
	AvgMs     float64 `db:"avg_ms"`
}

// SourceFetchSummaries aggregates per-source fetch outcomes since a cutoff
func (r *Repository) SourceFetchSummaries(ctx context.Context, since time.Time) ([]SourceFetchSummary, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT Source AS source,
		       count() AS requests,
		       countIf(Success) AS successes,
		       countIf(CacheHit) AS cache_hits,
		       avg(DurationMs) AS avg_ms
		FROM source_fetch_metrics
		WHERE Timestamp >= ?
		GROUP BY Source ORDER BY requests DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize source fetches: %w", err)
	}
	defer rows.Close()

	var out []SourceFetchSummary
	for rows.Next() {
		var s SourceFetchSummary
		if err := rows.StructScan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
