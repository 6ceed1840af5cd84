package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/selivandex/stock-agents/pkg/logger"
	"github.com/selivandex/stock-agents/pkg/models"
)

// Repository is the durable Postgres tier: the cache table plus the
// normalized per-category tables used for reporting and memory lookups.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates the datastore repository
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

type cachedRow struct {
	CacheKey      string    `db:"cache_key"`
	Payload       []byte    `db:"payload"`
	Source        string    `db:"source"`
	FetchedAt     time.Time `db:"fetched_at"`
	ExpiresAt     time.Time `db:"expires_at"`
	SchemaVersion int       `db:"schema_version"`
}

// GetEntry loads a cached entry; a miss returns (nil, nil)
func (r *Repository) GetEntry(ctx context.Context, key string) (*models.CachedEntry, error) {
	var row cachedRow
	err := r.db.GetContext(ctx, &row,
		`SELECT cache_key, payload, source, fetched_at, expires_at, schema_version
		 FROM cached_data WHERE cache_key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cached entry: %w", err)
	}

	var payload models.DataRecordSet
	if err := json.Unmarshal(row.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode cached payload: %w", err)
	}

	return &models.CachedEntry{
		Payload:       &payload,
		Source:        models.SourceTag(row.Source),
		FetchedAt:     row.FetchedAt,
		ExpiresAt:     row.ExpiresAt,
		SchemaVersion: row.SchemaVersion,
	}, nil
}

// PutEntry upserts a cached entry
func (r *Repository) PutEntry(ctx context.Context, key string, entry *models.CachedEntry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode cached payload: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO cached_data (cache_key, payload, source, fetched_at, expires_at, schema_version)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (cache_key) DO UPDATE SET
			payload = EXCLUDED.payload,
			source = EXCLUDED.source,
			fetched_at = EXCLUDED.fetched_at,
			expires_at = EXCLUDED.expires_at,
			schema_version = EXCLUDED.schema_version`,
		key, payload, string(entry.Source), entry.FetchedAt, entry.ExpiresAt, entry.SchemaVersion)
	if err != nil {
		return fmt.Errorf("failed to upsert cached entry: %w", err)
	}
	return nil
}

// DeleteEntry removes a cached entry
func (r *Repository) DeleteEntry(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM cached_data WHERE cache_key = $1`, key)
	if err != nil {
		return fmt.Errorf("failed to delete cached entry: %w", err)
	}
	return nil
}

// DeleteExpired removes up to limit expired rows and reports how many went.
// Chunked so the sweep never holds a long transaction; callers loop until
// zero.
func (r *Repository) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM cached_data WHERE cache_key IN (
			SELECT cache_key FROM cached_data WHERE expires_at < $1 LIMIT $2
		)`, now, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted entries: %w", err)
	}
	return n, nil
}

// DeleteOldNews removes up to limit news rows older than the cutoff
func (r *Repository) DeleteOldNews(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM news WHERE id IN (
			SELECT id FROM news WHERE publish_time < $1 LIMIT $2
		)`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old news: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted news: %w", err)
	}
	return n, nil
}

// DeleteOldPriceBars removes up to limit bars dated before the cutoff.
// Dates are ISO strings, so lexicographic comparison is chronological.
func (r *Repository) DeleteOldPriceBars(ctx context.Context, cutoffDate string, limit int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM stock_data WHERE id IN (
			SELECT id FROM stock_data WHERE date < $1 LIMIT $2
		)`, cutoffDate, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old price bars: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted price bars: %w", err)
	}
	return n, nil
}

// SaveRecordSet persists the normalized payload into the per-category tables
func (r *Repository) SaveRecordSet(ctx context.Context, set *models.DataRecordSet) error {
	if set == nil {
		return nil
	}

	if set.Info != nil {
		if err := r.saveStockInfo(ctx, set.Info); err != nil {
			return err
		}
	}
	if len(set.PriceBars) > 0 {
		if err := r.savePriceBars(ctx, set.Meta, set.PriceBars); err != nil {
			return err
		}
	}
	if set.Fundamentals != nil {
		if err := r.saveFundamentals(ctx, set.Fundamentals); err != nil {
			return err
		}
	}
	if len(set.News) > 0 {
		if err := r.saveNews(ctx, set.Meta, set.News); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) saveStockInfo(ctx context.Context, info *models.StockInfo) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO stock_info (symbol, name, market, industry, currency, list_date, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (symbol, market) DO UPDATE SET
			name = EXCLUDED.name,
			industry = EXCLUDED.industry,
			currency = EXCLUDED.currency,
			list_date = EXCLUDED.list_date,
			updated_at = NOW()`,
		info.Symbol, info.Name, string(info.Market), info.Industry, info.Currency, info.ListDate)
	if err != nil {
		return fmt.Errorf("failed to upsert stock info: %w", err)
	}
	return nil
}

func (r *Repository) savePriceBars(ctx context.Context, meta models.RecordMeta, bars []models.PriceBar) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO stock_data (symbol, market, date, open, high, low, close, volume, amount, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (symbol, market, date) DO UPDATE SET
			open = EXCLUDED.open,
			high = EXCLUDED.high,
			low = EXCLUDED.low,
			close = EXCLUDED.close,
			volume = EXCLUDED.volume,
			amount = EXCLUDED.amount,
			source = EXCLUDED.source`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	symbol := barsSymbol(meta)
	for _, bar := range bars {
		_, err = stmt.ExecContext(ctx,
			symbol, string(meta.Market), bar.Date,
			bar.Open, bar.High, bar.Low, bar.Close,
			bar.Volume, bar.Amount, string(meta.Source))
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert price bar: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	logger.Debug("💾 saved price bars",
		zap.String("symbol", symbol),
		zap.Int("count", len(bars)),
	)
	return nil
}

func (r *Repository) saveFundamentals(ctx context.Context, fund *models.Fundamentals) error {
	ratios, err := json.Marshal(fund.Ratios)
	if err != nil {
		return fmt.Errorf("failed to encode ratios: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO fundamentals (symbol, report_date, ratios, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (symbol, report_date) DO UPDATE SET
			ratios = EXCLUDED.ratios,
			updated_at = NOW()`,
		fund.Symbol, fund.ReportDate, ratios)
	if err != nil {
		return fmt.Errorf("failed to upsert fundamentals: %w", err)
	}
	return nil
}

func (r *Repository) saveNews(ctx context.Context, meta models.RecordMeta, items []models.NewsItem) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO news (symbol, title, content, publish_time, source, url, sentiment, market)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (symbol, title, publish_time) DO NOTHING`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, item := range items {
		_, err = stmt.ExecContext(ctx,
			meta.Symbol, item.Title, item.Content, item.PublishTime,
			item.Source, item.URL, item.Sentiment, string(meta.Market))
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert news item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveDailyReport stores one generated data-quality report
func (r *Repository) SaveDailyReport(ctx context.Context, date string, report []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO data_reports (report_date, report, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (report_date) DO UPDATE SET
			report = EXCLUDED.report,
			created_at = NOW()`,
		date, report)
	if err != nil {
		return fmt.Errorf("failed to save daily report: %w", err)
	}
	return nil
}

// CountCachedEntries returns current row count, used by the daily report
func (r *Repository) CountCachedEntries(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM cached_data`); err != nil {
		return 0, fmt.Errorf("failed to count cached entries: %w", err)
	}
	return n, nil
}

// CountCachedByCategory buckets cache rows by the category segment of the
// key (data:{market}:{symbol}:{category})
func (r *Repository) CountCachedByCategory(ctx context.Context) (map[string]int64, error) {
	rows, err := r.db.QueryxContext(ctx, `
		SELECT split_part(cache_key, ':', 4) AS category, COUNT(*)
		FROM cached_data GROUP BY 1`)
	if err != nil {
		return nil, fmt.Errorf("failed to count cached entries by category: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var category string
		var n int64
		if err := rows.Scan(&category, &n); err != nil {
			return nil, err
		}
		out[category] = n
	}
	return out, rows.Err()
}

// CountExpired returns how many cache rows are past their TTL
func (r *Repository) CountExpired(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM cached_data WHERE expires_at < $1`, now); err != nil {
		return 0, fmt.Errorf("failed to count expired entries: %w", err)
	}
	return n, nil
}

// barsSymbol keys rows on meta since individual bars carry only dates
func barsSymbol(meta models.RecordMeta) string {
	return meta.Symbol
}
