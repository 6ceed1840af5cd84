package sources

import (
	"context"
	"time"

	"github.com/selivandex/stock-agents/pkg/models"
)

// Source is a single external market-data provider. Adapters normalize
// provider shapes into models.DataRecordSet and stamp provenance on every
// result. Per-source health state lives in the federation, not here.
type Source interface {
	// Tag returns the source identity
	Tag() models.SourceTag

	// Supports reports whether this source can serve a (market, category) pair
	Supports(market models.Market, category models.DataCategory) bool

	// RateLimitPerMinute returns the provider's per-minute request cap
	RateLimitPerMinute() int

	// Timeout returns the per-call timeout for this provider
	Timeout() time.Duration

	// Fetch retrieves and normalizes one category of data
	Fetch(ctx context.Context, query *models.DataQuery) (*models.DataRecordSet, error)

	// HealthCheck is a cheap probe; it must not burn paid quota
	HealthCheck(ctx context.Context) error

	// IsEnabled returns whether credentials are present and the adapter is usable
	IsEnabled() bool
}

func supports(markets []models.Market, categories []models.DataCategory, market models.Market, category models.DataCategory) bool {
	foundMarket := false
	for _, m := range markets {
		if m == market {
			foundMarket = true
			break
		}
	}
	if !foundMarket {
		return false
	}
	for _, c := range categories {
		if c == category {
			return true
		}
	}
	return false
}

func stamp(tag models.SourceTag, query *models.DataQuery) models.RecordMeta {
	return models.RecordMeta{
		Source:    tag,
		Symbol:    query.Symbol,
		Market:    query.Market,
		Category:  query.Category,
		FetchedAt: time.Now(),
	}
}
