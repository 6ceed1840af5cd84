package datastore

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/selivandex/stock-agents/pkg/logger"
	"github.com/selivandex/stock-agents/pkg/models"
)

// SchemaVersion marks the cached payload layout. Entries written by an
// older layout are treated as misses instead of being decoded wrong.
const SchemaVersion = 1

// HotTier is the Redis-shaped cache; a miss returns (nil, nil)
type HotTier interface {
	GetEntry(ctx context.Context, key string) (*models.CachedEntry, error)
	SetEntry(ctx context.Context, key string, entry *models.CachedEntry, ttl time.Duration) error
	DeleteEntry(ctx context.Context, key string) error
}

// DurableTier is the Postgres-shaped cache; a miss returns (nil, nil)
type DurableTier interface {
	GetEntry(ctx context.Context, key string) (*models.CachedEntry, error)
	PutEntry(ctx context.Context, key string, entry *models.CachedEntry) error
	SaveRecordSet(ctx context.Context, set *models.DataRecordSet) error
}

// Fetcher resolves a cache miss from the upstream federation
type Fetcher interface {
	Fetch(ctx context.Context, query *models.DataQuery) (*models.DataRecordSet, error)
}

// Store is the tiered read path: hot tier, durable tier, then upstream.
// Concurrent misses on the same key collapse into one upstream fetch.
type Store struct {
	hot     HotTier
	durable DurableTier
	fetcher Fetcher
	group   singleflight.Group
}

// NewStore creates the tiered store. The hot tier may be nil when Redis is
// not deployed; reads then go straight to the durable tier.
func NewStore(hot HotTier, durable DurableTier, fetcher Fetcher) *Store {
	return &Store{hot: hot, durable: durable, fetcher: fetcher}
}

// CacheKey builds the canonical key for a query
func CacheKey(query *models.DataQuery) string {
	return fmt.Sprintf("data:%s:%s:%s", query.Market, query.Symbol, query.Category)
}

// Get returns data for the query, consulting tiers in order. Stale durable
// entries are served only when the upstream fetch fails, with provenance
// intact so callers can see the data's age.
func (s *Store) Get(ctx context.Context, query *models.DataQuery) (*models.CachedEntry, error) {
	key := CacheKey(query)
	now := time.Now()

	if s.hot != nil {
		entry, err := s.hot.GetEntry(ctx, key)
		if err != nil {
			logger.Warn("hot tier read failed, falling through",
				zap.String("key", key),
				zap.Error(err),
			)
		} else if usable(entry, now) {
			return entry, nil
		}
	}

	durableEntry, err := s.durable.GetEntry(ctx, key)
	if err != nil {
		logger.Warn("durable tier read failed, falling through",
			zap.String("key", key),
			zap.Error(err),
		)
		durableEntry = nil
	}
	if usable(durableEntry, now) {
		s.backfillHot(ctx, key, durableEntry)
		return durableEntry, nil
	}

	entry, err := s.refresh(ctx, key, query)
	if err != nil {
		// A stale durable entry beats an outright failure
		if durableEntry != nil && durableEntry.SchemaVersion == SchemaVersion {
			logger.Warn("serving stale entry, upstream fetch failed",
				zap.String("key", key),
				zap.Time("fetched_at", durableEntry.FetchedAt),
				zap.Error(err),
			)
			return durableEntry, nil
		}
		return nil, err
	}
	return entry, nil
}

// ForceRefresh bypasses both tiers and overwrites them with a fresh fetch
func (s *Store) ForceRefresh(ctx context.Context, query *models.DataQuery) (*models.CachedEntry, error) {
	return s.refresh(ctx, CacheKey(query), query)
}

// Invalidate drops the key from both tiers
func (s *Store) Invalidate(ctx context.Context, query *models.DataQuery) error {
	key := CacheKey(query)
	if s.hot != nil {
		if err := s.hot.DeleteEntry(ctx, key); err != nil {
			logger.Warn("hot tier invalidate failed",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}
	if deleter, ok := s.durable.(interface {
		DeleteEntry(ctx context.Context, key string) error
	}); ok {
		return deleter.DeleteEntry(ctx, key)
	}
	return nil
}

// refresh fetches upstream and writes both tiers. singleflight keys on the
// cache key so a thundering herd costs one provider call.
func (s *Store) refresh(ctx context.Context, key string, query *models.DataQuery) (*models.CachedEntry, error) {
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		set, err := s.fetcher.Fetch(ctx, query)
		if err != nil {
			return nil, err
		}

		now := time.Now()
		entry := &models.CachedEntry{
			Payload:       set,
			Source:        set.Meta.Source,
			FetchedAt:     now,
			ExpiresAt:     now.Add(models.CategoryTTL(query.Category)),
			SchemaVersion: SchemaVersion,
		}

		// Durable write failures surface; losing the hot tier only costs speed
		if err := s.durable.PutEntry(ctx, key, entry); err != nil {
			return nil, err
		}
		if err := s.durable.SaveRecordSet(ctx, set); err != nil {
			logger.Warn("normalized persist failed",
				zap.String("key", key),
				zap.Error(err),
			)
		}
		s.backfillHot(ctx, key, entry)

		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.CachedEntry), nil
}

func (s *Store) backfillHot(ctx context.Context, key string, entry *models.CachedEntry) {
	if s.hot == nil {
		return
	}
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return
	}
	if err := s.hot.SetEntry(ctx, key, entry, ttl); err != nil {
		logger.Warn("hot tier write failed",
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

func usable(entry *models.CachedEntry, now time.Time) bool {
	return entry != nil && entry.SchemaVersion == SchemaVersion && entry.Fresh(now)
}
