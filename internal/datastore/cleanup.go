package datastore

import (
	"context"
	"time"

	"go.uber.org/zap"

	redisadapter "github.com/selivandex/stock-agents/internal/adapters/redis"
	"github.com/selivandex/stock-agents/pkg/logger"
)

const (
	cleanupChunk   = 500
	cleanupLockTTL = 5 * time.Minute

	newsRetention     = 30 * 24 * time.Hour
	priceBarRetention = 365 * 24 * time.Hour
)

// cleanupStore is the slice of the repository the sweep needs
type cleanupStore interface {
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error)
	DeleteOldNews(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	DeleteOldPriceBars(ctx context.Context, cutoffDate string, limit int) (int64, error)
}

// CleanupSweep deletes expired cache rows and prunes aged news and price
// bars, all in chunks. A distributed lock keeps the sweep single-flight
// across instances; re-running it is harmless since deleted rows are simply
// gone on the second pass.
type CleanupSweep struct {
	repo  cleanupStore
	locks redisadapter.LockFactory
}

// NewCleanupSweep creates the sweep worker
func NewCleanupSweep(repo cleanupStore, locks redisadapter.LockFactory) *CleanupSweep {
	return &CleanupSweep{repo: repo, locks: locks}
}

func (c *CleanupSweep) Name() string { return "cache_cleanup_sweep" }

func (c *CleanupSweep) Run(ctx context.Context) error {
	lock := c.locks.JobLock(c.Name(), cleanupLockTTL)
	acquired, err := lock.TryAcquire(ctx)
	if err != nil {
		return err
	}
	if !acquired {
		logger.Debug("cleanup sweep already running elsewhere, skipping")
		return nil
	}
	defer lock.Release(ctx)

	now := time.Now()

	expired, err := c.drain(ctx, func(ctx context.Context, limit int) (int64, error) {
		return c.repo.DeleteExpired(ctx, now, limit)
	})
	if err != nil {
		return err
	}

	newsCutoff := now.Add(-newsRetention)
	news, err := c.drain(ctx, func(ctx context.Context, limit int) (int64, error) {
		return c.repo.DeleteOldNews(ctx, newsCutoff, limit)
	})
	if err != nil {
		return err
	}

	barCutoff := now.Add(-priceBarRetention).Format("2006-01-02")
	bars, err := c.drain(ctx, func(ctx context.Context, limit int) (int64, error) {
		return c.repo.DeleteOldPriceBars(ctx, barCutoff, limit)
	})
	if err != nil {
		return err
	}

	if expired+news+bars > 0 {
		logger.Info("🧹 Aged rows removed",
			zap.Int64("expired_cache", expired),
			zap.Int64("news", news),
			zap.Int64("price_bars", bars),
		)
	}
	return nil
}

// drain runs one chunked delete until it comes up short of a full chunk
func (c *CleanupSweep) drain(ctx context.Context, del func(ctx context.Context, limit int) (int64, error)) (int64, error) {
	var total int64
	for {
		n, err := del(ctx, cleanupChunk)
		if err != nil {
			return total, err
		}
		total += n
		if n < cleanupChunk {
			return total, nil
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}
