package datastore

import (
	"context"
	"testing"
	"time"

	redisadapter "github.com/selivandex/stock-agents/internal/adapters/redis"
)

type fakeCleanupStore struct {
	expiredBatches []int64
	newsBatches    []int64
	barBatches     []int64

	newsCutoff time.Time
	barCutoff  string
}

func (f *fakeCleanupStore) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	return pop(&f.expiredBatches), nil
}

func (f *fakeCleanupStore) DeleteOldNews(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	f.newsCutoff = cutoff
	return pop(&f.newsBatches), nil
}

func (f *fakeCleanupStore) DeleteOldPriceBars(ctx context.Context, cutoffDate string, limit int) (int64, error) {
	f.barCutoff = cutoffDate
	return pop(&f.barBatches), nil
}

func pop(batches *[]int64) int64 {
	if len(*batches) == 0 {
		return 0
	}
	n := (*batches)[0]
	*batches = (*batches)[1:]
	return n
}

func TestCleanupSweepPrunesAllAgedTables(t *testing.T) {
	store := &fakeCleanupStore{
		expiredBatches: []int64{cleanupChunk, 12},
		newsBatches:    []int64{3},
		barBatches:     []int64{cleanupChunk, cleanupChunk, 7},
	}
	sweep := NewCleanupSweep(store, redisadapter.NewNoopLockFactory())

	if err := sweep.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(store.expiredBatches) != 0 {
		t.Errorf("expired chunks not drained, %d left", len(store.expiredBatches))
	}
	if len(store.barBatches) != 0 {
		t.Errorf("price bar chunks not drained, %d left", len(store.barBatches))
	}

	newsAge := time.Since(store.newsCutoff)
	if newsAge < 29*24*time.Hour || newsAge > 31*24*time.Hour {
		t.Errorf("news cutoff %v, want about 30 days back", store.newsCutoff)
	}

	wantBarCutoff := time.Now().Add(-priceBarRetention).Format("2006-01-02")
	if store.barCutoff != wantBarCutoff {
		t.Errorf("price bar cutoff = %q, want %q", store.barCutoff, wantBarCutoff)
	}
}
