package datastore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	redisadapter "github.com/selivandex/stock-agents/internal/adapters/redis"
	"github.com/selivandex/stock-agents/pkg/models"
)

// RedisHotTier stores cached entries as JSON values with a Redis TTL that
// mirrors the entry's expiry, so the hot tier self-evicts.
type RedisHotTier struct {
	client *redisadapter.Client
}

// NewRedisHotTier wraps the shared Redis client
func NewRedisHotTier(client *redisadapter.Client) *RedisHotTier {
	return &RedisHotTier{client: client}
}

func (t *RedisHotTier) GetEntry(ctx context.Context, key string) (*models.CachedEntry, error) {
	raw, err := t.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read hot entry: %w", err)
	}

	var entry models.CachedEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// Corrupt value, treat as a miss and let the refresh overwrite it
		return nil, nil
	}
	return &entry, nil
}

func (t *RedisHotTier) SetEntry(ctx context.Context, key string, entry *models.CachedEntry, ttl time.Duration) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode hot entry: %w", err)
	}
	if err := t.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write hot entry: %w", err)
	}
	return nil
}

func (t *RedisHotTier) DeleteEntry(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to delete hot entry: %w", err)
	}
	return nil
}
