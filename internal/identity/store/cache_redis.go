package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"idlookup/internal/identity/models"
	"idlookup/pkg/platform/sentinel"
)

const (
	// Redis key prefix for identity lookup results
	lookupKeyPrefix = "idlookup:"
	generationKey   = lookupKeyPrefix + "gen"
)

// RedisCache caches projected lookup results. Entries are namespaced by a
// generation counter; every record write bumps the counter so older entries
// become unreachable and age out through their TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache constructs a Redis-backed lookup cache.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Generation returns the current cache generation (0 before the first write).
func (c *RedisCache) Generation(ctx context.Context) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cache generation: %w", err)
	}
	return gen, nil
}

// Get returns cached references or sentinel.ErrCacheMiss.
func (c *RedisCache) Get(ctx context.Context, generation int64, key string) ([]models.UTXOReference, error) {
	raw, err := c.client.Get(ctx, entryKey(generation, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("read cached lookup: %w", err)
	}
	var refs []models.UTXOReference
	if err := json.Unmarshal(raw, &refs); err != nil {
		return nil, fmt.Errorf("unmarshal cached lookup: %w", err)
	}
	return refs, nil
}

// Set stores refs under the generation observed before the query ran.
func (c *RedisCache) Set(ctx context.Context, generation int64, key string, refs []models.UTXOReference) error {
	raw, err := json.Marshal(refs)
	if err != nil {
		return fmt.Errorf("marshal lookup: %w", err)
	}
	if err := c.client.Set(ctx, entryKey(generation, key), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("write cached lookup: %w", err)
	}
	return nil
}

// Invalidate retires every cached lookup by advancing the generation.
func (c *RedisCache) Invalidate(ctx context.Context) error {
	if err := c.client.Incr(ctx, generationKey).Err(); err != nil {
		return fmt.Errorf("advance cache generation: %w", err)
	}
	return nil
}

func entryKey(generation int64, key string) string {
	sum := sha256.Sum256([]byte(key))
	return lookupKeyPrefix + "q:" + strconv.FormatInt(generation, 10) + ":" + hex.EncodeToString(sum[:])
}
