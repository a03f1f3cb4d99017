// Package cache implements the read-through photo cache that sits between
// the public gateway and the store machines. Entries never expire and are
// only removed when a photo is deleted.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrNotCached is returned by Backend.Get when the photo has no entry.
var ErrNotCached = errors.New("photo not cached")

// Backend is the storage behind a cache shard. Implementations must be
// safe for concurrent use.
type Backend interface {
	Get(ctx context.Context, photoID uint64) ([]byte, error)
	Set(ctx context.Context, photoID uint64, data []byte) error
	Delete(ctx context.Context, photoID uint64) error
	Close() error
}

// MemoryBackend keeps entries in process memory. It is the default backend
// and the one used throughout the tests.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[uint64][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[uint64][]byte)}
}

func (m *MemoryBackend) Get(_ context.Context, photoID uint64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.entries[photoID]
	if !ok {
		return nil, ErrNotCached
	}
	return data, nil
}

func (m *MemoryBackend) Set(_ context.Context, photoID uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[photoID] = data
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, photoID uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, photoID)
	return nil
}

func (m *MemoryBackend) Close() error { return nil }

// Len reports the number of cached entries.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// RedisBackend stores entries in a Redis instance so a cache shard can be
// restarted without losing its working set. Keys are written without TTL.
type RedisBackend struct {
	rdb *redis.Client
}

func NewRedisBackend(addr, password string, db int) *RedisBackend {
	return &RedisBackend{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func redisKey(photoID uint64) string {
	return "photo:" + strconv.FormatUint(photoID, 10)
}

func (r *RedisBackend) Get(ctx context.Context, photoID uint64) ([]byte, error) {
	data, err := r.rdb.Get(ctx, redisKey(photoID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotCached
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

func (r *RedisBackend) Set(ctx context.Context, photoID uint64, data []byte) error {
	if err := r.rdb.Set(ctx, redisKey(photoID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, photoID uint64) error {
	if err := r.rdb.Del(ctx, redisKey(photoID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (r *RedisBackend) Close() error { return r.rdb.Close() }

// Cache is one shard of the cache tier. Reads fill from the owning store
// machine on miss; there is no eviction policy.
type Cache struct {
	backend Backend
	logger  zerolog.Logger
	metrics *Metrics
}

func New(backend Backend) *Cache {
	return &Cache{
		backend: backend,
		logger:  log.With().Str("component", "cache").Logger(),
		metrics: InitMetrics(nil),
	}
}

// Get returns the cached payload for photoID, or ErrNotCached.
func (c *Cache) Get(ctx context.Context, photoID uint64) ([]byte, error) {
	data, err := c.backend.Get(ctx, photoID)
	if errors.Is(err, ErrNotCached) {
		c.metrics.Misses.Inc()
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	c.metrics.Hits.Inc()
	return data, nil
}

// Fill stores a payload fetched from a store machine.
func (c *Cache) Fill(ctx context.Context, photoID uint64, data []byte) error {
	if err := c.backend.Set(ctx, photoID, data); err != nil {
		return err
	}
	c.metrics.Fills.Inc()
	c.logger.Debug().Uint64("photo_id", photoID).Int("bytes", len(data)).Msg("photo cached")
	return nil
}

// Invalidate drops the entry for photoID. Dropping an absent entry is not
// an error.
func (c *Cache) Invalidate(ctx context.Context, photoID uint64) error {
	if err := c.backend.Delete(ctx, photoID); err != nil {
		return err
	}
	c.metrics.Invalidations.Inc()
	c.logger.Debug().Uint64("photo_id", photoID).Msg("photo evicted")
	return nil
}

// Close releases the backend.
func (c *Cache) Close() error { return c.backend.Close() }
