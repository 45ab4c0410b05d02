package geo

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultCacheTTL      = 24 * time.Hour
	redisCacheKeyPrefix  = "ipguard:geo:"
	memoryCacheSweepSize = 1024
)

// Cache stores locations per address with a time-to-live.
type Cache interface {
	Get(ctx context.Context, ip string) (Location, bool, error)
	Set(ctx context.Context, ip string, loc Location, ttl time.Duration) error
}

type memoryCacheEntry struct {
	loc     Location
	expires time.Time
}

// MemoryCache is a process-local Cache. Expired entries are dropped lazily
// on read and in bulk once the map grows past a threshold.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryCacheEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryCacheEntry),
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, ip string) (Location, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[ip]
	if !ok {
		return Location{}, false, nil
	}
	if !c.now().Before(entry.expires) {
		delete(c.entries, ip)
		return Location{}, false, nil
	}
	return entry.loc, true, nil
}

func (c *MemoryCache) Set(_ context.Context, ip string, loc Location, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if len(c.entries) >= memoryCacheSweepSize {
		for key, entry := range c.entries {
			if !now.Before(entry.expires) {
				delete(c.entries, key)
			}
		}
	}
	c.entries[ip] = memoryCacheEntry{loc: loc, expires: now.Add(ttl)}
	return nil
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// RedisCache shares geolocation results between instances.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, ip string) (Location, bool, error) {
	raw, err := c.client.Get(ctx, redisCacheKey(ip)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Location{}, false, nil
		}
		return Location{}, false, err
	}

	var loc Location
	if err := json.Unmarshal(raw, &loc); err != nil {
		return Location{}, false, err
	}
	return loc, true, nil
}

func (c *RedisCache) Set(ctx context.Context, ip string, loc Location, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, redisCacheKey(ip), payload, ttl).Err()
}

func redisCacheKey(ip string) string {
	return redisCacheKeyPrefix + ip
}
