package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/mortgage-refi-engine/internal/model"
	"github.com/yourorg/mortgage-refi-engine/internal/ratehistory"
)

// SharedCache is a cache shared between service instances
type SharedCache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// RedisCache is a SharedCache backed by Redis
type RedisCache struct {
	client *redis.Client
	prefix string
}

// NewRedisCache connects to the Redis server at addr
func NewRedisCache(addr string) *RedisCache {
	return NewRedisCacheFromClient(redis.NewClient(&redis.Options{
		Addr: addr,
	}))
}

// NewRedisCacheFromClient wraps an existing client
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "ratehistory:"}
}

// Get returns the cached value for key
func (r *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Set stores value under key for ttl; a zero ttl never expires
func (r *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+key, value, ttl).Err()
}

// Ping checks connectivity
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client
func (r *RedisCache) Close() error {
	return r.client.Close()
}

type cacheEntry struct {
	point  model.RatePoint
	expiry time.Time
}

// CachedLookup answers lookups from an in-process LRU, then an optional shared
// cache, then the wrapped lookup. Only found observations are cached.
type CachedLookup struct {
	next   ratehistory.Lookup
	local  *lru.Cache[string, cacheEntry]
	shared SharedCache
	ttl    time.Duration
	mutex  sync.Mutex
	now    func() time.Time
}

// NewCachedLookup wraps next with an LRU of the given size. A size of zero
// or less uses 1024 entries.
func NewCachedLookup(next ratehistory.Lookup, size int, ttl time.Duration) (*CachedLookup, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create lookup cache: %w", err)
	}
	return &CachedLookup{
		next:  next,
		local: cache,
		ttl:   ttl,
		now:   time.Now,
	}, nil
}

// WithShared adds a shared cache tier
func (c *CachedLookup) WithShared(shared SharedCache) *CachedLookup {
	c.shared = shared
	return c
}

func cacheKey(index string, date civil.Date) string {
	return index + "|" + date.String()
}

// LatestAtOrBefore implements ratehistory.Lookup
func (c *CachedLookup) LatestAtOrBefore(ctx context.Context, index string, date civil.Date) (model.RatePoint, bool, error) {
	key := cacheKey(index, date)

	if point, ok := c.getLocal(key); ok {
		return point, true, nil
	}

	if c.shared != nil {
		if point, ok := c.getShared(ctx, key); ok {
			c.setLocal(key, point)
			return point, true, nil
		}
	}

	point, found, err := c.next.LatestAtOrBefore(ctx, index, date)
	if err != nil || !found {
		return point, found, err
	}

	c.setLocal(key, point)
	if c.shared != nil {
		c.setShared(ctx, key, point)
	}
	return point, true, nil
}

func (c *CachedLookup) getLocal(key string) (model.RatePoint, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, ok := c.local.Get(key)
	if !ok {
		return model.RatePoint{}, false
	}
	if c.ttl > 0 && c.now().After(entry.expiry) {
		c.local.Remove(key)
		return model.RatePoint{}, false
	}
	return entry.point, true
}

func (c *CachedLookup) setLocal(key string, point model.RatePoint) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.local.Add(key, cacheEntry{point: point, expiry: c.now().Add(c.ttl)})
}

// Shared cache failures only cost a cache miss
func (c *CachedLookup) getShared(ctx context.Context, key string) (model.RatePoint, bool) {
	raw, ok, err := c.shared.Get(ctx, key)
	if err != nil {
		logrus.WithError(err).WithField("key", key).Debug("Shared rate cache read failed")
		return model.RatePoint{}, false
	}
	if !ok {
		return model.RatePoint{}, false
	}

	var point model.RatePoint
	if err := json.Unmarshal([]byte(raw), &point); err != nil {
		logrus.WithError(err).WithField("key", key).Warn("Discarding malformed shared cache entry")
		return model.RatePoint{}, false
	}
	return point, true
}

func (c *CachedLookup) setShared(ctx context.Context, key string, point model.RatePoint) {
	data, err := json.Marshal(point)
	if err != nil {
		return
	}
	if err := c.shared.Set(ctx, key, string(data), c.ttl); err != nil {
		logrus.WithError(err).WithField("key", key).Debug("Shared rate cache write failed")
	}
}

// Len returns the number of entries in the in-process tier
func (c *CachedLookup) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.local.Len()
}
