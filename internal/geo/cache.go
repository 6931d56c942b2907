package geo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/oicur0t/loglens/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Cache lookup results, used as metric labels
const (
	lookupHitLocal  = "hit_local"
	lookupHitShared = "hit_shared"
	lookupMiss      = "miss"
)

// resolveTimeout bounds a shared resolution, which outlives any single caller
const resolveTimeout = 30 * time.Second

// cacheEntry remembers failed lookups too, so unresolvable addresses are not retried until TTL
type cacheEntry struct {
	Location Location `json:"location"`
	Found    bool     `json:"found"`
}

// Cache is the process-wide geolocation cache.
//
// It is created at startup and owned by the service; entries leave only by
// size or TTL eviction. An optional SharedStore adds a second tier shared
// between replicas. Concurrent lookups of one address share a single resolution.
type Cache struct {
	local     *expirable.LRU[string, cacheEntry]
	shared    SharedStore
	keyPrefix string
	ttl       time.Duration
	group     singleflight.Group
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewCache creates a cache bounded to size entries; shared may be nil
func NewCache(size int, ttl time.Duration, shared SharedStore, keyPrefix string, m *metrics.Metrics, logger *zap.Logger) *Cache {
	return &Cache{
		local:     expirable.NewLRU[string, cacheEntry](size, nil, ttl),
		shared:    shared,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		metrics:   m,
		logger:    logger,
	}
}

// Lookup returns the cached location for key or calls resolve once per key across
// concurrent callers. ErrUnresolvable answers are cached; other errors are not.
//
// The shared resolution runs detached from the caller that started it, so one
// caller's cancellation or deadline only stops that caller from waiting.
func (c *Cache) Lookup(ctx context.Context, key string, resolve func(ctx context.Context) (Location, error)) (Location, error) {
	if entry, ok := c.local.Get(key); ok {
		c.observe(lookupHitLocal)
		return entry.result()
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()

		if entry, ok := c.getShared(ctx, key); ok {
			c.observe(lookupHitShared)
			c.local.Add(key, entry)
			return entry, nil
		}

		c.observe(lookupMiss)
		loc, err := resolve(ctx)
		switch {
		case err == nil:
			entry := cacheEntry{Location: loc, Found: true}
			c.store(ctx, key, entry)
			return entry, nil
		case errors.Is(err, ErrUnresolvable):
			entry := cacheEntry{}
			c.store(ctx, key, entry)
			return entry, nil
		default:
			return nil, err
		}
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Location{}, res.Err
		}
		return res.Val.(cacheEntry).result()
	case <-ctx.Done():
		return Location{}, ctx.Err()
	}
}

// Len returns the number of entries in the local tier
func (c *Cache) Len() int {
	return c.local.Len()
}

// Close releases the shared tier
func (c *Cache) Close() error {
	if c.shared == nil {
		return nil
	}
	return c.shared.Close()
}

func (e cacheEntry) result() (Location, error) {
	if !e.Found {
		return Location{}, ErrUnresolvable
	}
	return e.Location, nil
}

func (c *Cache) store(ctx context.Context, key string, entry cacheEntry) {
	c.local.Add(key, entry)
	if c.shared == nil {
		return
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.shared.Set(ctx, c.keyPrefix+key, data, c.ttl); err != nil {
		c.logger.Debug("Failed to write shared geo cache", zap.Error(err))
	}
}

func (c *Cache) getShared(ctx context.Context, key string) (cacheEntry, bool) {
	if c.shared == nil {
		return cacheEntry{}, false
	}

	data, err := c.shared.Get(ctx, c.keyPrefix+key)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			c.logger.Debug("Failed to read shared geo cache", zap.Error(err))
		}
		return cacheEntry{}, false
	}

	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return cacheEntry{}, false
	}
	return entry, true
}

func (c *Cache) observe(result string) {
	if c.metrics != nil {
		c.metrics.Geo.CacheLookups.WithLabelValues(result).Inc()
	}
}
