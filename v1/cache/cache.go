// Package cache provides the typed key/value cache front-end with
// cross-process invalidation. Reads go local layer first, then the
// adapter's shared cache, then the item's builder; invalidation messages
// announced by any process drop the local copy everywhere.
package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/SamJakob/brokerkit/v1/adapter"
	"github.com/SamJakob/brokerkit/v1/codec"
	"github.com/SamJakob/brokerkit/v1/duration"
	"github.com/SamJakob/brokerkit/v1/metrics"
)

// DefaultTTL applies when an item's ttl option is unset.
const DefaultTTL = 30 * time.Second

// Cache creates typed cache items sharing one adapter, codec and local
// hot layer.
type Cache struct {
	adapter adapter.Cache
	codec   codec.Codec
	local   *ristretto.Cache
	unsub   adapter.Release
}

// Option configures a Cache.
type Option func(*config)

type config struct {
	codec codec.Codec
	rcfg  *ristretto.Config
}

// WithCodec overrides the payload codec. The default is codec.JSON.
func WithCodec(c codec.Codec) Option {
	return func(cfg *config) {
		cfg.codec = c
	}
}

// WithRistretto applies a custom configuration for the local layer.
func WithRistretto(rcfg *ristretto.Config) Option {
	return func(cfg *config) {
		if rcfg != nil {
			cfg.rcfg = rcfg
		}
	}
}

// New returns a Cache over a. It subscribes to the adapter's invalidation
// stream immediately; Close releases the subscription and the local layer.
func New(ctx context.Context, a adapter.Cache, opts ...Option) (*Cache, error) {
	cfg := config{
		codec: codec.JSON(),
		rcfg: &ristretto.Config{
			NumCounters: 1e4,
			MaxCost:     1 << 24,
			BufferItems: 64,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	local, err := ristretto.NewCache(cfg.rcfg)
	if err != nil {
		return nil, err
	}
	c := &Cache{adapter: a, codec: cfg.codec, local: local}
	unsub, err := a.OnInvalidate(ctx, func(inv adapter.Invalidation) {
		c.local.Del(inv.Key)
	})
	if err != nil {
		local.Close()
		return nil, err
	}
	c.unsub = unsub.Once()
	return c, nil
}

// Close stops invalidation handling and releases the local layer.
func (c *Cache) Close(ctx context.Context) error {
	err := c.unsub(ctx)
	c.local.Close()
	return err
}

// Item binds a typed cache entry. The builder runs on a full miss; ttl
// accepts anything duration.Parse accepts and defaults to DefaultTTL when
// unset.
func Item[T any](c *Cache, key string, build func(ctx context.Context) (T, error), ttl duration.Value) (*CacheItem[T], error) {
	d, set, err := duration.Parse(ttl)
	if err != nil {
		return nil, err
	}
	if !set {
		d = DefaultTTL
	}
	return &CacheItem[T]{cache: c, key: key, build: build, ttl: d}, nil
}

// CacheItem is a typed view over one cache key.
type CacheItem[T any] struct {
	cache *Cache
	key   string
	build func(ctx context.Context) (T, error)
	ttl   time.Duration
}

// Key returns the cache key.
func (i *CacheItem[T]) Key() string { return i.key }

// TTL returns the resolved time-to-live for built values.
func (i *CacheItem[T]) TTL() time.Duration { return i.ttl }

// Get returns the cached value, fetching from the shared cache or running
// the builder as needed. Built values are written back to both layers.
func (i *CacheItem[T]) Get(ctx context.Context) (T, error) {
	if v, ok := i.cache.local.Get(i.key); ok {
		if typed, ok := v.(T); ok {
			metrics.CacheHitCounter.Inc()
			return typed, nil
		}
	}

	var value T
	payload, ok, err := i.cache.adapter.GetCache(ctx, i.key)
	if err != nil {
		return value, err
	}
	if ok {
		if err := i.cache.codec.Unmarshal(payload, &value); err != nil {
			return value, err
		}
		metrics.CacheHitCounter.Inc()
		i.cache.local.SetWithTTL(i.key, value, 1, i.ttl)
		i.cache.local.Wait()
		return value, nil
	}

	metrics.CacheMissCounter.Inc()
	value, err = i.build(ctx)
	if err != nil {
		return value, err
	}
	if err := i.Set(ctx, value); err != nil {
		return value, err
	}
	return value, nil
}

// Set writes value to the shared cache, announcing the change, and then
// refreshes the local copy.
func (i *CacheItem[T]) Set(ctx context.Context, value T) error {
	payload, err := i.cache.codec.Marshal(value)
	if err != nil {
		return err
	}
	if err := i.cache.adapter.SetCache(ctx, i.key, payload, i.ttl); err != nil {
		return err
	}
	i.cache.local.SetWithTTL(i.key, value, 1, i.ttl)
	i.cache.local.Wait()
	return nil
}

// Invalidate drops the entry everywhere: the shared cache, every
// subscribed process's local layer, and this one.
func (i *CacheItem[T]) Invalidate(ctx context.Context) error {
	if err := i.cache.adapter.Invalidate(ctx, i.key); err != nil {
		return err
	}
	i.cache.local.Del(i.key)
	return nil
}
