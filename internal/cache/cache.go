// Package cache provides Redis-backed caching of tenant configuration and
// a Redis sequencer for per-day alert numbering
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/savegress/complycore/pkg/models"
)

// Default TTLs for cached data
const (
	TTLRegionalConfig = 5 * time.Minute
	TTLSequence       = 48 * time.Hour
)

// ErrDisabled is returned by operations that need a live Redis connection
var ErrDisabled = errors.New("cache disabled")

// Cache provides Redis-based caching operations
type Cache struct {
	client    *redis.Client
	keyPrefix string
	enabled   bool
}

// Config holds cache configuration
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Enabled   bool
}

// New creates a new Cache instance
func New(cfg *Config) (*Cache, error) {
	if !cfg.Enabled {
		return &Cache{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "complycore"
	}

	return &Cache{
		client:    client,
		keyPrefix: prefix,
		enabled:   true,
	}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// IsEnabled returns whether caching is enabled
func (c *Cache) IsEnabled() bool {
	return c.enabled
}

func (c *Cache) key(parts ...string) string {
	key := c.keyPrefix
	for _, part := range parts {
		key += ":" + part
	}
	return key
}

// Get retrieves a JSON value from cache. A miss returns redis.Nil.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	if !c.enabled {
		return redis.Nil
	}

	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		return err
	}

	return json.Unmarshal(data, dest)
}

// Set stores a JSON value in cache with TTL
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !c.enabled {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, c.key(key), data, ttl).Err()
}

// Delete removes values from cache
func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if !c.enabled || len(keys) == 0 {
		return nil
	}

	fullKeys := make([]string, len(keys))
	for i, k := range keys {
		fullKeys[i] = c.key(k)
	}

	return c.client.Del(ctx, fullKeys...).Err()
}

// IsMiss reports whether err is a cache miss
func IsMiss(err error) bool {
	return errors.Is(err, redis.Nil)
}

// =============================================================================
// Tenant configuration
// =============================================================================

// GetRegionalConfig returns the cached regional config of a tenant
func (c *Cache) GetRegionalConfig(ctx context.Context, tenantID string) (*models.RegionalConfig, error) {
	rc := &models.RegionalConfig{}
	if err := c.Get(ctx, "regional:"+tenantID, rc); err != nil {
		return nil, err
	}
	return rc, nil
}

// SetRegionalConfig caches a tenant's regional config
func (c *Cache) SetRegionalConfig(ctx context.Context, tenantID string, rc *models.RegionalConfig) error {
	return c.Set(ctx, "regional:"+tenantID, rc, TTLRegionalConfig)
}

// InvalidateRegionalConfig drops a tenant's cached regional config
func (c *Cache) InvalidateRegionalConfig(ctx context.Context, tenantID string) error {
	return c.Delete(ctx, "regional:"+tenantID)
}

// =============================================================================
// Sequencer
// =============================================================================

// Next atomically increments the counter stored under key. Counters expire
// after TTLSequence since they only need to outlive their day.
func (c *Cache) Next(ctx context.Context, key string) (int64, error) {
	if !c.enabled {
		return 0, ErrDisabled
	}

	full := c.key("seq", key)
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, full)
	pipe.Expire(ctx, full, TTLSequence)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment sequence %s: %w", key, err)
	}
	return incr.Val(), nil
}
