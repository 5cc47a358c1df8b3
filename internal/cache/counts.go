package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/goccy/go-json"

	"github.com/poimap/server/internal/poi"
)

// CountsConfig contains counts cache configuration.
type CountsConfig struct {
	TTL    time.Duration
	SizeMB int
	Now    func() time.Time
}

// CountsCache keeps viewport counts for a short TTL. Counts go stale quickly,
// so it is only built when a positive TTL is configured.
type CountsCache struct {
	store *bigcache.BigCache
	ttl   time.Duration
	now   func() time.Time
}

type countsEntry struct {
	Counts     poi.Counts `json:"counts"`
	InsertedAt time.Time  `json:"inserted_at"`
}

// NewCountsCache creates a counts cache.
func NewCountsCache(cfg CountsConfig) (*CountsCache, error) {
	if cfg.TTL <= 0 {
		return nil, errors.New("counts cache TTL must be positive")
	}
	if cfg.SizeMB <= 0 {
		cfg.SizeMB = 16
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	store, err := bigcache.New(context.Background(), bigcache.Config{
		Shards:             16,
		LifeWindow:         cfg.TTL,
		CleanWindow:        cfg.TTL,
		MaxEntriesInWindow: 1024,
		MaxEntrySize:       512,
		HardMaxCacheSize:   cfg.SizeMB,
		Verbose:            false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create counts cache: %w", err)
	}

	return &CountsCache{store: store, ttl: cfg.TTL, now: cfg.Now}, nil
}

// Get returns cached counts younger than the TTL.
func (c *CountsCache) Get(key string) (poi.Counts, bool) {
	data, err := c.store.Get(key)
	if err != nil {
		return poi.Counts{}, false
	}
	var e countsEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return poi.Counts{}, false
	}
	if c.now().Sub(e.InsertedAt) >= c.ttl {
		return poi.Counts{}, false
	}
	return e.Counts, true
}

// Set stores counts under key.
func (c *CountsCache) Set(key string, counts poi.Counts) error {
	data, err := json.Marshal(countsEntry{Counts: counts, InsertedAt: c.now()})
	if err != nil {
		return err
	}
	return c.store.Set(key, data)
}

// Reset drops every cached count.
func (c *CountsCache) Reset() error {
	return c.store.Reset()
}

// Len returns the number of stored entries.
func (c *CountsCache) Len() int {
	return c.store.Len()
}

// Close releases the cache.
func (c *CountsCache) Close() error {
	return c.store.Close()
}
