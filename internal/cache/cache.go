// Package cache provides caching for viewport query results and counts.
package cache

import (
	"fmt"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/poimap/server/internal/geo"
	"github.com/poimap/server/internal/poi"
)

const (
	DefaultTTL        = 5 * time.Minute
	DefaultMaxEntries = 50
)

// EvictReason says why entries left the cache.
type EvictReason string

const (
	EvictExpired  EvictReason = "expired"
	EvictCapacity EvictReason = "capacity"
)

// Config contains viewport cache configuration.
type Config struct {
	TTL        time.Duration
	MaxEntries int

	// Now overrides the clock, for tests.
	Now func() time.Time
	// OnEvict is called with the number of entries removed by a Put cleanup.
	OnEvict func(reason EvictReason, n int)
}

// Entry is an immutable cached query result.
type Entry struct {
	Records    []poi.Record
	Bounds     geo.Bounds
	InsertedAt time.Time
}

// Stats describes the current cache contents.
type Stats struct {
	Entries          int   `json:"entries"`
	TotalRecords     int   `json:"total_records"`
	OldestEntryAgeMs int64 `json:"oldest_entry_age_ms"`
}

// ViewportCache is a TTL- and capacity-bounded store of viewport results.
//
// Reads use Peek, so lookups never reorder entries and capacity eviction always
// drops the oldest-inserted entry. Put and Clear are serialised by mu; Get does
// not take mu and only ever sees fully built entries.
type ViewportCache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *Entry]
	ttl     time.Duration
	now     func() time.Time
	onEvict func(reason EvictReason, n int)
}

// NewViewportCache creates a viewport cache.
func NewViewportCache(cfg Config) (*ViewportCache, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	entries, err := lru.New[string, *Entry](cfg.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create viewport cache: %w", err)
	}

	return &ViewportCache{
		entries: entries,
		ttl:     cfg.TTL,
		now:     cfg.Now,
		onEvict: cfg.OnEvict,
	}, nil
}

// Get returns the entry for key if present and younger than the TTL.
// The returned entry must not be modified.
func (c *ViewportCache) Get(key string) (*Entry, bool) {
	e, ok := c.entries.Peek(key)
	if !ok || !c.fresh(e, c.now()) {
		return nil, false
	}
	return e, true
}

// Put stores records for key, replacing any previous entry wholesale.
// Expired entries are purged first; the oldest-inserted entries are then
// dropped while the cache would exceed its capacity.
func (c *ViewportCache) Put(key string, records []poi.Record, bounds geo.Bounds) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if n := c.removeExpiredLocked(now); n > 0 {
		c.evicted(EvictExpired, n)
	}

	// Re-adding must refresh the insertion position, so drop the old entry first.
	c.entries.Remove(key)

	entry := &Entry{
		Records:    slices.Clone(records),
		Bounds:     bounds,
		InsertedAt: now,
	}
	if c.entries.Add(key, entry) {
		c.evicted(EvictCapacity, 1)
	}
}

// Clear removes every entry.
func (c *ViewportCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Purge()
}

// Len returns the number of stored entries, expired or not.
func (c *ViewportCache) Len() int {
	return c.entries.Len()
}

// Stats returns a snapshot of the cache.
func (c *ViewportCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var st Stats
	for i, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		st.Entries++
		st.TotalRecords += len(e.Records)
		if i == 0 {
			st.OldestEntryAgeMs = now.Sub(e.InsertedAt).Milliseconds()
		}
	}
	return st
}

func (c *ViewportCache) fresh(e *Entry, now time.Time) bool {
	return now.Sub(e.InsertedAt) < c.ttl
}

// removeExpiredLocked walks keys oldest first and stops at the first fresh entry.
func (c *ViewportCache) removeExpiredLocked(now time.Time) int {
	removed := 0
	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		if c.fresh(e, now) {
			break
		}
		c.entries.Remove(key)
		removed++
	}
	return removed
}

func (c *ViewportCache) evicted(reason EvictReason, n int) {
	if c.onEvict != nil {
		c.onEvict(reason, n)
	}
}
