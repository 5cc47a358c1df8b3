package cache

import (
	"testing"
	"time"

	"github.com/poimap/server/internal/poi"
)

func TestCountsCache(t *testing.T) {
	clock := newFakeClock()
	c, err := NewCountsCache(CountsConfig{TTL: 30 * time.Second, SizeMB: 1, Now: clock.Now})
	if err != nil {
		t.Fatalf("NewCountsCache: %v", err)
	}
	defer c.Close()

	key := CountsKey(testBounds, "approved")
	if _, ok := c.Get(key); ok {
		t.Fatal("expected miss")
	}

	want := poi.Counts{Total: 7, ByCategory: map[string]int{"cafe": 4, "museum": 3}}
	if err := c.Set(key, want); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok := c.Get(key)
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Total != 7 || got.ByCategory["cafe"] != 4 || got.ByCategory["museum"] != 3 {
		t.Fatalf("unexpected counts: %+v", got)
	}

	clock.Advance(30 * time.Second)
	if _, ok := c.Get(key); ok {
		t.Fatal("expected miss after TTL")
	}

	if err := c.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty cache after reset, got %d", c.Len())
	}
}

func TestCountsCacheRequiresTTL(t *testing.T) {
	if _, err := NewCountsCache(CountsConfig{}); err == nil {
		t.Fatal("expected error for zero TTL")
	}
}
