package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poimap/server/internal/poi"
	"github.com/poimap/server/internal/store"
)

// fakeStore counts calls and records the queries it receives.
type fakeStore struct {
	mu      sync.Mutex
	records []poi.Record
	err     error
	queries []store.RecordQuery
	total   int
	byCat   map[string]int
	release chan struct{}
	entered chan struct{}

	recordCalls atomic.Int32
	countCalls  atomic.Int32
}

func (f *fakeStore) QueryRecords(ctx context.Context, q store.RecordQuery) ([]poi.Record, error) {
	f.recordCalls.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]poi.Record, len(f.records))
	copy(out, f.records)
	return out, nil
}

func (f *fakeStore) CountRecords(ctx context.Context, q store.CountQuery) (int, error) {
	f.countCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return f.total, nil
}

func (f *fakeStore) CountByCategory(ctx context.Context, q store.CountQuery) (map[string]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]int, len(f.byCat))
	for k, v := range f.byCat {
		out[k] = v
	}
	return out, nil
}

func (f *fakeStore) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeStore) recordedQueries() []store.RecordQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.RecordQuery, len(f.queries))
	copy(out, f.queries)
	return out
}

// byVotes returns n records sorted by net votes, highest first.
func byVotes(n int) []poi.Record {
	out := make([]poi.Record, n)
	for i := range out {
		out[i] = poi.Record{
			ID:     fmt.Sprintf("poi-%03d", i),
			Title:  fmt.Sprintf("POI %d", i),
			Lat:    5,
			Lon:    5,
			VoteUp: n - i,
			Status: poi.DefaultStatus,
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
