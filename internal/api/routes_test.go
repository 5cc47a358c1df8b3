package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/poimap/server/internal/cache"
	"github.com/poimap/server/internal/poi"
	"github.com/poimap/server/internal/service"
	"github.com/poimap/server/internal/store"
)

func newTestService(t *testing.T, datasetID string, recs []poi.Record) *service.ViewportService {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(store.Config{Driver: store.DriverSQLite, DSN: filepath.Join(t.TempDir(), datasetID+".sqlite")})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if err := st.InsertCategories(ctx, []poi.Category{
		{ID: "c1", Slug: "cafe", Name: "Cafe"},
		{ID: "c2", Slug: "museum", Name: "Museum"},
	}); err != nil {
		t.Fatalf("InsertCategories: %v", err)
	}
	if len(recs) > 0 {
		if err := st.InsertRecords(ctx, recs); err != nil {
			t.Fatalf("InsertRecords: %v", err)
		}
	}

	svc, err := service.NewViewportService(service.ViewportServiceConfig{
		DatasetID: datasetID,
		Store:     st,
		Cache:     cache.Config{TTL: time.Minute, MaxEntries: 10},
	})
	if err != nil {
		t.Fatalf("NewViewportService: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func testRecords() []poi.Record {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return []poi.Record{
		{ID: "a", Title: "Alpha", Lat: 1, Lon: 1, VoteUp: 10, CategoryID: "c1", Status: "approved", CreatedAt: base},
		{ID: "b", Title: "Bravo", Lat: 2, Lon: 2, VoteUp: 4, CategoryID: "c1", Status: "approved", CreatedAt: base.Add(time.Hour)},
		{ID: "c", Title: "Charlie", Lat: 3, Lon: 3, VoteUp: 6, CategoryID: "c2", Status: "approved", CreatedAt: base.Add(2 * time.Hour)},
		{ID: "d", Title: "Delta", Lat: 4, Lon: 4, VoteUp: 90, CategoryID: "c2", Status: "pending", CreatedAt: base},
		{ID: "e", Title: "Echo", Lat: 40, Lon: 40, VoteUp: 99, CategoryID: "c1", Status: "approved", CreatedAt: base},
	}
}

func newTestRouter(t *testing.T) (http.Handler, *DatasetRegistry) {
	t.Helper()
	reg := NewDatasetRegistry("")
	reg.Register(DatasetInfo{ID: "main", Name: "Main City"}, newTestService(t, "main", testRecords()))
	reg.Register(DatasetInfo{ID: "other"}, newTestService(t, "other", nil))
	return NewRouter(RouterConfig{Registry: reg}), reg
}

func doRequest(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

const box = "north=10&south=0&east=10&west=0"

func TestHealth(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := doRequest(t, h, http.MethodGet, "/health")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("unexpected health response: %d %q", rec.Code, rec.Body.String())
	}
}

func TestDatasets(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := doRequest(t, h, http.MethodGet, "/api/datasets")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body struct {
		Default  string        `json:"default"`
		Datasets []DatasetInfo `json:"datasets"`
		Title    string        `json:"title"`
	}
	decode(t, rec, &body)
	if body.Default != "main" {
		t.Errorf("expected default 'main', got %q", body.Default)
	}
	want := []DatasetInfo{{ID: "main", Name: "Main City"}, {ID: "other", Name: "other"}}
	if !reflect.DeepEqual(body.Datasets, want) {
		t.Errorf("expected datasets %+v, got %+v", want, body.Datasets)
	}
	if body.Title != "POI Map" {
		t.Errorf("unexpected title %q", body.Title)
	}
}

func TestViewport(t *testing.T) {
	h, _ := newTestRouter(t)

	tests := []struct {
		name      string
		query     string
		wantIDs   []string
		wantLimit int
		wantOrder string
	}{
		{"popularity at city zoom", box + "&zoom=5", []string{"a", "c", "b"}, 500, "popularity"},
		{"recency at street zoom", box + "&zoom=14", []string{"c", "b", "a"}, 5000, "recency"},
		{"explicit limit", box + "&zoom=5&limit=1", []string{"a"}, 1, "popularity"},
		{"category", box + "&zoom=5&category=museum", []string{"c"}, 500, "popularity"},
		{"status", box + "&zoom=5&status=pending", []string{"d"}, 500, "popularity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, http.MethodGet, "/api/viewport?"+tt.query)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
			}
			var body viewportResponse
			decode(t, rec, &body)

			if body.Dataset != "main" {
				t.Errorf("expected dataset main, got %q", body.Dataset)
			}
			if body.Limit != tt.wantLimit || body.Order != tt.wantOrder {
				t.Errorf("expected limit %d order %s, got %d %s", tt.wantLimit, tt.wantOrder, body.Limit, body.Order)
			}
			if body.Count != len(tt.wantIDs) || len(body.Records) != len(tt.wantIDs) {
				t.Fatalf("expected %d records, got count=%d records=%d", len(tt.wantIDs), body.Count, len(body.Records))
			}
			for i, id := range tt.wantIDs {
				if body.Records[i].ID != id {
					t.Errorf("record %d: expected %s, got %s", i, id, body.Records[i].ID)
				}
			}
		})
	}
}

func TestViewport_BadRequest(t *testing.T) {
	h, _ := newTestRouter(t)

	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"missing north", "south=0&east=10&west=0&zoom=5", "north"},
		{"missing zoom", box, "zoom"},
		{"not a number", "north=abc&south=0&east=10&west=0&zoom=5", "north"},
		{"latitude out of range", "north=95&south=0&east=10&west=0&zoom=5", "north"},
		{"longitude out of range", "north=10&south=0&east=190&west=0&zoom=5", "east"},
		{"north below south", "north=0&south=10&east=10&west=0&zoom=5", "north"},
		{"zoom out of range", box + "&zoom=30", "zoom"},
		{"zero limit", box + "&zoom=5&limit=0", "limit"},
		{"limit too large", box + "&zoom=5&limit=6000", "limit"},
		{"bad status", box + "&zoom=5&status=a-b", "status"},
		{"category with separators", box + "&zoom=5&category=cafe%7Cstatus%3Dpending", "category"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, http.MethodGet, "/api/viewport?"+tt.query)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			var body map[string]string
			decode(t, rec, &body)
			if !strings.Contains(body["error"], tt.want) {
				t.Errorf("expected error mentioning %q, got %q", tt.want, body["error"])
			}
		})
	}
}

func TestDatasetScoped(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := doRequest(t, h, http.MethodGet, "/d/other/api/viewport?"+box+"&zoom=5")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body viewportResponse
	decode(t, rec, &body)
	if body.Dataset != "other" {
		t.Errorf("expected dataset other, got %q", body.Dataset)
	}
	if body.Records == nil || len(body.Records) != 0 {
		t.Errorf("expected empty records array, got %v", body.Records)
	}
	if !strings.Contains(rec.Body.String(), `"records":[]`) {
		t.Errorf("expected records to encode as [], got %s", rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/d/main/api/viewport?"+box+"&zoom=5")
	decode(t, rec, &body)
	if body.Dataset != "main" || body.Count != 3 {
		t.Errorf("expected 3 records from main, got %s/%d", body.Dataset, body.Count)
	}
}

func TestUnknownDataset(t *testing.T) {
	h, _ := newTestRouter(t)
	rec := doRequest(t, h, http.MethodGet, "/d/missing/api/viewport?"+box+"&zoom=5")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCounts(t *testing.T) {
	h, _ := newTestRouter(t)

	rec := doRequest(t, h, http.MethodGet, "/api/viewport/counts?"+box)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var counts poi.Counts
	decode(t, rec, &counts)
	if counts.Total != 3 {
		t.Errorf("expected total 3, got %d", counts.Total)
	}
	if counts.ByCategory["cafe"] != 2 || counts.ByCategory["museum"] != 1 {
		t.Errorf("unexpected breakdown: %v", counts.ByCategory)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/viewport/counts?"+box+"&status=pending")
	decode(t, rec, &counts)
	if counts.Total != 1 || counts.ByCategory["museum"] != 1 {
		t.Errorf("unexpected pending counts: %+v", counts)
	}

	rec = doRequest(t, h, http.MethodGet, "/api/viewport/counts?north=1&south=2&east=10&west=0")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for inverted bounds, got %d", rec.Code)
	}
}

func TestCacheStatsAndClear(t *testing.T) {
	h, _ := newTestRouter(t)

	stats := func(prefix string) cache.Stats {
		t.Helper()
		rec := doRequest(t, h, http.MethodGet, prefix+"/api/cache/stats")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var s cache.Stats
		decode(t, rec, &s)
		return s
	}

	if s := stats(""); s.Entries != 0 {
		t.Fatalf("expected empty cache, got %+v", s)
	}

	doRequest(t, h, http.MethodGet, "/api/viewport?"+box+"&zoom=2")
	doRequest(t, h, http.MethodGet, "/api/viewport?north=10.001&south=0.001&east=10.001&west=0.001&zoom=2")

	s := stats("")
	if s.Entries != 1 || s.TotalRecords != 3 {
		t.Errorf("expected 1 entry with 3 records, got %+v", s)
	}
	if other := stats("/d/other"); other.Entries != 0 {
		t.Errorf("expected datasets to have separate caches, got %+v", other)
	}

	rec := doRequest(t, h, http.MethodDelete, "/api/cache")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if s := stats(""); s.Entries != 0 {
		t.Errorf("expected cleared cache, got %+v", s)
	}
}

func TestRateLimit(t *testing.T) {
	reg := NewDatasetRegistry("")
	reg.Register(DatasetInfo{ID: "main"}, newTestService(t, "main", nil))
	h := NewRouter(RouterConfig{Registry: reg, RateLimitRequests: 2, RateLimitWindow: time.Minute})

	for i := 0; i < 2; i++ {
		if rec := doRequest(t, h, http.MethodGet, "/api/datasets"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	if rec := doRequest(t, h, http.MethodGet, "/api/datasets"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodGet, "/health"); rec.Code != http.StatusOK {
		t.Fatalf("expected health to bypass the limiter, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestRouter(t)
	doRequest(t, h, http.MethodGet, "/api/viewport?"+box+"&zoom=5")

	rec := doRequest(t, h, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "poimap_viewport_requests_total") {
		t.Error("expected viewport request counter in exposition")
	}
}

func TestDatasetRegistry_SetDefault(t *testing.T) {
	reg := NewDatasetRegistry("Vienna POIs")
	reg.Register(DatasetInfo{ID: "main"}, newTestService(t, "main", nil))
	reg.Register(DatasetInfo{ID: "other"}, newTestService(t, "other", testRecords()))

	if reg.DefaultDatasetID() != "main" {
		t.Fatalf("expected first registered dataset as default, got %q", reg.DefaultDatasetID())
	}
	if err := reg.SetDefault("missing"); err == nil {
		t.Fatal("expected error for unregistered default")
	}
	if err := reg.SetDefault("other"); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	if reg.Title() != "Vienna POIs" {
		t.Errorf("unexpected title %q", reg.Title())
	}

	h := NewRouter(RouterConfig{Registry: reg})
	rec := doRequest(t, h, http.MethodGet, "/api/viewport?"+box+"&zoom=5")
	var body viewportResponse
	decode(t, rec, &body)
	if body.Dataset != "other" || body.Count != 3 {
		t.Errorf("expected /api to serve the new default, got %s/%d", body.Dataset, body.Count)
	}
}
