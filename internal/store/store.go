// Package store provides read access to the POI database used to answer
// viewport queries. SQLite and PostgreSQL are supported.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/poimap/server/internal/geo"
	"github.com/poimap/server/internal/poi"
	"github.com/poimap/server/internal/policy"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// timeLayout is fixed-width so TEXT timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// Config contains store connection settings.
type Config struct {
	Driver       string
	DSN          string
	MaxOpenConns int
}

// RecordQuery selects records inside a viewport.
type RecordQuery struct {
	Bounds   geo.Bounds
	Status   string
	Category string
	Order    policy.OrderStrategy
	Limit    int
}

// CountQuery selects the population counted by the aggregate queries.
type CountQuery struct {
	Bounds geo.Bounds
	Status string
}

// Store is a POI database handle.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database described by cfg.
func Open(cfg Config) (*Store, error) {
	driver := strings.ToLower(cfg.Driver)
	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
	case DriverPostgres, "postgresql":
		driver = DriverPostgres
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	if driver == DriverSQLite && cfg.DSN != ":memory:" && !strings.HasPrefix(cfg.DSN, "file:") {
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
		}
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	}

	if driver == DriverSQLite {
		if cfg.DSN == ":memory:" {
			// every pooled connection would otherwise get its own database
			db.SetMaxOpenConns(1)
		} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	}

	return &Store{db: db, driver: driver}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver returns the normalised driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// QueryRecords returns records inside q.Bounds matching the filters, ordered
// by q.Order and capped at q.Limit.
func (s *Store) QueryRecords(ctx context.Context, q RecordQuery) ([]poi.Record, error) {
	b := s.newBuilder()
	where := b.viewportWhere(q.Bounds, q.Status)
	if q.Category != "" {
		where += " AND category_id = " + b.arg(q.Category)
	}

	query := `SELECT id, title, description, lat, lon, vote_up, vote_down, category_id, image_url, status, created_at
		FROM pois WHERE ` + where + ` ORDER BY ` + orderClause(q.Order)
	if q.Limit > 0 {
		query += " LIMIT " + b.arg(q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []poi.Record
	for rows.Next() {
		var r poi.Record
		var description, categoryID, imageURL sql.NullString
		var createdAt any
		if err := rows.Scan(
			&r.ID, &r.Title, &description, &r.Lat, &r.Lon,
			&r.VoteUp, &r.VoteDown, &categoryID, &imageURL, &r.Status, &createdAt,
		); err != nil {
			return nil, err
		}
		r.Description = description.String
		r.CategoryID = categoryID.String
		r.ImageURL = imageURL.String
		if r.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("record %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRecords returns the number of records inside q.Bounds without loading them.
func (s *Store) CountRecords(ctx context.Context, q CountQuery) (int, error) {
	b := s.newBuilder()
	query := "SELECT COUNT(*) FROM pois WHERE " + b.viewportWhere(q.Bounds, q.Status)

	var n int
	if err := s.db.QueryRowContext(ctx, query, b.args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// CountByCategory returns record counts inside q.Bounds grouped by category slug.
// Records without a known category are counted under "uncategorized".
func (s *Store) CountByCategory(ctx context.Context, q CountQuery) (map[string]int, error) {
	b := s.newBuilder()
	b.prefix = "p."
	query := `SELECT COALESCE(c.slug, 'uncategorized') AS slug, COUNT(*)
		FROM pois p LEFT JOIN categories c ON c.id = p.category_id
		WHERE ` + b.viewportWhere(q.Bounds, q.Status) + `
		GROUP BY COALESCE(c.slug, 'uncategorized')`

	rows, err := s.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var slug string
		var n int
		if err := rows.Scan(&slug, &n); err != nil {
			return nil, err
		}
		out[slug] = n
	}
	return out, rows.Err()
}

func orderClause(o policy.OrderStrategy) string {
	if o == policy.RecencyFirst {
		return "created_at DESC, id ASC"
	}
	return "(vote_up - vote_down) DESC, id ASC"
}

// builder accumulates positional arguments in the driver's placeholder style.
type builder struct {
	driver string
	prefix string
	args   []any
}

func (s *Store) newBuilder() *builder {
	return &builder{driver: s.driver}
}

func (b *builder) arg(v any) string {
	b.args = append(b.args, v)
	if b.driver == DriverPostgres {
		return fmt.Sprintf("$%d", len(b.args))
	}
	return "?"
}

func (b *builder) viewportWhere(bounds geo.Bounds, status string) string {
	p := b.prefix
	return fmt.Sprintf("%slat IS NOT NULL AND %slon IS NOT NULL"+
		" AND %slat BETWEEN %s AND %s AND %slon BETWEEN %s AND %s AND %sstatus = %s",
		p, p,
		p, b.arg(bounds.South), b.arg(bounds.North),
		p, b.arg(bounds.West), b.arg(bounds.East),
		p, b.arg(status))
}

func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case string:
		return parseTimeString(t)
	case []byte:
		return parseTimeString(string(t))
	case nil:
		return time.Time{}, nil
	}
	return time.Time{}, fmt.Errorf("unsupported created_at type %T", v)
}

func parseTimeString(s string) (time.Time, error) {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable created_at %q", s)
}
