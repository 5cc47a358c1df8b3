package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/poimap/server/internal/poi"
)

// schema is a development bootstrap; production databases own their schema.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS categories (
		id TEXT PRIMARY KEY,
		slug TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS pois (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT,
		lat DOUBLE PRECISION,
		lon DOUBLE PRECISION,
		vote_up INTEGER NOT NULL DEFAULT 0,
		vote_down INTEGER NOT NULL DEFAULT 0,
		category_id TEXT,
		image_url TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pois_lat ON pois(lat)`,
	`CREATE INDEX IF NOT EXISTS idx_pois_lon ON pois(lon)`,
	`CREATE INDEX IF NOT EXISTS idx_pois_status ON pois(status)`,
	`CREATE INDEX IF NOT EXISTS idx_pois_category ON pois(category_id)`,
	`CREATE INDEX IF NOT EXISTS idx_pois_votes ON pois((vote_up - vote_down))`,
	`CREATE INDEX IF NOT EXISTS idx_pois_created ON pois(created_at)`,
}

// Migrate creates the POI tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return nil
}

// InsertCategories upserts categories in a single transaction.
func (s *Store) InsertCategories(ctx context.Context, cats []poi.Category) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		b := s.newBuilder()
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
			`INSERT INTO categories (id, slug, name) VALUES (%s, %s, %s)
			ON CONFLICT (id) DO UPDATE SET slug = excluded.slug, name = excluded.name`,
			b.arg(nil), b.arg(nil), b.arg(nil)))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, c := range cats {
			if _, err := stmt.ExecContext(ctx, c.ID, c.Slug, c.Name); err != nil {
				return err
			}
		}
		return nil
	})
}

// InsertRecords upserts records in a single transaction.
func (s *Store) InsertRecords(ctx context.Context, recs []poi.Record) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		b := s.newBuilder()
		ph := make([]any, 11)
		for i := range ph {
			ph[i] = b.arg(nil)
		}
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
			`INSERT INTO pois (id, title, description, lat, lon, vote_up, vote_down, category_id, image_url, status, created_at)
			VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s, %s)
			ON CONFLICT (id) DO UPDATE SET title = excluded.title, description = excluded.description,
				lat = excluded.lat, lon = excluded.lon, vote_up = excluded.vote_up, vote_down = excluded.vote_down,
				category_id = excluded.category_id, image_url = excluded.image_url, status = excluded.status,
				created_at = excluded.created_at`, ph...))
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range recs {
			if _, err := stmt.ExecContext(ctx,
				r.ID, r.Title, nullString(r.Description), r.Lat, r.Lon, r.VoteUp, r.VoteDown,
				nullString(r.CategoryID), nullString(r.ImageURL), r.Status,
				r.CreatedAt.UTC().Format(timeLayout),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
