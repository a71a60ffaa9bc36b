package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// Anime is a row of the catalog consumed by the acquisition pipeline. The
// catalog itself (scraping, metadata refresh) is maintained elsewhere; the
// pipeline only reads identifiers and titles.
type Anime struct {
	ID            int64  `json:"id"`
	Title         string `json:"title"`
	TotalEpisodes int    `json:"total_episodes"`
}

// ProviderMetadata carries the third-party site's identifiers for one anime.
type ProviderMetadata struct {
	AnimeID      int64  `json:"anime_id"`
	ProviderID   string `json:"provider_id"`
	ProviderSlug string `json:"provider_slug"`
}

// ErrNotFound is returned when a catalog lookup matches no row.
var ErrNotFound = errors.New("not_found")

// Store wraps an sql.DB and provides typed helpers for catalog lookups.
type Store struct {
	db *sql.DB
}

// Open opens or creates a SQLite database at the given path and ensures schema.
func Open(path string) (*Store, error) {
	// Pragmas: busy timeout and WAL for better concurrency.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Conservative limits.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS anime (
    id INTEGER PRIMARY KEY,
    title TEXT NOT NULL,
    total_episodes INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS provider_metadata (
    anime_id INTEGER PRIMARY KEY REFERENCES anime(id),
    provider_id TEXT NOT NULL,
    provider_slug TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_anime_title ON anime(title);
`
	_, err := db.Exec(ddl)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// FindAnimeByID returns the catalog row for id, or ErrNotFound.
func (s *Store) FindAnimeByID(ctx context.Context, id int64) (*Anime, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, total_episodes FROM anime WHERE id = ?`, id)
	var a Anime
	if err := row.Scan(&a.ID, &a.Title, &a.TotalEpisodes); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find anime %d: %w", id, err)
	}
	return &a, nil
}

// FindProviderMetadata returns the provider identifiers for an anime, or
// ErrNotFound if the catalog has no provider binding for it.
func (s *Store) FindProviderMetadata(ctx context.Context, animeID int64) (*ProviderMetadata, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT anime_id, provider_id, provider_slug FROM provider_metadata WHERE anime_id = ?`, animeID)
	var m ProviderMetadata
	if err := row.Scan(&m.AnimeID, &m.ProviderID, &m.ProviderSlug); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find provider metadata %d: %w", animeID, err)
	}
	return &m, nil
}

// UpsertAnime inserts or replaces a catalog row together with its provider
// binding. The catalog maintainer calls this; tests use it for seeding.
func (s *Store) UpsertAnime(ctx context.Context, a Anime, m ProviderMetadata) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO anime (id, title, total_episodes) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title = excluded.title,
		   total_episodes = excluded.total_episodes,
		   updated_at = CURRENT_TIMESTAMP`,
		a.ID, a.Title, a.TotalEpisodes); err != nil {
		return fmt.Errorf("upsert anime: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO provider_metadata (anime_id, provider_id, provider_slug) VALUES (?, ?, ?)
		 ON CONFLICT(anime_id) DO UPDATE SET provider_id = excluded.provider_id,
		   provider_slug = excluded.provider_slug`,
		a.ID, m.ProviderID, m.ProviderSlug); err != nil {
		return fmt.Errorf("upsert provider metadata: %w", err)
	}
	return tx.Commit()
}

// ListAnime returns all catalog rows ordered by title; the content list view
// uses this to refresh after a completed download.
func (s *Store) ListAnime(ctx context.Context) ([]*Anime, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, total_episodes FROM anime ORDER BY title`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Anime
	for rows.Next() {
		var a Anime
		if err := rows.Scan(&a.ID, &a.Title, &a.TotalEpisodes); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
