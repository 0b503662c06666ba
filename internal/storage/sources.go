package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Source types.
const (
	SourceLocal = "local"
	SourceGit   = "git"
)

// Source represents a card source, either a local path or a Git URL,
// feeding one owner's track.
type Source struct {
	ID          int64      `json:"id"`
	Path        string     `json:"path"`
	Type        string     `json:"type"`
	OwnerID     string     `json:"owner_id"`
	TrackID     string     `json:"track_id"`
	LastScanned *time.Time `json:"last_scanned,omitempty"`
}

const sourceColumns = `id, path, type, owner_id, track_id, last_scanned`

func scanSource(r rowScanner) (Source, error) {
	var (
		s    Source
		last sql.NullTime
	)
	if err := r.Scan(&s.ID, &s.Path, &s.Type, &s.OwnerID, &s.TrackID, &last); err != nil {
		return Source{}, err
	}
	if last.Valid {
		t := last.Time
		s.LastScanned = &t
	}
	return s, nil
}

// InsertSource inserts a new source into the database and returns its ID.
func (db *DB) InsertSource(ctx context.Context, s Source) (int64, error) {
	if s.Type == "" {
		s.Type = SourceLocal
	}
	var id int64
	err := db.conn.QueryRowContext(ctx, db.q(`
		INSERT INTO sources (path, type, owner_id, track_id)
		VALUES (?, ?, ?, ?)
		RETURNING id
	`), s.Path, s.Type, s.OwnerID, s.TrackID).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert source %s: %w", s.Path, err)
	}
	return id, nil
}

// FindSourceByPath retrieves a track's source by its path.
// It returns nil, nil when the source does not exist.
func (db *DB) FindSourceByPath(ctx context.Context, ownerID, trackID, path string) (*Source, error) {
	row := db.conn.QueryRowContext(ctx, db.q(`
		SELECT `+sourceColumns+`
		FROM sources WHERE path = ? AND owner_id = ? AND track_id = ?
	`), path, ownerID, trackID)

	s, err := scanSource(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Source not found
		}
		return nil, fmt.Errorf("failed to find source by path %s: %w", path, err)
	}
	return &s, nil
}

// GetSource retrieves a source by ID. It returns nil, nil when absent.
func (db *DB) GetSource(ctx context.Context, id int64) (*Source, error) {
	row := db.conn.QueryRowContext(ctx, db.q(`
		SELECT `+sourceColumns+` FROM sources WHERE id = ?
	`), id)

	s, err := scanSource(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get source %d: %w", id, err)
	}
	return &s, nil
}

// GetAllSources retrieves all stored sources from the database.
func (db *DB) GetAllSources(ctx context.Context) ([]Source, error) {
	return db.querySources(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY id`)
}

// GetSourcesForOwner retrieves every source registered by one owner.
func (db *DB) GetSourcesForOwner(ctx context.Context, ownerID string) ([]Source, error) {
	return db.querySources(ctx, `
		SELECT `+sourceColumns+`
		FROM sources WHERE owner_id = ?
		ORDER BY id
	`, ownerID)
}

// GetSourcesForTrack retrieves the sources feeding one owner's track.
func (db *DB) GetSourcesForTrack(ctx context.Context, ownerID, trackID string) ([]Source, error) {
	return db.querySources(ctx, `
		SELECT `+sourceColumns+`
		FROM sources WHERE owner_id = ? AND track_id = ?
		ORDER BY id
	`, ownerID, trackID)
}

func (db *DB) querySources(ctx context.Context, query string, args ...any) ([]Source, error) {
	rows, err := db.conn.QueryContext(ctx, db.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get sources: %w", err)
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source row: %w", err)
		}
		sources = append(sources, s)
	}
	return sources, rows.Err()
}

// DeleteSource removes a source. Cards imported from it are kept and
// simply lose their source link.
func (db *DB) DeleteSource(ctx context.Context, id int64) error {
	_, err := db.conn.ExecContext(ctx, db.q(`DELETE FROM sources WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete source %d: %w", id, err)
	}
	return nil
}

// UpdateSourceLastScanned updates the last_scanned timestamp for a source.
func (db *DB) UpdateSourceLastScanned(ctx context.Context, sourceID int64, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, db.q(`
		UPDATE sources
		SET last_scanned = ?
		WHERE id = ?
	`), at.UTC(), sourceID)
	if err != nil {
		return fmt.Errorf("failed to update last scanned for source ID %d: %w", sourceID, err)
	}
	return nil
}
