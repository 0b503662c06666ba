package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/conorfennell/studyloop/internal/domain"
)

const cardColumns = `id, owner_id, track_id, front, back, subject, content_hash,
	ease_factor, interval_days, repetition_count, total_attempts, correct_attempts,
	last_reviewed_at, next_review_at, mastered, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCard(r rowScanner) (domain.Card, error) {
	var (
		c    domain.Card
		last sql.NullTime
	)
	err := r.Scan(
		&c.ID,
		&c.OwnerID,
		&c.TrackID,
		&c.Content.Front,
		&c.Content.Back,
		&c.Content.Subject,
		&c.ContentHash,
		&c.EaseFactor,
		&c.IntervalDays,
		&c.RepetitionCount,
		&c.TotalAttempts,
		&c.CorrectAttempts,
		&last,
		&c.NextReviewAt,
		&c.Mastered,
		&c.CreatedAt,
	)
	if err != nil {
		return domain.Card{}, err
	}
	if last.Valid {
		t := last.Time
		c.LastReviewedAt = &t
	}
	return c, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// ListCards returns every card of an owner on a track in insertion order.
func (db *DB) ListCards(ctx context.Context, ownerID, trackID string) ([]domain.Card, error) {
	rows, err := db.conn.QueryContext(ctx, db.q(`
		SELECT `+cardColumns+`
		FROM cards WHERE owner_id = ? AND track_id = ?
		ORDER BY created_at, id
	`), ownerID, trackID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cards for %s/%s: %w", ownerID, trackID, err)
	}
	defer rows.Close()

	var cards []domain.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan card row: %w", err)
		}
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list cards for %s/%s: %w", ownerID, trackID, err)
	}
	return cards, nil
}

// GetCard retrieves a single card. It returns nil, nil when the card does not exist.
func (db *DB) GetCard(ctx context.Context, ownerID, trackID, cardID string) (*domain.Card, error) {
	row := db.conn.QueryRowContext(ctx, db.q(`
		SELECT `+cardColumns+`
		FROM cards WHERE id = ? AND owner_id = ? AND track_id = ?
	`), cardID, ownerID, trackID)

	c, err := scanCard(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Card not found
		}
		return nil, fmt.Errorf("failed to get card %s: %w", cardID, err)
	}
	return &c, nil
}

// FindCardByHash retrieves a card by its content hash within a track.
func (db *DB) FindCardByHash(ctx context.Context, ownerID, trackID, hash string) (*domain.Card, error) {
	row := db.conn.QueryRowContext(ctx, db.q(`
		SELECT `+cardColumns+`
		FROM cards WHERE owner_id = ? AND track_id = ? AND content_hash = ?
		ORDER BY created_at, id
		LIMIT 1
	`), ownerID, trackID, hash)

	c, err := scanCard(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find card by hash %s: %w", hash, err)
	}
	return &c, nil
}

// SaveCard inserts a card or overwrites the stored copy with the same ID.
func (db *DB) SaveCard(ctx context.Context, c domain.Card) error {
	_, err := db.conn.ExecContext(ctx, db.q(`
		INSERT INTO cards (`+cardColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			front = excluded.front,
			back = excluded.back,
			subject = excluded.subject,
			content_hash = excluded.content_hash,
			ease_factor = excluded.ease_factor,
			interval_days = excluded.interval_days,
			repetition_count = excluded.repetition_count,
			total_attempts = excluded.total_attempts,
			correct_attempts = excluded.correct_attempts,
			last_reviewed_at = excluded.last_reviewed_at,
			next_review_at = excluded.next_review_at,
			mastered = excluded.mastered
	`), cardArgs(c)...)
	if err != nil {
		return fmt.Errorf("failed to save card %s: %w", c.ID, err)
	}
	return nil
}

// InsertCard inserts a card discovered in a source. A card whose ID already
// exists is left untouched.
func (db *DB) InsertCard(ctx context.Context, c domain.Card, sourceID int64) error {
	args := append(cardArgs(c), sql.NullInt64{Int64: sourceID, Valid: sourceID > 0})
	_, err := db.conn.ExecContext(ctx, db.q(`
		INSERT INTO cards (`+cardColumns+`, source_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), args...)
	if err != nil {
		return fmt.Errorf("failed to insert card %s: %w", c.ID, err)
	}
	return nil
}

// GetCardsBySourceID retrieves all cards imported from a specific source.
func (db *DB) GetCardsBySourceID(ctx context.Context, sourceID int64) ([]domain.Card, error) {
	rows, err := db.conn.QueryContext(ctx, db.q(`
		SELECT `+cardColumns+`
		FROM cards WHERE source_id = ?
		ORDER BY created_at, id
	`), sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get cards for source ID %d: %w", sourceID, err)
	}
	defer rows.Close()

	var cards []domain.Card
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan card row for source ID %d: %w", sourceID, err)
		}
		cards = append(cards, c)
	}
	return cards, rows.Err()
}

// updateProgress writes the SRS fields of an existing card.
func (db *DB) updateProgress(ctx context.Context, ex execer, c domain.Card) error {
	res, err := ex.ExecContext(ctx, db.q(`
		UPDATE cards
		SET ease_factor = ?, interval_days = ?, repetition_count = ?,
			total_attempts = ?, correct_attempts = ?,
			last_reviewed_at = ?, next_review_at = ?, mastered = ?
		WHERE id = ? AND owner_id = ? AND track_id = ?
	`),
		c.EaseFactor,
		c.IntervalDays,
		c.RepetitionCount,
		c.TotalAttempts,
		c.CorrectAttempts,
		nullTime(c.LastReviewedAt),
		c.NextReviewAt.UTC(),
		c.Mastered,
		c.ID,
		c.OwnerID,
		c.TrackID,
	)
	if err != nil {
		return fmt.Errorf("failed to update card %s: %w", c.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("card %s: %w", c.ID, domain.ErrCardNotFound)
	}
	return nil
}

func cardArgs(c domain.Card) []any {
	return []any{
		c.ID,
		c.OwnerID,
		c.TrackID,
		c.Content.Front,
		c.Content.Back,
		c.Content.Subject,
		c.ContentHash,
		c.EaseFactor,
		c.IntervalDays,
		c.RepetitionCount,
		c.TotalAttempts,
		c.CorrectAttempts,
		nullTime(c.LastReviewedAt),
		c.NextReviewAt.UTC(),
		c.Mastered,
		c.CreatedAt.UTC(),
	}
}
