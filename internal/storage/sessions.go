package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/conorfennell/studyloop/internal/domain"
)

// GetSession retrieves the active session of an owner on a track.
// It returns nil, nil when there is none.
func (db *DB) GetSession(ctx context.Context, ownerID, trackID string) (*domain.Session, error) {
	row := db.conn.QueryRowContext(ctx, db.q(`
		SELECT id, owner_id, track_id, queue, current_index, completed,
			started_at, saved_at, version, epoch
		FROM sessions WHERE owner_id = ? AND track_id = ?
	`), ownerID, trackID)

	var (
		s         domain.Session
		queue     string
		completed string
	)
	err := row.Scan(
		&s.ID,
		&s.OwnerID,
		&s.TrackID,
		&queue,
		&s.CurrentIndex,
		&completed,
		&s.StartedAt,
		&s.SavedAt,
		&s.Version,
		&s.Epoch,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // No active session
		}
		return nil, fmt.Errorf("failed to get session for %s/%s: %w", ownerID, trackID, err)
	}
	if err := json.Unmarshal([]byte(queue), &s.Queue); err != nil {
		return nil, fmt.Errorf("failed to decode session queue: %w", err)
	}
	if err := json.Unmarshal([]byte(completed), &s.Completed); err != nil {
		return nil, fmt.Errorf("failed to decode completed cards: %w", err)
	}
	return &s, nil
}

// SaveSession writes s if the stored session still has the same ID and
// expectedVersion. An expectedVersion of zero means no session may exist
// yet. On success s.Version is advanced to the stored value; on a lost race
// the error wraps domain.ErrConcurrentModification.
func (db *DB) SaveSession(ctx context.Context, s *domain.Session, expectedVersion int64) error {
	return db.saveSession(ctx, db.conn, s, expectedVersion)
}

// ReplaceSession stores s as the only session of its owner and track,
// overwriting whatever was there.
func (db *DB) ReplaceSession(ctx context.Context, s *domain.Session) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, db.q(`
			DELETE FROM sessions WHERE owner_id = ? AND track_id = ?
		`), s.OwnerID, s.TrackID); err != nil {
			return fmt.Errorf("failed to clear session for %s/%s: %w", s.OwnerID, s.TrackID, err)
		}
		return db.saveSession(ctx, tx, s, 0)
	})
}

// DeleteSession removes the active session of an owner on a track, if any.
func (db *DB) DeleteSession(ctx context.Context, ownerID, trackID string) error {
	_, err := db.conn.ExecContext(ctx, db.q(`
		DELETE FROM sessions WHERE owner_id = ? AND track_id = ?
	`), ownerID, trackID)
	if err != nil {
		return fmt.Errorf("failed to delete session for %s/%s: %w", ownerID, trackID, err)
	}
	return nil
}

func (db *DB) saveSession(ctx context.Context, ex execer, s *domain.Session, expectedVersion int64) error {
	queue, err := encodeIDs(s.Queue)
	if err != nil {
		return err
	}
	completed, err := encodeIDs(s.Completed)
	if err != nil {
		return err
	}
	next := expectedVersion + 1

	var res sql.Result
	if expectedVersion == 0 {
		res, err = ex.ExecContext(ctx, db.q(`
			INSERT INTO sessions (id, owner_id, track_id, queue, current_index, completed,
				started_at, saved_at, version, epoch)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (owner_id, track_id) DO NOTHING
		`),
			s.ID, s.OwnerID, s.TrackID, queue, s.CurrentIndex, completed,
			s.StartedAt.UTC(), s.SavedAt.UTC(), next, s.Epoch,
		)
	} else {
		res, err = ex.ExecContext(ctx, db.q(`
			UPDATE sessions
			SET queue = ?, current_index = ?, completed = ?,
				started_at = ?, saved_at = ?, version = ?, epoch = ?
			WHERE owner_id = ? AND track_id = ? AND id = ? AND version = ?
		`),
			queue, s.CurrentIndex, completed,
			s.StartedAt.UTC(), s.SavedAt.UTC(), next, s.Epoch,
			s.OwnerID, s.TrackID, s.ID, expectedVersion,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", s.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("session %s at version %d: %w", s.ID, expectedVersion, domain.ErrConcurrentModification)
	}
	s.Version = next
	return nil
}

func encodeIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("failed to encode card IDs: %w", err)
	}
	return string(b), nil
}

// TrackEpoch returns how many times the track has been reset.
func (db *DB) TrackEpoch(ctx context.Context, ownerID, trackID string) (int64, error) {
	var epoch int64
	err := db.conn.QueryRowContext(ctx, db.q(`
		SELECT epoch FROM tracks WHERE owner_id = ? AND track_id = ?
	`), ownerID, trackID).Scan(&epoch)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get epoch for %s/%s: %w", ownerID, trackID, err)
	}
	return epoch, nil
}

// GradeWrite is everything a single grade changes, written atomically by ApplyGrade.
type GradeWrite struct {
	Card domain.Card
	// Epoch is the track epoch the grade was computed against.
	Epoch int64

	// Session is nil for a grade given outside a study session.
	Session         *domain.Session
	ExpectedVersion int64
	// Complete deletes the session instead of saving it.
	Complete bool
}

// ApplyGrade stores the graded card and the advanced session in one
// transaction. It fails with domain.ErrConcurrentModification when the track
// was reset or the session changed since they were read.
func (db *DB) ApplyGrade(ctx context.Context, w GradeWrite) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if err := db.checkEpoch(ctx, tx, w.Card.OwnerID, w.Card.TrackID, w.Epoch); err != nil {
			return err
		}
		if err := db.updateProgress(ctx, tx, w.Card); err != nil {
			return err
		}
		if w.Session == nil {
			return nil
		}
		if !w.Complete {
			return db.saveSession(ctx, tx, w.Session, w.ExpectedVersion)
		}

		res, err := tx.ExecContext(ctx, db.q(`
			DELETE FROM sessions
			WHERE owner_id = ? AND track_id = ? AND id = ? AND version = ?
		`), w.Session.OwnerID, w.Session.TrackID, w.Session.ID, w.ExpectedVersion)
		if err != nil {
			return fmt.Errorf("failed to delete session %s: %w", w.Session.ID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("session %s at version %d: %w", w.Session.ID, w.ExpectedVersion, domain.ErrConcurrentModification)
		}
		return nil
	})
}

// checkEpoch write-locks the track row and verifies its epoch. A concurrent
// reset commits either before this transaction or after it.
func (db *DB) checkEpoch(ctx context.Context, tx *sql.Tx, ownerID, trackID string, epoch int64) error {
	if _, err := tx.ExecContext(ctx, db.q(`
		INSERT INTO tracks (owner_id, track_id, epoch) VALUES (?, ?, 0)
		ON CONFLICT (owner_id, track_id) DO NOTHING
	`), ownerID, trackID); err != nil {
		return fmt.Errorf("failed to ensure track %s/%s: %w", ownerID, trackID, err)
	}
	res, err := tx.ExecContext(ctx, db.q(`
		UPDATE tracks SET epoch = epoch WHERE owner_id = ? AND track_id = ? AND epoch = ?
	`), ownerID, trackID, epoch)
	if err != nil {
		return fmt.Errorf("failed to check epoch for %s/%s: %w", ownerID, trackID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check epoch for %s/%s: %w", ownerID, trackID, err)
	}
	if n == 0 {
		return fmt.Errorf("track %s/%s was reset: %w", ownerID, trackID, domain.ErrConcurrentModification)
	}
	return nil
}

// ResetTrack returns every card of an owner on a track to its never-studied
// state, removes the active session and bumps the track epoch, all in one
// transaction. It returns the number of cards reset.
func (db *DB) ResetTrack(ctx context.Context, ownerID, trackID string, now time.Time) (int, error) {
	var count int
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, db.q(`
			INSERT INTO tracks (owner_id, track_id, epoch) VALUES (?, ?, 1)
			ON CONFLICT (owner_id, track_id) DO UPDATE SET epoch = tracks.epoch + 1
		`), ownerID, trackID); err != nil {
			return fmt.Errorf("failed to bump epoch for %s/%s: %w", ownerID, trackID, err)
		}

		res, err := tx.ExecContext(ctx, db.q(`
			UPDATE cards
			SET ease_factor = ?, interval_days = 0, repetition_count = 0,
				total_attempts = 0, correct_attempts = 0,
				last_reviewed_at = NULL, next_review_at = ?, mastered = ?
			WHERE owner_id = ? AND track_id = ?
		`), domain.DefaultEaseFactor, now.UTC(), false, ownerID, trackID)
		if err != nil {
			return fmt.Errorf("failed to reset cards for %s/%s: %w", ownerID, trackID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to reset cards for %s/%s: %w", ownerID, trackID, err)
		}
		count = int(n)

		if _, err := tx.ExecContext(ctx, db.q(`
			DELETE FROM sessions WHERE owner_id = ? AND track_id = ?
		`), ownerID, trackID); err != nil {
			return fmt.Errorf("failed to delete session for %s/%s: %w", ownerID, trackID, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}
