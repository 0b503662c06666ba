// Package session drives study sessions: building a due queue, recording
// grades in order, checkpointing, resuming and resetting a track.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/conorfennell/studyloop/internal/domain"
	"github.com/conorfennell/studyloop/internal/lock"
	"github.com/conorfennell/studyloop/internal/logger"
	"github.com/conorfennell/studyloop/internal/srs"
	"github.com/conorfennell/studyloop/internal/storage"
)

// Store is the persistence the manager needs. *storage.DB implements it.
type Store interface {
	ListCards(ctx context.Context, ownerID, trackID string) ([]domain.Card, error)
	GetCard(ctx context.Context, ownerID, trackID, cardID string) (*domain.Card, error)

	GetSession(ctx context.Context, ownerID, trackID string) (*domain.Session, error)
	ReplaceSession(ctx context.Context, s *domain.Session) error
	SaveSession(ctx context.Context, s *domain.Session, expectedVersion int64) error
	DeleteSession(ctx context.Context, ownerID, trackID string) error

	TrackEpoch(ctx context.Context, ownerID, trackID string) (int64, error)
	ApplyGrade(ctx context.Context, w storage.GradeWrite) error
	ResetTrack(ctx context.Context, ownerID, trackID string, now time.Time) (int, error)
}

var _ Store = (*storage.DB)(nil)

// GradeResult is the outcome of RecordGrade. Session is nil once Complete.
type GradeResult struct {
	Card     domain.Card     `json:"card"`
	Session  *domain.Session `json:"session"`
	Complete bool            `json:"complete"`
}

// Manager serializes writers per (owner, track) and keeps sessions and
// card progress consistent in the store.
type Manager struct {
	store        Store
	locker       lock.Locker
	sched        *srs.Scheduler
	log          *logger.Logger
	now          func() time.Time
	storeTimeout time.Duration
	lockWait     time.Duration
}

type Option func(*Manager)

func WithLogger(l *logger.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithClock replaces time.Now, used for ResetTrack's new due date.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithStoreTimeout bounds the store calls of a single operation.
func WithStoreTimeout(d time.Duration) Option {
	return func(m *Manager) { m.storeTimeout = d }
}

// WithLockWait bounds how long an operation waits for its key.
func WithLockWait(d time.Duration) Option {
	return func(m *Manager) { m.lockWait = d }
}

func NewManager(store Store, locker lock.Locker, sched *srs.Scheduler, opts ...Option) *Manager {
	m := &Manager{
		store:        store,
		locker:       locker,
		sched:        sched,
		log:          logger.Nop(),
		now:          time.Now,
		storeTimeout: 5 * time.Second,
		lockWait:     3 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Scheduler returns the scheduler used to grade and classify cards.
func (m *Manager) Scheduler() *srs.Scheduler {
	return m.sched
}

// StartSession snapshots the cards due asOf into a new session, replacing
// any session the owner already had on the track. When nothing is due it
// returns ErrEmptyQueue and leaves the store untouched.
func (m *Manager) StartSession(ctx context.Context, ownerID, trackID string, asOf time.Time) (*domain.Session, error) {
	var started *domain.Session
	err := m.exclusive(ctx, ownerID, trackID, func(ctx context.Context) error {
		cards, err := m.store.ListCards(ctx, ownerID, trackID)
		if err != nil {
			return storeError("list cards", err)
		}
		queue := lo.FilterMap(cards, func(c domain.Card, _ int) (string, bool) {
			return c.ID, m.sched.IsDue(c, asOf)
		})
		if len(queue) == 0 {
			return domain.ErrEmptyQueue
		}

		epoch, err := m.store.TrackEpoch(ctx, ownerID, trackID)
		if err != nil {
			return storeError("read track epoch", err)
		}

		s := &domain.Session{
			ID:        uuid.NewString(),
			OwnerID:   ownerID,
			TrackID:   trackID,
			Queue:     queue,
			Completed: []string{},
			StartedAt: asOf,
			SavedAt:   asOf,
			Epoch:     epoch,
		}
		if err := m.store.ReplaceSession(ctx, s); err != nil {
			return storeError("save session", err)
		}
		started = s
		return nil
	})
	if err != nil {
		m.logFailure("start session", err, "owner_id", ownerID, "track_id", trackID)
		return nil, err
	}
	m.log.Info("session started", "owner_id", ownerID, "track_id", trackID,
		"session_id", started.ID, "queue", len(started.Queue))
	return started, nil
}

// ResumeSession returns the persisted session unchanged, or
// ErrNoActiveSession when there is nothing left to resume.
func (m *Manager) ResumeSession(ctx context.Context, ownerID, trackID string) (*domain.Session, error) {
	ctx, cancel := m.storeContext(ctx)
	defer cancel()

	s, err := m.store.GetSession(ctx, ownerID, trackID)
	if err != nil {
		err = storeError("get session", err)
		m.logFailure("resume session", err, "owner_id", ownerID, "track_id", trackID)
		return nil, err
	}
	if s == nil || s.Done() {
		m.log.Debug("nothing to resume", "owner_id", ownerID, "track_id", trackID)
		return nil, domain.ErrNoActiveSession
	}
	return s, nil
}

// RecordGrade grades cardID within the active session. The card must be the
// one at the current position, or one already completed in this session; a
// backtracked grade is applied to the card but does not move the session.
// The graded card and the advanced session are written atomically. The
// session is deleted when its last card is graded.
func (m *Manager) RecordGrade(ctx context.Context, ownerID, trackID, cardID string, outcome domain.Outcome, asOf time.Time) (GradeResult, error) {
	return m.RecordGradeAt(ctx, ownerID, trackID, cardID, outcome, asOf, 0)
}

// RecordGradeAt is RecordGrade for a caller that saw the session at
// version. Repeating a call whose grade already committed returns the
// stored result instead of grading the card twice; the repeat is recognized
// by the session being one version ahead and the card last reviewed at
// asOf. Any other version mismatch fails with ErrConcurrentModification.
// A version of 0 skips the check.
func (m *Manager) RecordGradeAt(ctx context.Context, ownerID, trackID, cardID string, outcome domain.Outcome, asOf time.Time, version int64) (GradeResult, error) {
	if !outcome.IsValid() {
		return GradeResult{}, fmt.Errorf("%w: %d", domain.ErrInvalidGrade, outcome)
	}

	var res GradeResult
	replayed := false
	err := m.exclusive(ctx, ownerID, trackID, func(ctx context.Context) error {
		s, err := m.store.GetSession(ctx, ownerID, trackID)
		if err != nil {
			return storeError("get session", err)
		}
		if version > 0 && (s == nil || s.Version != version) {
			r, ok, err := m.committedGrade(ctx, s, ownerID, trackID, cardID, asOf, version)
			if err != nil {
				return err
			}
			if ok {
				res, replayed = r, true
				return nil
			}
			if s != nil && !s.Done() {
				return fmt.Errorf("session %s at version %d, expected %d: %w", s.ID, s.Version, version, domain.ErrConcurrentModification)
			}
		}
		if s == nil || s.Done() {
			return domain.ErrNoActiveSession
		}

		forward := s.Current() == cardID
		if !forward && !s.HasCompleted(cardID) {
			return fmt.Errorf("%w: %s is not at position %d", domain.ErrOutOfSequence, cardID, s.CurrentIndex)
		}

		card, err := m.store.GetCard(ctx, ownerID, trackID, cardID)
		if err != nil {
			return storeError("get card", err)
		}
		if card == nil {
			return fmt.Errorf("%w: %s", domain.ErrCardNotFound, cardID)
		}

		graded, err := m.sched.Grade(*card, outcome, asOf)
		if err != nil {
			return err
		}

		next := s.Clone()
		if forward {
			next.CurrentIndex++
			if !next.HasCompleted(cardID) {
				next.Completed = append(next.Completed, cardID)
			}
		}
		next.SavedAt = asOf
		complete := next.Done()

		err = m.store.ApplyGrade(ctx, storage.GradeWrite{
			Card:            graded,
			Epoch:           s.Epoch,
			Session:         &next,
			ExpectedVersion: s.Version,
			Complete:        complete,
		})
		if err != nil {
			return storeError("apply grade", err)
		}

		res = GradeResult{Card: graded, Complete: complete}
		if !complete {
			res.Session = &next
		}
		return nil
	})
	if err != nil {
		m.logFailure("record grade", err, "owner_id", ownerID, "track_id", trackID, "card_id", cardID)
		return GradeResult{}, err
	}
	if replayed {
		m.log.Info("grade already recorded", "owner_id", ownerID, "track_id", trackID, "card_id", cardID, "version", version)
		return res, nil
	}

	m.log.Debug("grade recorded", "owner_id", ownerID, "track_id", trackID, "card_id", cardID,
		"outcome", outcome, "interval_days", res.Card.IntervalDays, "mastered", res.Card.Mastered)
	if res.Complete {
		m.log.Info("session complete", "owner_id", ownerID, "track_id", trackID)
	}
	return res, nil
}

// committedGrade reports whether a grade of cardID at asOf from the
// session at version has already been written. s is the session as stored
// now; nil means the grade completed and deleted it.
func (m *Manager) committedGrade(ctx context.Context, s *domain.Session, ownerID, trackID, cardID string, asOf time.Time, version int64) (GradeResult, bool, error) {
	if s != nil && (s.Version != version+1 || !s.HasCompleted(cardID)) {
		return GradeResult{}, false, nil
	}
	card, err := m.store.GetCard(ctx, ownerID, trackID, cardID)
	if err != nil {
		return GradeResult{}, false, storeError("get card", err)
	}
	if card == nil || card.LastReviewedAt == nil || !sameInstant(*card.LastReviewedAt, asOf) {
		return GradeResult{}, false, nil
	}
	if s == nil {
		return GradeResult{Card: *card, Complete: true}, true, nil
	}
	return GradeResult{Card: *card, Session: s}, true, nil
}

// sameInstant compares stored timestamps, which postgres keeps to the microsecond.
func sameInstant(a, b time.Time) bool {
	d := a.Sub(b)
	return d > -time.Microsecond && d < time.Microsecond
}

// DiscardSession deletes the active session, if any.
func (m *Manager) DiscardSession(ctx context.Context, ownerID, trackID string) error {
	err := m.exclusive(ctx, ownerID, trackID, func(ctx context.Context) error {
		if err := m.store.DeleteSession(ctx, ownerID, trackID); err != nil {
			return storeError("delete session", err)
		}
		return nil
	})
	if err != nil {
		m.logFailure("discard session", err, "owner_id", ownerID, "track_id", trackID)
		return err
	}
	m.log.Info("session discarded", "owner_id", ownerID, "track_id", trackID)
	return nil
}

// CheckpointSession overwrites the position and completed set of the active
// session. completed must be a subset of the queue and currentIndex must lie
// within it; a checkpoint at the end of the queue completes the session.
func (m *Manager) CheckpointSession(ctx context.Context, ownerID, trackID string, currentIndex int, completed []string, asOf time.Time) error {
	err := m.exclusive(ctx, ownerID, trackID, func(ctx context.Context) error {
		s, err := m.store.GetSession(ctx, ownerID, trackID)
		if err != nil {
			return storeError("get session", err)
		}
		if s == nil {
			return domain.ErrNoActiveSession
		}
		if currentIndex < 0 || currentIndex > len(s.Queue) {
			return fmt.Errorf("%w: index %d outside queue of %d", domain.ErrInvalidCheckpoint, currentIndex, len(s.Queue))
		}
		if unknown := lo.Without(completed, s.Queue...); len(unknown) > 0 {
			return fmt.Errorf("%w: %v not in queue", domain.ErrInvalidCheckpoint, unknown)
		}

		if currentIndex == len(s.Queue) {
			if err := m.store.DeleteSession(ctx, ownerID, trackID); err != nil {
				return storeError("delete session", err)
			}
			return nil
		}

		next := s.Clone()
		next.CurrentIndex = currentIndex
		next.Completed = lo.Uniq(completed)
		next.SavedAt = asOf
		if err := m.store.SaveSession(ctx, &next, s.Version); err != nil {
			return storeError("save session", err)
		}
		return nil
	})
	if err != nil {
		m.logFailure("checkpoint session", err, "owner_id", ownerID, "track_id", trackID)
		return err
	}
	m.log.Debug("session checkpointed", "owner_id", ownerID, "track_id", trackID, "index", currentIndex)
	return nil
}

// ResetTrack returns every card of the owner on the track to its
// never-studied state and discards the active session, atomically.
func (m *Manager) ResetTrack(ctx context.Context, ownerID, trackID string) (int, error) {
	var n int
	err := m.exclusive(ctx, ownerID, trackID, func(ctx context.Context) error {
		var err error
		n, err = m.store.ResetTrack(ctx, ownerID, trackID, m.now())
		if err != nil {
			return storeError("reset track", err)
		}
		return nil
	})
	if err != nil {
		m.logFailure("reset track", err, "owner_id", ownerID, "track_id", trackID)
		return 0, err
	}
	m.log.Info("track reset", "owner_id", ownerID, "track_id", trackID, "cards", n)
	return n, nil
}

// exclusive runs fn holding the (owner, track) lock, with the store timeout
// applied to fn's context.
func (m *Manager) exclusive(ctx context.Context, ownerID, trackID string, fn func(ctx context.Context) error) error {
	lctx, cancel := context.WithTimeout(ctx, m.lockWait)
	unlock, err := m.locker.Lock(lctx, lockKey(ownerID, trackID))
	cancel()
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return fmt.Errorf("%w: %w", domain.ErrConcurrentModification, err)
		}
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	defer unlock()

	sctx, scancel := m.storeContext(ctx)
	defer scancel()
	return fn(sctx)
}

func (m *Manager) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.storeTimeout)
}

func lockKey(ownerID, trackID string) string {
	return ownerID + ":" + trackID
}

// storeError passes through the conditions the store reports on purpose and
// classifies everything else, timeouts included, as ErrStoreUnavailable.
func storeError(op string, err error) error {
	if errors.Is(err, domain.ErrConcurrentModification) || errors.Is(err, domain.ErrCardNotFound) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

func (m *Manager) logFailure(op string, err error, kv ...any) {
	kv = append(kv, "error", err)
	switch {
	case errors.Is(err, domain.ErrEmptyQueue), errors.Is(err, domain.ErrNoActiveSession):
		m.log.Debug(op, kv...)
	case errors.Is(err, domain.ErrStoreUnavailable):
		m.log.Error(op+" failed", kv...)
	default:
		m.log.Warn(op+" failed", kv...)
	}
}
