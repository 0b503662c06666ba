package session

import (
	"context"
	"fmt"
	"time"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"github.com/samber/lo"

	"github.com/conorfennell/studyloop/internal/domain"
	"github.com/conorfennell/studyloop/internal/srs"
	"github.com/conorfennell/studyloop/internal/storage"
)

// CardView is a card together with the badges derived from its SRS state.
type CardView struct {
	domain.Card
	Class domain.Class `json:"class"`
	Due   bool         `json:"due"`
}

// Filter narrows ListCards. Zero values match everything.
type Filter struct {
	// Query is fuzzy-matched against the front, back and subject of a card.
	Query string
	Class domain.Class
}

func (f Filter) match(c domain.Card, class domain.Class) bool {
	if f.Class != "" && f.Class != class {
		return false
	}
	if f.Query == "" {
		return true
	}
	return fuzzy.MatchFold(f.Query, c.Content.Front) ||
		fuzzy.MatchFold(f.Query, c.Content.Back) ||
		fuzzy.MatchFold(f.Query, c.Content.Subject)
}

// GradeCard grades a single card outside any session. It is serialized with
// session writes on the same track and rejected if the track is reset
// between reading the card and writing it.
func (m *Manager) GradeCard(ctx context.Context, ownerID, trackID, cardID string, outcome domain.Outcome, asOf time.Time) (domain.Card, error) {
	if !outcome.IsValid() {
		return domain.Card{}, fmt.Errorf("%w: %d", domain.ErrInvalidGrade, outcome)
	}

	var graded domain.Card
	err := m.exclusive(ctx, ownerID, trackID, func(ctx context.Context) error {
		epoch, err := m.store.TrackEpoch(ctx, ownerID, trackID)
		if err != nil {
			return storeError("read track epoch", err)
		}
		card, err := m.store.GetCard(ctx, ownerID, trackID, cardID)
		if err != nil {
			return storeError("get card", err)
		}
		if card == nil {
			return fmt.Errorf("%w: %s", domain.ErrCardNotFound, cardID)
		}

		graded, err = m.sched.Grade(*card, outcome, asOf)
		if err != nil {
			return err
		}
		if err := m.store.ApplyGrade(ctx, storage.GradeWrite{Card: graded, Epoch: epoch}); err != nil {
			return storeError("apply grade", err)
		}
		return nil
	})
	if err != nil {
		m.logFailure("grade card", err, "owner_id", ownerID, "track_id", trackID, "card_id", cardID)
		return domain.Card{}, err
	}
	m.log.Debug("card graded", "owner_id", ownerID, "track_id", trackID, "card_id", cardID, "outcome", outcome)
	return graded, nil
}

// TrackStats counts the owner's cards on a track by class, plus how many are due.
func (m *Manager) TrackStats(ctx context.Context, ownerID, trackID string, asOf time.Time) (srs.Stats, error) {
	ctx, cancel := m.storeContext(ctx)
	defer cancel()

	cards, err := m.store.ListCards(ctx, ownerID, trackID)
	if err != nil {
		err = storeError("list cards", err)
		m.logFailure("track stats", err, "owner_id", ownerID, "track_id", trackID)
		return srs.Stats{}, err
	}
	return m.sched.Tally(cards, asOf), nil
}

// ListCards returns the owner's cards on a track in insertion order,
// each with its class and due badge.
func (m *Manager) ListCards(ctx context.Context, ownerID, trackID string, f Filter, asOf time.Time) ([]CardView, error) {
	ctx, cancel := m.storeContext(ctx)
	defer cancel()

	cards, err := m.store.ListCards(ctx, ownerID, trackID)
	if err != nil {
		err = storeError("list cards", err)
		m.logFailure("list cards", err, "owner_id", ownerID, "track_id", trackID)
		return nil, err
	}

	views := lo.Map(cards, func(c domain.Card, _ int) CardView {
		return CardView{Card: c, Class: srs.Classify(c), Due: m.sched.IsDue(c, asOf)}
	})
	return lo.Filter(views, func(v CardView, _ int) bool {
		return f.match(v.Card, v.Class)
	}), nil
}
