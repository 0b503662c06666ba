package srs

import (
	"fmt"
	"math"
	"time"

	"github.com/conorfennell/studyloop/internal/domain"
	"github.com/samber/lo"
)

const (
	easeBonus   = 0.1 // added to the ease factor on Easy
	easePenalty = 0.2 // subtracted from the ease factor on Forgot

	// masteryStreak is the number of consecutive Easy grades that marks a card mastered.
	masteryStreak = 3

	// MaxIntervalDays caps a computed interval so due dates stay representable.
	MaxIntervalDays = 36500
)

// Scheduler implements a binary-grade variant of SM-2.
// It holds no mutable state and is safe for concurrent use.
type Scheduler struct {
	loc *time.Location
}

// New returns a Scheduler that compares due dates by calendar day in loc.
// A nil loc means UTC.
func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{loc: loc}
}

// Location returns the time zone used for date-only comparisons.
func (s *Scheduler) Location() *time.Location {
	return s.loc
}

// Grade applies outcome to card at time now and returns the updated card.
// The input card is not mutated and nothing is persisted.
func (s *Scheduler) Grade(card domain.Card, outcome domain.Outcome, now time.Time) (domain.Card, error) {
	if !outcome.IsValid() {
		return domain.Card{}, fmt.Errorf("%w: %v", domain.ErrInvalidGrade, outcome)
	}

	c := card.Clone()
	switch outcome {
	case domain.Forgot:
		c.RepetitionCount = 0
		c.EaseFactor = clampEase(c.EaseFactor - easePenalty)
		c.IntervalDays = 1
		c.Mastered = false
	case domain.Easy:
		c.RepetitionCount++
		c.EaseFactor = clampEase(c.EaseFactor + easeBonus)
		c.IntervalDays = nextInterval(c.RepetitionCount, card.IntervalDays, c.EaseFactor)
		c.Mastered = c.RepetitionCount >= masteryStreak
		c.CorrectAttempts++
	}

	c.TotalAttempts++
	reviewed := now
	c.LastReviewedAt = &reviewed
	c.NextReviewAt = now.AddDate(0, 0, c.IntervalDays)
	return c, nil
}

// nextInterval returns the interval in days after a successful review.
func nextInterval(repetitions, previous int, ease float64) int {
	switch repetitions {
	case 1:
		return 1
	case 2:
		return 6
	}
	days := int(math.Round(float64(previous) * ease))
	return min(max(days, 1), MaxIntervalDays)
}

// clampEase rounds to two decimals, so repeated steps do not accumulate
// float error, and enforces the SM-2 floor.
func clampEase(ease float64) float64 {
	return math.Max(domain.MinEaseFactor, math.Round(ease*100)/100)
}

// IsDue reports whether card should be offered for review as of asOf.
// Cards never graded are always due. Otherwise the comparison is by calendar
// day, so a card due today stays due for the whole day.
func (s *Scheduler) IsDue(card domain.Card, asOf time.Time) bool {
	if card.TotalAttempts == 0 {
		return true
	}
	return !s.midnight(card.NextReviewAt).After(s.midnight(asOf))
}

func (s *Scheduler) midnight(t time.Time) time.Time {
	y, m, d := t.In(s.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.loc)
}

// Due returns the cards that are due as of asOf, preserving order.
func (s *Scheduler) Due(cards []domain.Card, asOf time.Time) []domain.Card {
	return lo.Filter(cards, func(c domain.Card, _ int) bool {
		return s.IsDue(c, asOf)
	})
}

// Classify places a card in exactly one presentation class.
func Classify(card domain.Card) domain.Class {
	switch {
	case card.TotalAttempts == 0:
		return domain.Unstudied
	case card.Mastered:
		return domain.Mastered
	default:
		return domain.NeedsReview
	}
}

// Stats are per-track counters derived from the card set on every read.
type Stats struct {
	Total       int `json:"total"`
	Unstudied   int `json:"unstudied"`
	Mastered    int `json:"mastered"`
	NeedsReview int `json:"needs_review"`
	Due         int `json:"due"`
}

// Tally computes Stats for cards as of asOf.
func (s *Scheduler) Tally(cards []domain.Card, asOf time.Time) Stats {
	counts := lo.CountValues(lo.Map(cards, func(c domain.Card, _ int) domain.Class {
		return Classify(c)
	}))
	return Stats{
		Total:       len(cards),
		Unstudied:   counts[domain.Unstudied],
		Mastered:    counts[domain.Mastered],
		NeedsReview: counts[domain.NeedsReview],
		Due: lo.CountBy(cards, func(c domain.Card) bool {
			return s.IsDue(c, asOf)
		}),
	}
}
