package domain

import "time"

// Default SRS state for a card that has never been graded.
const (
	DefaultEaseFactor = 2.5
	MinEaseFactor     = 1.3
)

// Content is the learner-facing part of a card. The scheduler never looks at it.
type Content struct {
	Front   string `json:"front"`
	Back    string `json:"back"`
	Subject string `json:"subject"`
}

// Card is a single flashcard owned by one learner on one exam track,
// together with its spaced-repetition state.
type Card struct {
	ID          string  `json:"id"`
	OwnerID     string  `json:"owner_id"`
	TrackID     string  `json:"track_id"`
	Content     Content `json:"content"`
	ContentHash string  `json:"content_hash,omitempty"`

	EaseFactor      float64    `json:"ease_factor"`
	IntervalDays    int        `json:"interval_days"`
	RepetitionCount int        `json:"repetition_count"`
	TotalAttempts   int        `json:"total_attempts"`
	CorrectAttempts int        `json:"correct_attempts"`
	LastReviewedAt  *time.Time `json:"last_reviewed_at"` // nil until the first grade.
	NextReviewAt    time.Time  `json:"next_review_at"`
	Mastered        bool       `json:"mastered"`

	CreatedAt time.Time `json:"created_at"`
}

// NewCard returns a card with default SRS fields, due immediately.
func NewCard(id, ownerID, trackID string, content Content, now time.Time) Card {
	c := Card{
		ID:        id,
		OwnerID:   ownerID,
		TrackID:   trackID,
		Content:   content,
		CreatedAt: now,
	}
	c.ResetProgress(now)
	return c
}

// ResetProgress reinitializes every SRS field, including the lifetime
// attempt counters. Content and identity are left alone.
func (c *Card) ResetProgress(now time.Time) {
	c.EaseFactor = DefaultEaseFactor
	c.IntervalDays = 0
	c.RepetitionCount = 0
	c.TotalAttempts = 0
	c.CorrectAttempts = 0
	c.LastReviewedAt = nil
	c.NextReviewAt = now
	c.Mastered = false
}

// Clone returns a copy that shares no pointers with c.
func (c Card) Clone() Card {
	out := c
	if c.LastReviewedAt != nil {
		v := *c.LastReviewedAt
		out.LastReviewedAt = &v
	}
	return out
}
