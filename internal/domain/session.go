package domain

import (
	"slices"
	"time"
)

// Session is one in-progress pass through a learner's due queue on a track.
// At most one exists per (OwnerID, TrackID).
type Session struct {
	ID           string    `json:"id"`
	OwnerID      string    `json:"owner_id"`
	TrackID      string    `json:"track_id"`
	Queue        []string  `json:"queue"`
	CurrentIndex int       `json:"current_index"`
	Completed    []string  `json:"completed_ids"`
	StartedAt    time.Time `json:"started_at"`
	SavedAt      time.Time `json:"saved_at"`

	// Version is bumped on every write; writers compare-and-swap on it.
	Version int64 `json:"version"`
	// Epoch is the track epoch observed when the session started.
	Epoch int64 `json:"-"`
}

// Done reports whether every queued card has been graded.
func (s *Session) Done() bool {
	return s.CurrentIndex >= len(s.Queue)
}

// Current returns the card ID at the current position, or "" when done.
func (s *Session) Current() string {
	if s.Done() {
		return ""
	}
	return s.Queue[s.CurrentIndex]
}

// HasCompleted reports whether cardID was already graded in this session.
func (s *Session) HasCompleted(cardID string) bool {
	return slices.Contains(s.Completed, cardID)
}

// Clone returns a deep copy of the session.
func (s Session) Clone() Session {
	out := s
	out.Queue = slices.Clone(s.Queue)
	out.Completed = slices.Clone(s.Completed)
	return out
}
