package domain

import "errors"

// Sentinel errors shared by the scheduler, the session manager and the stores.
// Check with errors.Is; callers wrap them with context using %w.
var (
	ErrInvalidGrade           = errors.New("studyloop: invalid grade")
	ErrEmptyQueue             = errors.New("studyloop: no cards due")
	ErrNoActiveSession        = errors.New("studyloop: no active session")
	ErrOutOfSequence          = errors.New("studyloop: card graded out of sequence")
	ErrConcurrentModification = errors.New("studyloop: concurrent modification")
	ErrStoreUnavailable       = errors.New("studyloop: store unavailable")
	ErrInvalidCheckpoint      = errors.New("studyloop: invalid checkpoint")
	ErrCardNotFound           = errors.New("studyloop: card not found")
)

// IsRetriable reports whether the operation that produced err may succeed
// if repeated against fresh state.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrConcurrentModification)
}
