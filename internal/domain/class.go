package domain

// Class is the presentation bucket derived from a card's SRS fields.
// It is never stored.
type Class string

const (
	Unstudied   Class = "unstudied"
	Mastered    Class = "mastered"
	NeedsReview Class = "needs_review"
)

// ParseClass returns the class with the given name.
func ParseClass(s string) (Class, bool) {
	switch Class(s) {
	case Unstudied, Mastered, NeedsReview:
		return Class(s), true
	}
	return "", false
}
