package domain

import (
	"encoding"
	"encoding/json"
	"fmt"
)

// Outcome is the learner's answer to a card. The review UI has two buttons,
// so there is no partial credit.
type Outcome int

const (
	Forgot Outcome = iota + 1 // Did not remember.
	Easy                      // Remembered well.
)

var (
	outcomeNames  = [...]string{Forgot: "forgot", Easy: "easy"}
	outcomeByName = map[string]Outcome{
		"forgot": Forgot,
		"easy":   Easy,
	}
)

var (
	_ fmt.Stringer             = Outcome(0)
	_ json.Marshaler           = Outcome(0)
	_ json.Unmarshaler         = (*Outcome)(nil)
	_ encoding.TextMarshaler   = Outcome(0)
	_ encoding.TextUnmarshaler = (*Outcome)(nil)
)

// IsValid reports whether o is one of the known outcomes.
func (o Outcome) IsValid() bool {
	return o == Forgot || o == Easy
}

func (o Outcome) String() string {
	if o.IsValid() {
		return outcomeNames[o]
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	if !o.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidGrade, int(o))
	}
	return []byte(outcomeNames[o]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Outcome) UnmarshalText(text []byte) error {
	v, ok := outcomeByName[string(text)]
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidGrade, text)
	}
	*o = v
	return nil
}

// MarshalJSON implements json.Marshaler. Outcomes serialize as JSON strings.
func (o Outcome) MarshalJSON() ([]byte, error) {
	text, err := o.MarshalText()
	if err != nil {
		return nil, err
	}
	return json.Marshal(string(text))
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidGrade, data)
	}
	return o.UnmarshalText([]byte(s))
}
