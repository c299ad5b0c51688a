// Package slot models the A/B firmware slots and the on-disk version map
// that records which component versions live in each slot.
package slot

import "fmt"

// Slot is one of the two firmware installation targets.
type Slot uint8

const (
	A Slot = iota
	B
)

// Opposite returns the other slot.
func (s Slot) Opposite() Slot {
	if s == A {
		return B
	}
	return A
}

func (s Slot) String() string {
	if s == A {
		return "a"
	}
	return "b"
}

// Parse accepts the spellings used by the platform oracle and the config
// file ("a", "A", "b", "B").
func Parse(v string) (Slot, error) {
	switch v {
	case "a", "A":
		return A, nil
	case "b", "B":
		return B, nil
	}
	return A, fmt.Errorf("invalid slot %q: expected A or B", v)
}

func (s Slot) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Slot) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
