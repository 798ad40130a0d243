package connection

import (
	"fmt"
	"strings"
)

type Mode uint8

const (
	Read Mode = 1 << iota
	Write
)

func (m Mode) String() string {
	switch m {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode accepts "read" or "write", case-insensitive.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read":
		return Read, nil
	case "write":
		return Write, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Modes is a set of Mode values.
type Modes uint8

// ReadWrite is the mode set of a two-way connection.
const ReadWrite = Modes(Read) | Modes(Write)

// NewModes builds a set, rejecting empty input and repeats.
func NewModes(ms ...Mode) (Modes, error) {
	if len(ms) == 0 {
		return 0, ErrNoModes
	}
	var out Modes
	for _, m := range ms {
		if m != Read && m != Write {
			return 0, fmt.Errorf("%w: %d", ErrUnknownMode, uint8(m))
		}
		if out.Has(m) {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateMode, m)
		}
		out |= Modes(m)
	}
	return out, nil
}

// ParseModes is NewModes over mode names.
func ParseModes(names []string) (Modes, error) {
	ms := make([]Mode, 0, len(names))
	for _, n := range names {
		m, err := ParseMode(n)
		if err != nil {
			return 0, err
		}
		ms = append(ms, m)
	}
	return NewModes(ms...)
}

func (s Modes) Has(m Mode) bool { return s&Modes(m) != 0 }
func (s Modes) Empty() bool     { return s&ReadWrite == 0 }

func (s Modes) List() []Mode {
	var out []Mode
	if s.Has(Read) {
		out = append(out, Read)
	}
	if s.Has(Write) {
		out = append(out, Write)
	}
	return out
}

func (s Modes) String() string {
	parts := make([]string, 0, 2)
	for _, m := range s.List() {
		parts = append(parts, m.String())
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}
