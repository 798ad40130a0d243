// Package connection defines the capability contract every channel adapter
// implements, plus the shared mode and capability types.
//
// The orchestrator only calls ReadNew on connections whose Modes include
// Read, and only calls Write on connections whose Modes include Write.
package connection

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"crosspost/internal/message"
)

var (
	ErrNoModes         = errors.New("connection: no modes")
	ErrDuplicateMode   = errors.New("connection: duplicate mode")
	ErrUnsupportedMode = errors.New("connection: unsupported mode")
	ErrUnknownMode     = errors.New("connection: unknown mode")
	// ErrNotOpen is returned by adapters used before Open succeeded.
	ErrNotOpen = errors.New("connection: not open")
)

// Connection is one endpoint on an external channel.
type Connection interface {
	Name() string
	Modes() Modes
	Capabilities() Capabilities

	// ReadNew returns messages not returned before, oldest first, and advances
	// the adapter's cursor together with the return.
	ReadNew(ctx context.Context) ([]message.Message, error)

	// Write publishes msg and returns the platform id of the created post.
	Write(ctx context.Context, msg message.Message) (WriteResult, error)
}

// Opener is implemented by adapters that need a handshake before their first
// read or write.
type Opener interface {
	Open(ctx context.Context) error
}

type WriteResult struct {
	// ExternalID is the id the platform assigned to the post. Empty when the
	// platform does not report one; the relay then cannot recognise its own
	// post on read-back.
	ExternalID string
}

type Capabilities struct {
	// MaxLength is the longest body accepted, in code points. 0 means unlimited.
	MaxLength int
	Media     message.Type
}

func (c Capabilities) String() string {
	max := "unlimited"
	if c.MaxLength > 0 {
		max = fmt.Sprint(c.MaxLength)
	}
	return fmt.Sprintf("max_length=%s media=%s", max, c.Media)
}

// Base carries the fields every adapter shares. Adapters embed it.
type Base struct {
	name  string
	modes Modes
	caps  Capabilities
}

// NewBase validates modes against what the adapter supports.
func NewBase(name string, modes Modes, supported Modes, caps Capabilities) (Base, error) {
	if modes.Empty() {
		return Base{}, ErrNoModes
	}
	for _, m := range modes.List() {
		if !supported.Has(m) {
			return Base{}, fmt.Errorf("%w: %s on %q", ErrUnsupportedMode, m, name)
		}
	}
	if caps.MaxLength < 0 {
		caps.MaxLength = 0
	}
	return Base{name: strings.TrimSpace(name), modes: modes, caps: caps}, nil
}

func (b Base) Name() string               { return b.name }
func (b Base) Modes() Modes               { return b.modes }
func (b Base) Capabilities() Capabilities { return b.caps }

// CanRead reports whether c accepts ReadNew calls.
func CanRead(c Connection) bool { return c.Modes().Has(Read) }

// CanWrite reports whether c accepts Write calls.
func CanWrite(c Connection) bool { return c.Modes().Has(Write) }
