package connection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/message"
)

func TestNewModes(t *testing.T) {
	_, err := NewModes()
	assert.ErrorIs(t, err, ErrNoModes)

	_, err = NewModes(Read, Read)
	assert.ErrorIs(t, err, ErrDuplicateMode)

	m, err := NewModes(Write, Read)
	require.NoError(t, err)
	assert.Equal(t, ReadWrite, m)
	assert.Equal(t, "read,write", m.String())
}

func TestParseModes(t *testing.T) {
	m, err := ParseModes([]string{"READ"})
	require.NoError(t, err)
	assert.True(t, m.Has(Read))
	assert.False(t, m.Has(Write))

	_, err = ParseModes([]string{"write", "Write"})
	assert.ErrorIs(t, err, ErrDuplicateMode)

	_, err = ParseModes([]string{"listen"})
	assert.ErrorIs(t, err, ErrUnknownMode)

	_, err = ParseModes(nil)
	assert.ErrorIs(t, err, ErrNoModes)
}

func TestNewBase(t *testing.T) {
	writeOnly := Modes(Write)
	_, err := NewBase("push", ReadWrite, writeOnly, Capabilities{})
	assert.ErrorIs(t, err, ErrUnsupportedMode)

	_, err = NewBase("push", 0, writeOnly, Capabilities{})
	assert.ErrorIs(t, err, ErrNoModes)

	b, err := NewBase(" push ", writeOnly, ReadWrite, Capabilities{MaxLength: -5, Media: message.TextMedia})
	require.NoError(t, err)
	assert.Equal(t, "push", b.Name())
	assert.Equal(t, 0, b.Capabilities().MaxLength)
	assert.Equal(t, "max_length=unlimited media=text_media", b.Capabilities().String())
}
