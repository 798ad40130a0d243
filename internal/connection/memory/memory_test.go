package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/connection"
	"crosspost/internal/message"
)

func TestReadNewAdvancesCursor(t *testing.T) {
	c, err := New("a", connection.ReadWrite)
	require.NoError(t, err)
	ctx := context.Background()

	c.Post("one")
	c.Post("two")
	got, err := c.ReadNew(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Body())

	got, err = c.ReadNew(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	c.Rewind()
	got, _ = c.ReadNew(ctx)
	assert.Len(t, got, 2)
}

func TestBaselineSkipsHistory(t *testing.T) {
	c, err := New("a", connection.ReadWrite, WithBaseline(true))
	require.NoError(t, err)
	c.Post("old")
	got, err := c.ReadNew(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)

	c.Post("new")
	got, _ = c.ReadNew(context.Background())
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].Body())
}

func TestWriteEchoesAndValidates(t *testing.T) {
	c, err := New("b", connection.ReadWrite, WithMaxLength(3), WithMedia(message.TextOnly))
	require.NoError(t, err)
	ctx := context.Background()

	res, err := c.Write(ctx, message.MustNew("x", "hey"))
	require.NoError(t, err)
	assert.Equal(t, "b-w1", res.ExternalID)

	feed, _ := c.ReadNew(ctx)
	require.Len(t, feed, 1)
	assert.Equal(t, res.ExternalID, feed[0].ID())

	_, err = c.Write(ctx, message.MustNew("y", "toolong"))
	assert.ErrorIs(t, err, message.ErrTooLong)
	_, err = c.Write(ctx, message.MustNew("z", ""))
	assert.ErrorIs(t, err, message.ErrEmpty)
}

func TestModesAndHooks(t *testing.T) {
	c, err := New("w", connection.Modes(connection.Write), WithWriteHook(func(context.Context, message.Message) error {
		return errors.New("down")
	}))
	require.NoError(t, err)
	_, err = c.ReadNew(context.Background())
	assert.ErrorIs(t, err, connection.ErrUnsupportedMode)
	_, err = c.Write(context.Background(), message.MustNew("1", "hi"))
	assert.EqualError(t, err, "down")
}
