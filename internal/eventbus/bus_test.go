package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFanout(t *testing.T) {
	b := New()
	all, unsubAll := b.Subscribe(4)
	defer unsubAll()
	relay, unsubRelay := b.Subscribe(4, "relay.")
	defer unsubRelay()

	b.Publish(Event{Type: "relay.delivered", Data: 1})
	b.Publish(Event{Type: "config.reloaded"})

	require.Len(t, all, 2)
	require.Len(t, relay, 1)
	e := <-relay
	assert.Equal(t, "relay.delivered", e.Type)
	assert.False(t, e.Time.IsZero())
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	for i := 0; i < 10; i++ {
		b.Publish(Event{Type: "x"})
	}
	assert.EqualValues(t, 9, b.Dropped())
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	_, ok := <-ch
	assert.False(t, ok)
	b.Publish(Event{Type: "after"})
}
