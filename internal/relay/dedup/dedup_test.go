package dedup

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"crosspost/internal/message"
)

func TestSeenSetEvictsOldest(t *testing.T) {
	s := NewSeenSet(3)
	for i := 0; i < 5; i++ {
		added, _ := s.Add(fmt.Sprint(i), KindAccepted)
		assert.True(t, added)
	}
	assert.Equal(t, 3, s.Len())
	assert.False(t, s.Has("0"))
	assert.False(t, s.Has("1"))
	assert.True(t, s.Has("4"))

	added, kind := s.Add("3", KindSelf)
	assert.False(t, added)
	assert.Equal(t, KindAccepted, kind)
}

func TestShouldAcceptOncePerOrigin(t *testing.T) {
	d := New()
	m := message.MustNew("42", "hi")
	assert.True(t, d.ShouldAccept(m, 0))
	assert.False(t, d.ShouldAccept(m, 0))
	// Same id on another connection is a different message.
	assert.True(t, d.ShouldAccept(m, 1))
}

func TestShouldAcceptConcurrent(t *testing.T) {
	d := New()
	m := message.MustNew("same", "x")
	var accepted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.ShouldAccept(m, 0) {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, accepted.Load())
}

func TestSelfAuthoredIsRejected(t *testing.T) {
	d := New()
	src := message.MustNew("a-1", "hello")
	d.MarkWritten(1, src, OriginKey(0), "b-99")

	echo := message.MustNew("b-99", "hello")
	assert.Equal(t, SelfAuthored, d.Check(echo, 1))
	assert.Equal(t, Seen, d.Check(echo, 1))
}

func TestAlreadyWritten(t *testing.T) {
	d := New(WithContentDedup(false))
	m := message.MustNew("7", "body")
	assert.False(t, d.AlreadyWritten(2, m, OriginKey(0)))
	d.MarkWritten(2, m, OriginKey(0), "")
	assert.True(t, d.AlreadyWritten(2, m, OriginKey(0)))
	assert.False(t, d.AlreadyWritten(3, m, OriginKey(0)))
	assert.False(t, d.AlreadyWritten(2, m, OriginKey(PostNowOrigin)))
}

func TestContentDedupFirstWriteWins(t *testing.T) {
	d := New()
	fromA := message.MustNew("a-1", "same words")
	fromB := message.MustNew("b-1", "same  words")
	d.MarkWritten(2, fromA, OriginKey(0), "c-1")
	assert.True(t, d.AlreadyWritten(2, fromB, OriginKey(1)))

	off := New(WithContentDedup(false))
	off.MarkWritten(2, fromA, OriginKey(0), "c-1")
	assert.False(t, off.AlreadyWritten(2, fromB, OriginKey(1)))
}

func TestContentDedupIgnoresSameOrigin(t *testing.T) {
	d := New()
	monday := message.MustNew("a-1", "good morning")
	tuesday := message.MustNew("a-2", "good morning")
	d.MarkWritten(2, monday, OriginKey(0), "c-1")
	assert.False(t, d.AlreadyWritten(2, tuesday, OriginKey(0)))

	img := func(id string, b byte) message.Message {
		return message.MustNew(id, "", message.WithMedia(message.Media{MIMEType: "image/png", Content: []byte{b, b, b}}))
	}
	d.MarkWritten(2, img("a-3", 1), OriginKey(0), "")
	assert.False(t, d.AlreadyWritten(2, img("b-3", 2), OriginKey(1)), "same size, different bytes")
	assert.True(t, d.AlreadyWritten(2, img("b-4", 1), OriginKey(1)))
}

func TestContentDedupWindowExpires(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d := New(WithContentWindow(time.Minute))
	d.now = func() time.Time { return now }

	d.MarkWritten(2, message.MustNew("a-1", "news"), OriginKey(0), "")
	fromB := message.MustNew("b-1", "news")
	assert.True(t, d.AlreadyWritten(2, fromB, OriginKey(1)))

	now = now.Add(2 * time.Minute)
	assert.False(t, d.AlreadyWritten(2, fromB, OriginKey(1)))
	assert.Equal(t, 0, d.Sizes()[2].Content)
}

func TestCapacityBoundsMemory(t *testing.T) {
	d := New(WithCapacity(10), WithContentDedup(false))
	for i := 0; i < 100; i++ {
		d.ShouldAccept(message.MustNew(fmt.Sprint(i), "x"), 0)
	}
	assert.Equal(t, 10, d.Sizes()[0].Read)
	assert.Equal(t, "postnow", OriginKey(PostNowOrigin))
	assert.Equal(t, "3/x", IdentityKey(OriginKey(3), message.MustNew("x", "")))
}
