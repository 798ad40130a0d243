package rss

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/connection"
	"crosspost/internal/message"
	"crosspost/internal/relay/retry"
	logx "crosspost/pkg/logx"
)

type item struct {
	guid, title, link, date, enclosure string
}

type fakeFeed struct {
	Server *httptest.Server

	mu     sync.Mutex
	items  []item // newest first
	status int
}

func newFakeFeed() *fakeFeed {
	f := &fakeFeed{}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.status != 0 {
			w.WriteHeader(f.status)
			return
		}
		var b strings.Builder
		b.WriteString(`<?xml version="1.0"?><rss version="2.0"><channel><title>t</title>`)
		for _, it := range f.items {
			b.WriteString("<item>")
			fmt.Fprintf(&b, "<guid>%s</guid><title>%s</title><link>%s</link>", it.guid, it.title, it.link)
			if it.date != "" {
				fmt.Fprintf(&b, "<pubDate>%s</pubDate>", it.date)
			}
			if it.enclosure != "" {
				fmt.Fprintf(&b, `<enclosure url="%s" length="10" type="image/png"/>`, it.enclosure)
			}
			b.WriteString("</item>")
		}
		b.WriteString("</channel></rss>")
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(b.String()))
	}))
	return f
}

func (f *fakeFeed) publish(it item) {
	f.mu.Lock()
	f.items = append([]item{it}, f.items...)
	f.mu.Unlock()
}

var readOnly = connection.Modes(connection.Read)

func TestBaselineThenNewItems(t *testing.T) {
	f := newFakeFeed()
	defer f.Server.Close()
	f.publish(item{guid: "a", title: "Old", link: "https://x/a", date: "Mon, 02 Jan 2006 15:04:05 GMT"})

	c, err := New("feed", readOnly, Config{URL: f.Server.URL}, logx.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	got, err := c.ReadNew(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	f.publish(item{guid: "b", title: "First", link: "https://x/b", date: "Tue, 03 Jan 2006 15:04:05 GMT", enclosure: "https://x/b.png"})
	f.publish(item{guid: "c", title: "Second", link: "https://x/c", date: "Wed, 04 Jan 2006 15:04:05 GMT"})

	got, err = c.ReadNew(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID())
	assert.Equal(t, "First\nhttps://x/b", got[0].Body())
	require.Len(t, got[0].Media(), 1)
	assert.Equal(t, "https://x/b.png", got[0].Media()[0].URL)
	assert.Equal(t, "c", got[1].ID())

	got, err = c.ReadNew(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBackfill(t *testing.T) {
	f := newFakeFeed()
	defer f.Server.Close()
	f.publish(item{guid: "a", title: "Old", link: "https://x/a"})

	c, err := New("feed", readOnly, Config{URL: f.Server.URL, Backfill: true, Format: FormatTitle}, logx.Nop())
	require.NoError(t, err)

	got, err := c.ReadNew(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Old", got[0].Body())
}

func TestRememberIsBounded(t *testing.T) {
	f := newFakeFeed()
	defer f.Server.Close()
	c, err := New("feed", readOnly, Config{URL: f.Server.URL, Remember: 2}, logx.Nop())
	require.NoError(t, err)

	for _, id := range []string{"1", "2", "3"} {
		c.remember(id)
	}
	assert.Equal(t, 2, c.known.Len())
	_, ok := c.known.Get("1")
	assert.False(t, ok)
}

func TestHTTPErrorsClassified(t *testing.T) {
	f := newFakeFeed()
	defer f.Server.Close()
	c, err := New("feed", readOnly, Config{URL: f.Server.URL}, logx.Nop())
	require.NoError(t, err)
	ctx := context.Background()

	f.status = http.StatusNotFound
	_, err = c.ReadNew(ctx)
	assert.Equal(t, retry.ClassPermanent, retry.Classify(ctx, err))

	f.status = http.StatusServiceUnavailable
	_, err = c.ReadNew(ctx)
	assert.Equal(t, retry.ClassTransient, retry.Classify(ctx, err))
}

func TestWriteModeRejected(t *testing.T) {
	_, err := New("feed", connection.ReadWrite, Config{URL: "http://x"}, logx.Nop())
	assert.ErrorIs(t, err, connection.ErrUnsupportedMode)

	c, err := New("feed", readOnly, Config{URL: "http://x"}, logx.Nop())
	require.NoError(t, err)
	_, err = c.Write(context.Background(), message.MustNew("x", "y"))
	assert.ErrorIs(t, err, connection.ErrUnsupportedMode)

	_, err = New("feed", readOnly, Config{URL: "http://x", Format: "html"}, logx.Nop())
	assert.Error(t, err)
}
