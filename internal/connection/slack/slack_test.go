package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/connection"
	"crosspost/internal/message"
	"crosspost/internal/relay/retry"
	logx "crosspost/pkg/logx"
)

type fakeSlack struct {
	Server *httptest.Server

	mu       sync.Mutex
	history  []map[string]any // newest first
	posted   []string
	postErr  string
	oldest   []string
	rateWait string
}

func newFakeSlack() *fakeSlack {
	f := &fakeSlack{}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeSlack) handler(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	f.mu.Lock()
	defer f.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")

	switch r.URL.Path {
	case "/conversations.history":
		f.oldest = append(f.oldest, r.Form.Get("oldest"))
		msgs := f.history
		if r.Form.Get("limit") == "1" && len(msgs) > 1 {
			msgs = msgs[:1]
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "messages": msgs, "has_more": false})
	case "/chat.postMessage":
		if f.rateWait != "" {
			w.Header().Set("Retry-After", f.rateWait)
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		if f.postErr != "" {
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": f.postErr})
			return
		}
		f.posted = append(f.posted, r.Form.Get("text"))
		ts := "1700000100.00000" + string(rune('0'+len(f.posted)))
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "channel": r.Form.Get("channel"), "ts": ts})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeSlack) push(ts, text string, extra map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := map[string]any{"type": "message", "user": "U1", "ts": ts, "text": text}
	for k, v := range extra {
		m[k] = v
	}
	f.history = append([]map[string]any{m}, f.history...)
}

func newConn(t *testing.T, f *fakeSlack, modes connection.Modes) *Conn {
	t.Helper()
	c, err := New("slack", modes, Config{Token: "xoxb-test", Channel: "C1", APIURL: f.Server.URL}, logx.Nop())
	require.NoError(t, err)
	return c
}

func TestReadBaselineThenNew(t *testing.T) {
	f := newFakeSlack()
	defer f.Server.Close()
	f.push("1700000000.000100", "old", nil)

	c := newConn(t, f, connection.ReadWrite)
	ctx := context.Background()

	got, err := c.ReadNew(ctx)
	require.NoError(t, err)
	assert.Empty(t, got, "first read only sets the baseline")

	f.push("1700000001.000100", "first", nil)
	f.push("1700000002.000100", "", map[string]any{"subtype": "channel_join"})
	f.push("1700000003.000100", "from bot", map[string]any{"bot_id": "B1"})
	f.push("1700000004.000100", "second", nil)

	got, err = c.ReadNew(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "first", got[0].Body())
	assert.Equal(t, "1700000001.000100", got[0].ID())
	assert.Equal(t, "second", got[1].Body())

	got, err = c.ReadNew(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, "1700000004.000100", f.oldest[len(f.oldest)-1])
}

func TestWriteReturnsTimestamp(t *testing.T) {
	f := newFakeSlack()
	defer f.Server.Close()
	c := newConn(t, f, connection.Modes(connection.Write))

	res, err := c.Write(context.Background(), message.MustNew("x", "hello"))
	require.NoError(t, err)
	assert.Equal(t, "1700000100.000001", res.ExternalID)
	assert.Equal(t, []string{"hello"}, f.posted)

	_, err = c.ReadNew(context.Background())
	assert.ErrorIs(t, err, connection.ErrUnsupportedMode)
}

func TestWriteErrorsClassified(t *testing.T) {
	f := newFakeSlack()
	defer f.Server.Close()
	c := newConn(t, f, connection.ReadWrite)
	ctx := context.Background()

	f.postErr = "channel_not_found"
	_, err := c.Write(ctx, message.MustNew("x", "hello"))
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))

	f.postErr = "internal_error"
	_, err = c.Write(ctx, message.MustNew("x", "hello"))
	require.Error(t, err)
	assert.Equal(t, retry.ClassTransient, retry.Classify(ctx, err))

	f.postErr = ""
	f.rateWait = "3"
	_, err = c.Write(ctx, message.MustNew("x", "hello"))
	var ra retry.RetryAfterError
	require.ErrorAs(t, err, &ra)
	assert.Equal(t, "3s", ra.RetryAfter().String())
}

func TestWriteRejectsMedia(t *testing.T) {
	f := newFakeSlack()
	defer f.Server.Close()
	c := newConn(t, f, connection.ReadWrite)

	msg := message.MustNew("x", "", message.WithMedia(message.Media{MIMEType: "image/png", Content: []byte{1}}))
	_, err := c.Write(context.Background(), msg)
	assert.ErrorIs(t, err, message.ErrEmpty)
	assert.Empty(t, f.posted)
}

func TestNewValidation(t *testing.T) {
	_, err := New("s", connection.ReadWrite, Config{Channel: "C1"}, logx.Nop())
	assert.Error(t, err)
	_, err = New("s", connection.ReadWrite, Config{Token: "t"}, logx.Nop())
	assert.Error(t, err)

	c, err := New("s", connection.ReadWrite, Config{Token: "t", Channel: "C1", MaxLength: 300}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, 300, c.Capabilities().MaxLength)
	assert.Equal(t, message.TextOnly, c.Capabilities().Media)
}

func TestTimestampOrder(t *testing.T) {
	assert.True(t, tsLess("", "1.000001"))
	assert.True(t, tsLess("1700000000.000100", "1700000000.000200"))
	assert.True(t, tsLess("999.9", "1000.0"))
	assert.False(t, tsLess("1700000000.000100", "1700000000.000100"))
}
