package mattermost

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/connection"
	"crosspost/internal/message"
	"crosspost/internal/relay/retry"
	logx "crosspost/pkg/logx"
)

// fakeMM simulates the parts of the Mattermost API the connection calls.
type fakeMM struct {
	Server *httptest.Server

	mu      sync.Mutex
	posts   []*model.Post // oldest first
	files   map[string][]byte
	created []*model.Post
	uploads int
	failing map[string]int // path prefix -> status
}

func newFakeMM() *fakeMM {
	f := &fakeMM{files: map[string][]byte{}, failing: map[string]int{}}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) add(p *model.Post) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.CreateAt = int64(len(f.posts) + 1)
	f.posts = append(f.posts, p)
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	p := r.URL.Path

	for prefix, code := range f.failing {
		if strings.HasPrefix(p, prefix) {
			w.WriteHeader(code)
			_ = json.NewEncoder(w).Encode(map[string]any{"id": "fake.error", "message": "fake error", "status_code": code})
			return
		}
	}

	switch {
	case r.Method == http.MethodGet && strings.HasPrefix(p, "/api/v4/channels/") && strings.HasSuffix(p, "/posts"):
		q := r.URL.Query()
		list := model.NewPostList()
		var window []*model.Post
		if after := q.Get("after"); after != "" {
			for i, post := range f.posts {
				if post.Id == after {
					window = f.posts[i+1:]
				}
			}
		} else {
			window = f.posts
			if q.Get("per_page") == "1" && len(window) > 1 {
				window = window[len(window)-1:]
			}
		}
		for i := len(window) - 1; i >= 0; i-- {
			list.AddPost(window[i])
			list.AddOrder(window[i].Id)
		}
		_ = json.NewEncoder(w).Encode(list)

	case r.Method == http.MethodPost && p == "/api/v4/files":
		f.uploads++
		id := "file-" + string(rune('0'+f.uploads))
		_ = json.NewEncoder(w).Encode(&model.FileUploadResponse{FileInfos: []*model.FileInfo{{Id: id}}})

	case r.Method == http.MethodGet && strings.HasPrefix(p, "/api/v4/files/"):
		data, ok := f.files[strings.TrimPrefix(p, "/api/v4/files/")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)

	case r.Method == http.MethodPost && p == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		post.Id = "created-" + string(rune('0'+len(f.created)+1))
		f.created = append(f.created, &post)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(&post)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newConn(t *testing.T, f *fakeMM) *Conn {
	t.Helper()
	c, err := New("mm", connection.ReadWrite, Config{URL: f.Server.URL, Token: "tok", Channel: "ch1"}, logx.Nop())
	require.NoError(t, err)
	return c
}

func TestReadBaselineThenNew(t *testing.T) {
	f := newFakeMM()
	defer f.Server.Close()
	f.add(&model.Post{Id: "p1", ChannelId: "ch1", Message: "history"})

	c := newConn(t, f)
	ctx := context.Background()

	got, err := c.ReadNew(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	f.files["f1"] = []byte("png-bytes")
	f.add(&model.Post{Id: "p2", ChannelId: "ch1", Message: "hello", Metadata: &model.PostMetadata{
		Files: []*model.FileInfo{{Id: "f1", MimeType: "image/png"}, {Id: "f2", MimeType: "application/pdf"}},
	}})
	f.add(&model.Post{Id: "p3", ChannelId: "ch1", Type: model.PostTypeJoinChannel})
	f.add(&model.Post{Id: "p4", ChannelId: "ch1", Message: "world"})

	got, err = c.ReadNew(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "p2", got[0].ID())
	require.Len(t, got[0].Media(), 1)
	assert.Equal(t, []byte("png-bytes"), got[0].Media()[0].Content)
	assert.Equal(t, "world", got[1].Body())

	got, err = c.ReadNew(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadFromEmptyChannel(t *testing.T) {
	f := newFakeMM()
	defer f.Server.Close()
	c := newConn(t, f)
	ctx := context.Background()

	_, err := c.ReadNew(ctx)
	require.NoError(t, err)

	f.add(&model.Post{Id: "p1", ChannelId: "ch1", Message: "first"})
	got, err := c.ReadNew(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "first", got[0].Body())
}

func TestWriteUploadsMedia(t *testing.T) {
	f := newFakeMM()
	defer f.Server.Close()
	c := newConn(t, f)

	msg := message.MustNew("src-1", "caption", message.WithMedia(
		message.Media{MIMEType: "image/jpeg", Content: []byte{1, 2, 3}},
		message.Media{MIMEType: "image/png", URL: "https://example.com/a.png"},
		message.Media{MIMEType: "text/plain", Content: []byte("x")},
	))
	res, err := c.Write(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "created-1", res.ExternalID)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Equal(t, 1, f.uploads)
	require.Len(t, f.created, 1)
	assert.Equal(t, "caption\nhttps://example.com/a.png", f.created[0].Message)
	assert.Equal(t, model.StringArray{"file-1"}, f.created[0].FileIds)
}

func TestWriteErrorsClassified(t *testing.T) {
	f := newFakeMM()
	defer f.Server.Close()
	c := newConn(t, f)
	ctx := context.Background()

	f.failing["/api/v4/posts"] = http.StatusForbidden
	_, err := c.Write(ctx, message.MustNew("x", "hi"))
	require.Error(t, err)
	assert.Equal(t, retry.ClassPermanent, retry.Classify(ctx, err))

	f.failing["/api/v4/posts"] = http.StatusBadGateway
	_, err = c.Write(ctx, message.MustNew("x", "hi"))
	require.Error(t, err)
	assert.Equal(t, retry.ClassTransient, retry.Classify(ctx, err))

	delete(f.failing, "/api/v4/posts")
	f.failing["/api/v4/files"] = http.StatusRequestEntityTooLarge
	_, err = c.Write(ctx, message.MustNew("x", "hi", message.WithMedia(message.Media{MIMEType: "video/mp4", Content: []byte{1}})))
	assert.ErrorIs(t, err, message.ErrPayloadTooLarge)
}

func TestNewValidation(t *testing.T) {
	_, err := New("mm", connection.ReadWrite, Config{Token: "t", Channel: "c"}, logx.Nop())
	assert.Error(t, err)
	_, err = New("mm", connection.ReadWrite, Config{URL: "http://x", Channel: "c"}, logx.Nop())
	assert.Error(t, err)
	_, err = New("mm", connection.ReadWrite, Config{URL: "http://x", Token: "t"}, logx.Nop())
	assert.Error(t, err)
	_, err = New("mm", 0, Config{URL: "http://x", Token: "t", Channel: "c"}, logx.Nop())
	assert.ErrorIs(t, err, connection.ErrNoModes)
}
