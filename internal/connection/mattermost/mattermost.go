// Package mattermost connects the relay to one Mattermost channel over the
// REST API v4.
package mattermost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"

	"crosspost/internal/connection"
	"crosspost/internal/message"
	"crosspost/internal/relay/retry"
	logx "crosspost/pkg/logx"
)

const (
	MaxLength       = 16383
	defaultPageSize = 60
)

type Config struct {
	URL     string `json:"url"`
	Token   string `json:"token"`
	Channel string `json:"channel"`
	// IncludeBots relays posts that carry the from_bot prop.
	IncludeBots bool `json:"include_bots,omitempty"`
	PageSize    int  `json:"page_size,omitempty"`

	MaxLength int `json:"-"`
}

// Conn relays posts of one channel. Attachments are downloaded on read and
// uploaded on write.
type Conn struct {
	connection.Base
	cfg    Config
	log    logx.Logger
	client *model.Client4

	mu        sync.Mutex
	cursor    string
	baselined bool
}

func New(name string, modes connection.Modes, cfg Config, log logx.Logger) (*Conn, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("mattermost url is empty")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("mattermost token is empty")
	}
	if strings.TrimSpace(cfg.Channel) == "" {
		return nil, errors.New("mattermost channel is empty")
	}
	caps := connection.Capabilities{MaxLength: MaxLength, Media: message.TextMedia}
	if cfg.MaxLength > 0 && cfg.MaxLength < MaxLength {
		caps.MaxLength = cfg.MaxLength
	}
	base, err := connection.NewBase(name, modes, connection.ReadWrite, caps)
	if err != nil {
		return nil, err
	}
	if cfg.PageSize <= 0 || cfg.PageSize > 200 {
		cfg.PageSize = defaultPageSize
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	client := model.NewAPIv4Client(strings.TrimRight(cfg.URL, "/"))
	client.SetToken(cfg.Token)
	return &Conn{
		Base:   base,
		cfg:    cfg,
		log:    log.With(logx.String("comp", "mattermost"), logx.String("conn", name)),
		client: client,
	}, nil
}

func (c *Conn) ReadNew(ctx context.Context) ([]message.Message, error) {
	if !c.Modes().Has(connection.Read) {
		return nil, connection.ErrUnsupportedMode
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.baselined {
		list, resp, err := c.client.GetPostsForChannel(ctx, c.cfg.Channel, 0, 1, "", false, false)
		if err != nil {
			return nil, classify(resp, err)
		}
		if posts := sortedPosts(list); len(posts) > 0 {
			c.cursor = posts[len(posts)-1].Id
		}
		c.baselined = true
		c.log.Debug("baseline", logx.String("cursor", c.cursor))
		return nil, nil
	}

	var (
		list *model.PostList
		resp *model.Response
		err  error
	)
	if c.cursor == "" {
		list, resp, err = c.client.GetPostsForChannel(ctx, c.cfg.Channel, 0, c.cfg.PageSize, "", false, false)
	} else {
		list, resp, err = c.client.GetPostsAfter(ctx, c.cfg.Channel, c.cursor, 0, c.cfg.PageSize, "", false, false)
	}
	if err != nil {
		return nil, classify(resp, err)
	}

	posts := sortedPosts(list)
	out := make([]message.Message, 0, len(posts))
	for _, p := range posts {
		if !c.relayable(p) {
			continue
		}
		msg, err := c.convert(ctx, p)
		if err != nil {
			// Files are fetched before the cursor moves; a failed download
			// retries the whole batch.
			return nil, err
		}
		out = append(out, msg)
	}
	if len(posts) > 0 {
		c.cursor = posts[len(posts)-1].Id
	}
	return out, nil
}

func sortedPosts(list *model.PostList) []*model.Post {
	if list == nil {
		return nil
	}
	posts := list.ToSlice()
	sort.SliceStable(posts, func(i, j int) bool {
		return posts[i].CreateAt < posts[j].CreateAt
	})
	return posts
}

func (c *Conn) relayable(p *model.Post) bool {
	if p.Type != "" && p.Type != model.PostTypeDefault {
		return false
	}
	if p.DeleteAt != 0 {
		return false
	}
	if !c.cfg.IncludeBots && p.GetProp("from_bot") == "true" {
		return false
	}
	return true
}

func (c *Conn) convert(ctx context.Context, p *model.Post) (message.Message, error) {
	var media []message.Media
	if p.Metadata != nil {
		for _, fi := range p.Metadata.Files {
			if fi == nil {
				continue
			}
			if _, ok := message.SupportedMIMETypes[strings.ToLower(fi.MimeType)]; !ok {
				continue
			}
			data, resp, err := c.client.GetFile(ctx, fi.Id)
			if err != nil {
				return message.Message{}, classify(resp, err)
			}
			media = append(media, message.Media{MIMEType: fi.MimeType, Content: data})
		}
	}
	return message.New(p.Id, p.Message, message.WithMedia(media...))
}

func (c *Conn) Write(ctx context.Context, msg message.Message) (connection.WriteResult, error) {
	if !c.Modes().Has(connection.Write) {
		return connection.WriteResult{}, connection.ErrUnsupportedMode
	}
	if err := msg.CheckFor(c.Capabilities().Media, c.Capabilities().MaxLength); err != nil {
		return connection.WriteResult{}, err
	}

	text := msg.Body()
	var fileIDs model.StringArray
	for i, m := range msg.ValidMedia() {
		if len(m.Content) == 0 {
			text = strings.TrimSpace(text + "\n" + m.URL)
			continue
		}
		up, resp, err := c.client.UploadFile(ctx, m.Content, c.cfg.Channel, fileName(i, m))
		if err != nil {
			return connection.WriteResult{}, classify(resp, err)
		}
		if len(up.FileInfos) == 0 {
			return connection.WriteResult{}, errors.New("mattermost: upload returned no file info")
		}
		fileIDs = append(fileIDs, up.FileInfos[0].Id)
	}

	post := &model.Post{ChannelId: c.cfg.Channel, Message: text, FileIds: fileIDs}
	created, resp, err := c.client.CreatePost(ctx, post)
	if err != nil {
		return connection.WriteResult{}, classify(resp, err)
	}
	c.log.Debug("posted", logx.String("post_id", created.Id), logx.String("source_id", msg.ID()), logx.Int("files", len(fileIDs)))
	return connection.WriteResult{ExternalID: created.Id}, nil
}

func fileName(i int, m message.Media) string {
	return fmt.Sprintf("attachment-%d.%s", i+1, m.Extension())
}

func classify(resp *model.Response, err error) error {
	code := 0
	var appErr *model.AppError
	if errors.As(err, &appErr) {
		code = appErr.StatusCode
	}
	if code == 0 && resp != nil {
		code = resp.StatusCode
	}
	if code == http.StatusRequestEntityTooLarge {
		err = fmt.Errorf("%w: %w", message.ErrPayloadTooLarge, err)
	}
	if code == 0 {
		return fmt.Errorf("mattermost: %w", err)
	}
	return retry.Status(code, err)
}
