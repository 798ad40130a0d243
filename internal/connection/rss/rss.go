// Package rss reads new items from an RSS, Atom or JSON feed. It is
// read-only.
package rss

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v3"
	"github.com/mmcdole/gofeed"

	"crosspost/internal/connection"
	"crosspost/internal/message"
	"crosspost/internal/relay/retry"
	logx "crosspost/pkg/logx"
)

// Body formats.
const (
	FormatTitleLink = "title_link"
	FormatTitle     = "title"
	FormatLink      = "link"
)

const defaultRemember = 1000

type Config struct {
	URL string `json:"url"`
	// Backfill returns the items already in the feed on the first read
	// instead of treating them as history.
	Backfill bool   `json:"backfill,omitempty"`
	Format   string `json:"format,omitempty"`
	// Remember bounds how many item ids are kept to detect new items.
	Remember  int    `json:"remember,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Timeout   string `json:"timeout,omitempty"`

	MaxLength int `json:"-"`
}

type Conn struct {
	connection.Base
	cfg    Config
	log    logx.Logger
	parser *gofeed.Parser

	mu        sync.Mutex
	known     *orderedmap.OrderedMap[string, struct{}]
	baselined bool
}

func New(name string, modes connection.Modes, cfg Config, log logx.Logger) (*Conn, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("rss url is empty")
	}
	switch cfg.Format {
	case "":
		cfg.Format = FormatTitleLink
	case FormatTitleLink, FormatTitle, FormatLink:
	default:
		return nil, fmt.Errorf("rss format %q: want %s, %s or %s", cfg.Format, FormatTitleLink, FormatTitle, FormatLink)
	}
	if cfg.Remember <= 0 {
		cfg.Remember = defaultRemember
	}
	timeout := 30 * time.Second
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("rss timeout %q: invalid duration", cfg.Timeout)
		}
		timeout = d
	}
	base, err := connection.NewBase(name, modes, connection.Modes(connection.Read), connection.Capabilities{Media: message.TextOnly})
	if err != nil {
		return nil, fmt.Errorf("rss is read-only: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := gofeed.NewParser()
	p.Client = &http.Client{Timeout: timeout}
	if cfg.UserAgent != "" {
		p.UserAgent = cfg.UserAgent
	}
	return &Conn{
		Base:      base,
		cfg:       cfg,
		log:       log.With(logx.String("comp", "rss"), logx.String("conn", name)),
		parser:    p,
		known:     orderedmap.NewOrderedMap[string, struct{}](),
		baselined: cfg.Backfill,
	}, nil
}

func (c *Conn) ReadNew(ctx context.Context) ([]message.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	feed, err := c.parser.ParseURLWithContext(c.cfg.URL, ctx)
	if err != nil {
		return nil, classify(err)
	}
	items := chronological(feed.Items)

	if !c.baselined {
		for _, it := range items {
			c.remember(itemID(it))
		}
		c.baselined = true
		c.log.Debug("baseline", logx.Int("items", len(items)))
		return nil, nil
	}

	var out []message.Message
	for _, it := range items {
		id := itemID(it)
		if id == "" {
			continue
		}
		if _, ok := c.known.Get(id); ok {
			continue
		}
		c.remember(id)
		msg, err := message.New(id, c.body(it), message.WithMedia(enclosures(it)...))
		if err != nil {
			c.log.Warn("skip item", logx.String("id", id), logx.Err(err))
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (c *Conn) Write(ctx context.Context, msg message.Message) (connection.WriteResult, error) {
	return connection.WriteResult{}, connection.ErrUnsupportedMode
}

func (c *Conn) remember(id string) {
	if id == "" {
		return
	}
	c.known.Set(id, struct{}{})
	for c.known.Len() > c.cfg.Remember {
		c.known.Delete(c.known.Front().Key)
	}
}

func (c *Conn) body(it *gofeed.Item) string {
	title := strings.TrimSpace(it.Title)
	link := strings.TrimSpace(it.Link)
	switch c.cfg.Format {
	case FormatTitle:
		return title
	case FormatLink:
		return link
	}
	if title == "" || link == "" {
		return title + link
	}
	return title + "\n" + link
}

func itemID(it *gofeed.Item) string {
	if id := strings.TrimSpace(it.GUID); id != "" {
		return id
	}
	return strings.TrimSpace(it.Link)
}

func enclosures(it *gofeed.Item) []message.Media {
	var out []message.Media
	for _, e := range it.Enclosures {
		if e == nil || e.URL == "" {
			continue
		}
		out = append(out, message.Media{MIMEType: e.Type, URL: e.URL})
	}
	if len(out) == 0 && it.Image != nil && it.Image.URL != "" {
		out = append(out, message.Media{URL: it.Image.URL})
	}
	return out
}

// chronological orders items oldest first. Feeds list newest first; when
// any item is undated, the reversed document order is kept.
func chronological(in []*gofeed.Item) []*gofeed.Item {
	out := make([]*gofeed.Item, 0, len(in))
	dated := true
	for i := len(in) - 1; i >= 0; i-- {
		if in[i] == nil {
			continue
		}
		if published(in[i]).IsZero() {
			dated = false
		}
		out = append(out, in[i])
	}
	if dated {
		sort.SliceStable(out, func(i, j int) bool {
			return published(out[i]).Before(published(out[j]))
		})
	}
	return out
}

func published(it *gofeed.Item) time.Time {
	if it.PublishedParsed != nil {
		return *it.PublishedParsed
	}
	if it.UpdatedParsed != nil {
		return *it.UpdatedParsed
	}
	return time.Time{}
}

func classify(err error) error {
	var he gofeed.HTTPError
	if errors.As(err, &he) {
		return retry.Status(he.StatusCode, err)
	}
	if errors.Is(err, gofeed.ErrFeedTypeNotDetected) {
		return retry.Permanent(err)
	}
	return fmt.Errorf("rss: %w", err)
}
