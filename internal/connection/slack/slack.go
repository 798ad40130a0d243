// Package slack connects the relay to one Slack channel through the Web API.
package slack

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/slack-go/slack"

	"crosspost/internal/connection"
	"crosspost/internal/message"
	"crosspost/internal/relay/retry"
	logx "crosspost/pkg/logx"
)

const (
	MaxLength       = 40000
	defaultPageSize = 100
	maxPages        = 10
)

type Config struct {
	Token   string `json:"token"`
	Channel string `json:"channel"`
	// APIURL overrides https://slack.com/api/. Must end with a slash.
	APIURL string `json:"api_url,omitempty"`
	// IncludeBots relays messages posted by bots and integrations too.
	IncludeBots bool `json:"include_bots,omitempty"`
	PageSize    int  `json:"page_size,omitempty"`

	MaxLength int `json:"-"`
}

// Conn reads a channel's history and posts plain text to it.
type Conn struct {
	connection.Base
	cfg    Config
	log    logx.Logger
	client *slack.Client

	mu        sync.Mutex
	cursor    string
	baselined bool
}

func New(name string, modes connection.Modes, cfg Config, log logx.Logger) (*Conn, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("slack token is empty")
	}
	if strings.TrimSpace(cfg.Channel) == "" {
		return nil, errors.New("slack channel is empty")
	}
	caps := connection.Capabilities{MaxLength: MaxLength, Media: message.TextOnly}
	if cfg.MaxLength > 0 && cfg.MaxLength < MaxLength {
		caps.MaxLength = cfg.MaxLength
	}
	base, err := connection.NewBase(name, modes, connection.ReadWrite, caps)
	if err != nil {
		return nil, err
	}
	if cfg.PageSize <= 0 || cfg.PageSize > 1000 {
		cfg.PageSize = defaultPageSize
	}
	opts := []slack.Option{}
	if cfg.APIURL != "" {
		u := cfg.APIURL
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		opts = append(opts, slack.OptionAPIURL(u))
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Conn{
		Base:   base,
		cfg:    cfg,
		log:    log.With(logx.String("comp", "slack"), logx.String("conn", name)),
		client: slack.New(cfg.Token, opts...),
	}, nil
}

func (c *Conn) ReadNew(ctx context.Context) ([]message.Message, error) {
	if !c.Modes().Has(connection.Read) {
		return nil, connection.ErrUnsupportedMode
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.baselined {
		resp, err := c.client.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
			ChannelID: c.cfg.Channel,
			Limit:     1,
		})
		if err != nil {
			return nil, classify(err)
		}
		if len(resp.Messages) > 0 {
			c.cursor = resp.Messages[0].Timestamp
		}
		c.baselined = true
		c.log.Debug("baseline", logx.String("cursor", c.cursor))
		return nil, nil
	}

	var raw []slack.Message
	next := ""
	for page := 0; page < maxPages; page++ {
		resp, err := c.client.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
			ChannelID: c.cfg.Channel,
			Oldest:    c.cursor,
			Limit:     c.cfg.PageSize,
			Cursor:    next,
		})
		if err != nil {
			return nil, classify(err)
		}
		raw = append(raw, resp.Messages...)
		next = resp.ResponseMetaData.NextCursor
		if !resp.HasMore || next == "" {
			break
		}
	}
	// History comes newest first.
	sort.SliceStable(raw, func(i, j int) bool { return tsLess(raw[i].Timestamp, raw[j].Timestamp) })

	out := make([]message.Message, 0, len(raw))
	for _, m := range raw {
		if c.cursor != "" && !tsLess(c.cursor, m.Timestamp) {
			continue
		}
		if !c.relayable(m) {
			continue
		}
		msg, err := message.New(m.Timestamp, m.Text)
		if err != nil {
			c.log.Warn("skip message", logx.String("ts", m.Timestamp), logx.Err(err))
			continue
		}
		out = append(out, msg)
	}
	if n := len(raw); n > 0 && tsLess(c.cursor, raw[n-1].Timestamp) {
		c.cursor = raw[n-1].Timestamp
	}
	return out, nil
}

func (c *Conn) relayable(m slack.Message) bool {
	switch m.SubType {
	case "":
	case "bot_message":
		return c.cfg.IncludeBots
	default:
		return false
	}
	if m.BotID != "" && !c.cfg.IncludeBots {
		return false
	}
	return strings.TrimSpace(m.Text) != ""
}

func (c *Conn) Write(ctx context.Context, msg message.Message) (connection.WriteResult, error) {
	if !c.Modes().Has(connection.Write) {
		return connection.WriteResult{}, connection.ErrUnsupportedMode
	}
	if err := msg.CheckFor(c.Capabilities().Media, c.Capabilities().MaxLength); err != nil {
		return connection.WriteResult{}, err
	}
	_, ts, err := c.client.PostMessageContext(ctx, c.cfg.Channel, slack.MsgOptionText(msg.Body(), false))
	if err != nil {
		return connection.WriteResult{}, classify(err)
	}
	c.log.Debug("posted", logx.String("ts", ts), logx.String("source_id", msg.ID()))
	return connection.WriteResult{ExternalID: ts}, nil
}

// Slack API error codes that no retry will fix.
var permanentCodes = map[string]struct{}{
	"channel_not_found": {},
	"not_in_channel":    {},
	"is_archived":       {},
	"invalid_auth":      {},
	"not_authed":        {},
	"account_inactive":  {},
	"token_revoked":     {},
	"missing_scope":     {},
	"msg_too_long":      {},
	"no_text":           {},
	"restricted_action": {},
}

func classify(err error) error {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return retry.RetryAfter(err, rl.RetryAfter)
	}
	var sc slack.StatusCodeError
	if errors.As(err, &sc) {
		return retry.Status(sc.Code, err)
	}
	var se slack.SlackErrorResponse
	if errors.As(err, &se) {
		if _, ok := permanentCodes[se.Err]; ok {
			return retry.Permanent(err)
		}
		if se.Err == "ratelimited" {
			return retry.Status(http.StatusTooManyRequests, err)
		}
		return err
	}
	if _, ok := permanentCodes[err.Error()]; ok {
		return retry.Permanent(err)
	}
	return fmt.Errorf("slack: %w", err)
}

// tsLess orders Slack timestamps ("1700000000.000100"). The empty string sorts first.
func tsLess(a, b string) bool {
	as, au := splitTS(a)
	bs, bu := splitTS(b)
	if as != bs {
		return as < bs
	}
	return au < bu
}

func splitTS(ts string) (sec, micro int64) {
	s, frac, _ := strings.Cut(ts, ".")
	sec, _ = strconv.ParseInt(s, 10, 64)
	if frac != "" {
		for len(frac) < 6 {
			frac += "0"
		}
		micro, _ = strconv.ParseInt(frac[:6], 10, 64)
	}
	return sec, micro
}
