// Package discord connects the relay to one Discord text channel through the
// bot REST API. No gateway session is opened.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"crosspost/internal/connection"
	"crosspost/internal/message"
	"crosspost/internal/relay/retry"
	logx "crosspost/pkg/logx"
)

const (
	MaxLength = 2000
	// DefaultMaxUpload is the attachment limit for servers without boosts.
	DefaultMaxUpload = 10 << 20
	pageSize         = 100
)

type Config struct {
	Token   string `json:"token"`
	Channel string `json:"channel"`
	// IncludeBots relays messages authored by other bots and webhooks.
	IncludeBots    bool `json:"include_bots,omitempty"`
	MaxUploadBytes int  `json:"max_upload_bytes,omitempty"`

	MaxLength int `json:"-"`
}

// api is the subset of *discordgo.Session the connection needs.
type api interface {
	ChannelMessages(channelID string, limit int, beforeID, afterID, aroundID string, options ...discordgo.RequestOption) ([]*discordgo.Message, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type Conn struct {
	connection.Base
	cfg Config
	log logx.Logger
	api api

	mu        sync.Mutex
	cursor    string
	baselined bool
}

func New(name string, modes connection.Modes, cfg Config, log logx.Logger) (*Conn, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("discord token is empty")
	}
	s, err := discordgo.New("Bot " + strings.TrimSpace(cfg.Token))
	if err != nil {
		return nil, err
	}
	// Surface 429s to the retry executor instead of sleeping inside discordgo.
	s.ShouldRetryOnRateLimit = false
	return newConn(name, modes, cfg, s, log)
}

func newConn(name string, modes connection.Modes, cfg Config, a api, log logx.Logger) (*Conn, error) {
	if strings.TrimSpace(cfg.Channel) == "" {
		return nil, errors.New("discord channel is empty")
	}
	caps := connection.Capabilities{MaxLength: MaxLength, Media: message.TextMedia}
	if cfg.MaxLength > 0 && cfg.MaxLength < MaxLength {
		caps.MaxLength = cfg.MaxLength
	}
	base, err := connection.NewBase(name, modes, connection.ReadWrite, caps)
	if err != nil {
		return nil, err
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUpload
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Conn{
		Base: base,
		cfg:  cfg,
		log:  log.With(logx.String("comp", "discord"), logx.String("conn", name)),
		api:  a,
	}, nil
}

func (c *Conn) ReadNew(ctx context.Context) ([]message.Message, error) {
	if !c.Modes().Has(connection.Read) {
		return nil, connection.ErrUnsupportedMode
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.baselined {
		msgs, err := c.api.ChannelMessages(c.cfg.Channel, 1, "", "", "", discordgo.WithContext(ctx))
		if err != nil {
			return nil, classify(err)
		}
		if len(msgs) > 0 {
			c.cursor = msgs[0].ID
		}
		c.baselined = true
		c.log.Debug("baseline", logx.String("cursor", c.cursor))
		return nil, nil
	}

	after := c.cursor
	if after == "" {
		after = "0"
	}
	msgs, err := c.api.ChannelMessages(c.cfg.Channel, pageSize, "", after, "", discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	sort.SliceStable(msgs, func(i, j int) bool { return snowflake(msgs[i].ID) < snowflake(msgs[j].ID) })

	out := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		if snowflake(m.ID) <= snowflake(c.cursor) {
			continue
		}
		if !c.relayable(m) {
			continue
		}
		msg, err := convert(m)
		if err != nil {
			c.log.Warn("skip message", logx.String("id", m.ID), logx.Err(err))
			continue
		}
		out = append(out, msg)
	}
	if n := len(msgs); n > 0 && snowflake(msgs[n-1].ID) > snowflake(c.cursor) {
		c.cursor = msgs[n-1].ID
	}
	return out, nil
}

func (c *Conn) relayable(m *discordgo.Message) bool {
	if m.Type != discordgo.MessageTypeDefault && m.Type != discordgo.MessageTypeReply {
		return false
	}
	if !c.cfg.IncludeBots && (m.WebhookID != "" || (m.Author != nil && m.Author.Bot)) {
		return false
	}
	return true
}

func convert(m *discordgo.Message) (message.Message, error) {
	var media []message.Media
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		media = append(media, message.Media{MIMEType: a.ContentType, URL: a.URL})
	}
	return message.New(m.ID, m.Content, message.WithMedia(media...))
}

func (c *Conn) Write(ctx context.Context, msg message.Message) (connection.WriteResult, error) {
	if !c.Modes().Has(connection.Write) {
		return connection.WriteResult{}, connection.ErrUnsupportedMode
	}
	if err := msg.CheckFor(c.Capabilities().Media, c.Capabilities().MaxLength); err != nil {
		return connection.WriteResult{}, err
	}

	send := &discordgo.MessageSend{
		Content:         msg.Body(),
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
	for i, m := range msg.ValidMedia() {
		if len(m.Content) == 0 {
			send.Content = strings.TrimSpace(send.Content + "\n" + m.URL)
			continue
		}
		if m.Size() > c.cfg.MaxUploadBytes {
			return connection.WriteResult{}, fmt.Errorf("%w: %d bytes > %d", message.ErrPayloadTooLarge, m.Size(), c.cfg.MaxUploadBytes)
		}
		send.Files = append(send.Files, &discordgo.File{
			Name:        fmt.Sprintf("attachment-%d.%s", i+1, m.Extension()),
			ContentType: m.MIMEType,
			Reader:      bytes.NewReader(m.Content),
		})
	}
	if n := len([]rune(send.Content)); n > MaxLength {
		return connection.WriteResult{}, fmt.Errorf("%w: %d > %d", message.ErrTooLong, n, MaxLength)
	}

	posted, err := c.api.ChannelMessageSendComplex(c.cfg.Channel, send, discordgo.WithContext(ctx))
	if err != nil {
		return connection.WriteResult{}, classify(err)
	}
	c.log.Debug("posted", logx.String("message_id", posted.ID), logx.String("source_id", msg.ID()), logx.Int("files", len(send.Files)))
	return connection.WriteResult{ExternalID: posted.ID}, nil
}

func classify(err error) error {
	var rl *discordgo.RateLimitError
	if errors.As(err, &rl) && rl.RateLimit != nil && rl.TooManyRequests != nil {
		return retry.RetryAfter(err, rl.RetryAfter)
	}
	var re *discordgo.RESTError
	if errors.As(err, &re) && re.Response != nil {
		if re.Response.StatusCode == http.StatusRequestEntityTooLarge {
			err = fmt.Errorf("%w: %w", message.ErrPayloadTooLarge, err)
		}
		return retry.Status(re.Response.StatusCode, err)
	}
	return fmt.Errorf("discord: %w", err)
}

// snowflake parses a Discord id; ids sort by creation time as integers.
func snowflake(id string) uint64 {
	n, _ := strconv.ParseUint(id, 10, 64)
	return n
}
