// Package telegram connects the relay to one Telegram chat or channel as a
// bot. Reading uses long polling; posts arriving while the relay is between
// reads are buffered.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"crosspost/internal/connection"
	"crosspost/internal/message"
	"crosspost/internal/relay/retry"
	rtsup "crosspost/internal/runtime/supervisor"
	logx "crosspost/pkg/logx"
)

const (
	MaxLength    = 4096
	captionLimit = 1024
	// bufferLimit caps posts held between two reads; the oldest are dropped.
	bufferLimit = 1000
)

type Config struct {
	Token string `json:"token"`
	Chat  int64  `json:"chat_id"`
	// APIURL overrides https://api.telegram.org.
	APIURL      string `json:"api_url,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	Silent      bool   `json:"silent,omitempty"`
	// SplitLong sends bodies over 4096 characters as several messages
	// instead of filtering them.
	SplitLong bool `json:"split_long,omitempty"`

	MaxLength int `json:"-"`
}

// api is the subset of *tele.Bot the connection calls.
type api interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	SendAlbum(to tele.Recipient, a tele.Album, opts ...interface{}) ([]tele.Message, error)
	File(file *tele.File) (io.ReadCloser, error)
}

type Conn struct {
	connection.Base
	cfg     Config
	log     logx.Logger
	timeout time.Duration

	runMu    sync.Mutex
	bot      *tele.Bot
	api      api
	sup      *rtsup.Supervisor
	openedAt time.Time

	bufMu   sync.Mutex
	buf     []*tele.Message
	dropped uint64
}

func New(name string, modes connection.Modes, cfg Config, log logx.Logger) (*Conn, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.Chat == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	caps := connection.Capabilities{MaxLength: MaxLength, Media: message.TextMedia}
	if cfg.SplitLong {
		caps.MaxLength = 0
	}
	if cfg.MaxLength > 0 && (caps.MaxLength == 0 || cfg.MaxLength < caps.MaxLength) {
		caps.MaxLength = cfg.MaxLength
	}
	base, err := connection.NewBase(name, modes, connection.ReadWrite, caps)
	if err != nil {
		return nil, err
	}
	timeout := 10 * time.Second
	if cfg.PollTimeout != "" {
		d, err := time.ParseDuration(cfg.PollTimeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("telegram poll_timeout %q: invalid duration", cfg.PollTimeout)
		}
		timeout = d
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Conn{
		Base:    base,
		cfg:     cfg,
		log:     log.With(logx.String("comp", "telegram"), logx.String("conn", name)),
		timeout: timeout,
	}, nil
}

// Open connects the bot (getMe) and, for readers, starts long polling.
// Posts older than the moment Open ran are discarded.
func (c *Conn) Open(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.api != nil {
		return nil
	}

	b, err := tele.NewBot(tele.Settings{
		Token:  c.cfg.Token,
		URL:    c.cfg.APIURL,
		Poller: &tele.LongPoller{Timeout: c.timeout, AllowedUpdates: []string{"message", "channel_post"}},
		OnError: func(err error, _ tele.Context) {
			c.log.Warn("telebot error", logx.Err(err))
		},
	})
	if err != nil {
		return classify(err)
	}
	c.bot = b
	c.api = b
	c.openedAt = time.Now()

	if !c.Modes().Has(connection.Read) {
		return nil
	}
	for _, ev := range []string{tele.OnChannelPost, tele.OnText, tele.OnPhoto, tele.OnVideo} {
		b.Handle(ev, func(tc tele.Context) error {
			c.onMessage(tc.Message())
			return nil
		})
	}

	c.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(c.log),
		rtsup.WithCancelOnError(false),
	)
	sup := c.sup
	sup.Go0("telebot.stop_on_cancel", func(sctx context.Context) {
		<-sctx.Done()
		b.Stop()
	})
	// Start returns early on some network failures; restart it while the
	// connection is open.
	sup.GoRestart("telebot.poll", func(sctx context.Context) error {
		c.log.Info("polling started", logx.Int64("chat_id", c.cfg.Chat))
		b.Start()
		c.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

// Close stops polling. It does not wait for an in-flight long poll longer
// than a short grace window.
func (c *Conn) Close() error {
	c.runMu.Lock()
	sup := c.sup
	c.sup = nil
	c.runMu.Unlock()

	if n := atomic.LoadUint64(&c.dropped); n > 0 {
		c.log.Warn("posts dropped (buffer full)", logx.Uint64("count", n))
	}
	if sup == nil {
		return nil
	}
	sup.Cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn("telegram stop timed out", logx.Err(err))
	}
	return nil
}

func (c *Conn) onMessage(m *tele.Message) {
	if m == nil || m.Chat == nil || m.Chat.ID != c.cfg.Chat {
		return
	}
	if !c.openedAt.IsZero() && m.Time().Before(c.openedAt.Truncate(time.Second)) {
		return
	}
	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	if len(c.buf) >= bufferLimit {
		c.buf = c.buf[1:]
		atomic.AddUint64(&c.dropped, 1)
	}
	c.buf = append(c.buf, m)
}

func (c *Conn) ReadNew(ctx context.Context) ([]message.Message, error) {
	if !c.Modes().Has(connection.Read) {
		return nil, connection.ErrUnsupportedMode
	}
	c.runMu.Lock()
	a := c.api
	c.runMu.Unlock()
	if a == nil {
		return nil, connection.ErrNotOpen
	}

	c.bufMu.Lock()
	pending := c.buf
	c.buf = nil
	c.bufMu.Unlock()

	out := make([]message.Message, 0, len(pending))
	for i, m := range pending {
		if err := ctx.Err(); err != nil {
			c.requeue(pending[i:])
			return out, err
		}
		msg, err := c.convert(a, m)
		if err != nil {
			if errors.Is(err, errTransient) {
				c.requeue(pending[i:])
				return out, err
			}
			c.log.Warn("skip message", logx.Int("id", m.ID), logx.Err(err))
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (c *Conn) requeue(ms []*tele.Message) {
	c.bufMu.Lock()
	c.buf = append(append([]*tele.Message(nil), ms...), c.buf...)
	c.bufMu.Unlock()
}

var errTransient = errors.New("telegram: file download failed")

func (c *Conn) convert(a api, m *tele.Message) (message.Message, error) {
	body := m.Text
	if body == "" {
		body = m.Caption
	}
	var media []message.Media
	switch {
	case m.Photo != nil:
		data, err := download(a, &m.Photo.File)
		if err != nil {
			return message.Message{}, err
		}
		media = append(media, message.Media{MIMEType: "image/jpeg", Content: data})
	case m.Video != nil:
		data, err := download(a, &m.Video.File)
		if err != nil {
			return message.Message{}, err
		}
		media = append(media, message.Media{MIMEType: m.Video.MIME, Content: data})
	}
	return message.New(strconv.Itoa(m.ID), body, message.WithMedia(media...))
}

func download(a api, f *tele.File) ([]byte, error) {
	rc, err := a.File(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errTransient, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errTransient, err)
	}
	return data, nil
}

func (c *Conn) Write(ctx context.Context, msg message.Message) (connection.WriteResult, error) {
	if !c.Modes().Has(connection.Write) {
		return connection.WriteResult{}, connection.ErrUnsupportedMode
	}
	if err := msg.CheckFor(c.Capabilities().Media, c.Capabilities().MaxLength); err != nil {
		return connection.WriteResult{}, err
	}
	c.runMu.Lock()
	a := c.api
	c.runMu.Unlock()
	if a == nil {
		return connection.WriteResult{}, connection.ErrNotOpen
	}

	chat := tele.ChatID(c.cfg.Chat)
	opts := &tele.SendOptions{DisableNotification: c.cfg.Silent}
	body := msg.Body()
	media := msg.ValidMedia()

	var first string
	note := func(id int) {
		if first == "" {
			first = strconv.Itoa(id)
		}
	}

	caption := ""
	if len([]rune(body)) <= captionLimit {
		caption = body
	}
	switch len(media) {
	case 0:
	case 1:
		sent, err := a.Send(chat, inputFor(media[0], caption), opts)
		if err != nil {
			return connection.WriteResult{}, classify(err)
		}
		note(sent.ID)
	default:
		album := make(tele.Album, 0, len(media))
		for i, m := range media {
			cp := ""
			if i == 0 {
				cp = caption
			}
			album = append(album, inputFor(m, cp))
		}
		sent, err := a.SendAlbum(chat, album, opts)
		if err != nil {
			return connection.WriteResult{}, classify(err)
		}
		if len(sent) > 0 {
			note(sent[0].ID)
		}
	}

	if strings.TrimSpace(body) != "" && (len(media) == 0 || caption == "") {
		for _, chunk := range splitText(body, MaxLength) {
			if err := ctx.Err(); err != nil {
				return connection.WriteResult{ExternalID: first}, err
			}
			sent, err := a.Send(chat, chunk, opts)
			if err != nil {
				if first != "" {
					// Part of the post is out; a retry would duplicate it.
					return connection.WriteResult{ExternalID: first}, retry.Permanent(classify(err))
				}
				return connection.WriteResult{}, classify(err)
			}
			note(sent.ID)
		}
	}
	c.log.Debug("posted", logx.String("message_id", first), logx.String("source_id", msg.ID()), logx.Int("media", len(media)))
	return connection.WriteResult{ExternalID: first}, nil
}

func inputFor(m message.Media, caption string) tele.Inputtable {
	var f tele.File
	if len(m.Content) > 0 {
		f = tele.FromReader(bytes.NewReader(m.Content))
	} else {
		f = tele.FromURL(m.URL)
	}
	if strings.HasPrefix(strings.ToLower(m.MIMEType), "video/") {
		return &tele.Video{File: f, Caption: caption, MIME: m.MIMEType, FileName: "video." + m.Extension()}
	}
	return &tele.Photo{File: f, Caption: caption}
}

func classify(err error) error {
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return retry.RetryAfter(err, time.Duration(fe.RetryAfter)*time.Second)
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code > 0 {
		if te.Code == 413 {
			err = fmt.Errorf("%w: %w", message.ErrPayloadTooLarge, err)
		}
		return retry.Status(te.Code, err)
	}
	if code := trailingCode(err.Error()); code > 0 {
		return retry.Status(code, err)
	}
	return err
}

// trailingCode extracts the status from telebot's "telegram: description (400)" errors.
func trailingCode(s string) int {
	s = strings.TrimSpace(s)
	if !strings.HasSuffix(s, ")") {
		return 0
	}
	i := strings.LastIndexByte(s, '(')
	if i < 0 {
		return 0
	}
	code, err := strconv.Atoi(s[i+1 : len(s)-1])
	if err != nil || code < 100 || code > 599 {
		return 0
	}
	return code
}

// splitText splits long bodies into chunks of at most limit code points,
// preferring newline boundaries.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if limit <= 0 || len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		// Prefer splitting on a newline near the end of the window.
		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
