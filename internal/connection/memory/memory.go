// Package memory is an in-process connection. It backs dry runs (writes are
// only logged and kept) and serves as the double in relay tests.
package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"crosspost/internal/connection"
	"crosspost/internal/message"
	logx "crosspost/pkg/logx"
)

// Conn simulates one channel: a feed of posts, a read cursor and a log of
// writes. With echo on, the relay's own writes show up in the feed the way
// they do on real platforms.
type Conn struct {
	connection.Base
	log logx.Logger

	mu        sync.Mutex
	feed      []message.Message
	cursor    int
	baseline  bool
	baselined bool
	echo      bool
	written   []message.Message
	seq       int

	readHook  func(ctx context.Context) error
	writeHook func(ctx context.Context, msg message.Message) error

	opened int
	closed int
}

type Option func(*settings)

type settings struct {
	caps      connection.Capabilities
	baseline  bool
	echo      bool
	log       logx.Logger
	readHook  func(ctx context.Context) error
	writeHook func(ctx context.Context, msg message.Message) error
}

func WithMaxLength(n int) Option { return func(s *settings) { s.caps.MaxLength = n } }

func WithMedia(t message.Type) Option { return func(s *settings) { s.caps.Media = t } }

// WithBaseline makes the first ReadNew skip everything already in the feed.
func WithBaseline(on bool) Option { return func(s *settings) { s.baseline = on } }

// WithEcho controls whether writes appear in the feed. Default true.
func WithEcho(on bool) Option { return func(s *settings) { s.echo = on } }

func WithLogger(l logx.Logger) Option { return func(s *settings) { s.log = l } }

// WithReadHook runs before every read; a non-nil error fails the read.
func WithReadHook(fn func(ctx context.Context) error) Option {
	return func(s *settings) { s.readHook = fn }
}

// WithWriteHook runs before every write; a non-nil error fails the write.
func WithWriteHook(fn func(ctx context.Context, msg message.Message) error) Option {
	return func(s *settings) { s.writeHook = fn }
}

func New(name string, modes connection.Modes, opts ...Option) (*Conn, error) {
	st := settings{caps: connection.Capabilities{Media: message.TextMedia}, echo: true}
	for _, o := range opts {
		if o != nil {
			o(&st)
		}
	}
	base, err := connection.NewBase(name, modes, connection.ReadWrite, st.caps)
	if err != nil {
		return nil, err
	}
	if st.log.IsZero() {
		st.log = logx.Nop()
	}
	return &Conn{
		Base:      base,
		log:       st.log.With(logx.String("comp", "memory"), logx.String("conn", name)),
		baseline:  st.baseline,
		echo:      st.echo,
		readHook:  st.readHook,
		writeHook: st.writeHook,
	}, nil
}

// Post adds a message authored by someone else to the feed and returns it.
func (c *Conn) Post(body string, opts ...message.Option) message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	m := message.MustNew(c.Name()+"-"+strconv.Itoa(c.seq), body, opts...)
	c.feed = append(c.feed, m)
	return m
}

// Inject adds msg to the feed unchanged.
func (c *Conn) Inject(msg message.Message) {
	c.mu.Lock()
	c.feed = append(c.feed, msg)
	c.mu.Unlock()
}

// Rewind moves the cursor back to the start, as after a crash that lost it.
func (c *Conn) Rewind() {
	c.mu.Lock()
	c.cursor = 0
	c.mu.Unlock()
}

func (c *Conn) ReadNew(ctx context.Context) ([]message.Message, error) {
	if !c.Modes().Has(connection.Read) {
		return nil, connection.ErrUnsupportedMode
	}
	if c.readHook != nil {
		if err := c.readHook(ctx); err != nil {
			return nil, err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.baseline && !c.baselined {
		c.baselined = true
		c.cursor = len(c.feed)
		return nil, nil
	}
	if c.cursor >= len(c.feed) {
		return nil, nil
	}
	out := append([]message.Message(nil), c.feed[c.cursor:]...)
	c.cursor = len(c.feed)
	return out, nil
}

func (c *Conn) Write(ctx context.Context, msg message.Message) (connection.WriteResult, error) {
	if !c.Modes().Has(connection.Write) {
		return connection.WriteResult{}, connection.ErrUnsupportedMode
	}
	if err := msg.CheckFor(c.Capabilities().Media, c.Capabilities().MaxLength); err != nil {
		return connection.WriteResult{}, err
	}
	if c.writeHook != nil {
		if err := c.writeHook(ctx, msg); err != nil {
			return connection.WriteResult{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return connection.WriteResult{}, err
	}

	c.mu.Lock()
	c.seq++
	id := fmt.Sprintf("%s-w%d", c.Name(), c.seq)
	own := msg.WithID(id)
	c.written = append(c.written, own)
	if c.echo {
		c.feed = append(c.feed, own)
	}
	c.mu.Unlock()

	c.log.Info("write", logx.String("external_id", id), logx.String("source_id", msg.ID()), logx.Int("len", msg.Length()), logx.Int("media", len(msg.Media())))
	return connection.WriteResult{ExternalID: id}, nil
}

// Written returns the messages written so far, with their assigned ids.
func (c *Conn) Written() []message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message.Message(nil), c.written...)
}

func (c *Conn) Open(ctx context.Context) error {
	c.mu.Lock()
	c.opened++
	c.mu.Unlock()
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed++
	c.mu.Unlock()
	return nil
}

// Lifecycle returns how often Open and Close were called.
func (c *Conn) Lifecycle() (opened, closed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened, c.closed
}
