// Package pushover delivers relayed posts as Pushover notifications. It is
// write-only.
package pushover

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gregdel/pushover"

	"crosspost/internal/connection"
	"crosspost/internal/message"
	"crosspost/internal/relay/retry"
	logx "crosspost/pkg/logx"
)

const MaxLength = 1024

type Config struct {
	AppToken  string `json:"app_token"`
	UserToken string `json:"user_token"`
	Title     string `json:"title,omitempty"`
	Device    string `json:"device,omitempty"`
	Sound     string `json:"sound,omitempty"`
	Priority  int    `json:"priority,omitempty"`

	MaxLength int `json:"-"`
}

type sender interface {
	SendMessage(msg *pushover.Message, rcpt *pushover.Recipient) (*pushover.Response, error)
}

type Conn struct {
	connection.Base
	cfg       Config
	log       logx.Logger
	app       sender
	recipient *pushover.Recipient
}

func New(name string, modes connection.Modes, cfg Config, log logx.Logger) (*Conn, error) {
	if strings.TrimSpace(cfg.AppToken) == "" {
		return nil, errors.New("pushover app_token is empty")
	}
	return newConn(name, modes, cfg, pushover.New(cfg.AppToken), log)
}

func newConn(name string, modes connection.Modes, cfg Config, app sender, log logx.Logger) (*Conn, error) {
	if strings.TrimSpace(cfg.UserToken) == "" {
		return nil, errors.New("pushover user_token is empty")
	}
	if cfg.Priority < pushover.PriorityLowest || cfg.Priority > pushover.PriorityHigh {
		return nil, fmt.Errorf("pushover priority %d out of range", cfg.Priority)
	}
	// Pushover carries a single image per notification.
	caps := connection.Capabilities{MaxLength: MaxLength, Media: message.TextMedia}
	if cfg.MaxLength > 0 && cfg.MaxLength < MaxLength {
		caps.MaxLength = cfg.MaxLength
	}
	base, err := connection.NewBase(name, modes, connection.Modes(connection.Write), caps)
	if err != nil {
		return nil, fmt.Errorf("pushover is write-only: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Conn{
		Base:      base,
		cfg:       cfg,
		log:       log.With(logx.String("comp", "pushover"), logx.String("conn", name)),
		app:       app,
		recipient: pushover.NewRecipient(cfg.UserToken),
	}, nil
}

func (c *Conn) ReadNew(ctx context.Context) ([]message.Message, error) {
	return nil, connection.ErrUnsupportedMode
}

func (c *Conn) Write(ctx context.Context, msg message.Message) (connection.WriteResult, error) {
	if err := msg.CheckFor(c.Capabilities().Media, c.Capabilities().MaxLength); err != nil {
		return connection.WriteResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return connection.WriteResult{}, err
	}

	body := msg.Body()
	if strings.TrimSpace(body) == "" {
		// The API rejects empty bodies even when an image is attached.
		body = " "
	}
	n := &pushover.Message{
		Message:    body,
		Title:      c.cfg.Title,
		Priority:   c.cfg.Priority,
		Sound:      c.cfg.Sound,
		DeviceName: c.cfg.Device,
	}
	attached := false
	for _, m := range msg.ValidMedia() {
		switch {
		case !attached && m.IsImage() && len(m.Content) > 0:
			if err := n.AddAttachment(bytes.NewReader(m.Content)); err != nil {
				return connection.WriteResult{}, classify(err)
			}
			attached = true
		case n.URL == "" && m.URL != "":
			n.URL = m.URL
		}
	}

	resp, err := c.app.SendMessage(n, c.recipient)
	if err != nil {
		return connection.WriteResult{}, classify(err)
	}
	c.log.Debug("sent", logx.String("request", resp.ID), logx.String("source_id", msg.ID()), logx.Bool("attachment", attached))
	return connection.WriteResult{ExternalID: resp.ID}, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, pushover.ErrHTTPPushover):
		return err
	case errors.Is(err, pushover.ErrMessageAttachmentTooLarge):
		return fmt.Errorf("%w: %w", message.ErrPayloadTooLarge, err)
	case errors.Is(err, pushover.ErrMessageTooLong):
		return fmt.Errorf("%w: %w", message.ErrTooLong, err)
	}
	var apiErr pushover.Errors
	if errors.As(err, &apiErr) {
		return retry.Permanent(err)
	}
	return fmt.Errorf("pushover: %w", err)
}
