// Package message defines the immutable post value relayed between connections.
package message

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	// ErrEmpty is returned when a message has nothing to publish on a target.
	ErrEmpty = errors.New("message: empty")
	// ErrTooLong is returned when the body exceeds a target's max length.
	ErrTooLong = errors.New("message: body too long")
	// ErrPayloadTooLarge marks attachments rejected by a platform for size.
	ErrPayloadTooLarge = errors.New("message: payload too large")
	// ErrUnsupportedMedia marks attachments with a MIME type a platform refuses.
	ErrUnsupportedMedia = errors.New("message: unsupported media")
	// ErrValidation marks any other content the platform rejected as invalid.
	ErrValidation = errors.New("message: validation failed")
)

// Type describes how much of a message a connection can carry.
type Type int

const (
	TextOnly Type = iota
	TextMedia
)

func (t Type) String() string {
	switch t {
	case TextOnly:
		return "text_only"
	case TextMedia:
		return "text_media"
	default:
		return "type(" + strconv.Itoa(int(t)) + ")"
	}
}

// Message is a post with identity, body, attachments and metadata.
// The zero value is an empty message without an ID.
//
// Message is immutable: New and every accessor copy slices and maps,
// so a Message can be shared across goroutines by value.
type Message struct {
	id    string
	body  string
	media []Media
	meta  Metadata
}

type Option func(*Message)

// WithMedia appends attachments.
func WithMedia(media ...Media) Option {
	return func(m *Message) {
		for _, md := range media {
			m.media = append(m.media, md.clone())
		}
	}
}

// WithMetadata sets the message metadata.
func WithMetadata(meta Metadata) Option {
	return func(m *Message) { m.meta = meta.clone() }
}

// New builds a message. The metadata is validated; the body is not,
// since emptiness depends on the target.
func New(id, body string, opts ...Option) (Message, error) {
	m := Message{id: id, body: body}
	for _, o := range opts {
		if o != nil {
			o(&m)
		}
	}
	if err := m.meta.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// MustNew is New for fixed inputs; it panics on invalid metadata.
func MustNew(id, body string, opts ...Option) Message {
	m, err := New(id, body, opts...)
	if err != nil {
		panic(err)
	}
	return m
}

func (m Message) ID() string   { return m.id }
func (m Message) Body() string { return m.body }

// Media returns a copy of the attachments.
func (m Message) Media() []Media {
	if len(m.media) == 0 {
		return nil
	}
	out := make([]Media, len(m.media))
	for i, md := range m.media {
		out[i] = md.clone()
	}
	return out
}

// Metadata returns a copy of the metadata.
func (m Message) Metadata() Metadata { return m.meta.clone() }

// WithID returns a copy of m carrying id.
func (m Message) WithID(id string) Message {
	cp := m
	cp.id = id
	return cp
}

// Length is the body length in Unicode code points.
func (m Message) Length() int { return utf8.RuneCountInString(m.body) }

// HasValidMedia reports whether at least one attachment is publishable.
func (m Message) HasValidMedia() bool {
	for _, md := range m.media {
		if md.Valid() {
			return true
		}
	}
	return false
}

// ValidMedia returns a copy of the publishable attachments.
func (m Message) ValidMedia() []Media {
	var out []Media
	for _, md := range m.media {
		if md.Valid() {
			out = append(out, md.clone())
		}
	}
	return out
}

// IsEmptyFor reports whether the message has nothing to publish on a target
// with the given media support.
func (m Message) IsEmptyFor(t Type) bool {
	if strings.TrimSpace(m.body) != "" {
		return false
	}
	return t != TextMedia || !m.HasValidMedia()
}

// TooLongFor reports whether the body exceeds maxLen runes. maxLen <= 0 means unlimited.
func (m Message) TooLongFor(maxLen int) bool {
	return maxLen > 0 && m.Length() > maxLen
}

// CheckFor returns ErrEmpty or ErrTooLong when the message cannot go to a
// target with the given capabilities.
func (m Message) CheckFor(t Type, maxLen int) error {
	if m.IsEmptyFor(t) {
		return ErrEmpty
	}
	if m.TooLongFor(maxLen) {
		return fmt.Errorf("%w: %d > %d", ErrTooLong, m.Length(), maxLen)
	}
	return nil
}

// Fingerprint hashes the normalized body plus each attachment's MIME type,
// bytes and URL. Two messages with the same content share a fingerprint.
func (m Message) Fingerprint() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(normalizeBody(m.body)))
	for _, md := range m.media {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(strings.ToLower(md.MIMEType)))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(strconv.Itoa(md.Size())))
		_, _ = h.Write(md.Content)
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(md.URL))
	}
	return h.Sum64()
}

func normalizeBody(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func (m Message) String() string {
	return fmt.Sprintf("message{id=%q len=%d media=%d}", m.id, m.Length(), len(m.media))
}
