// Package dedup keeps the per-connection identity windows that stop the relay
// from re-accepting, re-delivering or echoing its own posts.
package dedup

import (
	"strconv"
	"sync"
	"time"

	"crosspost/internal/message"
)

// PostNowOrigin is the origin index of messages submitted through PostNow.
const PostNowOrigin = -1

// OriginKey names an origin inside identity keys.
func OriginKey(origin int) string {
	if origin < 0 {
		return "postnow"
	}
	return strconv.Itoa(origin)
}

// IdentityKey is origin-key + "/" + message id.
func IdentityKey(originKey string, msg message.Message) string {
	return originKey + "/" + msg.ID()
}

// Verdict is the result of a read-side check.
type Verdict int

const (
	Accept Verdict = iota
	// Seen means the id was already accepted from this origin.
	Seen
	// SelfAuthored means the relay wrote this post to the origin itself.
	SelfAuthored
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Seen:
		return "seen"
	case SelfAuthored:
		return "self_authored"
	default:
		return "verdict(" + strconv.Itoa(int(v)) + ")"
	}
}

// Deduplicator owns a read SeenSet and a write SeenSet per connection index,
// plus a content log per target when content dedup is on. Sets are created
// lazily and are safe for concurrent use.
type Deduplicator struct {
	capacity int
	content  bool
	window   time.Duration
	now      func() time.Time

	mu       sync.Mutex
	read     map[int]*SeenSet
	written  map[int]*SeenSet
	contents map[int]*contentLog
}

type Option func(*Deduplicator)

// WithCapacity bounds every SeenSet.
func WithCapacity(n int) Option { return func(d *Deduplicator) { d.capacity = n } }

// WithContentDedup enables first-write-wins on content fingerprints across
// origins. Repeats from the same origin are never suppressed by content.
func WithContentDedup(on bool) Option { return func(d *Deduplicator) { d.content = on } }

// WithContentWindow sets how long a written fingerprint blocks other origins.
func WithContentWindow(w time.Duration) Option { return func(d *Deduplicator) { d.window = w } }

func New(opts ...Option) *Deduplicator {
	d := &Deduplicator{
		capacity: DefaultCapacity,
		content:  true,
		window:   DefaultContentWindow,
		now:      time.Now,
		read:     make(map[int]*SeenSet),
		written:  make(map[int]*SeenSet),
		contents: make(map[int]*contentLog),
	}
	for _, o := range opts {
		if o != nil {
			o(d)
		}
	}
	if d.capacity <= 0 {
		d.capacity = DefaultCapacity
	}
	if d.window <= 0 {
		d.window = DefaultContentWindow
	}
	return d
}

func (d *Deduplicator) set(m map[int]*SeenSet, idx int) *SeenSet {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := m[idx]
	if !ok {
		s = NewSeenSet(d.capacity)
		m[idx] = s
	}
	return s
}

func (d *Deduplicator) contentFor(target int) *contentLog {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.contents[target]
	if !ok {
		l = newContentLog(d.capacity, d.window)
		d.contents[target] = l
	}
	return l
}

// Check records msg as accepted from origin unless it was seen before or
// was authored by the relay. Check and record are atomic.
func (d *Deduplicator) Check(msg message.Message, origin int) Verdict {
	added, kind := d.set(d.read, origin).Add(msg.ID(), KindAccepted)
	if added {
		return Accept
	}
	if kind == KindSelf {
		return SelfAuthored
	}
	return Seen
}

// ShouldAccept is Check reduced to a boolean.
func (d *Deduplicator) ShouldAccept(msg message.Message, origin int) bool {
	return d.Check(msg, origin) == Accept
}

// AlreadyWritten reports whether the identity was already delivered to
// target or, with content dedup, whether another origin delivered the same
// content there within the content window.
func (d *Deduplicator) AlreadyWritten(target int, msg message.Message, originKey string) bool {
	if d.set(d.written, target).Has(IdentityKey(originKey, msg)) {
		return true
	}
	return d.content && d.contentFor(target).conflict(msg.Fingerprint(), originKey, d.now())
}

// MarkWritten records a confirmed write. externalID is the id target assigned;
// it is recorded on target's read side so the post is not read back.
func (d *Deduplicator) MarkWritten(target int, msg message.Message, originKey, externalID string) {
	d.set(d.written, target).Add(IdentityKey(originKey, msg), KindWritten)
	if d.content {
		d.contentFor(target).record(msg.Fingerprint(), originKey, d.now())
	}
	if externalID != "" {
		d.set(d.read, target).Add(externalID, KindSelf)
	}
}

// Sizes reports entry counts per connection index.
type Sizes struct {
	Read    int
	Written int
	Content int
}

func (d *Deduplicator) Sizes() map[int]Sizes {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[int]Sizes, len(d.read)+len(d.written))
	for i, s := range d.read {
		v := out[i]
		v.Read = s.Len()
		out[i] = v
	}
	for i, s := range d.written {
		v := out[i]
		v.Written = s.Len()
		out[i] = v
	}
	for i, l := range d.contents {
		v := out[i]
		v.Content = l.len()
		out[i] = v
	}
	return out
}
