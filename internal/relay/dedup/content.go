package dedup

import (
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v3"
)

// DefaultContentWindow is how long a written fingerprint blocks the same
// content arriving from another origin.
const DefaultContentWindow = 10 * time.Minute

type contentEntry struct {
	origin string
	at     time.Time
}

// contentLog remembers which origin last wrote a fingerprint to one target.
// Entries are kept in write order, so expiry trims from the front.
type contentLog struct {
	mu       sync.Mutex
	capacity int
	window   time.Duration
	m        *orderedmap.OrderedMap[uint64, contentEntry]
}

func newContentLog(capacity int, window time.Duration) *contentLog {
	return &contentLog{
		capacity: capacity,
		window:   window,
		m:        orderedmap.NewOrderedMap[uint64, contentEntry](),
	}
}

// conflict reports whether fp was written from a different origin within
// the window.
func (l *contentLog) conflict(fp uint64, origin string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expire(now)
	e, ok := l.m.Get(fp)
	return ok && e.origin != origin
}

func (l *contentLog) record(fp uint64, origin string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.m.Delete(fp)
	l.m.Set(fp, contentEntry{origin: origin, at: now})
	for l.m.Len() > l.capacity {
		l.m.Delete(l.m.Front().Key)
	}
	l.expire(now)
}

func (l *contentLog) expire(now time.Time) {
	for el := l.m.Front(); el != nil; el = l.m.Front() {
		if now.Sub(el.Value.at) <= l.window {
			return
		}
		l.m.Delete(el.Key)
	}
}

func (l *contentLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.m.Len()
}
