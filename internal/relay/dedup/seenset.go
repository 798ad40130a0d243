package dedup

import (
	"sync"

	"github.com/elliotchance/orderedmap/v3"
)

// DefaultCapacity is the number of identities a SeenSet keeps.
const DefaultCapacity = 2000

// SeenSet is a bounded, insertion-ordered set of identities. When full, the
// oldest entry is evicted first. Values tag why an entry was recorded.
type SeenSet struct {
	mu       sync.Mutex
	capacity int
	m        *orderedmap.OrderedMap[string, Kind]
}

// Kind tags a SeenSet entry.
type Kind uint8

const (
	KindAccepted Kind = iota + 1
	KindSelf
	KindWritten
)

func NewSeenSet(capacity int) *SeenSet {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &SeenSet{capacity: capacity, m: orderedmap.NewOrderedMap[string, Kind]()}
}

// Add records key unless present. It reports whether key was added and, if
// not, the kind it was first recorded with.
func (s *SeenSet) Add(key string, kind Kind) (added bool, existing Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.m.Get(key); ok {
		return false, k
	}
	s.m.Set(key, kind)
	for s.m.Len() > s.capacity {
		front := s.m.Front()
		if front == nil {
			break
		}
		s.m.Delete(front.Key)
	}
	return true, 0
}

// Get returns the kind key was recorded with.
func (s *SeenSet) Get(key string) (Kind, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.Get(key)
}

func (s *SeenSet) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

func (s *SeenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m.Len()
}

func (s *SeenSet) Cap() int { return s.capacity }
