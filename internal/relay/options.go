package relay

import (
	"time"

	"crosspost/internal/eventbus"
	"crosspost/internal/relay/dedup"
	"crosspost/internal/relay/retry"
	logx "crosspost/pkg/logx"
)

const (
	DefaultPollInterval     = 15 * time.Second
	DefaultDispatchInterval = 2 * time.Second
	DefaultQueueSize        = 256
	DefaultOpTimeout        = 30 * time.Second
)

type settings struct {
	pollInterval     time.Duration
	dispatchInterval time.Duration
	writeBudget      int
	writesPerSec     float64
	queueSize        int
	seenCapacity     int
	contentDedup     bool
	contentWindow    time.Duration
	retryPolicy      retry.Policy
	opTimeout        time.Duration
	schedules        map[int]Schedule
	log              logx.Logger
	bus              eventbus.Bus
}

func defaultSettings() settings {
	return settings{
		pollInterval:     DefaultPollInterval,
		dispatchInterval: DefaultDispatchInterval,
		queueSize:        DefaultQueueSize,
		seenCapacity:     dedup.DefaultCapacity,
		contentDedup:     true,
		contentWindow:    dedup.DefaultContentWindow,
		retryPolicy:      retry.DefaultPolicy(),
		opTimeout:        DefaultOpTimeout,
		schedules:        map[int]Schedule{},
	}
}

type Option func(*settings)

// WithPollInterval sets the default interval between reads of each connection.
func WithPollInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithDispatchInterval sets the length of a dispatch cycle.
func WithDispatchInterval(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.dispatchInterval = d
		}
	}
}

// WithWriteBudget caps writes per dispatch cycle. 0 means unlimited.
func WithWriteBudget(n int) Option { return func(s *settings) { s.writeBudget = n } }

// WithWritesPerSecond paces writes with a token bucket. 0 disables pacing.
func WithWritesPerSecond(r float64) Option { return func(s *settings) { s.writesPerSec = r } }

func WithQueueSize(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

func WithSeenCapacity(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.seenCapacity = n
		}
	}
}

// WithContentDedup toggles first-write-wins on identical content from
// different origins.
func WithContentDedup(on bool) Option { return func(s *settings) { s.contentDedup = on } }

// WithContentWindow bounds how long content dedup remembers a write.
func WithContentWindow(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.contentWindow = d
		}
	}
}

func WithRetryPolicy(p retry.Policy) Option { return func(s *settings) { s.retryPolicy = p } }

// WithOpTimeout bounds every single ReadNew or Write call.
func WithOpTimeout(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

func WithLogger(l logx.Logger) Option { return func(s *settings) { s.log = l } }

func WithEventBus(b eventbus.Bus) Option { return func(s *settings) { s.bus = b } }

// WithConnectionSchedule overrides the poll schedule of the connection at index.
func WithConnectionSchedule(index int, sched Schedule) Option {
	return func(s *settings) {
		if sched != nil {
			s.schedules[index] = sched
		}
	}
}

// Tunables are the settings that can change while the relay runs.
type Tunables struct {
	WriteBudget     int
	WritesPerSecond float64
}
