// Package relay is the crossposting engine. It polls read-capable
// connections, de-duplicates what they return, and fans every accepted
// message out to each write-capable connection other than its origin.
//
// One goroutine runs per read-capable connection and exactly one dispatch
// goroutine drains the shared queue in cycles. All of them are hosted on a
// supervisor and stop cooperatively.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"crosspost/internal/connection"
	"crosspost/internal/eventbus"
	"crosspost/internal/message"
	"crosspost/internal/relay/dedup"
	"crosspost/internal/relay/ratelimit"
	"crosspost/internal/relay/retry"
	rtsup "crosspost/internal/runtime/supervisor"
	logx "crosspost/pkg/logx"
)

var (
	ErrNoConnections = errors.New("relay: must provide at least one connection")
	ErrStopped       = errors.New("relay: stopped")
	ErrNoWriters     = errors.New("relay: no write-capable connection")
)

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

// DispatchRecord is an accepted message waiting for fan-out.
type DispatchRecord struct {
	ID         string
	Message    message.Message
	Origin     int
	EnqueuedAt time.Time
}

// slot is one connection plus the relay's per-connection state.
type slot struct {
	idx   int
	conn  connection.Connection
	label string
	sched Schedule

	// mu serializes adapter calls: ReadNew from the poll loop and Write from
	// the dispatch loop and PostNow.
	mu sync.Mutex

	openMu sync.Mutex
	opened bool
}

type Orchestrator struct {
	cfg   settings
	log   logx.Logger
	bus   eventbus.Bus
	slots []*slot

	dedup   *dedup.Deduplicator
	limiter *ratelimit.Limiter
	exec    *retry.Executor
	queue   chan DispatchRecord

	// pending is owned by the dispatch goroutine.
	pending []*pendingRecord

	mu       sync.Mutex
	state    state
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopOnce sync.Once

	counters counters
}

// New validates conns and builds an idle orchestrator.
func New(conns []connection.Connection, opts ...Option) (*Orchestrator, error) {
	if len(conns) == 0 {
		return nil, ErrNoConnections
	}
	cfg := defaultSettings()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	for idx := range cfg.schedules {
		if idx < 0 || idx >= len(conns) {
			return nil, fmt.Errorf("relay: schedule for connection %d out of range", idx)
		}
	}

	log := cfg.log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "relay"))

	o := &Orchestrator{
		cfg:     cfg,
		log:     log,
		bus:     cfg.bus,
		dedup:   dedup.New(dedup.WithCapacity(cfg.seenCapacity), dedup.WithContentDedup(cfg.contentDedup), dedup.WithContentWindow(cfg.contentWindow)),
		limiter: ratelimit.New(cfg.writeBudget, cfg.writesPerSec),
		queue:   make(chan DispatchRecord, cfg.queueSize),
		stopCh:  make(chan struct{}),
	}
	o.exec = retry.NewExecutor(cfg.retryPolicy, retry.WithLogger(log), retry.WithStop(o.stopCh))

	for i, c := range conns {
		if c == nil {
			return nil, fmt.Errorf("relay: connection %d is nil", i)
		}
		if c.Modes().Empty() {
			return nil, fmt.Errorf("relay: connection %d (%q): %w", i, c.Name(), connection.ErrNoModes)
		}
		sched, ok := cfg.schedules[i]
		if !ok {
			sched = Every(cfg.pollInterval)
		}
		o.slots = append(o.slots, &slot{
			idx:   i,
			conn:  c,
			label: c.Name() + "#" + strconv.Itoa(i),
			sched: sched,
		})
	}
	return o, nil
}

// Start opens the connections and spawns the poll and dispatch loops.
// It is a no-op while running and returns ErrStopped after Stop.
func (o *Orchestrator) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case stateRunning:
		return nil
	case stateStopped:
		return ErrStopped
	}

	for _, s := range o.slots {
		if err := o.open(ctx, s); err != nil {
			return err
		}
	}

	sup := rtsup.New(ctx,
		rtsup.WithLogger(o.log),
		// One failing loop must not take the others down.
		rtsup.WithCancelOnError(false),
	)
	o.sup = sup
	o.state = stateRunning

	// Cancelling the caller's context stops the relay like Stop does.
	sup.Go0("relay.stop_on_cancel", func(c context.Context) {
		select {
		case <-c.Done():
			o.signalStop()
		case <-o.stopCh:
		}
	})
	readers := 0
	for _, s := range o.slots {
		if !connection.CanRead(s.conn) {
			continue
		}
		s := s
		readers++
		sup.Go("relay.poll."+s.label, func(c context.Context) error {
			o.pollLoop(c, s)
			return nil
		})
	}
	sup.Go("relay.dispatch", func(c context.Context) error {
		o.dispatchLoop(c)
		return nil
	})

	o.log.Info("relay started",
		logx.Int("connections", len(o.slots)),
		logx.Int("readers", readers),
		logx.Duration("dispatch_interval", o.cfg.dispatchInterval),
		logx.Int("write_budget", o.limiter.Budget()),
	)
	return nil
}

// Stop signals every loop, waits for them to finish their in-flight unit
// (or for ctx to expire), then closes the connections.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	o.mu.Lock()
	if o.state == stateStopped {
		o.mu.Unlock()
		return nil
	}
	o.state = stateStopped
	sup := o.sup
	o.mu.Unlock()

	o.signalStop()

	var waitErr error
	if sup != nil {
		sup.Cancel()
		if err := sup.Wait(ctx); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				o.log.Warn("relay stop timed out", logx.Err(err))
				waitErr = err
			} else {
				o.log.Warn("relay loop error", logx.Err(err))
			}
		}
	}

	o.closeAll()

	dropped := len(o.queue)
	if waitErr == nil {
		// Loops are gone; pending is safe to read.
		dropped += len(o.pending)
	}
	o.counters.dropped.Add(uint64(dropped))
	o.log.Info("relay stopped", logx.Int("dropped_records", dropped))
	return waitErr
}

// Apply swaps the runtime tunables.
func (o *Orchestrator) Apply(t Tunables) {
	o.limiter.Apply(t.WriteBudget, t.WritesPerSecond)
	o.log.Info("relay tunables applied", logx.Int("write_budget", t.WriteBudget), logx.Float64("writes_per_sec", t.WritesPerSecond))
}

// Connections returns the managed connections in index order.
func (o *Orchestrator) Connections() []connection.Connection {
	out := make([]connection.Connection, len(o.slots))
	for i, s := range o.slots {
		out[i] = s.conn
	}
	return out
}

func (o *Orchestrator) signalStop() {
	o.stopOnce.Do(func() { close(o.stopCh) })
}

func (o *Orchestrator) stopping() bool {
	select {
	case <-o.stopCh:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) isStopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state == stateStopped
}

// open calls Opener.Open once per connection.
func (o *Orchestrator) open(ctx context.Context, s *slot) error {
	op, ok := s.conn.(connection.Opener)
	if !ok {
		return nil
	}
	s.openMu.Lock()
	defer s.openMu.Unlock()
	if s.opened {
		return nil
	}
	octx, cancel := context.WithTimeout(ctx, o.cfg.opTimeout)
	defer cancel()
	if err := op.Open(octx); err != nil {
		return fmt.Errorf("relay: open %s: %w", s.label, err)
	}
	s.opened = true
	return nil
}

func (o *Orchestrator) closeAll() {
	for _, s := range o.slots {
		c, ok := s.conn.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			o.log.Warn("connection close failed", logx.String("conn", s.label), logx.Err(err))
		}
	}
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	case <-o.stopCh:
		return false
	}
}
