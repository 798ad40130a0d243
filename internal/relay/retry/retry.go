// Package retry runs operations under exponential backoff with jitter,
// stopping early on permanent errors.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	logx "crosspost/pkg/logx"
)

const (
	DefaultMaxAttempts = 4
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
	DefaultJitter      = 0.1

	// MaxJitter keeps consecutive delays strictly increasing until the cap:
	// base*2^k*(1+j) < base*2^(k+1)*(1-j) holds for j < 1/3.
	MaxJitter = 0.3
)

type Policy struct {
	// MaxAttempts counts the first attempt; 4 means up to 3 retries.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the +/- fraction applied to each delay, clamped to [0, MaxJitter].
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
	}
}

// Normalize fills unset fields with defaults and clamps the jitter.
func (p Policy) Normalize() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > MaxJitter {
		p.Jitter = MaxJitter
	}
	return p
}

// Backoff returns the delay before attempt+1. r is a jitter sample in [-1, 1].
func (p Policy) Backoff(attempt int, err error, r float64) time.Duration {
	p = p.Normalize()
	if attempt < 1 {
		attempt = 1
	}

	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}

	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d = ra.RetryAfter()
		if d > p.MaxDelay {
			d = p.MaxDelay
		}
	}

	// At the cap the delay is flat; jitter would let it drop below the
	// previous one.
	if d >= p.MaxDelay {
		return p.MaxDelay
	}

	if r < -1 {
		r = -1
	} else if r > 1 {
		r = 1
	}
	d = time.Duration(float64(d) * (1 + r*p.Jitter))
	if d < 0 {
		d = 0
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Outcome is the result of Executor.Do. Err is nil on success and the last
// error otherwise; Attempts is at least 1 whenever the op ran.
type Outcome struct {
	Attempts int
	Err      error
	Delays   []time.Duration
	Class    Class
}

func (o Outcome) OK() bool { return o.Err == nil }

// Op is a single attempt.
type Op func(ctx context.Context) error

// Sleeper waits d, returning ctx.Err() if ctx ends first and ErrStopped if
// stop closes first.
type Sleeper func(ctx context.Context, stop <-chan struct{}, d time.Duration) error

func timerSleep(ctx context.Context, stop <-chan struct{}, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		if !t.Stop() {
			<-t.C
		}
		return ctx.Err()
	case <-stop:
		if !t.Stop() {
			<-t.C
		}
		return ErrStopped
	}
}

// Executor applies a Policy. It is safe for concurrent use.
type Executor struct {
	policy Policy
	log    logx.Logger
	stop   <-chan struct{}
	sleep  Sleeper

	rngMu sync.Mutex
	rng   *rand.Rand
}

type ExecOption func(*Executor)

func WithLogger(l logx.Logger) ExecOption { return func(e *Executor) { e.log = l } }

// WithStop makes backoff waits end with ErrStopped when ch closes.
func WithStop(ch <-chan struct{}) ExecOption { return func(e *Executor) { e.stop = ch } }

func WithSleeper(s Sleeper) ExecOption { return func(e *Executor) { e.sleep = s } }

// WithSeed fixes the jitter source.
func WithSeed(seed int64) ExecOption {
	return func(e *Executor) { e.rng = rand.New(rand.NewSource(seed)) }
}

func NewExecutor(p Policy, opts ...ExecOption) *Executor {
	e := &Executor{policy: p.Normalize(), sleep: timerSleep}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if e.sleep == nil {
		e.sleep = timerSleep
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	return e
}

func (e *Executor) Policy() Policy { return e.policy }

func (e *Executor) sample() float64 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64()*2 - 1
}

// Do runs op until it succeeds, fails permanently, exhausts MaxAttempts,
// the caller's ctx ends, or the stop channel closes during a backoff wait.
func (e *Executor) Do(ctx context.Context, name string, op Op) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}
	var out Outcome
	p := e.policy

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			if out.Err == nil {
				out.Err = err
			}
			out.Class = ClassCanceled
			return out
		}

		out.Attempts = attempt
		err := op(ctx)
		if err == nil {
			out.Err = nil
			out.Class = ClassTransient
			return out
		}
		out.Err = err
		out.Class = Classify(ctx, err)

		switch out.Class {
		case ClassCanceled:
			return out
		case ClassPermanent:
			e.log.Debug("retry.permanent", logx.String("op", name), logx.Int("attempt", attempt), logx.Err(err))
			return out
		}
		if attempt >= p.MaxAttempts {
			return out
		}

		delay := p.Backoff(attempt, err, e.sample())
		out.Delays = append(out.Delays, delay)
		e.log.Debug("retry.scheduled", logx.String("op", name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))

		if serr := e.sleep(ctx, e.stop, delay); serr != nil {
			if errors.Is(serr, ErrStopped) {
				out.Err = fmt.Errorf("%w after %d attempts: %w", ErrStopped, attempt, err)
			} else {
				out.Err = serr
				out.Class = ClassCanceled
			}
			return out
		}
	}
}
