// Package ratelimit caps writes per dispatch cycle and optionally paces them.
package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Limiter combines a per-cycle write budget with an optional token bucket.
//
// Budget 0 means unlimited. The cycle counter is reset atomically by Reset.
// Pacing (writes/sec) is independent of cycles; 0 disables it.
type Limiter struct {
	budget atomic.Int64
	used   atomic.Int64

	mu      sync.RWMutex
	perSec  float64
	limiter *rate.Limiter
}

// New builds a limiter. budget <= 0 means unlimited, perSec <= 0 disables pacing.
func New(budget int, perSec float64) *Limiter {
	l := &Limiter{}
	l.Apply(budget, perSec)
	return l
}

// Apply swaps budget and pacing at runtime. The current cycle keeps its usage.
func (l *Limiter) Apply(budget int, perSec float64) {
	if budget < 0 {
		budget = 0
	}
	l.budget.Store(int64(budget))

	l.mu.Lock()
	defer l.mu.Unlock()
	if perSec <= 0 {
		l.perSec = 0
		l.limiter = nil
		return
	}
	if l.limiter != nil && l.perSec == perSec {
		return
	}
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}
	l.perSec = perSec
	l.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
}

// TryConsume takes one write from the cycle budget, reporting false when
// none is left.
func (l *Limiter) TryConsume() bool {
	for {
		b := l.budget.Load()
		u := l.used.Load()
		if b > 0 && u >= b {
			return false
		}
		if l.used.CompareAndSwap(u, u+1) {
			return true
		}
	}
}

// Reset starts a new cycle.
func (l *Limiter) Reset() { l.used.Store(0) }

// Wait blocks until pacing allows one write or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.RLock()
	lim := l.limiter
	l.mu.RUnlock()
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

func (l *Limiter) Budget() int { return int(l.budget.Load()) }

func (l *Limiter) Used() int { return int(l.used.Load()) }

func (l *Limiter) PerSecond() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.perSec
}

// Remaining is the budget left in this cycle, -1 when unlimited.
func (l *Limiter) Remaining() int {
	b := l.budget.Load()
	if b <= 0 {
		return -1
	}
	r := b - l.used.Load()
	if r < 0 {
		r = 0
	}
	return int(r)
}
