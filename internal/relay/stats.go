package relay

import (
	"sync/atomic"

	rtsup "crosspost/internal/runtime/supervisor"
)

type counters struct {
	accepted    atomic.Uint64
	skipped     atomic.Uint64
	filtered    atomic.Uint64
	delivered   atomic.Uint64
	failed      atomic.Uint64
	rateLimited atomic.Uint64
	readErrors  atomic.Uint64
	dropped     atomic.Uint64
	pending     atomic.Int64
	cycles      atomic.Uint64
}

// Stats is a point-in-time view for logs and the CLI. Not a synchronization primitive.
type Stats struct {
	Accepted    uint64 `json:"accepted"`
	Skipped     uint64 `json:"skipped"`
	Filtered    uint64 `json:"filtered"`
	Delivered   uint64 `json:"delivered"`
	Failed      uint64 `json:"failed"`
	RateLimited uint64 `json:"rate_limited"`
	ReadErrors  uint64 `json:"read_errors"`
	Dropped     uint64 `json:"dropped"`
	Cycles      uint64 `json:"cycles"`

	Queued  int `json:"queued"`
	Pending int `json:"pending"`

	WriteBudget  int     `json:"write_budget"`
	BudgetUsed   int     `json:"budget_used"`
	WritesPerSec float64 `json:"writes_per_sec"`

	Connections []ConnStats    `json:"connections"`
	Supervisor  rtsup.Snapshot `json:"supervisor"`
}

type ConnStats struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	Modes   string `json:"modes"`
	Seen    int    `json:"seen"`
	Written int    `json:"written"`
}

func (o *Orchestrator) Snapshot() Stats {
	st := Stats{
		Accepted:    o.counters.accepted.Load(),
		Skipped:     o.counters.skipped.Load(),
		Filtered:    o.counters.filtered.Load(),
		Delivered:   o.counters.delivered.Load(),
		Failed:      o.counters.failed.Load(),
		RateLimited: o.counters.rateLimited.Load(),
		ReadErrors:  o.counters.readErrors.Load(),
		Dropped:     o.counters.dropped.Load(),
		Cycles:      o.counters.cycles.Load(),
		Queued:      len(o.queue),
		Pending:     int(o.counters.pending.Load()),

		WriteBudget:  o.limiter.Budget(),
		BudgetUsed:   o.limiter.Used(),
		WritesPerSec: o.limiter.PerSecond(),
	}
	sizes := o.dedup.Sizes()
	for _, s := range o.slots {
		sz := sizes[s.idx]
		st.Connections = append(st.Connections, ConnStats{
			Index:   s.idx,
			Name:    s.conn.Name(),
			Modes:   s.conn.Modes().String(),
			Seen:    sz.Read,
			Written: sz.Written,
		})
	}
	o.mu.Lock()
	sup := o.sup
	o.mu.Unlock()
	st.Supervisor = sup.Snapshot()
	return st
}
