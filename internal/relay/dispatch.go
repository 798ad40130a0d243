package relay

import (
	"context"
	"errors"
	"time"

	"crosspost/internal/connection"
	"crosspost/internal/message"
	"crosspost/internal/relay/dedup"
	"crosspost/internal/relay/retry"
	logx "crosspost/pkg/logx"
)

// Status is the outcome of one message on one target.
type Status string

const (
	StatusDelivered   Status = "delivered"
	StatusFiltered    Status = "filtered"
	StatusSkipped     Status = "skipped"
	StatusFailed      Status = "failed"
	StatusRateLimited Status = "rate_limited"
	// StatusDeferred means the write never started because the relay was stopping.
	StatusDeferred Status = "deferred"
)

// Delivery reports what happened to a message on one target.
type Delivery struct {
	Target     int
	Name       string
	Status     Status
	Reason     string
	ExternalID string
	Attempts   int
	Err        error
}

// done reports whether the target needs no further attempt.
func (d Delivery) done() bool {
	return d.Status != StatusRateLimited && d.Status != StatusDeferred
}

// errBudgetSpent ends a retry sequence when the cycle budget has no room for
// another attempt.
var errBudgetSpent = errors.New("relay: cycle write budget spent")

type pendingRecord struct {
	rec       DispatchRecord
	originKey string
	remaining []int
}

// dispatchLoop runs one cycle per dispatch interval until stopped.
func (o *Orchestrator) dispatchLoop(ctx context.Context) {
	t := time.NewTicker(o.cfg.dispatchInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-t.C:
			o.cycle(ctx)
		}
	}
}

// cycle is one dispatch cycle: reset the budget, pull queued records into
// pending, and write as much as the budget allows.
func (o *Orchestrator) cycle(ctx context.Context) {
	o.counters.cycles.Add(1)
	o.limiter.Reset()
	o.drain()

	kept := o.pending[:0]
	limited := false
	for _, p := range o.pending {
		if !limited && !o.stopping() {
			limited = o.dispatchRecord(ctx, p)
		}
		if len(p.remaining) > 0 {
			kept = append(kept, p)
		}
	}
	for i := len(kept); i < len(o.pending); i++ {
		o.pending[i] = nil
	}
	o.pending = kept
	o.counters.pending.Store(int64(len(o.pending)))
}

// drain moves queued records into pending without exceeding the queue size.
func (o *Orchestrator) drain() {
	for len(o.pending) < o.cfg.queueSize {
		select {
		case rec := <-o.queue:
			o.pending = append(o.pending, o.newPending(rec))
		default:
			return
		}
	}
}

func (o *Orchestrator) newPending(rec DispatchRecord) *pendingRecord {
	p := &pendingRecord{rec: rec, originKey: dedup.OriginKey(rec.Origin)}
	for _, s := range o.slots {
		if s.idx != rec.Origin && connection.CanWrite(s.conn) {
			p.remaining = append(p.remaining, s.idx)
		}
	}
	return p
}

// dispatchRecord writes p to its remaining targets. It reports true when
// the cycle budget ran out.
func (o *Orchestrator) dispatchRecord(ctx context.Context, p *pendingRecord) bool {
	left := p.remaining[:0]
	limited := false
	for _, idx := range p.remaining {
		if limited || o.stopping() {
			left = append(left, idx)
			continue
		}
		d := o.deliver(ctx, o.slots[idx], p.rec.Message, p.originKey, p.rec.Origin, p.rec.ID, true)
		switch d.Status {
		case StatusRateLimited:
			limited = true
			left = append(left, idx)
		case StatusDeferred:
			left = append(left, idx)
		}
	}
	p.remaining = left
	return limited
}

// deliver writes msg to one target, applying the filters, dedup, budget
// (when useBudget), pacing and retry. Every write attempt, retries included,
// takes one unit of budget. It holds the target's lock for the whole exchange.
func (o *Orchestrator) deliver(ctx context.Context, s *slot, msg message.Message, originKey string, origin int, recordID string, useBudget bool) Delivery {
	d := Delivery{Target: s.idx, Name: s.conn.Name()}
	ev := MessageEvent{
		RecordID:   recordID,
		MessageID:  msg.ID(),
		Origin:     origin,
		Target:     s.idx,
		TargetName: s.conn.Name(),
	}
	if origin >= 0 && origin < len(o.slots) {
		ev.OriginName = o.slots[origin].conn.Name()
	}
	log := o.log.With(logx.String("target", s.label), logx.String("id", msg.ID()))

	caps := s.conn.Capabilities()
	if msg.IsEmptyFor(caps.Media) {
		return o.filtered(d, ev, ReasonEmpty, log)
	}
	if msg.TooLongFor(caps.MaxLength) {
		return o.filtered(d, ev, ReasonTooLong, log)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if o.dedup.AlreadyWritten(s.idx, msg, originKey) {
		o.counters.skipped.Add(1)
		d.Status, d.Reason = StatusSkipped, ReasonDuplicate
		ev.Reason = ReasonDuplicate
		o.publish(EventSkipped, ev)
		log.Debug("already written; skipped")
		return d
	}
	if useBudget && !o.limiter.TryConsume() {
		return o.rateLimited(d, ev, nil, log)
	}
	if err := o.limiter.Wait(ctx); err != nil {
		d.Status, d.Reason, d.Err = StatusDeferred, ReasonCanceled, err
		return d
	}
	if err := o.open(ctx, s); err != nil {
		return o.failed(d, ev, retry.Outcome{Attempts: 0, Err: err, Class: retry.ClassTransient}, log)
	}

	// Writes from the dispatch loop run detached from stop; PostNow keeps
	// the caller's cancellation.
	base := ctx
	if origin != dedup.PostNowOrigin {
		base = context.WithoutCancel(ctx)
	}
	var (
		res     connection.WriteResult
		writes  int
		lastErr error
	)
	out := o.exec.Do(base, "write "+s.label, func(c context.Context) error {
		if writes > 0 {
			if useBudget && !o.limiter.TryConsume() {
				return retry.Permanent(errBudgetSpent)
			}
			if err := o.limiter.Wait(c); err != nil {
				return err
			}
		}
		writes++
		opCtx, cancel := context.WithTimeout(c, o.cfg.opTimeout)
		defer cancel()
		r, err := s.conn.Write(opCtx, msg)
		if err != nil {
			lastErr = err
			return err
		}
		res = r
		return nil
	})
	d.Attempts = writes
	if errors.Is(out.Err, errBudgetSpent) {
		ev.Attempts = writes
		return o.rateLimited(d, ev, lastErr, log)
	}
	if !out.OK() {
		out.Attempts = writes
		return o.failed(d, ev, out, log)
	}

	o.dedup.MarkWritten(s.idx, msg, originKey, res.ExternalID)
	o.counters.delivered.Add(1)
	d.Status, d.ExternalID = StatusDelivered, res.ExternalID
	ev.Attempts, ev.ExternalID = writes, res.ExternalID
	o.publish(EventDelivered, ev)
	log.Info("message delivered", logx.String("external_id", res.ExternalID), logx.Int("attempts", writes))
	return d
}

// rateLimited leaves the target pending for the next cycle. lastErr is the
// failure of the previous attempt when the budget ran out mid-retry.
func (o *Orchestrator) rateLimited(d Delivery, ev MessageEvent, lastErr error, log logx.Logger) Delivery {
	o.counters.rateLimited.Add(1)
	d.Status, d.Err = StatusRateLimited, lastErr
	if lastErr != nil {
		ev.Error = lastErr.Error()
	}
	o.publish(EventRateLimited, ev)
	log.Debug("write budget exhausted for this cycle", logx.Int("budget", o.limiter.Budget()), logx.Int("attempts", d.Attempts), logx.Err(lastErr))
	return d
}

func (o *Orchestrator) filtered(d Delivery, ev MessageEvent, reason string, log logx.Logger) Delivery {
	o.counters.filtered.Add(1)
	d.Status, d.Reason = StatusFiltered, reason
	ev.Reason = reason
	o.publish(EventFiltered, ev)
	log.Debug("message filtered", logx.String("reason", reason))
	return d
}

func (o *Orchestrator) failed(d Delivery, ev MessageEvent, out retry.Outcome, log logx.Logger) Delivery {
	reason := ReasonExhausted
	switch {
	case errors.Is(out.Err, retry.ErrStopped):
		reason = ReasonStopped
	case out.Class == retry.ClassPermanent:
		reason = ReasonPermanent
	case out.Class == retry.ClassCanceled:
		reason = ReasonCanceled
	}
	o.counters.failed.Add(1)
	d.Status, d.Reason, d.Err, d.Attempts = StatusFailed, reason, out.Err, out.Attempts
	ev.Reason, ev.Attempts = reason, out.Attempts
	if out.Err != nil {
		ev.Error = out.Err.Error()
	}
	o.publish(EventFailed, ev)
	log.Warn("write failed", logx.String("reason", reason), logx.Int("attempts", out.Attempts), logx.Err(out.Err))
	return d
}
