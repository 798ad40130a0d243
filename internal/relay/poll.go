package relay

import (
	"context"
	"time"

	"github.com/google/uuid"

	"crosspost/internal/message"
	"crosspost/internal/relay/dedup"
	logx "crosspost/pkg/logx"
)

// pollLoop reads s on its schedule until stopped. The first read happens
// immediately so adapters can establish their cursor baseline.
func (o *Orchestrator) pollLoop(ctx context.Context, s *slot) {
	log := o.log.With(logx.String("conn", s.label))
	log.Debug("poll loop started")
	for {
		if o.stopping() || ctx.Err() != nil {
			return
		}
		o.pollOnce(ctx, s)

		if !o.sleep(ctx, untilNext(s.sched, time.Now())) {
			log.Debug("poll loop stopped")
			return
		}
	}
}

// pollOnce reads new messages from s and enqueues the accepted ones.
func (o *Orchestrator) pollOnce(ctx context.Context, s *slot) {
	msgs, ok := o.read(ctx, s)
	if !ok {
		return
	}
	o.log.Trace("polled", logx.String("conn", s.label), logx.Int("count", len(msgs)))
	for _, m := range msgs {
		ev := MessageEvent{MessageID: m.ID(), Origin: s.idx, OriginName: s.conn.Name(), Target: -1}
		if m.ID() == "" {
			o.counters.skipped.Add(1)
			ev.Reason = ReasonMissingID
			o.publish(EventSkipped, ev)
			o.log.Warn("message without id skipped", logx.String("conn", s.label))
			continue
		}

		switch o.dedup.Check(m, s.idx) {
		case dedup.Seen:
			o.counters.skipped.Add(1)
			ev.Reason = ReasonSeen
			o.publish(EventSkipped, ev)
			continue
		case dedup.SelfAuthored:
			o.counters.skipped.Add(1)
			ev.Reason = ReasonSelfAuthored
			o.publish(EventSkipped, ev)
			o.log.Debug("own post skipped", logx.String("conn", s.label), logx.String("id", m.ID()))
			continue
		}

		rec := DispatchRecord{ID: uuid.NewString(), Message: m, Origin: s.idx, EnqueuedAt: time.Now()}
		if !o.enqueue(ctx, rec) {
			o.counters.dropped.Add(1)
			o.log.Warn("record dropped on stop", logx.String("conn", s.label), logx.String("id", m.ID()))
			return
		}
		o.counters.accepted.Add(1)
		ev.RecordID = rec.ID
		o.publish(EventAccepted, ev)
		o.log.Debug("message accepted", logx.String("conn", s.label), logx.String("id", m.ID()), logx.String("record", rec.ID))
	}
}

// read runs ReadNew under the retry policy on a context detached from stop.
func (o *Orchestrator) read(ctx context.Context, s *slot) ([]message.Message, bool) {
	var msgs []message.Message
	base := context.WithoutCancel(ctx)
	out := o.exec.Do(base, "read "+s.label, func(c context.Context) error {
		opCtx, cancel := context.WithTimeout(c, o.cfg.opTimeout)
		defer cancel()
		s.mu.Lock()
		got, err := s.conn.ReadNew(opCtx)
		s.mu.Unlock()
		if err != nil {
			return err
		}
		msgs = got
		return nil
	})
	if out.OK() {
		return msgs, true
	}

	o.counters.readErrors.Add(1)
	o.publish(EventFailed, MessageEvent{
		Origin:     s.idx,
		OriginName: s.conn.Name(),
		Target:     -1,
		Reason:     ReasonRead,
		Attempts:   out.Attempts,
		Error:      out.Err.Error(),
	})
	o.log.Warn("read failed", logx.String("conn", s.label), logx.Int("attempts", out.Attempts), logx.String("class", out.Class.String()), logx.Err(out.Err))
	return nil, false
}

// enqueue blocks while the queue is full, until space frees or stop is signalled.
func (o *Orchestrator) enqueue(ctx context.Context, rec DispatchRecord) bool {
	select {
	case o.queue <- rec:
		return true
	default:
	}
	o.log.Debug("dispatch queue full; waiting", logx.Int("cap", cap(o.queue)))
	select {
	case o.queue <- rec:
		return true
	case <-o.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}
