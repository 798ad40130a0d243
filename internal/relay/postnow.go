package relay

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"crosspost/internal/connection"
	"crosspost/internal/message"
	"crosspost/internal/relay/dedup"
	logx "crosspost/pkg/logx"
)

// Report is the per-connection result of PostNow.
type Report struct {
	MessageID  string
	Deliveries []Delivery
}

// Delivered counts targets that accepted the message.
func (r Report) Delivered() int {
	n := 0
	for _, d := range r.Deliveries {
		if d.Status == StatusDelivered {
			n++
		}
	}
	return n
}

// Failed returns the deliveries that ended in failure.
func (r Report) Failed() []Delivery {
	var out []Delivery
	for _, d := range r.Deliveries {
		if d.Status == StatusFailed {
			out = append(out, d)
		}
	}
	return out
}

// PostNow writes msg to every write-capable connection right away and
// returns once each has been attempted. It does not need Start and is not
// subject to the cycle budget. A blank message id is replaced by a uuid.
func (o *Orchestrator) PostNow(ctx context.Context, msg message.Message) (Report, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if o.isStopped() {
		return Report{}, ErrStopped
	}
	if strings.TrimSpace(msg.ID()) == "" {
		msg = msg.WithID(uuid.NewString())
	}

	rep := Report{MessageID: msg.ID()}
	originKey := dedup.OriginKey(dedup.PostNowOrigin)
	for _, s := range o.slots {
		if !connection.CanWrite(s.conn) {
			continue
		}
		rep.Deliveries = append(rep.Deliveries, o.deliver(ctx, s, msg, originKey, dedup.PostNowOrigin, "", false))
	}
	if len(rep.Deliveries) == 0 {
		return rep, ErrNoWriters
	}
	o.log.Info("post now finished",
		logx.String("id", msg.ID()),
		logx.Int("targets", len(rep.Deliveries)),
		logx.Int("delivered", rep.Delivered()),
		logx.Int("failed", len(rep.Failed())),
	)
	return rep, ctx.Err()
}
