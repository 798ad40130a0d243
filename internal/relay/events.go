package relay

import (
	"time"

	"crosspost/internal/eventbus"
)

const (
	EventAccepted    = "relay.accepted"
	EventSkipped     = "relay.skipped"
	EventFiltered    = "relay.filtered"
	EventRateLimited = "relay.rate_limited"
	EventDelivered   = "relay.delivered"
	EventFailed      = "relay.failed"
)

// Filter and skip reasons carried in MessageEvent.Reason.
const (
	ReasonEmpty        = "empty"
	ReasonTooLong      = "too_long"
	ReasonDuplicate    = "duplicate"
	ReasonSeen         = "seen"
	ReasonSelfAuthored = "self_authored"
	ReasonMissingID    = "missing_id"
	ReasonPermanent    = "permanent"
	ReasonExhausted    = "exhausted"
	ReasonStopped      = "stopped"
	ReasonCanceled     = "canceled"
	ReasonRead         = "read"
)

// MessageEvent is the Data of every relay.* event.
type MessageEvent struct {
	RecordID   string `json:"record_id,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
	Origin     int    `json:"origin"`
	OriginName string `json:"origin_name,omitempty"`
	Target     int    `json:"target"`
	TargetName string `json:"target_name,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (o *Orchestrator) publish(typ string, ev MessageEvent) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
