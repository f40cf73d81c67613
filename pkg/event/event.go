package event

import (
	"time"
)

// Type identifies a lifecycle event. Values double as asynq task types so
// the storefront/notification worker can subscribe per event kind.
type Type string

const (
	ParticipantJoined Type = "event:participant.joined"
	DealFilled        Type = "event:deal.filled"
	DealExpired       Type = "event:deal.expired"
	DealSettled       Type = "event:deal.settled"
	DealRefunded      Type = "event:deal.refunded"
)

// Event is the payload delivered to the storefront/notification consumer.
// Delivery is at-least-once; consumers dedupe on DealID+Type.
type Event struct {
	DealID     string         `json:"deal_id"`
	Type       Type           `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// IdempotencyKey is "{dealID}:{type}" per the event contract. Joined events
// additionally carry the participant id so each join is its own key.
func (e Event) IdempotencyKey() string {
	key := e.DealID + ":" + string(e.Type)
	if e.Type == ParticipantJoined {
		if pid, ok := e.Attributes["participant_id"].(string); ok {
			key += ":" + pid
		}
	}
	return key
}
