package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIdempotencyKeyPerDealAndType(t *testing.T) {
	evt := Event{DealID: "123", Type: DealFilled, OccurredAt: time.Now()}
	require.Equal(t, "123:event:deal.filled", evt.IdempotencyKey())

	// a retried publish of the same transition dedupes to the same key
	again := Event{DealID: "123", Type: DealFilled, OccurredAt: time.Now().Add(time.Minute)}
	require.Equal(t, evt.IdempotencyKey(), again.IdempotencyKey())
}

func TestIdempotencyKeyJoinsArePerParticipant(t *testing.T) {
	a := Event{DealID: "123", Type: ParticipantJoined, Attributes: map[string]any{"participant_id": "p1"}}
	b := Event{DealID: "123", Type: ParticipantJoined, Attributes: map[string]any{"participant_id": "p2"}}
	require.NotEqual(t, a.IdempotencyKey(), b.IdempotencyKey())
}
