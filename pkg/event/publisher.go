package event

import (
	"context"
	"encoding/json"
	"errors"

	"jam3a-engine/pkg/task"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("event",
	fx.Provide(NewPublisher),
)

// Publisher delivers lifecycle events to the storefront/notification
// consumer. Implementations must be safe to call from request handlers.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

type asynqPublisher struct {
	enqueuer task.Enqueuer
}

func NewPublisher(enqueuer task.Enqueuer) Publisher {
	return &asynqPublisher{enqueuer: enqueuer}
}

func (p *asynqPublisher) Publish(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	_, err = p.enqueuer.Enqueue(ctx, asynq.NewTask(string(evt.Type), payload),
		asynq.Queue("events"),
		asynq.TaskID(evt.IdempotencyKey()),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		// Same deal, same event: already queued, which is exactly the
		// at-least-once contract. Not an error.
		zap.L().Debug("event already enqueued",
			zap.String("deal_id", evt.DealID),
			zap.String("type", string(evt.Type)),
		)
		return nil
	}
	return err
}
