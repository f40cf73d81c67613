package deal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"jam3a-engine/pkg/db/option"
	"jam3a-engine/pkg/errutil"
	"jam3a-engine/pkg/event"
	"jam3a-engine/pkg/taskname"
	"jam3a-engine/services/payment"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Expire moves an overdue deal from open/filling to expired exactly once and
// schedules the refund run. Reports whether this call performed the
// transition; a deal already past the fork is a no-op.
func (s *Service) Expire(ctx context.Context, dealID string) (bool, error) {
	var expired bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		deal, err := s.deals.WithTrx(tx).FindOne(ctx, &Deal{ID: dealID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if deal == nil {
			return errutil.NotFound("deal not found", nil)
		}
		if !deal.Status.Joinable() {
			return nil
		}
		if s.now().Before(deal.Deadline) {
			return nil
		}

		expired, err = s.expireLocked(ctx, tx, deal)
		return err
	})
	if err != nil {
		return false, err
	}
	if expired {
		s.afterExpire(ctx, dealID)
	}
	return expired, nil
}

// expireLocked performs the status CAS and flips the holds to void_pending.
// RowsAffected of zero means another writer won the transition.
func (s *Service) expireLocked(ctx context.Context, tx *gorm.DB, deal *Deal) (bool, error) {
	now := s.now()
	res := tx.WithContext(ctx).Model(&Deal{}).
		Where("id = ? AND status IN ?", deal.ID, joinableStatuses).
		Updates(map[string]any{
			"status":     StatusExpired,
			"expired_at": now,
			"version":    gorm.Expr("version + 1"),
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	return true, s.payments.MarkVoidPending(ctx, tx, deal.ID)
}

func (s *Service) afterExpire(ctx context.Context, dealID string) {
	s.enqueueLifecycleTask(ctx, taskname.DealRefund, dealID)
	s.publish(ctx, event.Event{
		DealID:     dealID,
		Type:       event.DealExpired,
		OccurredAt: s.now(),
	})
}

// ExpireDue sweeps deals whose deadline has passed while still joinable.
// Returns how many were transitioned in this pass.
func (s *Service) ExpireDue(ctx context.Context, batchSize int) (int, error) {
	due, err := s.deals.Find(ctx, &Deal{},
		func(tx *gorm.DB) *gorm.DB { return tx.Where("status IN ?", joinableStatuses) },
		option.ApplyOperator(option.Condition{Field: "deadline", Operator: option.LTE, Value: s.now()}),
		option.WithLimit(batchSize),
	)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, deal := range due {
		did, err := s.Expire(ctx, deal.ID)
		if err != nil {
			zap.L().Error("sweep failed to expire deal",
				zap.String("deal_id", deal.ID), zap.Error(err))
			continue
		}
		if did {
			expired++
		}
	}
	return expired, nil
}

// Settle runs the capture pass for a filled deal and records the terminal
// status. Idempotent: an already settled deal returns nil without touching
// the gateway again.
func (s *Service) Settle(ctx context.Context, dealID string) error {
	return s.finalize(ctx, dealID, StatusFilled,
		StatusSettled, StatusSettledWithExceptions,
		event.DealSettled, s.payments.SettleDeal)
}

// Refund runs the void pass for an expired deal. Same contract as Settle.
func (s *Service) Refund(ctx context.Context, dealID string) error {
	return s.finalize(ctx, dealID, StatusExpired,
		StatusRefunded, StatusRefundedWithExceptions,
		event.DealRefunded, s.payments.RefundDeal)
}

func (s *Service) finalize(ctx context.Context, dealID string, from, clean, withExceptions Status, evt event.Type, run func(context.Context, string) (*payment.Report, error)) error {
	deal, err := s.deals.FindOne(ctx, &Deal{ID: dealID})
	if err != nil {
		return err
	}
	if deal == nil {
		return errutil.NotFound("deal not found", nil)
	}

	switch deal.Status {
	case clean, withExceptions:
		return nil
	case from:
	default:
		return errutil.Conflict("deal is not in a finalizable state", nil)
	}

	report, err := run(ctx, dealID)
	if err != nil {
		return err
	}

	target := clean
	if report.FailedCount() > 0 {
		target = withExceptions
	}

	now := s.now()
	res := s.db.WithContext(ctx).Model(&Deal{}).
		Where("id = ? AND status = ?", dealID, from).
		Updates(map[string]any{
			"status":       target,
			"finalized_at": now,
			"version":      gorm.Expr("version + 1"),
			"updated_at":   now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Concurrent worker finished first; its event already went out.
		return nil
	}

	s.publish(ctx, event.Event{
		DealID:     dealID,
		Type:       evt,
		OccurredAt: now,
		Attributes: map[string]any{
			"status":       string(target),
			"participants": len(report.Results),
			"failed":       report.FailedCount(),
		},
	})
	return nil
}

func (s *Service) publish(ctx context.Context, evt event.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, evt); err != nil {
		zap.L().Error("failed to publish lifecycle event",
			zap.String("deal_id", evt.DealID),
			zap.String("type", string(evt.Type)),
			zap.Error(err),
		)
	}
}

// enqueueLifecycleTask schedules the settle/refund worker run. The task id
// makes the enqueue idempotent per deal and phase; a conflict means the run
// is already queued.
func (s *Service) enqueueLifecycleTask(ctx context.Context, name, dealID string) {
	if s.enqueuer == nil {
		return
	}
	payload, err := json.Marshal(map[string]string{"deal_id": dealID})
	if err != nil {
		return
	}

	_, err = s.enqueuer.Enqueue(ctx, asynq.NewTask(name, payload),
		asynq.Queue("settlement"),
		asynq.TaskID(dealID+":"+name),
		asynq.MaxRetry(5),
		asynq.Timeout(2*time.Minute),
	)
	if err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		zap.L().Error("failed to enqueue lifecycle task",
			zap.String("deal_id", dealID),
			zap.String("task", name),
			zap.Error(err),
		)
	}
}
