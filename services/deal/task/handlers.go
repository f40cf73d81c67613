package task

import (
	"context"
	"encoding/json"

	"jam3a-engine/pkg/taskname"
	"jam3a-engine/services/deal"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("deal.task",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterHandlers),
)

// Handler runs the settle/refund passes off the queue. Asynq retries on
// error and the underlying passes are idempotent, so redelivery is safe.
type Handler struct {
	deals *deal.Service
}

func NewHandler(deals *deal.Service) *Handler {
	return &Handler{deals: deals}
}

func RegisterHandlers(mux *asynq.ServeMux, h *Handler) {
	mux.HandleFunc(taskname.DealSettle, h.HandleSettle)
	mux.HandleFunc(taskname.DealRefund, h.HandleRefund)
}

func (h *Handler) HandleSettle(ctx context.Context, t *asynq.Task) error {
	dealID, err := dealIDFromPayload(t)
	if err != nil {
		return err
	}

	zap.L().Info("processing settlement task", zap.String("deal_id", dealID))
	if err := h.deals.Settle(ctx, dealID); err != nil {
		zap.L().Error("settlement task failed", zap.String("deal_id", dealID), zap.Error(err))
		return err
	}
	return nil
}

func (h *Handler) HandleRefund(ctx context.Context, t *asynq.Task) error {
	dealID, err := dealIDFromPayload(t)
	if err != nil {
		return err
	}

	zap.L().Info("processing refund task", zap.String("deal_id", dealID))
	if err := h.deals.Refund(ctx, dealID); err != nil {
		zap.L().Error("refund task failed", zap.String("deal_id", dealID), zap.Error(err))
		return err
	}
	return nil
}

func dealIDFromPayload(t *asynq.Task) (string, error) {
	var payload struct {
		DealID string `json:"deal_id"`
	}
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		zap.L().Error("invalid lifecycle task payload", zap.Error(err))
		return "", err
	}
	return payload.DealID, nil
}
