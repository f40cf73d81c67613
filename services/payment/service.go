package payment

import (
	"context"
	"time"

	"jam3a-engine/pkg/errutil"
	"jam3a-engine/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("payment",
	fx.Provide(NewGateway, NewService),
)

type Service struct {
	db      *gorm.DB
	node    *snowflake.Node
	gateway Gateway

	auths repository.Repository[Authorization]
}

type ServiceParams struct {
	fx.In
	DB      *gorm.DB
	Node    *snowflake.Node
	Gateway Gateway
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:      p.DB,
		node:    p.Node,
		gateway: p.Gateway,

		auths: repository.ProvideStore[Authorization](p.DB),
	}
}

// Authorize places a hold with the gateway and returns the unsaved
// Authorization row. Callers persist it inside their own transaction so a
// rejected join leaves no ledger writes behind.
func (s *Service) Authorize(ctx context.Context, req AuthorizeRequest) (*Authorization, error) {
	ref, err := s.gateway.Authorize(ctx, req)
	if err != nil {
		return nil, errutil.UnprocessableEntity("payment authorization failed", err)
	}

	return &Authorization{
		ID:         s.node.Generate().String(),
		DealID:     req.DealID,
		UserID:     req.UserID,
		Method:     req.Method,
		Amount:     req.Amount,
		GatewayRef: ref,
		State:      StateAuthorized,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}, nil
}

// Persist writes the authorization row within the caller's transaction.
func (s *Service) Persist(ctx context.Context, tx *gorm.DB, auth *Authorization) error {
	return s.auths.WithTrx(tx).Create(ctx, auth)
}

// Release voids a hold whose join never committed. Best effort: the hold
// expires gateway-side anyway, so failure is only logged.
func (s *Service) Release(ctx context.Context, auth *Authorization) {
	if err := s.gateway.Void(ctx, auth.GatewayRef); err != nil {
		zap.L().Warn("failed to release orphaned payment hold",
			zap.String("gateway_ref", auth.GatewayRef),
			zap.Error(err),
		)
	}
}

// MarkCapturePending flips every live hold on the deal to capture_pending
// at the recomputed final amount. Runs inside the fill transaction.
func (s *Service) MarkCapturePending(ctx context.Context, tx *gorm.DB, dealID string, captureAmount int64) error {
	return tx.WithContext(ctx).Model(&Authorization{}).
		Where("deal_id = ? AND state = ?", dealID, StateAuthorized).
		Updates(map[string]any{
			"state":          StateCapturePending,
			"capture_amount": captureAmount,
			"updated_at":     time.Now(),
		}).Error
}

// MarkVoidPending flips every live hold on the deal to void_pending. Runs
// inside the expiry transaction.
func (s *Service) MarkVoidPending(ctx context.Context, tx *gorm.DB, dealID string) error {
	return tx.WithContext(ctx).Model(&Authorization{}).
		Where("deal_id = ? AND state = ?", dealID, StateAuthorized).
		Updates(map[string]any{
			"state":      StateVoidPending,
			"updated_at": time.Now(),
		}).Error
}

// AttachParticipant links the hold to the ledger row created in the same
// join transaction.
func (s *Service) AttachParticipant(ctx context.Context, tx *gorm.DB, authID, participantID string) error {
	return s.auths.WithTrx(tx).Update(ctx, authID, map[string]any{
		"participant_id": participantID,
		"updated_at":     time.Now(),
	})
}

// StatesByDeal returns the hold state per authorization id, used to join
// settlement state onto the participant listing.
func (s *Service) StatesByDeal(ctx context.Context, dealID string) (map[string]string, error) {
	auths, err := s.auths.Find(ctx, &Authorization{DealID: dealID})
	if err != nil {
		return nil, err
	}
	states := make(map[string]string, len(auths))
	for _, auth := range auths {
		states[auth.ID] = auth.State
	}
	return states, nil
}

// SettleDeal issues the capture instruction for every pending hold on the
// deal and records the outcome. Safe to run repeatedly: holds already in a
// terminal state are reported as-is, never re-captured.
func (s *Service) SettleDeal(ctx context.Context, dealID string) (*Report, error) {
	return s.reconcile(ctx, dealID, StateCapturePending, StateCapturing, s.capture)
}

// RefundDeal issues the void instruction for every pending hold on the
// deal. Same idempotency contract as SettleDeal.
func (s *Service) RefundDeal(ctx context.Context, dealID string) (*Report, error) {
	return s.reconcile(ctx, dealID, StateVoidPending, StateVoiding, s.void)
}

func (s *Service) reconcile(ctx context.Context, dealID, pendingState, claimState string, instruct func(context.Context, *Authorization) (string, string)) (*Report, error) {
	auths, err := s.auths.Find(ctx, &Authorization{DealID: dealID})
	if err != nil {
		return nil, err
	}

	report := &Report{DealID: dealID}
	for _, auth := range auths {
		state, reason := auth.State, auth.FailureReason
		if auth.State == pendingState {
			claimed, err := s.claim(ctx, auth.ID, pendingState, claimState)
			if err != nil {
				return nil, err
			}
			if !claimed {
				// a concurrent run owns this hold; report what it left behind
				cur, err := s.auths.FindOne(ctx, &Authorization{ID: auth.ID})
				if err != nil {
					return nil, err
				}
				if cur != nil {
					state, reason = cur.State, cur.FailureReason
				}
			} else {
				state, reason = instruct(ctx, auth)
				if err := s.auths.Update(ctx, auth.ID, map[string]any{
					"state":          state,
					"failure_reason": reason,
					"updated_at":     time.Now(),
				}); err != nil {
					return nil, err
				}
			}
		}

		report.Results = append(report.Results, Result{
			AuthorizationID: auth.ID,
			ParticipantID:   auth.ParticipantID,
			State:           state,
			Amount:          chargedAmount(auth),
			Reason:          reason,
		})
	}

	return report, nil
}

// claim moves one hold from pending to the in-flight state. RowsAffected of
// zero means another worker got there first, so this run must not instruct
// the gateway for it.
func (s *Service) claim(ctx context.Context, authID, pendingState, claimState string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&Authorization{}).
		Where("id = ? AND state = ?", authID, pendingState).
		Updates(map[string]any{
			"state":      claimState,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *Service) capture(ctx context.Context, auth *Authorization) (string, string) {
	amount := chargedAmount(auth)
	if err := s.gateway.Capture(ctx, auth.GatewayRef, amount); err != nil {
		zap.L().Error("payment capture failed",
			zap.String("authorization_id", auth.ID),
			zap.String("deal_id", auth.DealID),
			zap.Error(err),
		)
		return StateCaptureFailed, err.Error()
	}
	return StateCaptured, ""
}

func (s *Service) void(ctx context.Context, auth *Authorization) (string, string) {
	if err := s.gateway.Void(ctx, auth.GatewayRef); err != nil {
		zap.L().Error("payment void failed",
			zap.String("authorization_id", auth.ID),
			zap.String("deal_id", auth.DealID),
			zap.Error(err),
		)
		return StateVoidFailed, err.Error()
	}
	return StateVoided, ""
}

func chargedAmount(auth *Authorization) int64 {
	if auth.CaptureAmount != nil {
		return *auth.CaptureAmount
	}
	return auth.Amount
}
