package deal

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"jam3a-engine/pkg/db/option"
	"jam3a-engine/pkg/db/pagination"
	"jam3a-engine/pkg/errutil"
	"jam3a-engine/pkg/event"
	"jam3a-engine/pkg/rediskey"
	"jam3a-engine/pkg/repository"
	"jam3a-engine/pkg/sequence"
	"jam3a-engine/pkg/task"
	"jam3a-engine/pkg/taskname"
	"jam3a-engine/services/payment"
	"jam3a-engine/services/pricing"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("deal",
	fx.Provide(NewService),
)

// maxJoinAttempts bounds the optimistic retry loop on transaction conflicts
// before the caller is told to try again.
const maxJoinAttempts = 3

const statusCacheTTL = time.Hour

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	seq      sequence.Generator
	pricing  *pricing.Store
	payments *payment.Service
	events   event.Publisher
	enqueuer task.Enqueuer
	rdb      *redis.Client

	deals        repository.Repository[Deal]
	participants repository.Repository[Participant]

	now func() time.Time
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Sequence sequence.Generator
	Pricing  *pricing.Store
	Payments *payment.Service
	Events   event.Publisher `optional:"true"`
	Enqueuer task.Enqueuer   `optional:"true"`
	Redis    *redis.Client   `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		seq:      p.Sequence,
		pricing:  p.Pricing,
		payments: p.Payments,
		events:   p.Events,
		enqueuer: p.Enqueuer,
		rdb:      p.Redis,

		deals:        repository.ProvideStore[Deal](p.DB),
		participants: repository.ProvideStore[Participant](p.DB),

		now: time.Now,
	}
}

// CreateDeal opens a new deal for a product after validating its tier table.
func (s *Service) CreateDeal(ctx context.Context, req CreateDealRequest) (*Deal, error) {
	if req.ProductID == "" {
		return nil, errutil.BadRequest("product_id is required", nil)
	}
	if req.Capacity < 2 {
		return nil, errutil.UnprocessableEntity("invalid deal", nil,
			errutil.WithDetails(errutil.Detail{Field: "capacity", Message: "must be at least 2"}))
	}
	if !req.Deadline.After(s.now()) {
		return nil, errutil.UnprocessableEntity("invalid deal", nil,
			errutil.WithDetails(errutil.Detail{Field: "deadline", Message: "must be in the future"}))
	}

	table, err := s.pricing.TableForProduct(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}

	code, err := s.seq.NextDealCode(ctx)
	if err != nil {
		return nil, err
	}

	visibility := req.Visibility
	if visibility == "" {
		visibility = "public"
	}

	deal := &Deal{
		ID:         s.node.Generate().String(),
		DealCode:   code,
		ProductID:  req.ProductID,
		Capacity:   req.Capacity,
		Visibility: visibility,
		Status:     StatusOpen,
		Deadline:   req.Deadline.UTC(),
	}
	if err := s.deals.Create(ctx, deal); err != nil {
		return nil, err
	}
	return deal, nil
}

// Join runs the atomic join: a payment hold is taken up front at the base
// price (the most a participant can ever be charged), then the ledger write,
// capacity check and a possible fill transition happen in one transaction
// under a row lock on the deal. Rejections release the hold and come back as
// values, not errors.
func (s *Service) Join(ctx context.Context, req JoinRequest) (*JoinResult, error) {
	if req.DealID == "" || req.UserID == "" || req.PaymentMethod == "" {
		return nil, errutil.BadRequest("deal_id, user_id and payment_method are required", nil)
	}

	span := trace.SpanFromContext(ctx)
	traceOpt := []zap.Field{
		zap.String("trace_id", span.SpanContext().TraceID().String()),
		zap.String("span_id", span.SpanContext().SpanID().String()),
	}

	deal, err := s.deals.FindOne(ctx, &Deal{ID: req.DealID})
	if err != nil {
		return nil, err
	}
	if deal == nil {
		return nil, errutil.NotFound("deal not found", nil)
	}

	// Cheap pre-checks so obviously doomed joins never touch the gateway.
	// All of them are re-verified under the row lock.
	if res := s.precheck(ctx, deal); res != nil {
		return res, nil
	}

	table, err := s.pricing.TableForProduct(ctx, deal.ProductID)
	if err != nil {
		return nil, err
	}

	auth, err := s.payments.Authorize(ctx, payment.AuthorizeRequest{
		UserID:    req.UserID,
		DealID:    deal.ID,
		Method:    req.PaymentMethod,
		Amount:    table.BasePrice,
		Currency:  table.Currency,
		Reference: deal.DealCode,
	})
	if err != nil {
		zap.L().Warn("join blocked by authorization failure",
			append(traceOpt,
				zap.String("deal_id", deal.ID),
				zap.String("user_id", req.UserID),
				zap.Error(err),
			)...,
		)
		return rejected(ReasonAuthorizationFailed), nil
	}

	for attempt := 1; attempt <= maxJoinAttempts; attempt++ {
		outcome, err := s.tryJoin(ctx, deal.ID, req, table, auth)
		if err != nil {
			if isDuplicateKeyError(err) {
				// Lost a race against the same user's concurrent join.
				s.payments.Release(ctx, auth)
				return rejected(ReasonAlreadyJoined), nil
			}
			if isRetryableTxError(err) {
				zap.L().Debug("join transaction conflict, retrying",
					zap.String("deal_id", deal.ID),
					zap.Int("attempt", attempt),
				)
				continue
			}
			s.payments.Release(ctx, auth)
			return nil, err
		}

		if !outcome.res.Accepted {
			s.payments.Release(ctx, auth)
			if outcome.expiredNow {
				s.afterExpire(ctx, deal.ID)
			}
			return outcome.res, nil
		}

		zap.L().Info("participant joined",
			append(traceOpt,
				zap.String("deal_id", deal.ID),
				zap.String("user_id", req.UserID),
				zap.Int("participants_count", outcome.newCount),
				zap.Bool("filled", outcome.res.Filled),
			)...,
		)
		s.afterJoin(ctx, deal, outcome)
		return outcome.res, nil
	}

	s.payments.Release(ctx, auth)
	return nil, errutil.TooManyRequest("deal is busy, try again", nil)
}

type joinOutcome struct {
	res        *JoinResult
	newCount   int
	quote      pricing.Quote
	expiredNow bool
}

func (s *Service) tryJoin(ctx context.Context, dealID string, req JoinRequest, table *pricing.Table, auth *payment.Authorization) (*joinOutcome, error) {
	outcome := &joinOutcome{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		deals := s.deals.WithTrx(tx)
		participants := s.participants.WithTrx(tx)

		deal, err := deals.FindOne(ctx, &Deal{ID: dealID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if deal == nil {
			return errutil.NotFound("deal not found", nil)
		}

		if !deal.Status.Joinable() {
			outcome.res = rejected(joinRejectReason(deal.Status))
			return nil
		}

		now := s.now()
		// Deadline wins over capacity: an overdue deal expires even if this
		// join would have been the one that filled it.
		if !now.Before(deal.Deadline) {
			expired, err := s.expireLocked(ctx, tx, deal)
			if err != nil {
				return err
			}
			outcome.expiredNow = expired
			outcome.res = rejected(ReasonDealExpired)
			return nil
		}

		dup, err := participants.FindOne(ctx, &Participant{DealID: deal.ID, UserID: req.UserID})
		if err != nil {
			return err
		}
		if dup != nil {
			outcome.res = rejected(ReasonAlreadyJoined)
			return nil
		}

		count, err := participants.Count(ctx, &Participant{DealID: deal.ID})
		if err != nil {
			return err
		}
		if int(count) >= deal.Capacity {
			outcome.res = rejected(ReasonDealFull)
			return nil
		}

		newCount := int(count) + 1
		quote := table.Resolve(newCount)

		if err := s.payments.Persist(ctx, tx, auth); err != nil {
			return err
		}

		p := &Participant{
			ID:              s.node.Generate().String(),
			DealID:          deal.ID,
			UserID:          req.UserID,
			AuthorizationID: auth.ID,
			PriceLockedIn:   quote.UnitPrice,
			JoinedAt:        now,
		}
		if err := participants.Create(ctx, p); err != nil {
			return err
		}
		if err := s.payments.AttachParticipant(ctx, tx, auth.ID, p.ID); err != nil {
			return err
		}

		switch {
		case newCount == deal.Capacity:
			// The capacity-reaching join flips the deal and recomputes every
			// ledger row to the final tier in the same transaction, so
			// everyone pays the same price.
			if err := s.fillLocked(ctx, tx, deal, quote, now); err != nil {
				return err
			}
			p.PriceLockedIn = quote.UnitPrice
			outcome.res = &JoinResult{Accepted: true, Participant: p, Filled: true}
		case deal.Status == StatusOpen:
			if err := deals.Update(ctx, deal.ID, map[string]any{
				"status":     StatusFilling,
				"version":    gorm.Expr("version + 1"),
				"updated_at": now,
			}); err != nil {
				return err
			}
			outcome.res = &JoinResult{Accepted: true, Participant: p}
		default:
			outcome.res = &JoinResult{Accepted: true, Participant: p}
		}

		outcome.newCount = newCount
		outcome.quote = quote
		return nil
	})
	if err != nil {
		return nil, err
	}
	return outcome, nil
}

func (s *Service) fillLocked(ctx context.Context, tx *gorm.DB, deal *Deal, quote pricing.Quote, now time.Time) error {
	res := tx.WithContext(ctx).Model(&Deal{}).
		Where("id = ? AND status IN ?", deal.ID, joinableStatuses).
		Updates(map[string]any{
			"status":           StatusFilled,
			"filled_at":        now,
			"final_unit_price": quote.UnitPrice,
			"version":          gorm.Expr("version + 1"),
			"updated_at":       now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("deal already left the joinable state", nil)
	}

	if err := tx.WithContext(ctx).Model(&Participant{}).
		Where("deal_id = ?", deal.ID).
		Update("price_locked_in", quote.UnitPrice).Error; err != nil {
		return err
	}

	return s.payments.MarkCapturePending(ctx, tx, deal.ID, quote.UnitPrice)
}

// precheck rejects joins that cannot possibly succeed without taking a
// payment hold. Returns nil when the join should proceed.
func (s *Service) precheck(ctx context.Context, deal *Deal) *JoinResult {
	if !deal.Status.Joinable() {
		return rejected(joinRejectReason(deal.Status))
	}
	if !s.now().Before(deal.Deadline) {
		if _, err := s.Expire(ctx, deal.ID); err != nil {
			zap.L().Warn("failed to expire overdue deal on join",
				zap.String("deal_id", deal.ID), zap.Error(err))
		}
		return rejected(ReasonDealExpired)
	}

	count, err := s.participants.Count(ctx, &Participant{DealID: deal.ID})
	if err == nil && int(count) >= deal.Capacity {
		return rejected(ReasonDealFull)
	}
	return nil
}

func joinRejectReason(status Status) RejectReason {
	switch {
	case status.Expired():
		return ReasonDealExpired
	case status.Full():
		// a deal that filled is full, no matter how far settlement got
		return ReasonDealFull
	}
	return ReasonDealNotOpen
}

func (s *Service) afterJoin(ctx context.Context, deal *Deal, outcome *joinOutcome) {
	p := outcome.res.Participant
	s.publish(ctx, event.Event{
		DealID:     deal.ID,
		Type:       event.ParticipantJoined,
		OccurredAt: s.now(),
		Attributes: map[string]any{
			"participant_id":     p.ID,
			"user_id":            p.UserID,
			"participants_count": outcome.newCount,
			"unit_price":         outcome.quote.UnitPrice,
		},
	})

	if outcome.res.Filled {
		s.publish(ctx, event.Event{
			DealID:     deal.ID,
			Type:       event.DealFilled,
			OccurredAt: s.now(),
			Attributes: map[string]any{
				"capacity":         deal.Capacity,
				"final_unit_price": outcome.quote.UnitPrice,
			},
		})
		s.enqueueLifecycleTask(ctx, taskname.DealSettle, deal.ID)
	}
}

// Status serves the storefront read model. The participant count always
// comes from the ledger; only deals in a frozen terminal state are cached.
func (s *Service) Status(ctx context.Context, dealID string) (*StatusView, error) {
	if view := s.cachedStatus(ctx, dealID); view != nil {
		return view, nil
	}

	deal, err := s.deals.FindOne(ctx, &Deal{ID: dealID})
	if err != nil {
		return nil, err
	}
	if deal == nil {
		return nil, errutil.NotFound("deal not found", nil)
	}

	// Reads are a lifecycle trigger too: an overdue deal expires on first
	// observation, the sweeper just bounds the staleness.
	if deal.Status.Joinable() && !s.now().Before(deal.Deadline) {
		if _, err := s.Expire(ctx, dealID); err != nil {
			return nil, err
		}
		if deal, err = s.deals.FindOne(ctx, &Deal{ID: dealID}); err != nil {
			return nil, err
		}
	}

	count, err := s.participants.Count(ctx, &Participant{DealID: dealID})
	if err != nil {
		return nil, err
	}

	table, err := s.pricing.TableForProduct(ctx, deal.ProductID)
	if err != nil {
		return nil, err
	}

	quote := table.Resolve(int(count))
	if deal.FinalUnitPrice != nil {
		quote = table.QuoteAt(*deal.FinalUnitPrice)
	}

	remaining := time.Duration(0)
	if now := s.now(); deal.Deadline.After(now) && deal.Status.Joinable() {
		remaining = deal.Deadline.Sub(now)
	}

	view := &StatusView{
		DealID:            deal.ID,
		DealCode:          deal.DealCode,
		Status:            deal.Status,
		ParticipantsCount: int(count),
		Capacity:          deal.Capacity,
		CurrentUnitPrice:  quote.UnitPrice,
		SavingsAmount:     quote.SavingsAmount,
		SavingsPercent:    quote.SavingsPercent,
		Currency:          table.Currency,
		Deadline:          deal.Deadline,
		TimeRemaining:     remaining,
	}

	if frozen(deal.Status) {
		s.cacheStatus(ctx, view)
	}
	return view, nil
}

// Participants lists the ledger for a deal with settlement state, cursor
// paginated in join order.
func (s *Service) Participants(ctx context.Context, dealID string, page pagination.Pagination) ([]*ParticipantView, *pagination.PageInfo, error) {
	deal, err := s.deals.FindOne(ctx, &Deal{ID: dealID})
	if err != nil {
		return nil, nil, err
	}
	if deal == nil {
		return nil, nil, errutil.NotFound("deal not found", nil)
	}

	limit := page.Limit
	if limit <= 0 {
		limit = 50
	}

	// Snowflake ids are time ordered, so paging on id follows join order.
	opts := []option.QueryOption{
		option.WithLimit(limit + 1),
		func(tx *gorm.DB) *gorm.DB { return tx.Order("id ASC") },
	}
	if page.Cursor != "" {
		cur, err := pagination.DecodeCursor(page.Cursor)
		if err != nil {
			return nil, nil, errutil.BadRequest("invalid cursor", err)
		}
		opts = append(opts, option.ApplyOperator(option.Condition{
			Field: "id", Operator: option.GT, Value: cur.ID,
		}))
	}

	rows, err := s.participants.Find(ctx, &Participant{DealID: dealID}, opts...)
	if err != nil {
		return nil, nil, err
	}

	pageInfo, rows := pagination.BuildCursorPageInfo(rows, limit, func(p *Participant) string {
		cursor, _ := pagination.EncodeCursor(pagination.Cursor{ID: p.ID})
		return cursor
	})

	states, err := s.payments.StatesByDeal(ctx, dealID)
	if err != nil {
		return nil, nil, err
	}

	views := make([]*ParticipantView, 0, len(rows))
	for _, p := range rows {
		views = append(views, &ParticipantView{
			ID:              p.ID,
			UserID:          p.UserID,
			JoinedAt:        p.JoinedAt,
			PriceLockedIn:   p.PriceLockedIn,
			AuthorizationID: p.AuthorizationID,
			SettlementState: states[p.AuthorizationID],
		})
	}
	return views, pageInfo, nil
}

// frozen reports whether a status can never change again, making its read
// model safe to cache.
func frozen(status Status) bool {
	switch status {
	case StatusSettled, StatusSettledWithExceptions, StatusRefunded, StatusRefundedWithExceptions:
		return true
	}
	return false
}

func (s *Service) cachedStatus(ctx context.Context, dealID string) *StatusView {
	if s.rdb == nil {
		return nil
	}
	raw, err := s.rdb.Get(ctx, rediskey.BuildDealStatusKey(dealID)).Bytes()
	if err != nil {
		return nil
	}
	var view StatusView
	if err := json.Unmarshal(raw, &view); err != nil {
		return nil
	}
	return &view
}

func (s *Service) cacheStatus(ctx context.Context, view *StatusView) {
	if s.rdb == nil {
		return
	}
	raw, err := json.Marshal(view)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, rediskey.BuildDealStatusKey(view.DealID), raw, statusCacheTTL).Err(); err != nil {
		zap.L().Debug("failed to cache deal status", zap.String("deal_id", view.DealID), zap.Error(err))
	}
}

func isRetryableTxError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{"deadlock", "could not serialize", "database is locked", "database table is locked"} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
