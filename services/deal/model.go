package deal

import (
	"time"

	"gorm.io/datatypes"
)

// Status is the deal lifecycle state. open and filling accept joins; filled
// and expired are the irrevocable fork, settled/refunded (and their
// *_with_exceptions variants) the post-settlement terminals. A deal reaches
// at most one of filled/expired and never reverts.
type Status string

const (
	StatusOpen    Status = "open"
	StatusFilling Status = "filling"
	StatusFilled  Status = "filled"
	StatusSettled Status = "settled"
	// settled_with_exceptions: lifecycle complete but at least one capture
	// failed and awaits operator reconciliation.
	StatusSettledWithExceptions Status = "settled_with_exceptions"
	StatusExpired               Status = "expired"
	StatusRefunded              Status = "refunded"
	StatusRefundedWithExceptions Status = "refunded_with_exceptions"
)

func (s Status) Joinable() bool {
	return s == StatusOpen || s == StatusFilling
}

func (s Status) Expired() bool {
	return s == StatusExpired || s == StatusRefunded || s == StatusRefundedWithExceptions
}

// Full reports statuses reached through the capacity fill.
func (s Status) Full() bool {
	return s == StatusFilled || s == StatusSettled || s == StatusSettledWithExceptions
}

// joinableStatuses is the guard set for the open/filling -> terminal CAS.
var joinableStatuses = []Status{StatusOpen, StatusFilling}

// RejectReason is the localizable reason code returned to the storefront
// when a join is rejected. Rejections are expected outcomes, not errors.
type RejectReason string

const (
	ReasonDealNotOpen         RejectReason = "DEAL_NOT_OPEN"
	ReasonDealExpired         RejectReason = "DEAL_EXPIRED"
	ReasonDealFull            RejectReason = "DEAL_FULL"
	ReasonAlreadyJoined       RejectReason = "ALREADY_JOINED"
	ReasonAuthorizationFailed RejectReason = "AUTHORIZATION_FAILED"
)

// Deal is the aggregate root for one Jam3a.
type Deal struct {
	ID             string         `gorm:"column:id;primaryKey"`
	DealCode       string         `gorm:"column:deal_code;uniqueIndex"`
	ProductID      string         `gorm:"column:product_id;index;not null"`
	Capacity       int            `gorm:"column:capacity;not null"`
	Visibility     string         `gorm:"column:visibility;default:'public'"`
	Status         Status         `gorm:"column:status;index;default:'open'"`
	Version        int            `gorm:"column:version;default:0"`
	Deadline       time.Time      `gorm:"column:deadline;index;not null"`
	FilledAt       *time.Time     `gorm:"column:filled_at"`
	ExpiredAt      *time.Time     `gorm:"column:expired_at"`
	FinalizedAt    *time.Time     `gorm:"column:finalized_at"`
	FinalUnitPrice *int64         `gorm:"column:final_unit_price"`
	Metadata       datatypes.JSON `gorm:"column:metadata"`
	CreatedAt      time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// Participant is one row of the membership ledger: append-only, unique per
// (deal, user), never deleted. PriceLockedIn is provisional until the deal
// fills, at which point every row is recomputed to the final tier.
type Participant struct {
	ID              string    `gorm:"column:id;primaryKey"`
	DealID          string    `gorm:"column:deal_id;uniqueIndex:idx_deal_user;index;not null"`
	UserID          string    `gorm:"column:user_id;uniqueIndex:idx_deal_user;not null"`
	AuthorizationID string    `gorm:"column:authorization_id;not null"`
	PriceLockedIn   int64     `gorm:"column:price_locked_in;not null"`
	JoinedAt        time.Time `gorm:"column:joined_at;not null"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
}

// JoinRequest is the storefront's join call.
type JoinRequest struct {
	DealID        string `json:"-"`
	UserID        string `json:"user_id" binding:"required"`
	PaymentMethod string `json:"payment_method" binding:"required"`
}

// JoinResult reports acceptance or a typed rejection.
type JoinResult struct {
	Accepted    bool         `json:"accepted"`
	Reason      RejectReason `json:"reason,omitempty"`
	Participant *Participant `json:"participant,omitempty"`
	// Filled is set on the join that reached capacity.
	Filled bool `json:"filled,omitempty"`
}

func rejected(reason RejectReason) *JoinResult {
	return &JoinResult{Accepted: false, Reason: reason}
}

// CreateDealRequest starts a new Jam3a for a product.
type CreateDealRequest struct {
	ProductID  string    `json:"product_id" binding:"required"`
	Capacity   int       `json:"capacity" binding:"required"`
	Deadline   time.Time `json:"deadline" binding:"required"`
	Visibility string    `json:"visibility"`
}

// StatusView is the read model served to the storefront countdown/progress
// widgets. Always computed from the authoritative participant count.
type StatusView struct {
	DealID            string        `json:"deal_id"`
	DealCode          string        `json:"deal_code"`
	Status            Status        `json:"status"`
	ParticipantsCount int           `json:"participants_count"`
	Capacity          int           `json:"capacity"`
	CurrentUnitPrice  int64         `json:"current_unit_price"`
	SavingsAmount     int64         `json:"savings_amount"`
	SavingsPercent    int           `json:"savings_percent"`
	Currency          string        `json:"currency"`
	Deadline          time.Time     `json:"deadline"`
	TimeRemaining     time.Duration `json:"time_remaining"`
}

// ParticipantView adds the settlement state for operator reconciliation.
type ParticipantView struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	JoinedAt        time.Time `json:"joined_at"`
	PriceLockedIn   int64     `json:"price_locked_in"`
	AuthorizationID string    `json:"authorization_id"`
	SettlementState string    `json:"settlement_state"`
}
