package payment

import (
	"time"

	"gorm.io/datatypes"
)

// Authorization states. A hold is taken at join time and moves exactly once
// to captured or voided when the owning deal reaches a terminal state. The
// *_pending states record the intent, capturing/voiding that a worker has
// claimed the hold and is talking to the gateway, *_failed the outcomes left
// for operator reconciliation.
const (
	StateAuthorized     = "authorized"
	StateCapturePending = "capture_pending"
	StateCapturing      = "capturing"
	StateCaptured       = "captured"
	StateCaptureFailed  = "capture_failed"
	StateVoidPending    = "void_pending"
	StateVoiding        = "voiding"
	StateVoided         = "voided"
	StateVoidFailed     = "void_failed"
)

// Authorization tracks the intent and idempotency of one payment hold. The
// gateway is the system of record for the money itself.
type Authorization struct {
	ID            string         `gorm:"column:id;primaryKey"`
	DealID        string         `gorm:"column:deal_id;index;not null"`
	ParticipantID string         `gorm:"column:participant_id;index"`
	UserID        string         `gorm:"column:user_id;not null"`
	Method        string         `gorm:"column:method;not null"`
	Amount        int64          `gorm:"column:amount;not null"` // hold, minor units
	CaptureAmount *int64         `gorm:"column:capture_amount"`  // final tier amount, set at fill
	GatewayRef    string         `gorm:"column:gateway_ref;uniqueIndex"`
	State         string         `gorm:"column:state;not null;default:'authorized'"`
	FailureReason string         `gorm:"column:failure_reason"`
	Metadata      datatypes.JSON `gorm:"column:metadata"`
	CreatedAt     time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// Result is the per-participant outcome of a settlement or refund run.
type Result struct {
	AuthorizationID string `json:"authorization_id"`
	ParticipantID   string `json:"participant_id"`
	State           string `json:"state"`
	Amount          int64  `json:"amount"`
	Reason          string `json:"reason,omitempty"`
}

// Report aggregates the outcomes for one deal.
type Report struct {
	DealID  string   `json:"deal_id"`
	Results []Result `json:"results"`
}

func (r *Report) FailedCount() int {
	n := 0
	for _, res := range r.Results {
		if res.State == StateCaptureFailed || res.State == StateVoidFailed {
			n++
		}
	}
	return n
}
