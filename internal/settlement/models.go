package settlement

import (
	"time"

	"github.com/Am-duojie/amdo-s-sub000/internal/types"
	"github.com/shopspring/decimal"
)

// Attempt triggers
const (
	TriggerAuto     = "auto"
	TriggerManual   = "manual"
	TriggerFallback = "fallback"
)

// Attempt outcomes
const (
	OutcomePending   = "pending"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// Idempotency key tags
const (
	tagSettle   = "settle"
	tagRetry    = "retry"
	tagTransfer = "settle_transfer"
)

// Attempt is one call to the gateway to pay a seller for a trade. Its outcome
// is written once; a retry is a new attempt with a new key.
type Attempt struct {
	ID           uint            `gorm:"primaryKey" json:"-"`
	AttemptID    string          `gorm:"uniqueIndex" json:"attempt_id"`
	TradeID      string          `gorm:"index" json:"trade_id"`
	TradeNo      string          `json:"trade_no,omitempty"`
	OutRequestNo string          `gorm:"uniqueIndex" json:"out_request_no"`  // out_biz_no for transfers
	Method       string          `json:"method"`                             // ROYALTY or TRANSFER
	Trigger      string          `gorm:"column:trigger_kind" json:"trigger"` // auto, manual, fallback
	Outcome      string          `gorm:"index" json:"outcome"`               // pending, succeeded, failed
	Amount       decimal.Decimal `gorm:"type:decimal(20,2)" json:"amount"`
	Commission   decimal.Decimal `gorm:"type:decimal(20,2)" json:"commission"`
	ResultCode   string          `json:"result_code,omitempty"`
	SubCode      string          `json:"sub_code,omitempty"`
	ResultMsg    string          `json:"result_msg,omitempty"`
	GatewayRef   string          `json:"gateway_ref,omitempty"` // settle_no or transfer order id
	ActorID      *string         `json:"actor_id,omitempty"`
	Splits       []SplitLine     `gorm:"foreignKey:AttemptID;references:AttemptID" json:"splits"`
	CreatedAt    time.Time       `json:"created_at"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
}

func (Attempt) TableName() string {
	return "settlement_attempts"
}

// SplitLine is one payee of an attempt.
type SplitLine struct {
	ID          uint            `gorm:"primaryKey" json:"-"`
	AttemptID   string          `gorm:"index" json:"attempt_id"`
	Role        string          `json:"role"`
	Payee       string          `json:"payee"`
	PayeeType   string          `json:"payee_type"` // loginName or userId
	PayeeName   string          `json:"payee_name,omitempty"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,2)" json:"amount"`
	Description string          `json:"description"`
}

func (SplitLine) TableName() string {
	return "settlement_split_lines"
}

// Trigger says who asked for a settlement.
type Trigger struct {
	Kind  string // auto or manual
	Actor string // admin id for manual retries
}

func (t Trigger) actor() *string {
	if t.Actor == "" {
		return nil
	}
	actor := t.Actor
	return &actor
}

// Outcome is what Settle reports back. Deferred outcomes carry a reason and
// leave the trade PENDING.
type Outcome struct {
	TradeID          string   `json:"trade_id"`
	SettlementStatus string   `json:"settlement_status"`
	Method           string   `json:"method,omitempty"`
	Deferred         bool     `json:"deferred,omitempty"`
	Reason           string   `json:"reason,omitempty"`
	Attempts         []string `json:"attempts,omitempty"` // out_request_no of attempts made by this call
	Message          string   `json:"message,omitempty"`
}

// Deferral reasons
const (
	ReasonPayoutUnbound  = "payout_account_unbound"
	ReasonTradeUnpaid    = "trade_unpaid"
	ReasonPayeeNotBound  = "payee_not_bound"
	ReasonAwaitingManual = "awaiting_manual_retry"
)

// Detail is the admin view of a trade's settlement history.
type Detail struct {
	Trade    *types.Trade `json:"trade"`
	Attempts []Attempt    `json:"attempts"`
}
