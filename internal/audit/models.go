package audit

import "time"

// Actions
const (
	ActionSettlementAuto      = "settlement_auto"
	ActionSettlementRetry     = "settlement_retry"
	ActionSettlementFallback  = "settlement_fallback"
	ActionSettlementReconcile = "settlement_reconcile"
	ActionWithdraw            = "withdraw"
	ActionRefund              = "refund"
)

// Results
const (
	ResultSuccess = "success"
	ResultFailed  = "failed"
	ResultUnknown = "unknown"
)

// Target types
const (
	TargetTrade  = "trade"
	TargetWallet = "wallet"
)

// Entry is one audited action. Rows are only ever inserted; there is no
// soft-delete column.
type Entry struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	EntryID    string    `gorm:"uniqueIndex" json:"entry_id"`
	ActorID    *string   `gorm:"index" json:"actor_id"` // nil for system actions
	TargetType string    `gorm:"index:idx_audit_target" json:"target_type"`
	TargetID   string    `gorm:"index:idx_audit_target" json:"target_id"`
	Action     string    `gorm:"index" json:"action"`
	Result     string    `json:"result"`
	Snapshot   string    `gorm:"type:text" json:"snapshot"` // JSON
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

func (Entry) TableName() string {
	return "audit_log_entries"
}

// Record is what callers hand to Append.
type Record struct {
	ActorID    *string
	TargetType string
	TargetID   string
	Action     string
	Result     string
	Snapshot   interface{}
}

type Filter struct {
	TargetType string
	TargetID   string
	Action     string
	ActorID    string
	Since      time.Time
	Limit      int
}
