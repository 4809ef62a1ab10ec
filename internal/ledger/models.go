package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Entry types
const (
	EntryIncome   = "income"
	EntryExpense  = "expense"
	EntryWithdraw = "withdraw"
	EntryRefund   = "refund"
)

// Withdraw statuses
const (
	WithdrawPending = "pending"
	WithdrawSuccess = "success"
	WithdrawFailed  = "failed"
)

// WalletAccount holds a user's available and frozen balance. It is only
// changed by Ledger operations, always together with an Entry.
type WalletAccount struct {
	ID                uint            `gorm:"primaryKey" json:"-"`
	OwnerID           string          `gorm:"uniqueIndex" json:"owner_id"`
	Balance           decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"balance"`
	Frozen            decimal.Decimal `gorm:"type:decimal(20,2);not null;default:0" json:"frozen"`
	Version           int64           `gorm:"not null;default:0" json:"-"`
	PayoutAccount     string          `json:"payout_account,omitempty"`
	PayoutAccountType string          `json:"payout_account_type,omitempty"` // loginName or userId
	PayoutName        string          `json:"payout_name,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (WalletAccount) TableName() string {
	return "wallet_accounts"
}

// HasPayoutAccount reports whether a payout account is bound.
func (a *WalletAccount) HasPayoutAccount() bool {
	return a.PayoutAccount != "" && a.PayoutAccountType != ""
}

// Entry is a single balance change. Only the withdraw status of a withdraw
// entry is ever updated after insert.
type Entry struct {
	ID             uint            `gorm:"primaryKey" json:"-"`
	EntryID        string          `gorm:"uniqueIndex" json:"entry_id"`
	OwnerID        string          `gorm:"index" json:"owner_id"`
	Type           string          `gorm:"index" json:"type"` // income, expense, withdraw, refund
	Amount         decimal.Decimal `gorm:"type:decimal(20,2)" json:"amount"`
	BalanceAfter   decimal.Decimal `gorm:"type:decimal(20,2)" json:"balance_after"`
	TradeRef       string          `gorm:"index" json:"trade_ref,omitempty"`
	AttemptRef     string          `json:"attempt_ref,omitempty"`
	Note           string          `json:"note,omitempty"`
	WithdrawStatus string          `json:"withdraw_status,omitempty"`
	OutBizNo       string          `gorm:"index" json:"out_biz_no,omitempty"`
	GatewayOrderID string          `json:"gateway_order_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (Entry) TableName() string {
	return "ledger_entries"
}

// Ref links an entry to what caused it.
type Ref struct {
	TradeRef   string
	AttemptRef string
}

type WithdrawRequest struct {
	OwnerID       string
	Amount        decimal.Decimal
	PayoutAccount string
	PayoutType    string
	PayoutName    string
}
