package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade statuses
const (
	TradeCreated  = "created"
	TradePaid     = "paid"
	TradeRefunded = "refunded"
	TradeClosed   = "closed"
)

// Settlement statuses
const (
	SettlementPending = "PENDING"
	SettlementSettled = "SETTLED"
	SettlementFailed  = "FAILED"
)

// Settlement methods
const (
	MethodRoyalty  = "ROYALTY"
	MethodTransfer = "TRANSFER"
)

const DefaultCurrency = "CNY"

// Trade is one buyer payment for a marketplace order.
type Trade struct {
	ID               uint            `gorm:"primaryKey" json:"-"`
	TradeID          string          `gorm:"uniqueIndex" json:"trade_id"`
	OutTradeNo       string          `gorm:"uniqueIndex" json:"out_trade_no"`
	TradeNo          string          `gorm:"index" json:"trade_no,omitempty"`
	Subject          string          `json:"subject"`
	TotalAmount      decimal.Decimal `gorm:"type:decimal(20,2)" json:"total_amount"`
	SellerAmount     decimal.Decimal `gorm:"type:decimal(20,2)" json:"seller_amount"`
	Currency         string          `json:"currency"`
	Status           string          `gorm:"index" json:"status"` // created, paid, refunded, closed
	BuyerID          string          `json:"buyer_id"`
	SellerID         string          `gorm:"index" json:"seller_id"`
	SplitEnabled     bool            `json:"split_enabled"`
	SettlementStatus string          `gorm:"index" json:"settlement_status"` // PENDING, SETTLED, FAILED
	SettlementMethod string          `json:"settlement_method,omitempty"`   // ROYALTY, TRANSFER
	RefundedAmount   decimal.Decimal `gorm:"type:decimal(20,2)" json:"refunded_amount"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
	SettledAt        *time.Time      `json:"settled_at,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Final reports whether the trade can no longer change.
func (t *Trade) Final() bool {
	return t.Status == TradeRefunded || t.Status == TradeClosed
}

// Commission is the platform's share, never negative.
func (t *Trade) Commission() decimal.Decimal {
	c := t.TotalAmount.Sub(t.SellerAmount)
	if c.IsNegative() {
		return decimal.Zero
	}
	return c
}
