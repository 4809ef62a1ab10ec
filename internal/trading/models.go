package trading

import (
	"time"

	"github.com/Am-duojie/amdo-s-sub000/internal/gateway"
	"github.com/Am-duojie/amdo-s-sub000/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// CheckoutRequest is the body of POST /trades. SellerAmount defaults to
// the full total.
type CheckoutRequest struct {
	Subject      string          `json:"subject" binding:"required"`
	TotalAmount  decimal.Decimal `json:"total_amount"`
	SellerAmount decimal.Decimal `json:"seller_amount"`
	SellerID     string          `json:"seller_id" binding:"required"`
	EnableSplit  *bool           `json:"enable_split"`
	ReturnURL    string          `json:"return_url"`
}

type CheckoutResponse struct {
	Trade    *types.Trade      `json:"trade"`
	Checkout *gateway.Checkout `json:"checkout"`
}

type RefundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}
