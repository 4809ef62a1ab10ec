package clearing

import (
	"errors"
	"fmt"

	"github.com/Am-duojie/amdo-s-sub000/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

var (
	ErrNoPayee          = errors.New("seller has no payout account")
	ErrInvalidSellerAmt = errors.New("seller amount must be positive")
	ErrNothingToSettle  = errors.New("trade has been refunded down to zero")
)

// ComputeSplit divides what a trade still holds between the seller and the
// platform. The settleable amount is total - refunded; the seller amount is
// clamped to it and commission = settleable - seller_amount. The commission
// line is only emitted when a platform payee is configured; otherwise the
// platform share simply stays with the merchant account.
func ComputeSplit(trade *types.Trade, seller Payee, platform *Payee) (*Plan, error) {
	logger := log.With().
		Str("trade_id", trade.TradeID).
		Str("service", "clearing").
		Logger()

	if seller.Account == "" {
		return nil, ErrNoPayee
	}

	total := trade.TotalAmount.Round(2)
	refunded := trade.RefundedAmount.Round(2)
	sellerAmount := trade.SellerAmount.Round(2)
	if !sellerAmount.IsPositive() {
		return nil, fmt.Errorf("trade %s: %w", trade.TradeID, ErrInvalidSellerAmt)
	}
	settleable := decimal.Max(total.Sub(refunded), decimal.Zero)
	if !settleable.IsPositive() {
		return nil, fmt.Errorf("trade %s: %w", trade.TradeID, ErrNothingToSettle)
	}

	plan := &Plan{TradeID: trade.TradeID, Total: settleable, Refunded: refunded}

	if sellerAmount.GreaterThan(total) {
		logger.Warn().
			Str("total", total.StringFixed(2)).
			Str("seller_amount", sellerAmount.StringFixed(2)).
			Msg("seller amount exceeds trade total, clamping commission to zero")
		plan.Clamped = true
	}
	if sellerAmount.GreaterThan(settleable) {
		if refunded.IsPositive() {
			logger.Info().
				Str("refunded", refunded.StringFixed(2)).
				Str("seller_amount", sellerAmount.StringFixed(2)).
				Str("settleable", settleable.StringFixed(2)).
				Msg("partial refund reduces seller amount")
		}
		sellerAmount = settleable
	}
	plan.SellerAmount = sellerAmount
	plan.Commission = settleable.Sub(sellerAmount)

	plan.Lines = append(plan.Lines, Line{
		Role:        RoleSeller,
		Payee:       seller.Account,
		PayeeType:   seller.Type,
		Amount:      sellerAmount,
		Description: fmt.Sprintf("seller proceeds for %s", trade.OutTradeNo),
	})
	if platform != nil && platform.Account != "" && plan.Commission.IsPositive() {
		plan.Lines = append(plan.Lines, Line{
			Role:        RolePlatform,
			Payee:       platform.Account,
			PayeeType:   platform.Type,
			Amount:      plan.Commission,
			Description: fmt.Sprintf("platform commission for %s", trade.OutTradeNo),
		})
	}

	logger.Debug().
		Str("seller_amount", plan.SellerAmount.StringFixed(2)).
		Str("commission", plan.Commission.StringFixed(2)).
		Int("lines", len(plan.Lines)).
		Msg("computed settlement split")

	return plan, nil
}
