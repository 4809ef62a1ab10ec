package trading

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Am-duojie/amdo-s-sub000/internal/audit"
	"github.com/Am-duojie/amdo-s-sub000/internal/gateway"
	"github.com/Am-duojie/amdo-s-sub000/internal/metrics"
	"github.com/Am-duojie/amdo-s-sub000/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrTradeNotFound        = errors.New("trade not found")
	ErrTradeChanged         = errors.New("trade changed concurrently, retry")
	ErrInvalidAmount        = errors.New("amounts must be positive and seller_amount at most total_amount")
	ErrAmountMismatch       = errors.New("notified amount does not match trade")
	ErrNotRefundable        = errors.New("trade is not paid")
	ErrRefundAfterSettle    = errors.New("trade already settled, refund refused")
	ErrRefundExceedsBalance = errors.New("refund exceeds remaining trade amount")
)

// Gateway is the part of the trade gateway checkout and refunds need.
type Gateway interface {
	CreateTrade(req gateway.CreateTradeRequest) (*gateway.Checkout, error)
	QueryTrade(ctx context.Context, outTradeNo string) (*gateway.TradeInfo, error)
	RefundTrade(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResult, error)
	VerifyNotify(params map[string]string) (*gateway.Notification, error)
}

// Service handles checkout, payment status and refunds
type Service struct {
	db      *Database
	gateway Gateway
	trail   *audit.Trail
	locks   *keyedMutex
	now     func() time.Time
}

// NewService creates a new trading service with the given database connection
func NewService(gormDB *gorm.DB, gw Gateway, trail *audit.Trail) *Service {
	return &Service{
		db:      NewDatabase(gormDB),
		gateway: gw,
		trail:   trail,
		locks:   newKeyedMutex(),
		now:     time.Now,
	}
}

// LockTrade blocks until no refund or settlement holds tradeID and returns
// the unlock.
func (s *Service) LockTrade(tradeID string) func() {
	return s.locks.Lock(tradeID)
}

func (s *Service) newOutTradeNo() string {
	return "MO" + s.now().Format("20060102150405") + strings.ToUpper(uuid.New().String()[:8])
}

// CreateCheckout creates a trade and its hosted checkout with idempotency
// support. A repeated key returns the trade created the first time.
func (s *Service) CreateCheckout(ctx context.Context, req CheckoutRequest, idempotencyKey string) (*CheckoutResponse, error) {
	record, err := s.db.GetIdempotencyRecord(ctx, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if record != nil && record.ExpiresAt.After(s.now()) {
		trade, err := s.db.GetTrade(ctx, record.ResourceID)
		if err != nil {
			return nil, err
		}
		checkout, err := s.checkout(trade, req.ReturnURL)
		if err != nil {
			return nil, err
		}
		return &CheckoutResponse{Trade: trade, Checkout: checkout}, nil
	}

	sellerAmount := req.SellerAmount
	if sellerAmount.IsZero() {
		sellerAmount = req.TotalAmount
	}
	if !req.TotalAmount.IsPositive() || !sellerAmount.IsPositive() || sellerAmount.GreaterThan(req.TotalAmount) {
		return nil, ErrInvalidAmount
	}
	splitEnabled := true
	if req.EnableSplit != nil {
		splitEnabled = *req.EnableSplit
	}

	trade := &types.Trade{
		TradeID:          "TRD_" + uuid.New().String(),
		OutTradeNo:       s.newOutTradeNo(),
		Subject:          req.Subject,
		TotalAmount:      req.TotalAmount.Round(2),
		SellerAmount:     sellerAmount.Round(2),
		Currency:         types.DefaultCurrency,
		Status:           types.TradeCreated,
		SellerID:         req.SellerID,
		SplitEnabled:     splitEnabled,
		SettlementStatus: types.SettlementPending,
	}

	checkout, err := s.checkout(trade, req.ReturnURL)
	if err != nil {
		return nil, err
	}
	if err := s.db.CreateTradeWithIdempotency(ctx, trade, idempotencyKey); err != nil {
		return nil, fmt.Errorf("failed to create trade: %w", err)
	}

	log.Info().
		Str("trade_id", trade.TradeID).
		Str("out_trade_no", trade.OutTradeNo).
		Str("service", "trading").
		Str("total_amount", trade.TotalAmount.StringFixed(2)).
		Msg("checkout created")

	return &CheckoutResponse{Trade: trade, Checkout: checkout}, nil
}

func (s *Service) checkout(trade *types.Trade, returnURL string) (*gateway.Checkout, error) {
	return s.gateway.CreateTrade(gateway.CreateTradeRequest{
		OutTradeNo:  trade.OutTradeNo,
		Subject:     trade.Subject,
		Amount:      trade.TotalAmount,
		ReturnURL:   returnURL,
		EnableSplit: trade.SplitEnabled,
	})
}

// GetTrade returns a trade, refreshing it from the gateway first when sync is set.
func (s *Service) GetTrade(ctx context.Context, tradeID string, sync bool) (*types.Trade, error) {
	if sync {
		return s.SyncTrade(ctx, tradeID)
	}
	return s.db.GetTrade(ctx, tradeID)
}

// HandleNotify applies a verified gateway notification. Repeated
// notifications are no-ops.
func (s *Service) HandleNotify(ctx context.Context, params map[string]string) error {
	n, err := s.gateway.VerifyNotify(params)
	if err != nil {
		metrics.NotifyReceived.WithLabelValues("rejected").Inc()
		return err
	}

	logger := log.With().
		Str("out_trade_no", n.OutTradeNo).
		Str("service", "trading").
		Str("trade_status", n.TradeStatus).
		Str("notify_id", n.NotifyID).
		Logger()

	trade, err := s.db.GetTradeByOutTradeNo(ctx, n.OutTradeNo)
	if err != nil {
		metrics.NotifyReceived.WithLabelValues("unknown_trade").Inc()
		return err
	}
	if !n.TotalAmount.IsZero() && !n.TotalAmount.Equal(trade.TotalAmount) {
		metrics.NotifyReceived.WithLabelValues("amount_mismatch").Inc()
		logger.Error().
			Str("notified", n.TotalAmount.StringFixed(2)).
			Str("expected", trade.TotalAmount.StringFixed(2)).
			Msg("notification amount mismatch")
		return ErrAmountMismatch
	}

	changed, err := s.applyStatus(ctx, trade, n.TradeStatus, n.TradeNo, n.BuyerID)
	if err != nil {
		return err
	}
	metrics.NotifyReceived.WithLabelValues("ok").Inc()
	if changed {
		logger.Info().Str("trade_id", trade.TradeID).Str("status", trade.Status).Msg("trade status updated from notification")
	}
	return nil
}

// SyncTrade asks the gateway for a trade's status and applies it.
func (s *Service) SyncTrade(ctx context.Context, tradeID string) (*types.Trade, error) {
	trade, err := s.db.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.Final() || (trade.Status == types.TradePaid && trade.TradeNo != "") {
		return trade, nil
	}

	info, err := s.gateway.QueryTrade(ctx, trade.OutTradeNo)
	if err != nil {
		if be, ok := gateway.AsBusinessError(err); ok && be.SubCode == "ACQ.TRADE_NOT_EXIST" {
			// The buyer has not opened the checkout yet.
			return trade, nil
		}
		return nil, err
	}
	if !info.TotalAmount.IsZero() && !info.TotalAmount.Equal(trade.TotalAmount) {
		return nil, ErrAmountMismatch
	}

	if _, err := s.applyStatus(ctx, trade, info.TradeStatus, info.TradeNo, info.BuyerID); err != nil {
		return nil, err
	}
	return trade, nil
}

// StaleCreatedTrades lists unpaid trades older than the cutoff.
func (s *Service) StaleCreatedTrades(ctx context.Context, before time.Time) ([]types.Trade, error) {
	return s.db.GetStaleCreatedTrades(ctx, before)
}

func (s *Service) applyStatus(ctx context.Context, trade *types.Trade, tradeStatus, tradeNo, buyerID string) (bool, error) {
	switch tradeStatus {
	case gateway.TradeSuccess, gateway.TradeFinished:
		return s.db.MarkPaid(ctx, trade, tradeNo, buyerID)
	case gateway.TradeClosed:
		return s.db.MarkClosed(ctx, trade)
	}
	return false, nil
}

// Refund returns part or all of a paid trade to the buyer. Settled trades
// are refused: the seller has already been paid.
func (s *Service) Refund(ctx context.Context, tradeID string, req RefundRequest, actor string) (*types.Trade, error) {
	logger := log.With().
		Str("trade_id", tradeID).
		Str("service", "trading").
		Logger()

	unlock := s.LockTrade(tradeID)
	defer unlock()

	trade, err := s.db.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.SettlementStatus == types.SettlementSettled {
		return nil, ErrRefundAfterSettle
	}
	if trade.Status != types.TradePaid {
		return nil, ErrNotRefundable
	}
	amount := req.Amount.Round(2)
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if amount.GreaterThan(RemainingRefundable(trade)) {
		return nil, ErrRefundExceedsBalance
	}

	// Keyed on what was refunded before, so a retried refund reuses its key
	// and the next partial refund gets a new one.
	result, err := s.gateway.RefundTrade(ctx, gateway.RefundRequest{
		OutTradeNo:   trade.OutTradeNo,
		TradeNo:      trade.TradeNo,
		Amount:       amount,
		Reason:       req.Reason,
		OutRequestNo: fmt.Sprintf("refund_%s_%s", trade.OutTradeNo, trade.RefundedAmount.Shift(2).StringFixed(0)),
	})
	if err != nil {
		logger.Warn().Err(err).Msg("refund declined")
		return nil, err
	}

	var actorID *string
	if actor != "" {
		actorID = &actor
	}
	err = s.db.ApplyRefund(ctx, trade, amount, s.trail, audit.Record{
		ActorID:    actorID,
		TargetType: audit.TargetTrade,
		TargetID:   trade.TradeID,
		Action:     audit.ActionRefund,
		Result:     audit.ResultSuccess,
		Snapshot: map[string]interface{}{
			"out_trade_no":   trade.OutTradeNo,
			"out_request_no": result.OutRequestNo,
			"amount":         amount.StringFixed(2),
			"refunded_total": trade.RefundedAmount.Add(amount).StringFixed(2),
			"fund_change":    result.FundChange,
		},
	})
	if err != nil {
		logger.Error().Err(err).Str("out_request_no", result.OutRequestNo).Msg("refund accepted by gateway but not recorded")
		return nil, err
	}

	logger.Info().
		Str("amount", amount.StringFixed(2)).
		Str("status", trade.Status).
		Msg("trade refunded")
	return trade, nil
}

// RemainingRefundable is what can still be refunded on a trade.
func RemainingRefundable(trade *types.Trade) decimal.Decimal {
	return decimal.Max(trade.TotalAmount.Sub(trade.RefundedAmount), decimal.Zero)
}
