package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Am-duojie/amdo-s-sub000/internal/audit"
	"github.com/Am-duojie/amdo-s-sub000/internal/clearing"
	"github.com/Am-duojie/amdo-s-sub000/internal/config"
	"github.com/Am-duojie/amdo-s-sub000/internal/gateway"
	"github.com/Am-duojie/amdo-s-sub000/internal/ledger"
	"github.com/Am-duojie/amdo-s-sub000/internal/metrics"
	"github.com/Am-duojie/amdo-s-sub000/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	ErrTradeNotSettleable = errors.New("trade is refunded or closed and cannot be settled")
	ErrOutcomeUnknown     = errors.New("settlement outcome unknown, reconcile before retrying")
)

// Gateway is the part of the trade gateway the coordinator drives.
type Gateway interface {
	SettleOrder(ctx context.Context, req gateway.SettleRequest) (*gateway.SettleResult, error)
	QuerySettlement(ctx context.Context, tradeNo, outRequestNo string) (*gateway.SettlementStatus, error)
	TransferToAccount(ctx context.Context, req gateway.TransferRequest) (*gateway.TransferResult, error)
	QueryTransfer(ctx context.Context, outBizNo string) (*gateway.TransferResult, error)
}

// TradeSyncer refreshes a trade's payment status from the gateway. LockTrade
// is the per-trade lock refunds also take, so a refund and a settlement of
// the same trade never overlap.
type TradeSyncer interface {
	SyncTrade(ctx context.Context, tradeID string) (*types.Trade, error)
	LockTrade(tradeID string) func()
}

// Service is the settlement coordinator. Settle is its only way in; the
// completed-order hook and admin retries both call it.
type Service struct {
	gormDB   *gorm.DB
	db       *Database
	gateway  Gateway
	trades   TradeSyncer
	ledger   *ledger.Ledger
	trail    *audit.Trail
	cfg      config.SettlementConfig
	platform *clearing.Payee
	now      func() time.Time
}

func NewService(gormDB *gorm.DB, gw Gateway, trades TradeSyncer, l *ledger.Ledger, trail *audit.Trail, cfg config.SettlementConfig) (*Service, error) {
	s := &Service{
		gormDB:  gormDB,
		db:      NewDatabase(gormDB),
		gateway: gw,
		trades:  trades,
		ledger:  l,
		trail:   trail,
		cfg:     cfg,
		now:     time.Now,
	}
	if cfg.PlatformPayee != "" {
		payeeType, err := gateway.NormalizeAccountType(cfg.PlatformPayeeType)
		if err != nil {
			return nil, fmt.Errorf("settlement.platform_payee_type: %w", err)
		}
		s.platform = &clearing.Payee{Account: cfg.PlatformPayee, Type: payeeType}
	}
	return s, nil
}

// SetClock replaces the clock used to mint idempotency keys.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Settle pays the seller of a trade, or reports why it cannot yet.
func (s *Service) Settle(ctx context.Context, tradeID string, trig Trigger) (*Outcome, error) {
	unlock := s.trades.LockTrade(tradeID)
	defer unlock()

	logger := log.With().
		Str("trade_id", tradeID).
		Str("service", "settlement").
		Str("trigger", trig.Kind).
		Logger()

	trade, err := s.db.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}

	switch {
	case trade.SettlementStatus == types.SettlementSettled:
		logger.Debug().Msg("trade already settled")
		return settledOutcome(trade), nil
	case trade.Final():
		return nil, ErrTradeNotSettleable
	case trig.Kind == TriggerAuto && trade.SettlementStatus == types.SettlementFailed:
		return &Outcome{
			TradeID:          trade.TradeID,
			SettlementStatus: types.SettlementFailed,
			Reason:           ReasonAwaitingManual,
		}, nil
	}

	settled, err := s.reconcilePending(ctx, logger, trade, trig)
	if err != nil {
		return nil, err
	}
	if settled {
		return settledOutcome(trade), nil
	}
	if trig.Kind == TriggerAuto && trade.SettlementStatus == types.SettlementFailed {
		return &Outcome{
			TradeID:          trade.TradeID,
			SettlementStatus: types.SettlementFailed,
			Reason:           ReasonAwaitingManual,
		}, nil
	}

	account, err := s.ledger.GetAccount(ctx, trade.SellerID)
	if err != nil && !errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, err
	}
	if account == nil || !account.HasPayoutAccount() {
		logger.Info().Str("seller_id", trade.SellerID).Msg("seller has no payout account, deferring")
		return deferred(trade, ReasonPayoutUnbound, ""), nil
	}
	seller := clearing.Payee{
		Account: account.PayoutAccount,
		Type:    account.PayoutAccountType,
		Name:    account.PayoutName,
	}

	if trade.TradeNo == "" || trade.Status != types.TradePaid {
		synced, err := s.trades.SyncTrade(ctx, trade.TradeID)
		if err != nil {
			logger.Warn().Err(err).Msg("could not resolve trade from gateway, deferring")
			return deferred(trade, ReasonTradeUnpaid, ""), nil
		}
		trade = synced
	}
	if trade.TradeNo == "" || trade.Status != types.TradePaid {
		return deferred(trade, ReasonTradeUnpaid, ""), nil
	}

	plan, err := clearing.ComputeSplit(trade, seller, s.platform)
	if err != nil {
		return nil, err
	}

	return s.settleRoyalty(ctx, logger, trade, plan, seller, trig)
}

func (s *Service) settleRoyalty(ctx context.Context, logger zerolog.Logger, trade *types.Trade, plan *clearing.Plan, seller clearing.Payee, trig Trigger) (*Outcome, error) {
	tag := tagSettle
	if trig.Kind == TriggerManual {
		tag = tagRetry
	}
	key, err := s.mintKey(ctx, tag, trade.TradeID)
	if err != nil {
		return nil, err
	}

	attempt := newAttempt(trade, key, types.MethodRoyalty, trig.Kind, plan.SellerAmount, plan.Commission, trig.actor())
	for _, line := range plan.Lines {
		attempt.Splits = append(attempt.Splits, SplitLine{
			AttemptID:   attempt.AttemptID,
			Role:        line.Role,
			Payee:       line.Payee,
			PayeeType:   line.PayeeType,
			Amount:      line.Amount,
			Description: line.Description,
		})
	}
	if err := s.db.CreateAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to record settlement attempt: %w", err)
	}

	logger = logger.With().Str("out_request_no", key).Logger()
	logger.Info().
		Str("seller_amount", plan.SellerAmount.StringFixed(2)).
		Str("commission", plan.Commission.StringFixed(2)).
		Msg("sending settlement")

	result, err := s.gateway.SettleOrder(ctx, gateway.SettleRequest{
		TradeNo:      trade.TradeNo,
		OutRequestNo: key,
		Splits:       royaltySplits(attempt),
	})

	if err == nil {
		attempt.GatewayRef = result.SettleNo
		return s.succeed(ctx, logger, trade, attempt, actionFor(trig.Kind))
	}

	if gateway.IsNetworkError(err) {
		logger.Warn().Err(err).Msg("settlement outcome unknown, querying")
		status, qerr := s.gateway.QuerySettlement(ctx, trade.TradeNo, key)
		switch {
		case qerr == nil && status.State == gateway.SettlementSucceeded:
			return s.succeed(ctx, logger, trade, attempt, actionFor(trig.Kind))
		case qerr == nil && status.State == gateway.SettlementFailed:
			err = &gateway.BusinessError{
				Method:  gateway.MethodOrderSettle,
				Code:    "40004",
				SubCode: status.ErrorCode,
				SubMsg:  status.ErrorDesc,
			}
		default:
			return nil, s.unknown(ctx, logger, trade, attempt, actionFor(trig.Kind), err)
		}
	}
	if gateway.IsSignatureError(err) {
		return nil, s.unknown(ctx, logger, trade, attempt, actionFor(trig.Kind), err)
	}

	return s.declined(ctx, logger, trade, plan, seller, attempt, trig, err)
}

// declined handles a settlement the gateway refused.
func (s *Service) declined(ctx context.Context, logger zerolog.Logger, trade *types.Trade, plan *clearing.Plan, seller clearing.Payee, attempt *Attempt, trig Trigger, cause error) (*Outcome, error) {
	disposition := gateway.Classify(cause)
	fillFailure(attempt, cause)
	logger.Warn().
		Err(cause).
		Str("sub_code", attempt.SubCode).
		Str("disposition", disposition.String()).
		Msg("settlement declined")

	takeFallback := false
	if disposition == gateway.DispositionFallback && s.cfg.FallbackToTransfer {
		takeFallback = trig.Kind == TriggerManual
		if !takeFallback {
			n, err := s.db.CountFallbacks(ctx, trade.TradeID)
			if err != nil {
				return nil, err
			}
			takeFallback = n == 0
		}
	}

	newStatus := ""
	if disposition == gateway.DispositionFatal || (disposition == gateway.DispositionFallback && !takeFallback) {
		newStatus = types.SettlementFailed
	}
	if err := s.fail(ctx, trade, attempt, actionFor(trig.Kind), newStatus, disposition); err != nil {
		return nil, err
	}

	outcome := &Outcome{
		TradeID:          trade.TradeID,
		SettlementStatus: trade.SettlementStatus,
		Attempts:         []string{attempt.OutRequestNo},
		Message:          displayMessage(cause),
	}
	if disposition == gateway.DispositionDeferred {
		outcome.Deferred = true
		outcome.Reason = ReasonPayeeNotBound
		return outcome, nil
	}
	if !takeFallback {
		return outcome, nil
	}

	fallback, err := s.fallback(ctx, logger, trade, plan, seller, trig)
	if fallback != nil {
		fallback.Attempts = append(outcome.Attempts, fallback.Attempts...)
	}
	return fallback, err
}

// fallback pays the seller amount by direct transfer after a declined settlement.
func (s *Service) fallback(ctx context.Context, logger zerolog.Logger, trade *types.Trade, plan *clearing.Plan, seller clearing.Payee, trig Trigger) (*Outcome, error) {
	key, err := s.mintKey(ctx, tagTransfer, trade.TradeID)
	if err != nil {
		return nil, err
	}
	attempt := newAttempt(trade, key, types.MethodTransfer, TriggerFallback, plan.SellerAmount, plan.Commission, trig.actor())
	attempt.Splits = []SplitLine{{
		AttemptID:   attempt.AttemptID,
		Role:        clearing.RoleSeller,
		Payee:       seller.Account,
		PayeeType:   seller.Type,
		PayeeName:   seller.Name,
		Amount:      plan.SellerAmount,
		Description: plan.SellerLine().Description,
	}}
	if err := s.db.CreateAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("failed to record fallback attempt: %w", err)
	}

	logger = logger.With().Str("out_biz_no", key).Logger()
	logger.Info().Str("amount", plan.SellerAmount.StringFixed(2)).Msg("falling back to transfer")

	result, err := s.gateway.TransferToAccount(ctx, transferRequest(trade, attempt, seller))
	if err != nil && gateway.IsNetworkError(err) {
		logger.Warn().Err(err).Msg("transfer outcome unknown, querying")
		if queried, qerr := s.gateway.QueryTransfer(ctx, key); qerr == nil {
			result, err = queried, nil
		}
	}
	return s.transferOutcome(ctx, logger, trade, attempt, audit.ActionSettlementFallback, result, err)
}

func (s *Service) transferOutcome(ctx context.Context, logger zerolog.Logger, trade *types.Trade, attempt *Attempt, action string, result *gateway.TransferResult, err error) (*Outcome, error) {
	switch {
	case err == nil && result.Succeeded():
		attempt.GatewayRef = result.OrderID
		return s.succeed(ctx, logger, trade, attempt, action)
	case err == nil && (result.Pending() || result.Status == gateway.TransferNotFound):
		return nil, s.unknown(ctx, logger, trade, attempt, action, fmt.Errorf("transfer status %s", result.Status))
	case err != nil && (gateway.IsNetworkError(err) || gateway.IsSignatureError(err)):
		return nil, s.unknown(ctx, logger, trade, attempt, action, err)
	case err == nil:
		err = &gateway.BusinessError{
			Method:  gateway.MethodTransferQuery,
			Code:    "40004",
			SubCode: "TRANSFER_FAIL",
			SubMsg:  result.FailReason,
		}
	}

	fillFailure(attempt, err)
	logger.Warn().Err(err).Str("sub_code", attempt.SubCode).Msg("transfer declined")
	if ferr := s.fail(ctx, trade, attempt, action, types.SettlementFailed, gateway.Classify(err)); ferr != nil {
		return nil, ferr
	}
	return &Outcome{
		TradeID:          trade.TradeID,
		SettlementStatus: trade.SettlementStatus,
		Attempts:         []string{attempt.OutRequestNo},
		Message:          displayMessage(err),
	}, nil
}

// succeed records a confirmed payout: attempt, trade, ledger credit and audit
// commit together or not at all.
func (s *Service) succeed(ctx context.Context, logger zerolog.Logger, trade *types.Trade, attempt *Attempt, action string) (*Outcome, error) {
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		db := s.db.withTx(tx)
		if err := db.ResolveAttempt(ctx, attempt, OutcomeSucceeded); err != nil {
			return err
		}
		if err := db.MarkSettled(ctx, trade, attempt.Method); err != nil {
			return err
		}
		_, err := s.ledger.WithTx(tx).Credit(ctx, trade.SellerID, attempt.Amount,
			ledger.Ref{TradeRef: trade.TradeID, AttemptRef: attempt.AttemptID},
			fmt.Sprintf("settlement of %s", trade.OutTradeNo))
		if err != nil {
			return err
		}
		_, err = s.trail.WithTx(tx).Append(ctx, audit.Record{
			ActorID:    attempt.ActorID,
			TargetType: audit.TargetTrade,
			TargetID:   trade.TradeID,
			Action:     action,
			Result:     audit.ResultSuccess,
			Snapshot:   snapshot(trade, attempt, nil),
		})
		return err
	})
	if err != nil {
		logger.Error().Err(err).Msg("gateway confirmed settlement but it could not be recorded")
		return nil, fmt.Errorf("failed to record settlement of %s: %w", trade.TradeID, err)
	}

	metrics.SettlementAttempts.WithLabelValues(attempt.Method, attempt.Trigger, OutcomeSucceeded).Inc()
	logger.Info().
		Str("method", attempt.Method).
		Str("amount", attempt.Amount.StringFixed(2)).
		Msg("trade settled")

	return &Outcome{
		TradeID:          trade.TradeID,
		SettlementStatus: types.SettlementSettled,
		Method:           attempt.Method,
		Attempts:         []string{attempt.OutRequestNo},
	}, nil
}

// fail records a declined attempt. newStatus, when set, moves the trade.
func (s *Service) fail(ctx context.Context, trade *types.Trade, attempt *Attempt, action, newStatus string, disposition gateway.Disposition) error {
	err := s.gormDB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		db := s.db.withTx(tx)
		if err := db.ResolveAttempt(ctx, attempt, OutcomeFailed); err != nil {
			return err
		}
		if newStatus != "" {
			if err := db.UpdateSettlementStatus(ctx, trade, newStatus); err != nil {
				return err
			}
		}
		_, err := s.trail.WithTx(tx).Append(ctx, audit.Record{
			ActorID:    attempt.ActorID,
			TargetType: audit.TargetTrade,
			TargetID:   trade.TradeID,
			Action:     action,
			Result:     audit.ResultFailed,
			Snapshot: snapshot(trade, attempt, map[string]interface{}{
				"disposition": disposition.String(),
			}),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to record declined settlement of %s: %w", trade.TradeID, err)
	}
	metrics.SettlementAttempts.WithLabelValues(attempt.Method, attempt.Trigger, OutcomeFailed).Inc()
	return nil
}

// unknown leaves the attempt pending and audits that its outcome is not known.
// Later calls reconcile it before minting a new key.
func (s *Service) unknown(ctx context.Context, logger zerolog.Logger, trade *types.Trade, attempt *Attempt, action string, cause error) error {
	logger.Error().Err(cause).Msg("settlement outcome unknown, attempt left pending")
	metrics.SettlementAttempts.WithLabelValues(attempt.Method, attempt.Trigger, OutcomePending).Inc()

	_, err := s.trail.Append(context.WithoutCancel(ctx), audit.Record{
		ActorID:    attempt.ActorID,
		TargetType: audit.TargetTrade,
		TargetID:   trade.TradeID,
		Action:     action,
		Result:     audit.ResultUnknown,
		Snapshot: snapshot(trade, attempt, map[string]interface{}{
			"error": cause.Error(),
		}),
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to audit unknown settlement outcome")
	}
	return fmt.Errorf("%w: %w", ErrOutcomeUnknown, cause)
}

// mintKey returns <tag>_<trade_id>_<unix>, bumping the timestamp until the
// key has never been used.
func (s *Service) mintKey(ctx context.Context, tag, tradeID string) (string, error) {
	ts := s.now().Unix()
	for {
		key := fmt.Sprintf("%s_%s_%d", tag, tradeID, ts)
		exists, err := s.db.KeyExists(ctx, key)
		if err != nil {
			return "", err
		}
		if !exists {
			return key, nil
		}
		ts++
	}
}

// GetDetail returns a trade with every settlement attempt made for it.
func (s *Service) GetDetail(ctx context.Context, tradeID string) (*Detail, error) {
	trade, err := s.db.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	attempts, err := s.db.GetAttempts(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	return &Detail{Trade: trade, Attempts: attempts}, nil
}

func (s *Service) GetDB() *Database {
	return s.db
}
