package settlement

import (
	"context"
	"fmt"

	"github.com/Am-duojie/amdo-s-sub000/internal/audit"
	"github.com/Am-duojie/amdo-s-sub000/internal/gateway"
	"github.com/Am-duojie/amdo-s-sub000/internal/types"
	"github.com/rs/zerolog"
)

// reconcilePending resolves attempts whose outcome was left unknown. It
// reports true when one of them turns out to have paid the seller. Any
// attempt that stays unknown blocks a new attempt with ErrOutcomeUnknown.
func (s *Service) reconcilePending(ctx context.Context, logger zerolog.Logger, trade *types.Trade, trig Trigger) (bool, error) {
	pending, err := s.db.GetPendingAttempts(ctx, trade.TradeID)
	if err != nil {
		return false, err
	}

	for i := range pending {
		attempt := &pending[i]
		alog := logger.With().
			Str("out_request_no", attempt.OutRequestNo).
			Str("method", attempt.Method).
			Logger()
		alog.Info().Msg("reconciling pending attempt")

		var outcome *Outcome
		if attempt.Method == types.MethodTransfer {
			outcome, err = s.reconcileTransfer(ctx, alog, trade, attempt, trig)
		} else {
			outcome, err = s.reconcileRoyalty(ctx, alog, trade, attempt)
		}
		if err != nil {
			return false, err
		}
		if outcome.SettlementStatus == types.SettlementSettled {
			return true, nil
		}
	}
	return false, nil
}

func (s *Service) reconcileRoyalty(ctx context.Context, logger zerolog.Logger, trade *types.Trade, attempt *Attempt) (*Outcome, error) {
	status, err := s.gateway.QuerySettlement(ctx, attempt.TradeNo, attempt.OutRequestNo)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
	}

	switch status.State {
	case gateway.SettlementSucceeded:
		return s.succeed(ctx, logger, trade, attempt, audit.ActionSettlementReconcile)

	case gateway.SettlementFailed:
		cause := &gateway.BusinessError{
			Method:  gateway.MethodOrderSettle,
			Code:    "40004",
			SubCode: status.ErrorCode,
			SubMsg:  status.ErrorDesc,
		}
		return s.recordReconciledFailure(ctx, trade, attempt, "", cause)

	case gateway.SettlementNotFound:
		// The request never landed; sending it again under the same key is safe.
		logger.Info().Msg("settlement unknown to gateway, re-sending")
		result, err := s.gateway.SettleOrder(ctx, gateway.SettleRequest{
			TradeNo:      attempt.TradeNo,
			OutRequestNo: attempt.OutRequestNo,
			Splits:       royaltySplits(attempt),
		})
		switch {
		case err == nil:
			attempt.GatewayRef = result.SettleNo
			return s.succeed(ctx, logger, trade, attempt, audit.ActionSettlementReconcile)
		case gateway.IsNetworkError(err), gateway.IsSignatureError(err):
			return nil, s.unknown(ctx, logger, trade, attempt, audit.ActionSettlementReconcile, err)
		}
		return s.recordReconciledFailure(ctx, trade, attempt, "", err)
	}

	return nil, s.unknown(ctx, logger, trade, attempt, audit.ActionSettlementReconcile,
		fmt.Errorf("settlement state %s", status.State))
}

func (s *Service) reconcileTransfer(ctx context.Context, logger zerolog.Logger, trade *types.Trade, attempt *Attempt, trig Trigger) (*Outcome, error) {
	req := transferRequest(trade, attempt, sellerPayee(attempt))

	var result *gateway.TransferResult
	var err error
	if trig.Kind == TriggerManual {
		logger.Info().Msg("re-sending pending transfer")
		result, err = s.gateway.TransferToAccount(ctx, req)
	} else {
		result, err = s.gateway.QueryTransfer(ctx, attempt.OutRequestNo)
		if err == nil && result.Status == gateway.TransferNotFound {
			logger.Info().Msg("transfer unknown to gateway, re-sending")
			result, err = s.gateway.TransferToAccount(ctx, req)
		}
	}
	return s.transferOutcome(ctx, logger, trade, attempt, audit.ActionSettlementReconcile, result, err)
}

func (s *Service) recordReconciledFailure(ctx context.Context, trade *types.Trade, attempt *Attempt, newStatus string, cause error) (*Outcome, error) {
	fillFailure(attempt, cause)
	if err := s.fail(ctx, trade, attempt, audit.ActionSettlementReconcile, newStatus, gateway.Classify(cause)); err != nil {
		return nil, err
	}
	return &Outcome{
		TradeID:          trade.TradeID,
		SettlementStatus: trade.SettlementStatus,
		Attempts:         []string{attempt.OutRequestNo},
		Message:          displayMessage(cause),
	}, nil
}
