package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Am-duojie/amdo-s-sub000/internal/audit"
	"github.com/Am-duojie/amdo-s-sub000/internal/gateway"
	"github.com/Am-duojie/amdo-s-sub000/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var ErrEntryNotFound = errors.New("ledger entry not found")

// Withdraw moves funds from the wallet to the bound payout account.
//
// The amount is frozen and a pending entry written before the transfer is
// sent. A failed transfer is compensated with a refund entry so the balance
// returns to where it started. A transfer still in flight keeps the funds
// frozen and returns ErrWithdrawPending; SyncWithdrawal resolves it later.
func (l *Ledger) Withdraw(ctx context.Context, req WithdrawRequest) (*Entry, error) {
	logger := log.With().
		Str("owner_id", req.OwnerID).
		Str("service", "ledger").
		Str("amount", req.Amount.StringFixed(2)).
		Logger()

	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	var entry *Entry
	var transfer gateway.TransferRequest
	err := l.transact(ctx, func(tx *gorm.DB) error {
		acc, err := lockAccount(tx, req.OwnerID)
		if err != nil {
			return err
		}

		payee, payeeType, payeeName := req.PayoutAccount, req.PayoutType, req.PayoutName
		if payee == "" {
			payee, payeeType, payeeName = acc.PayoutAccount, acc.PayoutAccountType, acc.PayoutName
		}
		if payee == "" {
			return ErrPayoutUnbound
		}
		if acc.Balance.LessThan(req.Amount) {
			return ErrInsufficientFunds
		}

		newBalance := acc.Balance.Sub(req.Amount)
		if err := saveBalances(tx, acc, newBalance, acc.Frozen.Add(req.Amount)); err != nil {
			return err
		}

		entryID := newEntryID()
		entry = &Entry{
			EntryID:        entryID,
			OwnerID:        req.OwnerID,
			Type:           EntryWithdraw,
			Amount:         req.Amount,
			BalanceAfter:   newBalance,
			Note:           "withdraw to " + payee,
			WithdrawStatus: WithdrawPending,
			OutBizNo:       fmt.Sprintf("withdraw_%s_%d", entryID, l.now().Unix()),
		}
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		transfer = gateway.TransferRequest{
			OutBizNo:     entry.OutBizNo,
			PayeeAccount: payee,
			PayeeType:    payeeType,
			PayeeName:    payeeName,
			Amount:       req.Amount,
			OrderTitle:   "Wallet withdrawal",
			Remark:       entryID,
		}
		return nil
	})
	if err != nil {
		metrics.LedgerOperations.WithLabelValues(EntryWithdraw, "rejected").Inc()
		return nil, err
	}

	logger = logger.With().Str("entry_id", entry.EntryID).Str("out_biz_no", entry.OutBizNo).Logger()
	logger.Info().Msg("withdrawal frozen, sending transfer")

	result, err := l.sendTransfer(ctx, transfer)
	if err != nil && gateway.IsNetworkError(err) {
		logger.Warn().Err(err).Msg("transfer outcome unknown, querying")
		result, err = l.transfers.QueryTransfer(ctx, entry.OutBizNo)
	}

	// Resolution must land even if the caller has gone away.
	ctx = context.WithoutCancel(ctx)
	return l.resolve(ctx, logger, entry, result, err)
}

// SyncWithdrawal resolves a pending withdrawal against the gateway.
func (l *Ledger) SyncWithdrawal(ctx context.Context, entryID string) (*Entry, error) {
	var entry Entry
	if err := l.db.WithContext(ctx).Where("entry_id = ? AND type = ?", entryID, EntryWithdraw).First(&entry).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEntryNotFound
		}
		return nil, err
	}
	if entry.WithdrawStatus != WithdrawPending {
		return &entry, nil
	}

	logger := log.With().
		Str("owner_id", entry.OwnerID).
		Str("service", "ledger").
		Str("entry_id", entry.EntryID).
		Str("out_biz_no", entry.OutBizNo).
		Logger()

	result, err := l.transfers.QueryTransfer(ctx, entry.OutBizNo)
	if err != nil && gateway.IsNetworkError(err) {
		// Still unknown; leave it for the next pass.
		return &entry, ErrWithdrawPending
	}
	return l.resolve(ctx, logger, &entry, result, err)
}

// PendingWithdrawals lists withdrawals still waiting on the gateway that were
// created before the cutoff.
func (l *Ledger) PendingWithdrawals(ctx context.Context, before time.Time) ([]Entry, error) {
	var entries []Entry
	err := l.db.WithContext(ctx).
		Where("type = ? AND withdraw_status = ? AND created_at < ?", EntryWithdraw, WithdrawPending, before).
		Order("id ASC").
		Find(&entries).Error
	return entries, err
}

func (l *Ledger) resolve(ctx context.Context, logger zerolog.Logger, entry *Entry, result *gateway.TransferResult, err error) (*Entry, error) {
	switch {
	case err == nil && result.Succeeded():
		if err := l.completeWithdraw(ctx, entry, result); err != nil {
			logger.Error().Err(err).Msg("transfer succeeded but entry could not be completed")
			return entry, err
		}
		metrics.LedgerOperations.WithLabelValues(EntryWithdraw, "ok").Inc()
		logger.Info().Str("order_id", result.OrderID).Msg("withdrawal completed")
		return entry, nil

	case err == nil && result.Pending():
		metrics.LedgerOperations.WithLabelValues(EntryWithdraw, "pending").Inc()
		logger.Info().Msg("transfer still processing, funds stay frozen")
		return entry, ErrWithdrawPending

	default:
		cause := err
		if cause == nil {
			cause = fmt.Errorf("transfer status %s", result.Status)
		}
		if cerr := l.compensate(ctx, entry, cause); cerr != nil {
			logger.Error().Err(cerr).AnErr("cause", cause).Msg("withdrawal compensation failed")
			return entry, fmt.Errorf("compensating withdrawal %s: %w", entry.EntryID, cerr)
		}
		metrics.LedgerOperations.WithLabelValues(EntryWithdraw, "reversed").Inc()
		logger.Warn().Err(cause).Msg("withdrawal reversed")
		return entry, fmt.Errorf("%w: %v", ErrWithdrawFailed, cause)
	}
}

// sendTransfer turns a panic in the transfer path into an error so the
// frozen funds are still compensated.
func (l *Ledger) sendTransfer(ctx context.Context, req gateway.TransferRequest) (result *gateway.TransferResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transfer panicked: %v", r)
		}
	}()
	return l.transfers.TransferToAccount(ctx, req)
}

func (l *Ledger) completeWithdraw(ctx context.Context, entry *Entry, result *gateway.TransferResult) error {
	return l.transact(ctx, func(tx *gorm.DB) error {
		acc, err := lockAccount(tx, entry.OwnerID)
		if err != nil {
			return err
		}
		claimed, err := markWithdraw(tx, entry, WithdrawSuccess, result.OrderID)
		if err != nil || !claimed {
			return err
		}
		if err := saveBalances(tx, acc, acc.Balance, acc.Frozen.Sub(entry.Amount)); err != nil {
			return err
		}
		return l.auditWithdraw(ctx, tx, entry, audit.ResultSuccess, map[string]interface{}{
			"entry_id":   entry.EntryID,
			"out_biz_no": entry.OutBizNo,
			"order_id":   result.OrderID,
			"amount":     entry.Amount.StringFixed(2),
		})
	})
}

func (l *Ledger) compensate(ctx context.Context, entry *Entry, cause error) error {
	return l.transact(ctx, func(tx *gorm.DB) error {
		acc, err := lockAccount(tx, entry.OwnerID)
		if err != nil {
			return err
		}
		claimed, err := markWithdraw(tx, entry, WithdrawFailed, "")
		if err != nil || !claimed {
			return err
		}
		newBalance := acc.Balance.Add(entry.Amount)
		if err := saveBalances(tx, acc, newBalance, acc.Frozen.Sub(entry.Amount)); err != nil {
			return err
		}
		refund := &Entry{
			EntryID:      newEntryID(),
			OwnerID:      entry.OwnerID,
			Type:         EntryRefund,
			Amount:       entry.Amount,
			BalanceAfter: newBalance,
			Note:         "withdrawal reversed: " + entry.EntryID,
			OutBizNo:     entry.OutBizNo,
		}
		if err := tx.Create(refund).Error; err != nil {
			return err
		}
		return l.auditWithdraw(ctx, tx, entry, audit.ResultFailed, map[string]interface{}{
			"entry_id":   entry.EntryID,
			"out_biz_no": entry.OutBizNo,
			"amount":     entry.Amount.StringFixed(2),
			"error":      cause.Error(),
		})
	})
}

// markWithdraw moves a pending withdrawal to its final status. It reports
// false when another resolver got there first.
func markWithdraw(tx *gorm.DB, entry *Entry, status, orderID string) (bool, error) {
	updates := map[string]interface{}{"withdraw_status": status}
	if orderID != "" {
		updates["gateway_order_id"] = orderID
	}
	result := tx.Model(&Entry{}).
		Where("entry_id = ? AND withdraw_status = ?", entry.EntryID, WithdrawPending).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	entry.WithdrawStatus = status
	entry.GatewayOrderID = orderID
	return true, nil
}

func (l *Ledger) auditWithdraw(ctx context.Context, tx *gorm.DB, entry *Entry, result string, snapshot map[string]interface{}) error {
	if l.trail == nil {
		return nil
	}
	_, err := l.trail.WithTx(tx).Append(ctx, audit.Record{
		TargetType: audit.TargetWallet,
		TargetID:   entry.OwnerID,
		Action:     audit.ActionWithdraw,
		Result:     result,
		Snapshot:   snapshot,
	})
	return err
}
