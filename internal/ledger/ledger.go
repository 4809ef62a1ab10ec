package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Am-duojie/amdo-s-sub000/internal/audit"
	"github.com/Am-duojie/amdo-s-sub000/internal/gateway"
	"github.com/Am-duojie/amdo-s-sub000/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound   = errors.New("wallet account not found")
	ErrInsufficientFunds = errors.New("insufficient available balance")
	ErrPayoutUnbound     = errors.New("no payout account bound")
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrVersionConflict   = errors.New("wallet account changed concurrently")
	ErrWithdrawFailed    = errors.New("withdrawal failed and was reversed")
	ErrWithdrawPending   = errors.New("withdrawal accepted, outcome pending")
)

const maxVersionRetries = 3

// Transferer is the part of the trade gateway a withdrawal needs.
type Transferer interface {
	TransferToAccount(ctx context.Context, req gateway.TransferRequest) (*gateway.TransferResult, error)
	QueryTransfer(ctx context.Context, outBizNo string) (*gateway.TransferResult, error)
}

// Ledger owns every wallet balance mutation.
type Ledger struct {
	db        *gorm.DB
	transfers Transferer
	trail     *audit.Trail
	now       func() time.Time
}

func NewLedger(db *gorm.DB, transfers Transferer, trail *audit.Trail) *Ledger {
	return &Ledger{
		db:        db,
		transfers: transfers,
		trail:     trail,
		now:       time.Now,
	}
}

// WithTx returns a ledger whose writes join tx.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	cp := *l
	cp.db = tx
	return &cp
}

func newEntryID() string {
	return "LE_" + uuid.New().String()
}

// transact runs fn in a transaction, retrying when the optimistic version
// check lost a race.
func (l *Ledger) transact(ctx context.Context, fn func(tx *gorm.DB) error) error {
	for attempt := 0; ; attempt++ {
		err := l.db.WithContext(ctx).Transaction(fn)
		if errors.Is(err, ErrVersionConflict) && attempt < maxVersionRetries {
			continue
		}
		return err
	}
}

func lockAccount(tx *gorm.DB, ownerID string) (*WalletAccount, error) {
	var acc WalletAccount
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("owner_id = ?", ownerID).
		First(&acc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acc, nil
}

func lockOrOpenAccount(tx *gorm.DB, ownerID string) (*WalletAccount, error) {
	acc, err := lockAccount(tx, ownerID)
	if !errors.Is(err, ErrAccountNotFound) {
		return acc, err
	}
	acc = &WalletAccount{OwnerID: ownerID}
	if err := tx.Create(acc).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrVersionConflict
		}
		return nil, err
	}
	return acc, nil
}

// saveBalances writes new balances guarded by the version read under lock.
func saveBalances(tx *gorm.DB, acc *WalletAccount, balance, frozen decimal.Decimal) error {
	result := tx.Model(&WalletAccount{}).
		Where("id = ? AND version = ?", acc.ID, acc.Version).
		Updates(map[string]interface{}{
			"balance":    balance,
			"frozen":     frozen,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrVersionConflict
	}
	acc.Balance = balance
	acc.Frozen = frozen
	acc.Version++
	return nil
}

// OpenAccount creates the wallet if it does not exist yet.
func (l *Ledger) OpenAccount(ctx context.Context, ownerID string) (*WalletAccount, error) {
	var acc *WalletAccount
	err := l.transact(ctx, func(tx *gorm.DB) error {
		var err error
		acc, err = lockOrOpenAccount(tx, ownerID)
		return err
	})
	return acc, err
}

func (l *Ledger) GetAccount(ctx context.Context, ownerID string) (*WalletAccount, error) {
	var acc WalletAccount
	if err := l.db.WithContext(ctx).Where("owner_id = ?", ownerID).First(&acc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acc, nil
}

// BindPayoutAccount stores the account withdrawals and settlements pay out to.
func (l *Ledger) BindPayoutAccount(ctx context.Context, ownerID, account, accountType, name string) (*WalletAccount, error) {
	if account == "" {
		return nil, ErrPayoutUnbound
	}
	normalized, err := gateway.NormalizeAccountType(accountType)
	if err != nil {
		return nil, err
	}

	var acc *WalletAccount
	err = l.transact(ctx, func(tx *gorm.DB) error {
		var err error
		acc, err = lockOrOpenAccount(tx, ownerID)
		if err != nil {
			return err
		}
		acc.PayoutAccount = account
		acc.PayoutAccountType = normalized
		acc.PayoutName = name
		return tx.Model(acc).Select("payout_account", "payout_account_type", "payout_name").Updates(acc).Error
	})
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("owner_id", ownerID).
		Str("service", "ledger").
		Str("payout_account_type", normalized).
		Msg("payout account bound")
	return acc, nil
}

// Credit appends an income entry and raises the balance in one transaction.
// It does not dedupe; callers guarantee one credit per trade.
func (l *Ledger) Credit(ctx context.Context, ownerID string, amount decimal.Decimal, ref Ref, note string) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}

	var balance decimal.Decimal
	err := l.transact(ctx, func(tx *gorm.DB) error {
		acc, err := lockOrOpenAccount(tx, ownerID)
		if err != nil {
			return err
		}
		newBalance := acc.Balance.Add(amount)
		if err := saveBalances(tx, acc, newBalance, acc.Frozen); err != nil {
			return err
		}
		entry := &Entry{
			EntryID:      newEntryID(),
			OwnerID:      ownerID,
			Type:         EntryIncome,
			Amount:       amount,
			BalanceAfter: newBalance,
			TradeRef:     ref.TradeRef,
			AttemptRef:   ref.AttemptRef,
			Note:         note,
		}
		if err := tx.Create(entry).Error; err != nil {
			return err
		}
		balance = newBalance
		return nil
	})
	if err != nil {
		metrics.LedgerOperations.WithLabelValues(EntryIncome, "error").Inc()
		return decimal.Zero, fmt.Errorf("failed to credit %s: %w", ownerID, err)
	}
	metrics.LedgerOperations.WithLabelValues(EntryIncome, "ok").Inc()
	return balance, nil
}

// Entries lists an owner's entries oldest first.
func (l *Ledger) Entries(ctx context.Context, ownerID string, limit int) ([]Entry, error) {
	q := l.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []Entry
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// Reconstruct replays the entries of an owner and returns the balance they imply.
func (l *Ledger) Reconstruct(ctx context.Context, ownerID string) (decimal.Decimal, error) {
	entries, err := l.Entries(ctx, ownerID, 0)
	if err != nil {
		return decimal.Zero, err
	}
	balance := decimal.Zero
	for _, e := range entries {
		switch e.Type {
		case EntryIncome, EntryRefund:
			balance = balance.Add(e.Amount)
		case EntryExpense, EntryWithdraw:
			balance = balance.Sub(e.Amount)
		}
	}
	return balance, nil
}

// IncomeForTrade returns the income entries recorded against a trade.
func (l *Ledger) IncomeForTrade(ctx context.Context, tradeRef string) ([]Entry, error) {
	var entries []Entry
	err := l.db.WithContext(ctx).
		Where("trade_ref = ? AND type = ?", tradeRef, EntryIncome).
		Order("id ASC").
		Find(&entries).Error
	return entries, err
}
