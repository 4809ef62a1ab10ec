package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/Am-duojie/amdo-s-sub000/internal/types"
	"gorm.io/gorm"
)

var (
	ErrTradeNotFound   = errors.New("trade not found")
	ErrAttemptResolved = errors.New("settlement attempt already resolved")
	ErrAlreadySettled  = errors.New("trade already settled")
	ErrTradeChanged    = errors.New("trade was refunded or closed while settling")
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) withTx(tx *gorm.DB) *Database {
	return &Database{db: tx}
}

func (d *Database) GetTrade(ctx context.Context, tradeID string) (*types.Trade, error) {
	var trade types.Trade
	if err := d.db.WithContext(ctx).Where("trade_id = ?", tradeID).First(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}
	return &trade, nil
}

// GetAttempts returns every attempt for a trade with its split lines, oldest first.
func (d *Database) GetAttempts(ctx context.Context, tradeID string) ([]Attempt, error) {
	var attempts []Attempt
	err := d.db.WithContext(ctx).
		Preload("Splits").
		Where("trade_id = ?", tradeID).
		Order("id ASC").
		Find(&attempts).Error
	return attempts, err
}

func (d *Database) GetPendingAttempts(ctx context.Context, tradeID string) ([]Attempt, error) {
	var attempts []Attempt
	err := d.db.WithContext(ctx).
		Preload("Splits").
		Where("trade_id = ? AND outcome = ?", tradeID, OutcomePending).
		Order("id ASC").
		Find(&attempts).Error
	return attempts, err
}

func (d *Database) KeyExists(ctx context.Context, key string) (bool, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&Attempt{}).Where("out_request_no = ?", key).Count(&count).Error
	return count > 0, err
}

// CountFallbacks counts automatic fallback transfers already made for a trade.
func (d *Database) CountFallbacks(ctx context.Context, tradeID string) (int64, error) {
	var count int64
	err := d.db.WithContext(ctx).Model(&Attempt{}).
		Where("trade_id = ? AND trigger_kind = ?", tradeID, TriggerFallback).
		Count(&count).Error
	return count, err
}

// CreateAttempt inserts the attempt and its split lines.
func (d *Database) CreateAttempt(ctx context.Context, attempt *Attempt) error {
	return d.db.WithContext(ctx).Create(attempt).Error
}

// ResolveAttempt writes the outcome of a pending attempt. Outcomes are
// written once; a second resolution returns ErrAttemptResolved.
func (d *Database) ResolveAttempt(ctx context.Context, attempt *Attempt, outcome string) error {
	now := time.Now()
	result := d.db.WithContext(ctx).Model(&Attempt{}).
		Where("attempt_id = ? AND outcome = ?", attempt.AttemptID, OutcomePending).
		Updates(map[string]interface{}{
			"outcome":     outcome,
			"result_code": attempt.ResultCode,
			"sub_code":    attempt.SubCode,
			"result_msg":  attempt.ResultMsg,
			"gateway_ref": attempt.GatewayRef,
			"resolved_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrAttemptResolved
	}
	attempt.Outcome = outcome
	attempt.ResolvedAt = &now
	return nil
}

// MarkSettled moves a trade to SETTLED. The update only matches a paid,
// unsettled trade whose refunded amount is still the one the split was
// computed from, so a second success or a concurrent refund rolls the
// transaction back.
func (d *Database) MarkSettled(ctx context.Context, trade *types.Trade, method string) error {
	now := time.Now()
	result := d.db.WithContext(ctx).Model(&types.Trade{}).
		Where("trade_id = ? AND settlement_status <> ? AND status = ? AND refunded_amount = ?",
			trade.TradeID, types.SettlementSettled, types.TradePaid, trade.RefundedAmount).
		Updates(map[string]interface{}{
			"settlement_status": types.SettlementSettled,
			"settlement_method": method,
			"settled_at":        now,
			"updated_at":        now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		current, err := d.GetTrade(ctx, trade.TradeID)
		if err != nil {
			return err
		}
		if current.SettlementStatus == types.SettlementSettled {
			return ErrAlreadySettled
		}
		return ErrTradeChanged
	}
	trade.SettlementStatus = types.SettlementSettled
	trade.SettlementMethod = method
	trade.SettledAt = &now
	return nil
}

func (d *Database) UpdateSettlementStatus(ctx context.Context, trade *types.Trade, status string) error {
	err := d.db.WithContext(ctx).Model(&types.Trade{}).
		Where("trade_id = ? AND settlement_status <> ?", trade.TradeID, types.SettlementSettled).
		Updates(map[string]interface{}{
			"settlement_status": status,
			"updated_at":        time.Now(),
		}).Error
	if err != nil {
		return err
	}
	trade.SettlementStatus = status
	return nil
}
