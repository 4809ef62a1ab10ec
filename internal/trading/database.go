package trading

import (
	"context"
	"errors"
	"time"

	"github.com/Am-duojie/amdo-s-sub000/internal/audit"
	"github.com/Am-duojie/amdo-s-sub000/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
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

func (d *Database) GetTradeByOutTradeNo(ctx context.Context, outTradeNo string) (*types.Trade, error) {
	var trade types.Trade
	if err := d.db.WithContext(ctx).Where("out_trade_no = ?", outTradeNo).First(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}
	return &trade, nil
}

// GetStaleCreatedTrades lists trades still awaiting payment that were
// created before the cutoff.
func (d *Database) GetStaleCreatedTrades(ctx context.Context, before time.Time) ([]types.Trade, error) {
	var trades []types.Trade
	err := d.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", types.TradeCreated, before).
		Order("id ASC").
		Find(&trades).Error
	return trades, err
}

// CreateTradeWithIdempotency creates a new trade and idempotency record in a transaction
func (d *Database) CreateTradeWithIdempotency(ctx context.Context, trade *types.Trade, idempotencyKey string) error {
	// Begin transaction
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Create(trade).Error; err != nil {
		tx.Rollback()
		return err
	}

	record := IdempotencyRecord{
		IdempotencyKey: idempotencyKey,
		ResourceID:     trade.TradeID,
		ResourceType:   "trade",
		ExpiresAt:      time.Now().Add(24 * time.Hour),
	}

	if err := tx.Create(&record).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// GetIdempotencyRecord returns nil when the key has not been seen.
func (d *Database) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// MarkPaid promotes a created trade to paid. It reports false when the trade
// had already moved on, which makes repeated notifications harmless.
func (d *Database) MarkPaid(ctx context.Context, trade *types.Trade, tradeNo, buyerID string) (bool, error) {
	now := time.Now()
	result := d.db.WithContext(ctx).Model(&types.Trade{}).
		Where("trade_id = ? AND status = ?", trade.TradeID, types.TradeCreated).
		Updates(map[string]interface{}{
			"status":     types.TradePaid,
			"trade_no":   tradeNo,
			"buyer_id":   buyerID,
			"paid_at":    now,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	trade.Status = types.TradePaid
	trade.TradeNo = tradeNo
	trade.BuyerID = buyerID
	trade.PaidAt = &now
	return true, nil
}

// MarkClosed closes a trade that was never paid.
func (d *Database) MarkClosed(ctx context.Context, trade *types.Trade) (bool, error) {
	result := d.db.WithContext(ctx).Model(&types.Trade{}).
		Where("trade_id = ? AND status = ?", trade.TradeID, types.TradeCreated).
		Updates(map[string]interface{}{
			"status":     types.TradeClosed,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	trade.Status = types.TradeClosed
	return true, nil
}

// ApplyRefund adds a refunded amount to a paid, unsettled trade and appends
// the audit entry in the same transaction. A trade refunded in full becomes
// refunded.
func (d *Database) ApplyRefund(ctx context.Context, trade *types.Trade, amount decimal.Decimal, trail *audit.Trail, rec audit.Record) error {
	// Begin transaction
	tx := d.db.WithContext(ctx).Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	refunded := trade.RefundedAmount.Add(amount)
	status := trade.Status
	if refunded.GreaterThanOrEqual(trade.TotalAmount) {
		status = types.TradeRefunded
	}
	result := tx.Model(&types.Trade{}).
		Where("trade_id = ? AND status = ? AND settlement_status <> ? AND refunded_amount = ?",
			trade.TradeID, types.TradePaid, types.SettlementSettled, trade.RefundedAmount).
		Updates(map[string]interface{}{
			"refunded_amount": refunded,
			"status":          status,
			"updated_at":      time.Now(),
		})
	if result.Error != nil {
		tx.Rollback()
		return result.Error
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return ErrTradeChanged
	}

	if _, err := trail.WithTx(tx).Append(ctx, rec); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit().Error; err != nil {
		return err
	}
	trade.RefundedAmount = refunded
	trade.Status = status
	return nil
}
