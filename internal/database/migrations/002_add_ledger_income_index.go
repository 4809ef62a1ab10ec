package migrations

import (
	"gorm.io/gorm"
)

// AddLedgerIncomeIndex allows at most one income entry per owner and trade.
// Credits without a trade reference are not constrained.
func AddLedgerIncomeIndex(db *gorm.DB) error {
	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_ledger_entries_one_income
		 ON ledger_entries(owner_id, trade_ref) WHERE type = 'income' AND trade_ref <> ''`,

		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_withdraw_status
		 ON ledger_entries(type, withdraw_status)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
