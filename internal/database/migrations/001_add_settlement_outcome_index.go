package migrations

import (
	"gorm.io/gorm"
)

// AddSettlementOutcomeIndex allows at most one succeeded attempt per trade.
func AddSettlementOutcomeIndex(db *gorm.DB) error {
	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_settlement_attempts_one_success
		 ON settlement_attempts(trade_id) WHERE outcome = 'succeeded'`,

		// Pending attempts are scanned by the reconciler
		`CREATE INDEX IF NOT EXISTS idx_settlement_attempts_outcome_created
		 ON settlement_attempts(outcome, created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
