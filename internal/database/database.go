package database

import (
	"fmt"
	"time"

	"github.com/Am-duojie/amdo-s-sub000/internal/audit"
	"github.com/Am-duojie/amdo-s-sub000/internal/config"
	"github.com/Am-duojie/amdo-s-sub000/internal/database/migrations"
	"github.com/Am-duojie/amdo-s-sub000/internal/ledger"
	"github.com/Am-duojie/amdo-s-sub000/internal/settlement"
	"github.com/Am-duojie/amdo-s-sub000/internal/trading"
	"github.com/Am-duojie/amdo-s-sub000/internal/types"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the configured database and brings the schema up to date.
func NewDatabase(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := Open(cfg)
	if err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Open connects without migrating.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.Driver == "postgres" {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	} else {
		// sqlite serialises writers; one connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	}

	return db, nil
}

// Migrate creates tables and the partial indexes AutoMigrate cannot express.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&types.Trade{},
		&trading.IdempotencyRecord{},
		&settlement.Attempt{},
		&settlement.SplitLine{},
		&ledger.WalletAccount{},
		&ledger.Entry{},
		&audit.Entry{},
	)
	if err != nil {
		return err
	}

	if err := migrations.AddSettlementOutcomeIndex(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddLedgerIncomeIndex(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
