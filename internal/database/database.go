package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/inventory/backend/internal/config"
	"github.com/MarcoPoloResearchLab/inventory/backend/internal/ledger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Open connects to the configured store and brings the ledger schema up to date.
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case config.DriverSQLite, "":
		db, err = OpenSQLite(cfg.Path)
	case config.DriverMySQL:
		db, err = OpenMySQL(cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", driverName(cfg.Driver)))
	return db, nil
}

// Migrate creates the ledger tables and applies pending one-shot migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	schema := db
	if db.Dialector.Name() == config.DriverMySQL {
		schema = db.Set("gorm:table_options", mysqlTableOptions)
	}
	if err := schema.AutoMigrate(&ledger.Cartridge{}, &ledger.HistoryEntry{}, &migrationRecord{}); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return applyMigrations(db, logger)
}

func driverName(driver string) string {
	if driver == "" {
		return config.DriverSQLite
	}
	return driver
}
