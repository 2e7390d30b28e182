package database

import (
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/inventory/backend/internal/ledger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationTrimCartridgeModels   = "2026-10-01_trim_cartridge_models"
	migrationBackfillHistoryModels = "2026-10-01_backfill_history_models"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB, *zap.Logger) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	migrations := []migrationDefinition{
		{name: migrationTrimCartridgeModels, apply: trimCartridgeModels},
		{name: migrationBackfillHistoryModels, apply: backfillHistoryModels},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db, logger); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// trimCartridgeModels strips whitespace that older clients stored around model names.
// A row whose trimmed model already exists is left alone and reported.
func trimCartridgeModels(db *gorm.DB, logger *zap.Logger) error {
	var untrimmed []ledger.Cartridge
	if err := db.Where("model <> TRIM(model)").Find(&untrimmed).Error; err != nil {
		return err
	}
	for _, cartridge := range untrimmed {
		trimmed := strings.TrimSpace(cartridge.Model)
		var clashes int64
		if err := db.Model(&ledger.Cartridge{}).Where("model = ? AND id <> ?", trimmed, cartridge.ID).Count(&clashes).Error; err != nil {
			return err
		}
		if trimmed == "" || clashes > 0 {
			logger.Warn("cartridge model left untrimmed",
				zap.Int64("cartridge_id", cartridge.ID),
				zap.String("model", cartridge.Model))
			continue
		}
		if err := db.Model(&ledger.Cartridge{}).Where("id = ?", cartridge.ID).Update("model", trimmed).Error; err != nil {
			return err
		}
	}
	return nil
}

// backfillHistoryModels copies the current model onto history rows written before the
// snapshot column existed.
func backfillHistoryModels(db *gorm.DB, _ *zap.Logger) error {
	return db.Exec(`UPDATE cartridge_history
SET cartridge_model = (SELECT cartridges.model FROM cartridges WHERE cartridges.id = cartridge_history.cartridge_id)
WHERE cartridge_model = '' AND EXISTS (SELECT 1 FROM cartridges WHERE cartridges.id = cartridge_history.cartridge_id)`).Error
}
