package database

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/inventory/backend/internal/config"
	"github.com/MarcoPoloResearchLab/inventory/backend/internal/ledger"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openMigrationDatabase(testContext *testing.T) *gorm.DB {
	testContext.Helper()
	databasePath := filepath.Join(testContext.TempDir(), "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(&ledger.Cartridge{}, &ledger.HistoryEntry{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	return database
}

func TestApplyMigrationsTrimsModelsAndBackfillsHistory(testContext *testing.T) {
	database := openMigrationDatabase(testContext)
	now := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)

	padded := ledger.Cartridge{Model: " HP 85A ", Stock: 3, CreatedAt: now, UpdatedAt: now}
	clean := ledger.Cartridge{Model: "Canon 725", Stock: 1, CreatedAt: now, UpdatedAt: now}
	clashing := ledger.Cartridge{Model: "Canon 725 ", Stock: 2, CreatedAt: now, UpdatedAt: now}
	for _, cartridge := range []*ledger.Cartridge{&padded, &clean, &clashing} {
		if err := database.Create(cartridge).Error; err != nil {
			testContext.Fatalf("failed to insert cartridge: %v", err)
		}
	}
	legacyEntry := ledger.HistoryEntry{ID: "legacy-1", CartridgeID: clean.ID, Type: ledger.MovementReceived, Quantity: 1, CreatedAt: now}
	orphanEntry := ledger.HistoryEntry{ID: "legacy-2", CartridgeID: 999, Type: ledger.MovementIssued, Quantity: 1, CreatedAt: now}
	for _, entry := range []*ledger.HistoryEntry{&legacyEntry, &orphanEntry} {
		if err := database.Create(entry).Error; err != nil {
			testContext.Fatalf("failed to insert history entry: %v", err)
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var reloaded ledger.Cartridge
	if err := database.Where("id = ?", padded.ID).Take(&reloaded).Error; err != nil {
		testContext.Fatalf("failed to reload cartridge: %v", err)
	}
	if reloaded.Model != "HP 85A" {
		testContext.Fatalf("expected trimmed model, got %q", reloaded.Model)
	}
	var untouched ledger.Cartridge
	if err := database.Where("id = ?", clashing.ID).Take(&untouched).Error; err != nil {
		testContext.Fatalf("failed to reload cartridge: %v", err)
	}
	if untouched.Model != "Canon 725 " {
		testContext.Fatalf("clashing model must stay untouched, got %q", untouched.Model)
	}

	var entry ledger.HistoryEntry
	if err := database.Where("id = ?", legacyEntry.ID).Take(&entry).Error; err != nil {
		testContext.Fatalf("failed to reload history entry: %v", err)
	}
	if entry.CartridgeModel != "Canon 725" {
		testContext.Fatalf("expected backfilled model, got %q", entry.CartridgeModel)
	}
	var orphan ledger.HistoryEntry
	if err := database.Where("id = ?", orphanEntry.ID).Take(&orphan).Error; err != nil {
		testContext.Fatalf("failed to reload history entry: %v", err)
	}
	if orphan.CartridgeModel != "" {
		testContext.Fatalf("orphaned entry must keep an empty model, got %q", orphan.CartridgeModel)
	}

	var records int64
	if err := database.Model(&migrationRecord{}).Count(&records).Error; err != nil {
		testContext.Fatalf("failed to count migration records: %v", err)
	}
	if records != 2 {
		testContext.Fatalf("expected 2 migration records, got %d", records)
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database := openMigrationDatabase(testContext)

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("first run failed: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("second run failed: %v", err)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationTrimCartridgeModels).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenCreatesLedgerSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "inventory.db")

	database, err := Open(config.DatabaseConfig{Driver: config.DriverSQLite, Path: databasePath}, nil)
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, table := range []string{"cartridges", "cartridge_history", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open(config.DatabaseConfig{Driver: "oracle"}, nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
}

func TestMySQLDSN(testContext *testing.T) {
	dsn := MySQLDSN(config.DatabaseConfig{
		Host:     "db.internal",
		Port:     3307,
		User:     "ledger",
		Password: "p@ss",
		Name:     "inventory",
	})
	if !strings.HasPrefix(dsn, "ledger:p@ss@tcp(db.internal:3307)/inventory?") {
		testContext.Fatalf("unexpected dsn %q", dsn)
	}
	for _, fragment := range []string{"parseTime=true", "collation=utf8mb4_bin"} {
		if !strings.Contains(dsn, fragment) {
			testContext.Fatalf("expected %q in dsn %q", fragment, dsn)
		}
	}
}
