package ledger

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
)

const mysqlTestDSNEnv = "INVENTORY_TEST_MYSQL_DSN"

// openMySQLTestDatabase connects to the MySQL instance named by
// INVENTORY_TEST_MYSQL_DSN and recreates the ledger tables. The test is
// skipped when no server is configured or reachable.
func openMySQLTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv(mysqlTestDSNEnv))
	if dsn == "" {
		t.Skipf("MySQL not configured: set %s", mysqlTestDSNEnv)
	}
	driverConfig, err := mysqldriver.ParseDSN(dsn)
	if err != nil {
		t.Fatalf("invalid %s: %v", mysqlTestDSNEnv, err)
	}
	driverConfig.ParseTime = true
	driverConfig.Loc = time.UTC
	db, err := gorm.Open(gormmysql.Open(driverConfig.FormatDSN()), &gorm.Config{})
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		t.Skipf("MySQL not available: %v", err)
	}
	sqlDB.SetMaxOpenConns(16)

	if err := db.Migrator().DropTable(&HistoryEntry{}, &Cartridge{}); err != nil {
		t.Fatalf("failed to drop tables: %v", err)
	}
	err = db.Set("gorm:table_options", "ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_bin").
		AutoMigrate(&Cartridge{}, &HistoryEntry{})
	if err != nil {
		t.Fatalf("failed to migrate tables: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Migrator().DropTable(&HistoryEntry{}, &Cartridge{})
		_ = sqlDB.Close()
	})
	return db
}

func newMySQLTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := openMySQLTestDatabase(t)
	service, err := NewService(ServiceConfig{
		Database:   db,
		IDProvider: &sequenceIDGenerator{},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func TestMySQLConcurrentIssuesOfFullStockAdmitOneWinner(t *testing.T) {
	service, db := newMySQLTestService(t)
	cartridge := mustReceive(t, service, "HP 201X", 12)

	assertSingleWinner(t, service, db, cartridge.ID, 12, 8)
}

func TestMySQLConcurrentFirstReceiptsMergeIntoOneCartridge(t *testing.T) {
	service, db := newMySQLTestService(t)

	const callers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		ids    = make(map[int64]struct{})
		failed []error
	)
	start := make(chan struct{})
	for index := 0; index < callers; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			cartridge, err := service.Receive(context.Background(), ReceiveRequest{
				Model:    "Brother TN-2421",
				Quantity: 3,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, err)
				return
			}
			ids[cartridge.ID] = struct{}{}
		}()
	}
	close(start)
	wg.Wait()

	if len(failed) > 0 {
		t.Fatalf("expected every receipt to succeed, got %v", failed)
	}
	if len(ids) != 1 {
		t.Fatalf("expected every receipt to land on one cartridge, got %d ids", len(ids))
	}
	var rows int64
	if err := db.Model(&Cartridge{}).Count(&rows).Error; err != nil {
		t.Fatalf("failed to count cartridges: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected 1 cartridge row, got %d", rows)
	}
	for id := range ids {
		if stock := loadStock(t, db, id); stock != callers*3 {
			t.Fatalf("expected stock %d, got %d", callers*3, stock)
		}
	}
	if count := countHistory(t, db, MovementReceived); count != callers {
		t.Fatalf("expected %d received entries, got %d", callers, count)
	}
}

func TestMySQLIssueAfterRemovalReportsNotFound(t *testing.T) {
	service, db := newMySQLTestService(t)
	cartridge := mustReceive(t, service, "Canon 737", 1)
	mustIssue(t, service, cartridge.ID, 1, "")
	if _, err := service.Remove(context.Background(), cartridge.ID); err != nil {
		t.Fatalf("remove failed: %v", err)
	}

	_, err := service.Issue(context.Background(), IssueRequest{CartridgeID: cartridge.ID, Quantity: 1})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if count := countHistory(t, db, MovementIssued); count != 1 {
		t.Fatalf("expected 1 issued entry, got %d", count)
	}
}
