package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDGenerator struct {
	mu   sync.Mutex
	next int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return fmt.Sprintf("entry-%04d", g.next), nil
}

type failingIDGenerator struct{}

func (failingIDGenerator) NewID() (string, error) {
	return "", errors.New("id source unavailable")
}

// steppingClock advances one second per reading so history ordering is observable.
type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func newSteppingClock() *steppingClock {
	return &steppingClock{current: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

type memoryGuard struct {
	mu       sync.Mutex
	keys     map[string]struct{}
	released []string
}

func newMemoryGuard() *memoryGuard {
	return &memoryGuard{keys: make(map[string]struct{})}
}

func (g *memoryGuard) Claim(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.keys[key]; ok {
		return false, nil
	}
	g.keys[key] = struct{}{}
	return true, nil
}

func (g *memoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, key)
	g.released = append(g.released, key)
	return nil
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:ledger_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := db.AutoMigrate(&Cartridge{}, &HistoryEntry{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	return newTestServiceWithGuard(t, nil)
}

func newTestServiceWithGuard(t *testing.T, guard IdempotencyGuard) (*Service, *gorm.DB) {
	t.Helper()

	db := openTestDatabase(t)
	service, err := NewService(ServiceConfig{
		Database:    db,
		Clock:       newSteppingClock().Now,
		IDProvider:  &sequenceIDGenerator{},
		Idempotency: guard,
	})
	if err != nil {
		t.Fatalf("failed to construct ledger service: %v", err)
	}
	return service, db
}

func mustReceive(t *testing.T, service *Service, model string, quantity int64) Cartridge {
	t.Helper()
	cartridge, err := service.Receive(context.Background(), ReceiveRequest{Model: model, Quantity: quantity})
	if err != nil {
		t.Fatalf("receive %q failed: %v", model, err)
	}
	return cartridge
}

func mustIssue(t *testing.T, service *Service, id int64, quantity int64, note string) Cartridge {
	t.Helper()
	cartridge, err := service.Issue(context.Background(), IssueRequest{CartridgeID: id, Quantity: quantity, Note: note})
	if err != nil {
		t.Fatalf("issue from %d failed: %v", id, err)
	}
	return cartridge
}

func loadStock(t *testing.T, db *gorm.DB, id int64) int64 {
	t.Helper()
	var cartridge Cartridge
	if err := db.Where("id = ?", id).Take(&cartridge).Error; err != nil {
		t.Fatalf("failed to load cartridge %d: %v", id, err)
	}
	return cartridge.Stock
}

func countHistory(t *testing.T, db *gorm.DB, movementType MovementType) int64 {
	t.Helper()
	var count int64
	query := db.Model(&HistoryEntry{})
	if movementType != "" {
		query = query.Where("type = ?", movementType)
	}
	if err := query.Count(&count).Error; err != nil {
		t.Fatalf("failed to count history: %v", err)
	}
	return count
}

func stringPointer(value string) *string {
	return &value
}
