package ledger

import (
	"context"
	"time"
)

// StockDiscrepancy reports a cartridge whose stock disagrees with its history.
type StockDiscrepancy struct {
	CartridgeID int64
	Model       string
	Stock       int64
	Expected    int64
}

// ReconciliationReport is the outcome of comparing stock against history.
type ReconciliationReport struct {
	CheckedAt     time.Time
	Cartridges    int
	Discrepancies []StockDiscrepancy
	LowStock      []Cartridge
}

// HasFindings reports whether the report contains anything worth alerting on.
func (r ReconciliationReport) HasFindings() bool {
	return len(r.Discrepancies) > 0 || len(r.LowStock) > 0
}

type movementTotals struct {
	CartridgeID   int64
	ReceivedTotal int64
	IssuedTotal   int64
}

// Reconcile checks every cartridge against sum(received) - sum(issued) and
// collects those at or below lowStockThreshold. It does not modify anything.
func (s *Service) Reconcile(ctx context.Context, lowStockThreshold int64) (ReconciliationReport, error) {
	if err := s.ready(opReconcile); err != nil {
		return ReconciliationReport{}, err
	}
	db := s.db.WithContext(ctx)

	var totals []movementTotals
	if err := db.Model(&HistoryEntry{}).
		Select("cartridge_id, SUM(CASE WHEN type = ? THEN quantity ELSE 0 END) AS received_total, SUM(CASE WHEN type = ? THEN quantity ELSE 0 END) AS issued_total",
			MovementReceived, MovementIssued).
		Group("cartridge_id").
		Scan(&totals).Error; err != nil {
		s.logError(opReconcile, reasonQueryFailed, err)
		return ReconciliationReport{}, newServiceError(opReconcile, reasonQueryFailed, err)
	}
	expected := make(map[int64]int64, len(totals))
	for _, total := range totals {
		expected[total.CartridgeID] = total.ReceivedTotal - total.IssuedTotal
	}

	var cartridges []Cartridge
	if err := db.Order(orderModelAsc).Find(&cartridges).Error; err != nil {
		s.logError(opReconcile, reasonQueryFailed, err)
		return ReconciliationReport{}, newServiceError(opReconcile, reasonQueryFailed, err)
	}

	report := ReconciliationReport{
		CheckedAt:  s.clock().UTC(),
		Cartridges: len(cartridges),
	}
	for _, cartridge := range cartridges {
		if want := expected[cartridge.ID]; want != cartridge.Stock {
			report.Discrepancies = append(report.Discrepancies, StockDiscrepancy{
				CartridgeID: cartridge.ID,
				Model:       cartridge.Model,
				Stock:       cartridge.Stock,
				Expected:    want,
			})
		}
		if cartridge.Stock <= lowStockThreshold {
			report.LowStock = append(report.LowStock, cartridge)
		}
	}
	return report, nil
}
