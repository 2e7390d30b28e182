package ledger

import (
	"context"

	"go.uber.org/zap"
)

type usageRow struct {
	CartridgeID int64
	TotalIssued int64
	IssueCount  int64
}

// Statistics aggregates issued movements per cartridge, largest consumers first.
// Removed cartridges are named by the model on their newest history entry.
func (s *Service) Statistics(ctx context.Context) ([]UsageStatistic, error) {
	if err := s.ready(opStatistics); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)

	var rows []usageRow
	if err := db.Model(&HistoryEntry{}).
		Select("cartridge_id, SUM(quantity) AS total_issued, COUNT(*) AS issue_count").
		Where(queryType, MovementIssued).
		Group("cartridge_id").
		Order("total_issued DESC, cartridge_id ASC").
		Scan(&rows).Error; err != nil {
		s.logError(opStatistics, reasonQueryFailed, err)
		return nil, newServiceError(opStatistics, reasonQueryFailed, err)
	}
	if len(rows) == 0 {
		return []UsageStatistic{}, nil
	}

	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.CartridgeID)
	}
	var cartridges []Cartridge
	if err := db.Select([]string{columnID, columnModel}).Where("id IN ?", ids).Find(&cartridges).Error; err != nil {
		s.logError(opStatistics, reasonQueryFailed, err, zap.Int("cartridges", len(ids)))
		return nil, newServiceError(opStatistics, reasonQueryFailed, err)
	}
	models := make(map[int64]string, len(cartridges))
	for _, cartridge := range cartridges {
		models[cartridge.ID] = cartridge.Model
	}

	statistics := make([]UsageStatistic, 0, len(rows))
	for _, row := range rows {
		model, ok := models[row.CartridgeID]
		if !ok {
			recorded, err := latestRecordedModel(db, row.CartridgeID)
			if err != nil {
				s.logError(opStatistics, reasonQueryFailed, err, zap.Int64("cartridge_id", row.CartridgeID))
				return nil, newServiceError(opStatistics, reasonQueryFailed, err)
			}
			model = recorded
		}
		statistics = append(statistics, UsageStatistic{
			CartridgeID: row.CartridgeID,
			Model:       model,
			TotalIssued: row.TotalIssued,
			IssueCount:  row.IssueCount,
		})
	}
	return statistics, nil
}
