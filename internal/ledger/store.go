package ledger

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	columnID          = "id"
	columnModel       = "model"
	columnStock       = "stock"
	columnDescription = "description"
	columnUpdatedAt   = "updated_at"
	queryID           = columnID + " = ?"
	queryModel        = columnModel + " = ?"
	queryModelOtherID = columnModel + " = ? AND " + columnID + " <> ?"
	queryIDWithStock  = columnID + " = ? AND " + columnStock + " >= ?"
	queryIDDrained    = columnID + " = ? AND " + columnStock + " = 0"
	queryType         = "type = ?"
	orderModelAsc     = columnModel + " ASC"
	orderHistoryDesc  = "created_at DESC, id DESC"
)

// takeCartridge loads a cartridge by id under a row lock. It returns nil when absent.
func takeCartridge(tx *gorm.DB, id int64) (*Cartridge, error) {
	var cartridge Cartridge
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryID, id).
		Take(&cartridge).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cartridge, nil
}

// takeCartridgeByModel loads a cartridge by its trimmed model under a row lock.
func takeCartridgeByModel(tx *gorm.DB, model ModelName) (*Cartridge, error) {
	var cartridge Cartridge
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryModel, model.String()).
		Take(&cartridge).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cartridge, nil
}

// stockOnHand reads the current stock of a model without locking. It reports
// false when the model has no cartridge yet.
func stockOnHand(tx *gorm.DB, model ModelName) (int64, bool, error) {
	var cartridge Cartridge
	err := tx.Select(columnStock).Where(queryModel, model.String()).Take(&cartridge).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return cartridge.Stock, true, nil
}

// insertOrIncrement creates a cartridge for a new model or adds to the stock of
// an existing one in a single upsert on the model index.
func insertOrIncrement(tx *gorm.DB, model ModelName, quantity Quantity, description *string, setDescription bool, now time.Time) error {
	onConflict := map[string]interface{}{
		columnStock:     gorm.Expr(columnStock+" + ?", quantity.Int64()),
		columnUpdatedAt: now,
	}
	if setDescription {
		onConflict[columnDescription] = description
	}
	cartridge := Cartridge{
		Model:       model.String(),
		Description: description,
		Stock:       quantity.Int64(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: columnModel}},
		DoUpdates: clause.Assignments(onConflict),
	}).Create(&cartridge).Error
}

// decrementStock subtracts quantity only when enough stock is on hand. It
// reports false when the guard rejected the update or the row is missing.
func decrementStock(tx *gorm.DB, id int64, quantity Quantity, now time.Time) (bool, error) {
	result := tx.Model(&Cartridge{}).
		Where(queryIDWithStock, id, quantity.Int64()).
		Updates(map[string]interface{}{
			columnStock:     gorm.Expr(columnStock+" - ?", quantity.Int64()),
			columnUpdatedAt: now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// deleteDrained removes a cartridge only when its stock is zero.
func deleteDrained(tx *gorm.DB, id int64) (bool, error) {
	result := tx.Where(queryIDDrained, id).Delete(&Cartridge{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func modelTakenByOther(tx *gorm.DB, model ModelName, id int64) (bool, error) {
	var count int64
	if err := tx.Model(&Cartridge{}).Where(queryModelOtherID, model.String(), id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func cartridgeExists(tx *gorm.DB, id int64) (bool, error) {
	var count int64
	if err := tx.Model(&Cartridge{}).Where(queryID, id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func appendHistory(tx *gorm.DB, entry *HistoryEntry) error {
	return tx.Create(entry).Error
}

// latestRecordedModel returns the model written on the newest history entry of a cartridge.
func latestRecordedModel(tx *gorm.DB, id int64) (string, error) {
	var entry HistoryEntry
	err := tx.Select("cartridge_model").
		Where("cartridge_id = ?", id).
		Order(orderHistoryDesc).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	return entry.CartridgeModel, err
}
