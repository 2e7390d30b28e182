package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MovementType enumerates the kinds of stock movement recorded in history.
type MovementType string

const (
	// MovementReceived adds stock to a cartridge.
	MovementReceived MovementType = "received"
	// MovementIssued removes stock for consumption or distribution.
	MovementIssued MovementType = "issued"
)

const maxModelLength = 190

var (
	// ErrInvalidModel indicates that a cartridge model is blank or exceeds storage bounds.
	ErrInvalidModel = errors.New("ledger: invalid cartridge model")
	// ErrInvalidQuantity indicates that a movement quantity is not a positive integer.
	ErrInvalidQuantity = errors.New("ledger: invalid quantity")
	// ErrInvalidNote indicates that an issue note is blank.
	ErrInvalidNote = errors.New("ledger: invalid note")
	// ErrInvalidMovementType indicates an unknown history filter.
	ErrInvalidMovementType = errors.New("ledger: invalid movement type")
)

// ParseMovementType validates a raw movement type. The empty string yields the zero value.
func ParseMovementType(raw string) (MovementType, error) {
	switch MovementType(strings.ToLower(strings.TrimSpace(raw))) {
	case "":
		return "", nil
	case MovementReceived:
		return MovementReceived, nil
	case MovementIssued:
		return MovementIssued, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMovementType, raw)
	}
}

// ModelName represents a trimmed, non-empty cartridge model.
type ModelName string

// NewModelName trims raw input and validates it.
func NewModelName(rawInput string) (ModelName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidModel)
	}
	if len(trimmed) > maxModelLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidModel, maxModelLength)
	}
	return ModelName(trimmed), nil
}

// String returns the underlying model string.
func (m ModelName) String() string {
	return string(m)
}

// Quantity represents a positive movement magnitude.
type Quantity int64

// NewQuantity validates the value and returns a Quantity.
func NewQuantity(value int64) (Quantity, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidQuantity, value)
	}
	return Quantity(value), nil
}

// Int64 exposes the raw quantity.
func (q Quantity) Int64() int64 {
	return int64(q)
}

// Cartridge holds the current stock of one cartridge model.
type Cartridge struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	Model       string    `gorm:"column:model;size:190;not null;uniqueIndex:idx_cartridges_model"`
	Description *string   `gorm:"column:description;type:text"`
	Stock       int64     `gorm:"column:stock;not null;default:0"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Cartridge) TableName() string {
	return "cartridges"
}

// HistoryEntry is an append-only record of one stock movement. CartridgeID
// carries no foreign key so that entries outlive a removed cartridge.
type HistoryEntry struct {
	ID             string       `gorm:"column:id;primaryKey;size:64;not null"`
	CartridgeID    int64        `gorm:"column:cartridge_id;not null;index:idx_history_cartridge_type,priority:1"`
	CartridgeModel string       `gorm:"column:cartridge_model;size:190;not null;default:''"`
	Type           MovementType `gorm:"column:type;size:16;not null;index:idx_history_cartridge_type,priority:2"`
	Quantity       int64        `gorm:"column:quantity;not null"`
	Note           *string      `gorm:"column:note;type:text"`
	PerformedBy    string       `gorm:"column:performed_by;size:190;not null;default:''"`
	CreatedAt      time.Time    `gorm:"column:created_at;not null;index:idx_history_created"`
}

// TableName provides the explicit table binding for GORM.
func (HistoryEntry) TableName() string {
	return "cartridge_history"
}

// CartridgePatch describes a partial update. Nil fields are left unchanged.
// A blank Description or ClearDescription removes the stored description.
type CartridgePatch struct {
	Model            *string
	Description      *string
	ClearDescription bool
}

// IsEmpty reports whether the patch changes nothing.
func (p CartridgePatch) IsEmpty() bool {
	return p.Model == nil && p.Description == nil && !p.ClearDescription
}

// ReceiveRequest describes an incoming stock delivery.
type ReceiveRequest struct {
	Model          string
	Description    *string
	Quantity       int64
	Actor          string
	IdempotencyKey string
}

// IssueRequest describes stock handed out for consumption.
type IssueRequest struct {
	CartridgeID    int64
	Quantity       int64
	Note           string
	Actor          string
	IdempotencyKey string
}

// HistoryFilter narrows a history query.
type HistoryFilter struct {
	Type MovementType
}

// UsageStatistic aggregates issued movements for one cartridge.
type UsageStatistic struct {
	CartridgeID int64
	Model       string
	TotalIssued int64
	IssueCount  int64
}

// normalizeDescription trims optional text and maps blank input to nil.
func normalizeDescription(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
