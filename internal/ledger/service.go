package ledger

import (
	"context"
	"errors"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// IDProvider issues identifiers for history entries.
type IDProvider interface {
	NewID() (string, error)
}

// IdempotencyGuard remembers idempotency keys of mutations that were already accepted.
type IdempotencyGuard interface {
	// Claim records the key and reports false when it was claimed before.
	Claim(ctx context.Context, key string) (bool, error)
	// Release forgets the key so a failed mutation can be retried.
	Release(ctx context.Context, key string) error
}

type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	IDProvider  IDProvider
	Logger      *zap.Logger
	Idempotency IdempotencyGuard
}

// Service enforces the cartridge ledger rules on top of the relational store.
type Service struct {
	db          *gorm.DB
	clock       func() time.Time
	idProvider  IDProvider
	logger      *zap.Logger
	idempotency IdempotencyGuard
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:          cfg.Database,
		clock:       clock,
		idProvider:  idProvider,
		logger:      logger,
		idempotency: cfg.Idempotency,
	}, nil
}

// Receive adds stock for a model, creating the cartridge on its first delivery.
// Both cases go through one upsert so concurrent first deliveries merge.
func (s *Service) Receive(ctx context.Context, request ReceiveRequest) (Cartridge, error) {
	if err := s.ready(opReceive); err != nil {
		return Cartridge{}, err
	}
	model, err := NewModelName(request.Model)
	if err != nil {
		return Cartridge{}, newValidationError(opReceive, reasonInvalidModel, "Model is required", err)
	}
	quantity, err := NewQuantity(request.Quantity)
	if err != nil {
		return Cartridge{}, newValidationError(opReceive, reasonInvalidQuantity, "Quantity must be a positive integer", err)
	}
	description := normalizeDescription(request.Description)
	setDescription := request.Description != nil

	release, err := s.claim(ctx, opReceive, request.IdempotencyKey)
	if err != nil {
		return Cartridge{}, err
	}

	var result Cartridge
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock().UTC()
		current, exists, err := stockOnHand(tx, model)
		if err != nil {
			s.logError(opReceive, reasonQueryFailed, err, zap.String("model", model.String()))
			return newServiceError(opReceive, reasonQueryFailed, err)
		}
		if exists && current > math.MaxInt64-quantity.Int64() {
			return newConflictError(opReceive, reasonStockOverflow, "Stock would exceed the maximum quantity")
		}
		if err := insertOrIncrement(tx, model, quantity, description, setDescription, now); err != nil {
			s.logError(opReceive, reasonCartridgeSaveFail, err, zap.String("model", model.String()))
			return newServiceError(opReceive, reasonCartridgeSaveFail, err)
		}

		stored, err := takeCartridgeByModel(tx, model)
		if err != nil || stored == nil {
			if err == nil {
				err = gorm.ErrRecordNotFound
			}
			s.logError(opReceive, reasonQueryFailed, err, zap.String("model", model.String()))
			return newServiceError(opReceive, reasonQueryFailed, err)
		}

		if err := s.recordMovement(tx, opReceive, *stored, MovementReceived, quantity, nil, request.Actor, now); err != nil {
			return err
		}
		result = *stored
		return nil
	})
	if txErr != nil {
		release()
		return Cartridge{}, txErr
	}

	s.logger.Info("cartridge stock received",
		zap.Int64("cartridge_id", result.ID),
		zap.String("model", result.Model),
		zap.Int64("quantity", quantity.Int64()),
		zap.Int64("stock", result.Stock))
	return result, nil
}

// Issue hands out stock. The decrement is a single conditional update so that
// concurrent issues of the same cartridge never drive stock below zero.
func (s *Service) Issue(ctx context.Context, request IssueRequest) (Cartridge, error) {
	if err := s.ready(opIssue); err != nil {
		return Cartridge{}, err
	}
	quantity, err := NewQuantity(request.Quantity)
	if err != nil {
		return Cartridge{}, newValidationError(opIssue, reasonInvalidQuantity, "Quantity must be a positive integer", err)
	}
	note := strings.TrimSpace(request.Note)
	if note == "" {
		return Cartridge{}, newValidationError(opIssue, reasonInvalidNote, "Note is required", ErrInvalidNote)
	}
	if request.CartridgeID <= 0 {
		return Cartridge{}, newValidationError(opIssue, reasonInvalidID, "Cartridge id is required", nil)
	}

	release, err := s.claim(ctx, opIssue, request.IdempotencyKey)
	if err != nil {
		return Cartridge{}, err
	}

	var result Cartridge
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock().UTC()
		applied, err := decrementStock(tx, request.CartridgeID, quantity, now)
		if err != nil {
			s.logError(opIssue, reasonCartridgeSaveFail, err, zap.Int64("cartridge_id", request.CartridgeID))
			return newServiceError(opIssue, reasonCartridgeSaveFail, err)
		}
		if !applied {
			exists, err := cartridgeExists(tx, request.CartridgeID)
			if err != nil {
				s.logError(opIssue, reasonQueryFailed, err, zap.Int64("cartridge_id", request.CartridgeID))
				return newServiceError(opIssue, reasonQueryFailed, err)
			}
			if !exists {
				return newNotFoundError(opIssue, request.CartridgeID)
			}
			return newConflictError(opIssue, reasonInsufficientStock, "Not enough stock to issue")
		}

		stored, err := takeCartridge(tx, request.CartridgeID)
		if err != nil || stored == nil {
			if err == nil {
				err = gorm.ErrRecordNotFound
			}
			s.logError(opIssue, reasonQueryFailed, err, zap.Int64("cartridge_id", request.CartridgeID))
			return newServiceError(opIssue, reasonQueryFailed, err)
		}

		if err := s.recordMovement(tx, opIssue, *stored, MovementIssued, quantity, &note, request.Actor, now); err != nil {
			return err
		}
		result = *stored
		return nil
	})
	if txErr != nil {
		release()
		return Cartridge{}, txErr
	}

	s.logger.Info("cartridge stock issued",
		zap.Int64("cartridge_id", result.ID),
		zap.String("model", result.Model),
		zap.Int64("quantity", quantity.Int64()),
		zap.Int64("stock", result.Stock))
	return result, nil
}

// Update applies a partial change to model and description. It never touches stock.
func (s *Service) Update(ctx context.Context, id int64, patch CartridgePatch) (Cartridge, error) {
	if err := s.ready(opUpdate); err != nil {
		return Cartridge{}, err
	}
	var model ModelName
	if patch.Model != nil {
		parsed, err := NewModelName(*patch.Model)
		if err != nil {
			return Cartridge{}, newValidationError(opUpdate, reasonInvalidModel, "Model must not be empty", err)
		}
		model = parsed
	}

	var result Cartridge
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := takeCartridge(tx, id)
		if err != nil {
			s.logError(opUpdate, reasonQueryFailed, err, zap.Int64("cartridge_id", id))
			return newServiceError(opUpdate, reasonQueryFailed, err)
		}
		if existing == nil {
			return newNotFoundError(opUpdate, id)
		}

		updates := map[string]interface{}{}
		if patch.Model != nil && model.String() != existing.Model {
			taken, err := modelTakenByOther(tx, model, id)
			if err != nil {
				s.logError(opUpdate, reasonQueryFailed, err, zap.Int64("cartridge_id", id))
				return newServiceError(opUpdate, reasonQueryFailed, err)
			}
			if taken {
				return newConflictError(opUpdate, reasonModelTaken, "A cartridge with this model already exists")
			}
			updates[columnModel] = model.String()
			existing.Model = model.String()
		}
		switch {
		case patch.ClearDescription:
			updates[columnDescription] = nil
			existing.Description = nil
		case patch.Description != nil:
			description := normalizeDescription(patch.Description)
			updates[columnDescription] = description
			existing.Description = description
		}
		if len(updates) == 0 {
			result = *existing
			return nil
		}

		now := s.clock().UTC()
		updates[columnUpdatedAt] = now
		if err := tx.Model(&Cartridge{}).Where(queryID, id).Updates(updates).Error; err != nil {
			s.logError(opUpdate, reasonCartridgeSaveFail, err, zap.Int64("cartridge_id", id))
			return newServiceError(opUpdate, reasonCartridgeSaveFail, err)
		}
		existing.UpdatedAt = now
		result = *existing
		return nil
	})
	if txErr != nil {
		return Cartridge{}, txErr
	}
	return result, nil
}

// Remove deletes a cartridge whose stock is zero and returns its last state.
// History entries are kept.
func (s *Service) Remove(ctx context.Context, id int64) (Cartridge, error) {
	if err := s.ready(opRemove); err != nil {
		return Cartridge{}, err
	}
	var removed Cartridge
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := takeCartridge(tx, id)
		if err != nil {
			s.logError(opRemove, reasonQueryFailed, err, zap.Int64("cartridge_id", id))
			return newServiceError(opRemove, reasonQueryFailed, err)
		}
		if current == nil {
			return newNotFoundError(opRemove, id)
		}
		deleted, err := deleteDrained(tx, id)
		if err != nil {
			s.logError(opRemove, reasonCartridgeSaveFail, err, zap.Int64("cartridge_id", id))
			return newServiceError(opRemove, reasonCartridgeSaveFail, err)
		}
		if !deleted {
			return newConflictError(opRemove, reasonNonZeroStock, "Only cartridges with zero stock can be deleted")
		}
		removed = *current
		return nil
	})
	if txErr != nil {
		return Cartridge{}, txErr
	}
	s.logger.Info("cartridge removed", zap.Int64("cartridge_id", id), zap.String("model", removed.Model))
	return removed, nil
}

// List returns every cartridge ordered by model.
func (s *Service) List(ctx context.Context) ([]Cartridge, error) {
	if err := s.ready(opList); err != nil {
		return nil, err
	}
	var cartridges []Cartridge
	if err := s.db.WithContext(ctx).Order(orderModelAsc).Find(&cartridges).Error; err != nil {
		s.logError(opList, reasonQueryFailed, err)
		return nil, newServiceError(opList, reasonQueryFailed, err)
	}
	return cartridges, nil
}

// Get returns the cartridge or nil when it does not exist.
func (s *Service) Get(ctx context.Context, id int64) (*Cartridge, error) {
	if err := s.ready(opGet); err != nil {
		return nil, err
	}
	var cartridge Cartridge
	err := s.db.WithContext(ctx).Where(queryID, id).Take(&cartridge).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		s.logError(opGet, reasonQueryFailed, err, zap.Int64("cartridge_id", id))
		return nil, newServiceError(opGet, reasonQueryFailed, err)
	}
	return &cartridge, nil
}

// History returns stock movements newest first, optionally narrowed to one type.
func (s *Service) History(ctx context.Context, filter HistoryFilter) ([]HistoryEntry, error) {
	if err := s.ready(opHistory); err != nil {
		return nil, err
	}
	movementType, err := ParseMovementType(string(filter.Type))
	if err != nil {
		return nil, newValidationError(opHistory, reasonInvalidType, "Type must be received or issued", err)
	}

	query := s.db.WithContext(ctx).Model(&HistoryEntry{})
	if movementType != "" {
		query = query.Where(queryType, movementType)
	}
	var entries []HistoryEntry
	if err := query.Order(orderHistoryDesc).Find(&entries).Error; err != nil {
		s.logError(opHistory, reasonQueryFailed, err)
		return nil, newServiceError(opHistory, reasonQueryFailed, err)
	}
	return entries, nil
}

func (s *Service) recordMovement(tx *gorm.DB, operation string, cartridge Cartridge, movementType MovementType, quantity Quantity, note *string, actor string, now time.Time) error {
	entryID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, reasonIDGenerationFailed, err, zap.Int64("cartridge_id", cartridge.ID))
		return newServiceError(operation, reasonIDGenerationFailed, err)
	}
	entry := &HistoryEntry{
		ID:             entryID,
		CartridgeID:    cartridge.ID,
		CartridgeModel: cartridge.Model,
		Type:           movementType,
		Quantity:       quantity.Int64(),
		Note:           note,
		PerformedBy:    strings.TrimSpace(actor),
		CreatedAt:      now,
	}
	if err := appendHistory(tx, entry); err != nil {
		s.logError(operation, reasonHistoryInsertFail, err, zap.Int64("cartridge_id", cartridge.ID))
		return newServiceError(operation, reasonHistoryInsertFail, err)
	}
	return nil
}

// claim reserves an idempotency key for the duration of a mutation. The
// returned release func forgets the key again and is a no-op without a key.
func (s *Service) claim(ctx context.Context, operation, key string) (func(), error) {
	key = strings.TrimSpace(key)
	if key == "" || s.idempotency == nil {
		return func() {}, nil
	}
	scopedKey := operation + ":" + key
	claimed, err := s.idempotency.Claim(ctx, scopedKey)
	if err != nil {
		s.logError(opIdempotency, reasonGuardFailed, err, zap.String("key", scopedKey))
		return nil, newServiceError(operation, reasonGuardFailed, err)
	}
	if !claimed {
		return nil, newConflictError(operation, reasonDuplicateRequest, "Duplicate request")
	}
	return func() {
		if err := s.idempotency.Release(context.WithoutCancel(ctx), scopedKey); err != nil {
			s.logError(opIdempotency, reasonGuardFailed, err, zap.String("key", scopedKey))
		}
	}, nil
}

func (s *Service) ready(operation string) error {
	if s == nil || s.db == nil {
		s.logError(operation, reasonMissingDatabase, errMissingDatabase)
		return newServiceError(operation, reasonMissingDatabase, errMissingDatabase)
	}
	if s.idProvider == nil {
		s.logError(operation, reasonMissingIDProvider, errMissingIDProvider)
		return newServiceError(operation, reasonMissingIDProvider, errMissingIDProvider)
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("ledger service error", attrs...)
}
