package ledger

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a ServiceError for callers that map it to a transport status.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindConflict   ErrorKind = "conflict"
	KindInternal   ErrorKind = "internal"
)

var (
	// ErrValidation matches service errors caused by malformed input.
	ErrValidation = errors.New("ledger: validation failed")
	// ErrNotFound matches service errors for unknown cartridges.
	ErrNotFound = errors.New("ledger: cartridge not found")
	// ErrConflict matches service errors for business-rule violations.
	ErrConflict = errors.New("ledger: conflict")
)

// ServiceError carries a stable code, a caller-facing message and the underlying cause.
type ServiceError struct {
	kind    ErrorKind
	code    string
	message string
	err     error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Is lets errors.Is match the kind sentinels.
func (e *ServiceError) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.kind == KindValidation
	case ErrNotFound:
		return e.kind == KindNotFound
	case ErrConflict:
		return e.kind == KindConflict
	}
	return false
}

func (e *ServiceError) Code() string {
	return e.code
}

func (e *ServiceError) Kind() ErrorKind {
	return e.kind
}

// Message is safe to show to API clients.
func (e *ServiceError) Message() string {
	if e.message == "" {
		return "Internal error"
	}
	return e.message
}

const (
	opServiceNew  = "ledger.service.new"
	opReceive     = "ledger.receive"
	opIssue       = "ledger.issue"
	opUpdate      = "ledger.update"
	opRemove      = "ledger.remove"
	opList        = "ledger.list"
	opGet         = "ledger.get"
	opHistory     = "ledger.history"
	opStatistics  = "ledger.statistics"
	opReconcile   = "ledger.reconcile"
	opIdempotency = "ledger.idempotency"
)

const (
	reasonMissingDatabase    = "missing_database"
	reasonMissingIDProvider  = "missing_id_provider"
	reasonInvalidModel       = "invalid_model"
	reasonInvalidQuantity    = "invalid_quantity"
	reasonInvalidNote        = "invalid_note"
	reasonInvalidType        = "invalid_type"
	reasonInvalidID          = "invalid_id"
	reasonNotFound           = "not_found"
	reasonInsufficientStock  = "insufficient_stock"
	reasonStockOverflow      = "stock_overflow"
	reasonNonZeroStock       = "nonzero_stock"
	reasonModelTaken         = "model_taken"
	reasonDuplicateRequest   = "duplicate_request"
	reasonQueryFailed        = "query_failed"
	reasonCartridgeSaveFail  = "cartridge_save_failed"
	reasonHistoryInsertFail  = "history_insert_failed"
	reasonIDGenerationFailed = "id_generation_failed"
	reasonGuardFailed        = "guard_failed"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{kind: KindInternal, code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func newValidationError(operation, reason, message string, cause error) error {
	return &ServiceError{kind: KindValidation, code: fmt.Sprintf("%s.%s", operation, reason), message: message, err: cause}
}

func newNotFoundError(operation string, id int64) error {
	return &ServiceError{
		kind:    KindNotFound,
		code:    fmt.Sprintf("%s.%s", operation, reasonNotFound),
		message: "Cartridge not found",
		err:     fmt.Errorf("cartridge %d", id),
	}
}

func newConflictError(operation, reason, message string) error {
	return &ServiceError{kind: KindConflict, code: fmt.Sprintf("%s.%s", operation, reason), message: message}
}
