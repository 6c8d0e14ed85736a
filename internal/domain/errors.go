package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("not found")
	ErrInsufficientCredit     = errors.New("insufficient credit")
	ErrNoContentAvailable     = errors.New("no content available")
	ErrStorageUnavailable     = errors.New("storage unavailable")
	ErrReconciliationRequired = errors.New("reconciliation required")

	ErrCacheMiss          = errors.New("cache miss")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrInvalidObservation = errors.New("invalid interest observation")
)

// Entity names used in NotFoundError.
const (
	EntityTracker  = "tracker"
	EntityReceiver = "receiver"
	EntityDisplay  = "display"
	EntityOrder    = "order"
	EntityVideo    = "video"
	EntityAgency   = "agency"
	EntityLocation = "location"
)

type NotFoundError struct {
	Entity string
	ID     string
}

func NotFound(entity string, id any) *NotFoundError {
	return &NotFoundError{Entity: entity, ID: fmt.Sprint(id)}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

type InsufficientCreditError struct {
	OrderID   string
	Balance   int64
	Requested int64
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("order %q: insufficient credit (balance %d, requested %d)", e.OrderID, e.Balance, e.Requested)
}

func (e *InsufficientCreditError) Is(target error) bool { return target == ErrInsufficientCredit }

// ReconciliationError means credit was drawn, the play record was not written and
// the refund failed too. The order balance is short by Amount.
type ReconciliationError struct {
	OrderID   string
	Amount    int64
	RecordErr error
	RefundErr error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("order %q: %d credits drawn without play record (record: %v, refund: %v)",
		e.OrderID, e.Amount, e.RecordErr, e.RefundErr)
}

func (e *ReconciliationError) Is(target error) bool { return target == ErrReconciliationRequired }

func (e *ReconciliationError) Unwrap() []error { return []error{e.RecordErr, e.RefundErr} }

// Unavailable wraps an infrastructure error as ErrStorageUnavailable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}
