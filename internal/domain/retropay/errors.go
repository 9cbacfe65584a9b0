package retropay

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrAmountMismatch      = errors.New("installments do not reconcile with total")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrNotFound            = errors.New("adjustment record not found")
	ErrConcurrencyConflict = errors.New("concurrent modification")
	ErrForbidden           = errors.New("forbidden")

	// ErrStaleVersion is returned by stores when the expected version no
	// longer matches the persisted row.
	ErrStaleVersion = errors.New("stale record version")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

type AmountMismatchError struct {
	Expected decimal.Decimal
	Actual   decimal.Decimal
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("installments sum to %s, expected %s", e.Actual.StringFixed(2), e.Expected.StringFixed(2))
}

func (e *AmountMismatchError) Is(target error) bool { return target == ErrAmountMismatch }

type InvalidStateTransitionError struct {
	RecordID string
	From     Status
	Action   Action
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("cannot %s record %s in status %s", e.Action, e.RecordID, e.From)
}

func (e *InvalidStateTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

type NotFoundError struct {
	RecordID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("adjustment record %s not found", e.RecordID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

type ConcurrencyConflictError struct {
	RecordID        string
	ExpectedVersion int
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("record %s was modified concurrently (expected version %d)", e.RecordID, e.ExpectedVersion)
}

func (e *ConcurrencyConflictError) Is(target error) bool { return target == ErrConcurrencyConflict }
