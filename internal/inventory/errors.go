package inventory

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidDetailLine indicates a structurally invalid detail line.
	ErrInvalidDetailLine = errors.New("inventory: invalid detail line")
	// ErrUnknownItem indicates the catalog does not know the item.
	ErrUnknownItem = errors.New("inventory: unknown item")
	// ErrUnknownWarehouse indicates the directory does not know the warehouse.
	ErrUnknownWarehouse = errors.New("inventory: unknown warehouse")
	// ErrUnknownBin indicates a bin that does not belong to its warehouse.
	ErrUnknownBin = errors.New("inventory: unknown bin")
	// ErrInsufficientStock indicates a posting would drive a balance negative.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrCancellationWouldUnderflow indicates a cancellation would drive a balance negative.
	ErrCancellationWouldUnderflow = errors.New("inventory: cancellation would underflow stock")
	// ErrValuationDependency indicates later entries were valued against the history being changed.
	ErrValuationDependency = errors.New("inventory: later entries depend on this valuation")
	// ErrConcurrentPostingConflict indicates retries were exhausted under contention.
	ErrConcurrentPostingConflict = errors.New("inventory: concurrent posting conflict")
	// ErrEntryNotDraft indicates a mutation of a submitted stock entry.
	ErrEntryNotDraft = errors.New("inventory: stock entry is not a draft")
	// ErrNotPosted indicates cancellation of an entry that was never posted.
	ErrNotPosted = errors.New("inventory: stock entry is not posted")
	// ErrAlreadyCancelled indicates a second cancellation.
	ErrAlreadyCancelled = errors.New("inventory: stock entry already cancelled")
	// ErrStockEntryNotFound indicates an unknown stock entry.
	ErrStockEntryNotFound = errors.New("inventory: stock entry not found")
	// ErrEmptyStockEntry indicates a submission without detail lines.
	ErrEmptyStockEntry = errors.New("inventory: stock entry has no details")

	// errVersionConflict is returned by stores when an expected key version moved.
	errVersionConflict = errors.New("inventory: key version conflict")
)

// DetailError wraps a validation failure on one detail line.
type DetailError struct {
	Line   int
	Reason string
	Err    error
}

func (e *DetailError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%v: line %d: %s", e.Err, e.Line, e.Reason)
	}
	return fmt.Sprintf("%v: %s", e.Err, e.Reason)
}

func (e *DetailError) Unwrap() error { return e.Err }

func lineError(line int, err error, format string, args ...any) error {
	return &DetailError{Line: line, Reason: fmt.Sprintf(format, args...), Err: err}
}

// InsufficientStockError reports the key that would go negative.
type InsufficientStockError struct {
	Key       Key
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("%v: %s requested %s, available %s", ErrInsufficientStock, e.Key, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// CancellationUnderflowError reports the key a cancellation would drive negative.
type CancellationUnderflowError struct {
	Key       Key
	Shortfall decimal.Decimal
}

func (e *CancellationUnderflowError) Error() string {
	return fmt.Sprintf("%v: %s short by %s", ErrCancellationWouldUnderflow, e.Key, e.Shortfall)
}

func (e *CancellationUnderflowError) Is(target error) bool {
	return target == ErrCancellationWouldUnderflow
}

// IsVersionConflict reports whether err is a retryable store conflict.
func IsVersionConflict(err error) bool {
	return errors.Is(err, errVersionConflict)
}
