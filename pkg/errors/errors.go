// Package errors provides common, reusable error values and helpers.
package errors

import (
	"errors"
	"fmt"
)

// Query errors
var (
	ErrInvalidQuery     = errors.New("invalid query")
	ErrInvalidBounds    = errors.New("invalid value bounds")
	ErrInsufficientData = errors.New("dataset below minimum record count")
	ErrDatasetNotFound  = errors.New("dataset not found")
	ErrUnknownStatistic = errors.New("unknown statistic kind")
)

// Budget errors
var (
	ErrBudgetExhausted         = errors.New("privacy budget exhausted")
	ErrAccountSuspended        = errors.New("budget account suspended")
	ErrAccountNotFound         = errors.New("budget account not found")
	ErrReservationNotFound     = errors.New("budget reservation not found")
	ErrReservationFinalized    = errors.New("budget reservation already finalized")
	ErrExcessivePrecision      = errors.New("requested epsilon exceeds policy ceiling")
	ErrInvalidPrivacyParameter = errors.New("invalid privacy parameter")
)

// Auth errors
var (
	ErrAPIKeyInvalid  = errors.New("api key invalid or revoked")
	ErrAPIKeyNotFound = errors.New("api key not found")
)

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
