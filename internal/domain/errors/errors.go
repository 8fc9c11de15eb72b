package errors

import (
	"errors"
	"fmt"
)

var (
	// Checkout errors
	ErrInvalidCheckoutCallback = errors.New("invalid checkout callback")
	ErrCaptureFailed           = errors.New("capture failed")

	// Reconciliation errors
	ErrSyncUncertain    = errors.New("payment captured but appointment status unconfirmed")
	ErrCorrectionFailed = errors.New("payment status correction failed")
	ErrTransientRead    = errors.New("transient appointment status read failure")

	// Lookup errors
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrTransactionNotFound = errors.New("transaction not found")

	// Transaction errors
	ErrInvalidStateTransition    = errors.New("invalid state transition")
	ErrDuplicatePaymentReference = errors.New("duplicate payment reference")

	// Backend errors
	ErrBackendUnavailable = errors.New("clinic backend unavailable")

	// Identity errors
	ErrUnauthorized    = errors.New("unauthorized")
	ErrMissingIdentity = errors.New("authenticated identity required")
	ErrMissingSession  = errors.New("session id required")

	// Lock errors
	ErrLockAcquisitionFailed = errors.New("failed to acquire lock")
	ErrLockNotHeld           = errors.New("lock not held")

	// Validation errors
	ErrValidationFailed = errors.New("validation failed")
	ErrInvalidInput     = errors.New("invalid input")
)

// DomainError wraps errors with additional context
type DomainError struct {
	Code    string
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewInvalidCallbackError reports a malformed or tampered checkout redirect.
func NewInvalidCallbackError(field string) *DomainError {
	return NewDomainError("invalid_checkout_callback", "missing or empty "+field, ErrInvalidCheckoutCallback)
}

// NewCaptureFailedError carries the raw message reported by the network, the
// processor or the backend.
func NewCaptureFailedError(rawMessage string) *DomainError {
	return NewDomainError("capture_failed", rawMessage, ErrCaptureFailed)
}

// NewCorrectionFailedError carries the raw message of a correction attempt
// that did not resolve the mismatch.
func NewCorrectionFailedError(rawMessage string) *DomainError {
	return NewDomainError("correction_failed", rawMessage, ErrCorrectionFailed)
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
}

// Unwrap lets callers match any validation error with ErrValidationFailed.
func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}
