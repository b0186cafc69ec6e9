package credits

import (
	"errors"
	"fmt"
)

// Expected domain outcomes. Callers surface these verbatim and never retry them.
var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountExists       = errors.New("account already exists")
	ErrUnknownOperation    = errors.New("unknown operation")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUnknownCounter      = errors.New("unknown counter")
	ErrCounterExhausted    = errors.New("counter exhausted")
)

// Transient storage failures. Both guarantee nothing was written, so the call may be retried.
var (
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrConcurrentUpdate   = errors.New("concurrent account update")
)

// Validation failures.
var (
	ErrInvalidUserID        = errors.New("invalid user id")
	ErrInvalidCredits       = errors.New("invalid credits")
	ErrInvalidCost          = errors.New("invalid cost")
	ErrUnknownTier          = errors.New("unknown tier")
	ErrInvalidTierTable     = errors.New("invalid tier table")
	ErrInvalidCyclePolicy   = errors.New("invalid cycle policy")
	ErrInvalidContextJSON   = errors.New("invalid context json")
	ErrInvalidAuditKind     = errors.New("invalid audit kind")
	ErrInvalidRetryPolicy   = errors.New("invalid retry policy")
	ErrInvalidServiceConfig = errors.New("invalid service config")
)

// IsExpected reports whether err is a domain outcome rather than a system failure.
func IsExpected(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrAccountExists) ||
		errors.Is(err, ErrUnknownOperation) ||
		errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrUnknownCounter) ||
		errors.Is(err, ErrCounterExhausted) ||
		errors.Is(err, ErrUnknownTier) ||
		errors.Is(err, ErrInvalidCredits)
}

// IsTransient reports whether err may be retried without risking a double write.
func IsTransient(err error) bool {
	return errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrConcurrentUpdate)
}

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// Transient marks cause as retryable while keeping it in the chain.
func Transient(cause error) error {
	if cause == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, cause)
}
