// Package apperrors implements the error taxonomy from spec.md §7: five
// classes of failure, each with a distinct propagation policy that the
// Distributor and Keeper code check with errors.As instead of matching
// strings.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	// ErrTransientRPC is a timeout/rate-limit/5xx from the chain RPC
	// provider. ChainClient retries these internally with backoff; this
	// type only surfaces once that retry budget is exhausted (§7.1).
	ErrTransientRPC ErrorType = "TRANSIENT_RPC"
	// ErrStaleState means an estimate or submission failed because
	// on-chain state changed since indexing (order already executed,
	// position already flagged). Treated as success-ish: no failure
	// budget consumed (§7.2).
	ErrStaleState ErrorType = "STALE_STATE"
	// ErrExecutionFailed is a per-item transaction revert or timeout;
	// increments that item's executionFailures (§7.3).
	ErrExecutionFailed ErrorType = "EXECUTION_FAILED"
	// ErrPoolExhausted is a soft error: the signer pool had no idle
	// signer before the caller's deadline. Retried next tick (§7.4).
	ErrPoolExhausted ErrorType = "POOL_EXHAUSTED"
	// ErrFatalStartup is missing config, a bad mnemonic, or an
	// unreachable RPC endpoint at boot. Propagated and terminates the
	// process (§7.5).
	ErrFatalStartup ErrorType = "FATAL_STARTUP"
	ErrInternal     ErrorType = "INTERNAL"
)

// AppError is the standard error shape for the keeper, mirroring the
// teacher's AppError (Type/Message/Cause), retargeted at the keeper's own
// failure taxonomy instead of an HTTP request's.
type AppError struct {
	Type       ErrorType `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"-"`
	Cause      error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
	}
}

func NewFatalStartup(msg string, cause error) *AppError {
	return New(ErrFatalStartup, msg, cause)
}

func NewStaleState(msg string) *AppError {
	return New(ErrStaleState, msg, nil)
}

func NewExecutionFailed(msg string, cause error) *AppError {
	return New(ErrExecutionFailed, msg, cause)
}

// Wrap classifies an arbitrary error as Internal unless it is already an
// *AppError, mirroring the teacher's Wrap().
func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

// IsStaleState reports whether err (or something it wraps) is a
// stale-state condition, the "already executed / already flagged" case
// spec §7.2 says must not consume the item's failure budget.
func IsStaleState(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == ErrStaleState
	}
	return false
}

// IsPoolExhausted reports whether err is a signer-pool exhaustion.
func IsPoolExhausted(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == ErrPoolExhausted
	}
	return false
}

// IsFatalStartup reports whether err should terminate the process
// (spec §7.5): missing config, a bad mnemonic, or an unreachable RPC
// endpoint at boot.
func IsFatalStartup(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == ErrFatalStartup
	}
	return false
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrStaleState:
		return http.StatusConflict
	case ErrPoolExhausted:
		return http.StatusServiceUnavailable
	case ErrTransientRPC:
		return http.StatusBadGateway
	case ErrFatalStartup:
		return http.StatusInternalServerError
	case ErrExecutionFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
