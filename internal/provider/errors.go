package provider

import (
	"errors"
	"fmt"
	"time"
)

// Common error codes surfaced by adapters and the orchestration layers.
const (
	ErrCodeRateLimit      = "RATE_LIMIT"
	ErrCodeBudgetExceeded = "BUDGET_EXCEEDED"
	ErrCodeCircuitOpen    = "CIRCUIT_OPEN"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeAuth           = "AUTH_ERROR"
	ErrCodeNotAvailable   = "DATA_NOT_AVAILABLE"
	ErrCodeAPIError       = "API_ERROR"
	ErrCodeNetworkError   = "NETWORK_ERROR"
	ErrCodeInvalidData    = "INVALID_DATA"
	ErrCodeNotSupported   = "NOT_SUPPORTED"
)

// Error is the typed failure every adapter surfaces. The failover
// manager classifies on Code and Recoverable; RetryAfter carries the
// vendor's wait hint when one was reported.
type Error struct {
	Provider    string        `json:"provider"`
	Code        string        `json:"code"`
	Message     string        `json:"message"`
	HTTPStatus  int           `json:"http_status,omitempty"`
	Recoverable bool          `json:"recoverable"`
	RetryAfter  time.Duration `json:"retry_after,omitempty"`
	Cause       error         `json:"-"`
}

func (e *Error) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider %s: %s (%s, retry after %v)", e.Provider, e.Message, e.Code, e.RetryAfter)
	}
	return fmt.Sprintf("provider %s: %s (%s)", e.Provider, e.Message, e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewRateLimitError reports that the provider's own rate limit was hit.
func NewRateLimitError(name string, retryAfter time.Duration) *Error {
	return &Error{
		Provider:    name,
		Code:        ErrCodeRateLimit,
		Message:     "rate limit exceeded",
		Recoverable: true,
		RetryAfter:  retryAfter,
	}
}

// NewAuthError reports invalid or expired credentials.
func NewAuthError(name string, cause error) *Error {
	return &Error{
		Provider:    name,
		Code:        ErrCodeAuth,
		Message:     "authentication failed",
		Recoverable: false,
		Cause:       cause,
	}
}

// NewNotAvailableError reports that the provider has no data for the
// requested symbol and data type.
func NewNotAvailableError(name, symbol string) *Error {
	return &Error{
		Provider:    name,
		Code:        ErrCodeNotAvailable,
		Message:     fmt.Sprintf("no data for %q", symbol),
		Recoverable: false,
	}
}

// NewTimeoutError reports an exceeded request deadline; timeouts are
// recoverable and count as health failures.
func NewTimeoutError(name string, cause error) *Error {
	return &Error{
		Provider:    name,
		Code:        ErrCodeTimeout,
		Message:     "request timed out",
		Recoverable: true,
		Cause:       cause,
	}
}

// NewNotSupportedError reports an operation outside the adapter's
// capability set, e.g. streaming on a REST-only vendor.
func NewNotSupportedError(name, op string) *Error {
	return &Error{
		Provider:    name,
		Code:        ErrCodeNotSupported,
		Message:     op + " not supported",
		Recoverable: false,
	}
}

// AsError unwraps err into a *Error if one is present in its chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsRateLimit reports whether err is a provider rate-limit breach.
func IsRateLimit(err error) bool {
	pe, ok := AsError(err)
	return ok && pe.Code == ErrCodeRateLimit
}

// IsRecoverable reports whether err may succeed on retry with another
// attempt or provider. Unknown error types are treated as recoverable.
func IsRecoverable(err error) bool {
	if pe, ok := AsError(err); ok {
		return pe.Recoverable
	}
	return true
}
