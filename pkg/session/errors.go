package session

import (
	"errors"
	"fmt"
)

// Category groups failures by how callers should react. Only Transient
// failures are ever retried by the engine itself.
type Category string

const (
	CategoryConfiguration Category = "configuration"
	CategoryAuth          Category = "authentication"
	CategoryProtocol      Category = "protocol"
	CategoryTransient     Category = "transient"
	CategoryValidation    Category = "validation"
	CategoryRateLimited   Category = "rate_limited"
	CategoryProcessing    Category = "processing_timeout"
)

// Error is the engine's error type. Code carries the machine-readable wire
// code or HTTP status that produced it, when one exists.
type Error struct {
	Category Category
	Code     string
	msg      string
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches on category, so callers can test errors.Is(err, ErrAuth) style
// sentinels without caring about the wrapped cause.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Category == e.Category && (te.Code == "" || te.Code == e.Code)
	}
	return false
}

func newError(cat Category, code, format string, args ...any) *Error {
	return &Error{Category: cat, Code: code, msg: fmt.Sprintf(format, args...)}
}

func wrapError(cat Category, code string, cause error, msg string) *Error {
	return &Error{Category: cat, Code: code, msg: msg, cause: cause}
}

// Sentinels for errors.Is checks against the categories.
var (
	ErrConfiguration = &Error{Category: CategoryConfiguration}
	ErrAuth          = &Error{Category: CategoryAuth}
	ErrProtocol      = &Error{Category: CategoryProtocol}
	ErrTransient     = &Error{Category: CategoryTransient}
	ErrValidation    = &Error{Category: CategoryValidation}
	ErrRateLimited   = &Error{Category: CategoryRateLimited}

	errClosed       = errors.New("session controller closed")
	errNotReady     = errors.New("connection not ready")
	errNotConnected = errors.New("not connected")
)

// CategoryOf extracts the failure category from any error in the chain.
// Unrecognized errors classify as transient: unknown network-level failures
// are the one class where a retry is safe.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryTransient
}
