package authorization

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind is a stable code for a terminal reservation failure. Upstream API
// layers branch on the code, never on message text.
type ErrorKind string

const (
	KindNotFound          ErrorKind = "NOT_FOUND"
	KindAuthExpired       ErrorKind = "AUTH_EXPIRED"
	KindNotActive         ErrorKind = "NOT_ACTIVE"
	KindInsufficientUnits ErrorKind = "INSUFFICIENT_UNITS"
	KindInvalidAdjustment ErrorKind = "INVALID_ADJUSTMENT"
	KindContention        ErrorKind = "CONTENTION"
	KindTimeout           ErrorKind = "TIMEOUT"
	KindUnavailable       ErrorKind = "UNAVAILABLE"
)

// Error is a typed reservation failure. Two Errors match under errors.Is when
// their kinds are equal, so callers can test against the exported sentinels.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return string(e.Kind)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func (e *Error) Unwrap() error { return e.cause }

// Sentinels for errors.Is checks.
var (
	ErrNotFound          = &Error{Kind: KindNotFound, Message: "authorization not found"}
	ErrAuthExpired       = &Error{Kind: KindAuthExpired, Message: "authorization validity window has ended"}
	ErrNotActive         = &Error{Kind: KindNotActive, Message: "authorization is not active"}
	ErrInsufficientUnits = &Error{Kind: KindInsufficientUnits, Message: "reservation would exceed authorized units"}
	ErrInvalidAdjustment = &Error{Kind: KindInvalidAdjustment, Message: "adjustment is invalid"}
	ErrContention        = &Error{Kind: KindContention, Message: "too much contention, retry later"}
	ErrTimeout           = &Error{Kind: KindTimeout, Message: "deadline exceeded"}
)

// ErrVersionConflict is the repository-level lost-update signal. It never
// reaches callers: the coordinator converts it into a retry, and eventually
// into Contention if the retry budget runs out.
var ErrVersionConflict = errors.New("version conflict")

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// unavailable wraps an infrastructure failure of the underlying store. Always
// retryable by the caller, never swallowed.
func unavailable(err error) *Error {
	return &Error{Kind: KindUnavailable, Message: "store unavailable", cause: err}
}

// KindOf extracts the stable code from any error returned by this package.
// Unknown errors map to UNAVAILABLE.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnavailable
}

// HTTPStatus maps an error kind to the client-facing status code.
func HTTPStatus(kind ErrorKind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthExpired:
		return http.StatusGone
	case KindNotActive:
		return http.StatusUnprocessableEntity
	case KindInsufficientUnits:
		return http.StatusConflict
	case KindInvalidAdjustment:
		return http.StatusBadRequest
	case KindContention:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusServiceUnavailable
	}
}
