// Package apperr is the error taxonomy shared by every component.
package apperr

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies a failure for retry and propagation decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindSecurity
	KindNotFound
	KindConflict
	KindExternal
	KindTransient
	KindRateLimited
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindSecurity:
		return "security"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindExternal:
		return "external"
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// Error carries a Kind alongside the usual message and cause.
type Error struct {
	Kind       Kind
	Op         string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Sentinels.
var (
	ErrPaymentNotFound    = errors.New("payment not found")
	ErrCurrencyNotFound   = errors.New("currency not found")
	ErrAddressNotFound    = errors.New("address not found")
	ErrKeyManagement      = errors.New("key management failure")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrDispatcherStopped  = errors.New("dispatcher stopped")
	ErrInvalidTransition  = errors.New("invalid status transition")
)

func newErr(kind Kind, op string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(op, format string, args ...any) *Error {
	return newErr(KindValidation, op, nil, format, args...)
}

func NotFound(op string, sentinel error, format string, args ...any) *Error {
	return newErr(KindNotFound, op, sentinel, format, args...)
}

func Conflict(op string, err error, format string, args ...any) *Error {
	return newErr(KindConflict, op, err, format, args...)
}

func Security(op string, err error, format string, args ...any) *Error {
	return newErr(KindSecurity, op, err, format, args...)
}

func External(op string, err error, format string, args ...any) *Error {
	return newErr(KindExternal, op, err, format, args...)
}

func Transient(op string, err error, format string, args ...any) *Error {
	return newErr(KindTransient, op, err, format, args...)
}

// RateLimited is surfaced with a retry-after hint and never retried by the core.
func RateLimited(op string, retryAfter time.Duration, format string, args ...any) *Error {
	e := newErr(KindRateLimited, op, nil, format, args...)
	e.RetryAfter = retryAfter
	return e
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// RetryAfter returns the hint carried by a RateLimited error, if any.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// IsKind reports whether err carries kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// pgUniqueViolation is SQLSTATE 23505.
const pgUniqueViolation = "23505"

// ParsePGErrorCode returns the SQLSTATE of a postgres error or "unknown".
func ParsePGErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return "unknown"
}

// IsUniqueViolation reports whether err is a postgres unique_violation.
func IsUniqueViolation(err error) bool {
	return ParsePGErrorCode(err) == pgUniqueViolation
}
