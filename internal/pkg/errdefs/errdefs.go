package errdefs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a service failure. The numeric code mirrors the HTTP
// status a transport adapter would render, but nothing in the core
// depends on HTTP semantics.
type Kind string

const (
	KindBadRequest       Kind = "bad-request"
	KindNotAuthenticated Kind = "not-authenticated"
	KindForbidden        Kind = "forbidden"
	KindNotFound         Kind = "not-found"
	KindMethodNotAllowed Kind = "method-not-allowed"
	KindTimeout          Kind = "timeout"
	KindConflict         Kind = "conflict"
	KindUnprocessable    Kind = "unprocessable"
	KindTooManyRequests  Kind = "too-many-requests"
	KindGeneral          Kind = "general-error"
	KindUnavailable      Kind = "unavailable"
)

// Code returns the canonical numeric code for the kind. Unknown kinds
// classify as general errors.
func (k Kind) Code() int {
	switch k {
	case KindBadRequest:
		return 400
	case KindNotAuthenticated:
		return 401
	case KindForbidden:
		return 403
	case KindNotFound:
		return 404
	case KindMethodNotAllowed:
		return 405
	case KindTimeout:
		return 408
	case KindConflict:
		return 409
	case KindUnprocessable:
		return 422
	case KindTooManyRequests:
		return 429
	case KindUnavailable:
		return 503
	default:
		return 500
	}
}

// Error is the structured failure currency of the service core. Data and
// Errors are optional structured payloads; source is the wrapped cause,
// preserved for operators and dropped by Sanitize before client delivery.
type Error struct {
	Kind    Kind              `json:"kind"`
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Data    any               `json:"data,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`

	source error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.source != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.source)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.source }

// WithData attaches a structured payload and returns the same error.
func (e *Error) WithData(data any) *Error {
	e.Data = data
	return e
}

// WithErrors attaches a field-violation map keyed by dotted paths.
func (e *Error) WithErrors(errs map[string]string) *Error {
	e.Errors = errs
	return e
}

// WithSource records the underlying cause.
func (e *Error) WithSource(err error) *Error {
	e.source = err
	return e
}

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Code: kind.Code(), Message: msg}
}

func BadRequest(msg string) *Error       { return newError(KindBadRequest, msg) }
func NotAuthenticated(msg string) *Error { return newError(KindNotAuthenticated, msg) }
func Forbidden(msg string) *Error        { return newError(KindForbidden, msg) }
func NotFound(msg string) *Error         { return newError(KindNotFound, msg) }
func MethodNotAllowed(msg string) *Error { return newError(KindMethodNotAllowed, msg) }
func Timeout(msg string) *Error          { return newError(KindTimeout, msg) }
func Conflict(msg string) *Error         { return newError(KindConflict, msg) }
func Unprocessable(msg string) *Error    { return newError(KindUnprocessable, msg) }
func TooManyRequests(msg string) *Error  { return newError(KindTooManyRequests, msg) }
func General(msg string) *Error          { return newError(KindGeneral, msg) }
func Unavailable(msg string) *Error      { return newError(KindUnavailable, msg) }

// Convert normalizes an arbitrary error into a structured one exactly
// once. Structured errors pass through untouched; context cancellation
// maps to a timeout; anything else becomes a general error that keeps
// the original as its source.
func Convert(err error) *Error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout("deadline exceeded").WithSource(err)
	}
	if errors.Is(err, context.Canceled) {
		return Timeout("call canceled").WithSource(err)
	}
	return General(err.Error()).WithSource(err)
}

// KindOf classifies any error; non-structured errors report KindGeneral.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindGeneral
}

// IsKind reports whether err classifies as the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Sanitize returns a copy safe for client delivery: the source chain is
// dropped, everything else is preserved.
func Sanitize(err error) *Error {
	se := Convert(err)
	if se == nil {
		return nil
	}
	cp := *se
	cp.source = nil
	return &cp
}
