package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrorCode enumerates queue failures. The retryable/permanent split is
// decided by Retryable alone; callers never classify ad hoc.
type ErrorCode string

const (
	CodeJobNotFound        ErrorCode = "job_not_found"
	CodeJobAlreadyTerminal ErrorCode = "job_already_terminal"
	CodeJobCanceled        ErrorCode = "job_canceled"
	CodeInvalidLeaseToken  ErrorCode = "invalid_lease_token"
	CodeLeaseExpired       ErrorCode = "lease_expired"
	CodeCodecNotFound      ErrorCode = "codec_not_found"
	CodeUnknownJobType     ErrorCode = "unknown_job_type"
	CodeJobFailed          ErrorCode = "job_failed"
	CodeSerialization      ErrorCode = "serialization_error"
	CodeInternal           ErrorCode = "internal"
)

// Error is the structured queue failure.
type Error struct {
	Code    ErrorCode
	Message string
	inner   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.inner != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.inner)
	}
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.inner }

func newQueueError(code ErrorCode, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

func ErrJobNotFound(id uuid.UUID) *Error {
	return newQueueError(CodeJobNotFound, fmt.Sprintf("job %s not found", id))
}

func ErrJobAlreadyTerminal(status Status) *Error {
	return newQueueError(CodeJobAlreadyTerminal, fmt.Sprintf("job already %s", status))
}

func ErrJobCanceled() *Error {
	return newQueueError(CodeJobCanceled, "job canceled")
}

func ErrInvalidLeaseToken() *Error {
	return newQueueError(CodeInvalidLeaseToken, "lease token does not match the active lease")
}

func ErrLeaseExpired() *Error {
	return newQueueError(CodeLeaseExpired, "lease expired")
}

func ErrCodecNotFound(codecID string) *Error {
	return newQueueError(CodeCodecNotFound, fmt.Sprintf("no codec registered for id %q", codecID))
}

func ErrUnknownJobType(jobType string) *Error {
	return newQueueError(CodeUnknownJobType, fmt.Sprintf("no handler registered for job_type=%s", jobType))
}

func ErrJobFailed(inner error) *Error {
	return &Error{Code: CodeJobFailed, Message: "job execution failed", inner: inner}
}

func ErrSerialization(inner error) *Error {
	return &Error{Code: CodeSerialization, Message: "serialization failed", inner: inner}
}

func ErrSerializationMsg(msg string) *Error {
	return newQueueError(CodeSerialization, msg)
}

func ErrInternal(msg string, inner error) *Error {
	return &Error{Code: CodeInternal, Message: msg, inner: inner}
}

// CodeOf classifies any error; non-queue errors report CodeInternal, nil
// reports the empty code.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code
	}
	return CodeInternal
}

func IsCode(err error, code ErrorCode) bool { return CodeOf(err) == code }

// Retryable is the single authoritative predicate splitting failures into
// retryable and permanent. Timeouts and backend blips retry; bad input
// shapes, unknown types and lease/lifecycle violations do not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var qe *Error
	if !errors.As(err, &qe) {
		// Unclassified handler errors are treated as transient.
		return true
	}
	switch qe.Code {
	case CodeInternal, CodeLeaseExpired:
		return true
	case CodeJobFailed:
		// A handler failure retries unless its cause is itself permanent.
		if qe.inner == nil {
			return true
		}
		var innerQE *Error
		if errors.As(qe.inner, &innerQE) {
			return Retryable(innerQE)
		}
		return true
	default:
		return false
	}
}
