package usecase

import (
	"errors"
	"fmt"

	"doctalk-agent/internal/domain"
)

type ErrorCode string

const (
	ErrorInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrorInvalidQuestion ErrorCode = "INVALID_QUESTION"
	ErrorNotFound        ErrorCode = "NOT_FOUND"
	ErrorConflict        ErrorCode = "CONFLICT"
	ErrorRateLimited     ErrorCode = "RATE_LIMITED"
	ErrorUpstream        ErrorCode = "UPSTREAM_ERROR"
	ErrorInternal        ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}

// upstreamError classifies a failed third-party call.
func upstreamError(prefix string, err error) *Error {
	if status, ok := upstreamStatusCode(err); ok && status == 429 {
		return newError(ErrorRateLimited, prefix+"_rate_limited", err)
	}
	return newError(ErrorUpstream, prefix+"_error", err)
}

// storeError maps appointment store sentinels onto usecase codes.
func storeError(err error) *Error {
	switch {
	case errors.Is(err, domain.ErrAppointmentNotFound):
		return newError(ErrorNotFound, "appointment_not_found", err)
	case errors.Is(err, domain.ErrAppointmentNotBooked):
		return newError(ErrorConflict, "appointment_not_booked", err)
	default:
		return newError(ErrorInternal, "dynamodb_error", err)
	}
}
