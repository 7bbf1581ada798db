package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique error code
type ErrorCode int

// AppError represents an application error
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches another AppError by code, so errors.Is(err, ErrNoCandidate) works
// for every AppError built with that code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Common error codes
const (
	CodeNotFound ErrorCode = iota + 1000
	CodeBadRequest
	CodeUnauthorized
	CodeForbidden
	CodeInternal
	CodeNoCandidate
	CodeStaleWrite
	CodeInvalidTransition
)

// Sentinels for errors.Is.
var (
	ErrNotFound          = &AppError{Code: CodeNotFound, Message: "not found"}
	ErrNoCandidate       = &AppError{Code: CodeNoCandidate, Message: "no pending patients"}
	ErrStaleWrite        = &AppError{Code: CodeStaleWrite, Message: "queue state was modified concurrently"}
	ErrInvalidTransition = &AppError{Code: CodeInvalidTransition, Message: "invalid status transition"}
)

// Name is the stable wire name for the code.
func (c ErrorCode) Name() string {
	switch c {
	case CodeNotFound:
		return "NOT_FOUND"
	case CodeBadRequest:
		return "BAD_REQUEST"
	case CodeUnauthorized:
		return "UNAUTHORIZED"
	case CodeForbidden:
		return "FORBIDDEN"
	case CodeNoCandidate:
		return "NO_CANDIDATE"
	case CodeStaleWrite:
		return "STALE_WRITE"
	case CodeInvalidTransition:
		return "INVALID_TRANSITION"
	default:
		return "INTERNAL"
	}
}

// HTTPStatus maps the code to a response status. NoCandidate is a normal empty
// result and is reported with 200.
func (c ErrorCode) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNoCandidate:
		return http.StatusOK
	case CodeStaleWrite, CodeInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Error constructors
func NotFound(resource string, err error) *AppError {
	if err == nil {
		err = ErrNotFound
	}
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Err:     err,
	}
}

func NoCandidate() *AppError {
	return &AppError{Code: CodeNoCandidate, Message: ErrNoCandidate.Message}
}

func StaleWrite(err error) *AppError {
	return &AppError{Code: CodeStaleWrite, Message: ErrStaleWrite.Message, Err: err}
}

func InvalidTransition(from, to string) *AppError {
	return &AppError{
		Code:    CodeInvalidTransition,
		Message: fmt.Sprintf("cannot change status from %s to %s", from, to),
	}
}

func BadRequest(message string, err error) *AppError {
	return &AppError{
		Code:    CodeBadRequest,
		Message: message,
		Err:     err,
	}
}

func Internal(err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: "internal server error",
		Err:     err,
	}
}

func Unauthorized(err error) *AppError {
	return &AppError{
		Code:    CodeUnauthorized,
		Message: "unauthorized",
		Err:     err,
	}
}

func Forbidden(message string) *AppError {
	return &AppError{
		Code:    CodeForbidden,
		Message: message,
	}
}

// As returns the first AppError in err's chain, or nil.
func As(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return nil
}

// Is is errors.Is re-exported so callers do not need both packages.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}
