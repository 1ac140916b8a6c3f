package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the chat core error taxonomy.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrSessionInvalid  = errors.New("session invalid")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrNotFound        = errors.New("not found")
	ErrLoadInProgress  = errors.New("history load in progress")
	ErrLoadFailed      = errors.New("history load failed")
	ErrStream          = errors.New("stream error")
	ErrValidation      = errors.New("validation error")
	ErrRateLimited     = errors.New("rate limited")
)

// Wire error codes.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeSessionInvalid  = "session_invalid"
	CodeUnauthorized    = "unauthorized"
	CodeNotFound        = "not_found"
	CodeLoadInProgress  = "load_in_progress"
	CodeLoadFailed      = "load_failed"
	CodeStreamError     = "stream_error"
	CodeValidation      = "validation_error"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal_error"
)

// Error carries a client-facing message next to the sentinel it belongs to.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps a sentinel with a client-facing message.
func NewError(sentinel error, format string, args ...any) error {
	return &Error{
		Code:    codeForSentinel(sentinel),
		Message: fmt.Sprintf(format, args...),
		Err:     sentinel,
	}
}

// CodeOf maps any error to its wire code.
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) && de.Code != "" {
		return de.Code
	}
	return codeForSentinel(err)
}

// MessageOf returns the client-facing message for err. Internal failures are
// reported generically so storage details never leak to clients.
func MessageOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	if code := codeForSentinel(err); code != CodeInternal {
		return err.Error()
	}
	return "internal error"
}

func codeForSentinel(err error) string {
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrSessionInvalid):
		return CodeSessionInvalid
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrLoadInProgress):
		return CodeLoadInProgress
	case errors.Is(err, ErrLoadFailed):
		return CodeLoadFailed
	case errors.Is(err, ErrStream):
		return CodeStreamError
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}
