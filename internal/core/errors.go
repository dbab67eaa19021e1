package core

import "errors"

// Error codes for domain errors.
const (
	ErrCodeThreadNotFound = "thread_not_found"
	ErrCodeAlreadyJoined  = "already_joined"
	ErrCodeNotInThread    = "not_in_thread"
	ErrCodeBadRequest     = "bad_request"
	ErrCodeUnauthorized   = "unauthorized"
	ErrCodeForbidden      = "forbidden"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeInternal       = "internal"
)

var (
	ErrAlreadyJoined = errors.New("already joined")
	ErrNotInThread   = errors.New("not in thread")
)

// CoreError wraps a code and human-readable message.
type CoreError struct {
	Code    string
	Message string
}

func (e *CoreError) Error() string {
	return e.Message
}

func coreError(code, msg string) *CoreError {
	return &CoreError{Code: code, Message: msg}
}
