package bullroom

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failed user-initiated operation.
type ErrorCode string

const (
	CodeValidation ErrorCode = "VALIDATION_FAILED"
	CodeMuted      ErrorCode = "MUTED"
	CodeNetwork    ErrorCode = "NETWORK_FAILED"
	CodeNotFound   ErrorCode = "NOT_FOUND"
	CodeForbidden  ErrorCode = "FORBIDDEN"
)

// MutationError is returned by every coordinator entry point. Match it with
// errors.Is against the sentinels below; Err carries the underlying cause.
type MutationError struct {
	Op      string
	Code    ErrorCode
	Message string
	Err     error
}

func (e *MutationError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, msg)
}

func (e *MutationError) Unwrap() error { return e.Err }

// Is matches any MutationError carrying the same code.
func (e *MutationError) Is(target error) bool {
	t, ok := target.(*MutationError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrValidation = &MutationError{Code: CodeValidation, Message: "invalid input"}
	ErrMuted      = &MutationError{Code: CodeMuted, Message: "you are muted in this room"}
	ErrNetwork    = &MutationError{Code: CodeNetwork, Message: "request failed"}
	ErrNotFound   = &MutationError{Code: CodeNotFound, Message: "message no longer exists"}
	ErrForbidden  = &MutationError{Code: CodeForbidden, Message: "admin session required"}
)

// ErrRecordNotFound is returned by backends when the addressed record is gone.
var ErrRecordNotFound = errors.New("record not found")

func newMutationError(op string, code ErrorCode, msg string, cause error) *MutationError {
	return &MutationError{Op: op, Code: code, Message: msg, Err: cause}
}

// remoteError maps a backend failure onto the taxonomy.
func remoteError(op string, err error) *MutationError {
	if errors.Is(err, ErrRecordNotFound) {
		return newMutationError(op, CodeNotFound, "message no longer exists", err)
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch code := ErrorCode(apiErr.Code); code {
		case CodeMuted, CodeForbidden, CodeValidation:
			return newMutationError(op, code, apiErr.Message, err)
		}
	}
	return newMutationError(op, CodeNetwork, "", err)
}

// CodeOf returns the code of a MutationError in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var me *MutationError
	if errors.As(err, &me) {
		return me.Code
	}
	return ""
}
