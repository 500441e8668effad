package session

import (
	"errors"

	"github.com/younwookim/linkplay/internal/application/state"
)

// Code classifies session failures.
type Code string

const (
	CodeConfig       Code = "CONFIG"
	CodeDesync       Code = "DESYNC"
	CodeDisconnected Code = "DISCONNECTED"
	CodeStalled      Code = "STALLED"
	CodeStartTimeout Code = "START_TIMEOUT"
	CodeAborted      Code = "ABORTED"
)

// Error is the terminal error of a failed match.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// Wrap creates an error that wraps an underlying cause.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

var (
	// ErrEnded is returned by hooks once the match is over; the emulator
	// loop should stop stepping.
	ErrEnded = errors.New("match ended")
	// ErrNotStarted is returned by hooks before Start completed.
	ErrNotStarted = errors.New("session not started")
)

// outcomeError maps a non-completed outcome to a coded error.
func outcomeError(o state.Outcome) error {
	var code Code
	switch o.Reason {
	case state.ReasonNone, state.ReasonCompleted:
		return nil
	case state.ReasonDesync:
		code = CodeDesync
	case state.ReasonDisconnected:
		code = CodeDisconnected
	case state.ReasonStalled:
		code = CodeStalled
	case state.ReasonStartTimeout:
		code = CodeStartTimeout
	default:
		code = CodeAborted
	}
	return &Error{Code: code, Message: "match ended: " + o.String()}
}
