// Package exitcode maps command errors to process exit statuses.
package exitcode

import (
	"context"
	"errors"
	"fmt"

	"github.com/brocketdesign/seisei/internal/child"
	"github.com/brocketdesign/seisei/internal/locks"
)

// Reserved statuses. A successful login run exits with the child's own code.
const (
	OK          = 0
	Failure     = 1
	Usage       = 2
	Config      = 3
	LockHeld    = 50
	NotFound    = 127
	Interrupted = 130
)

// Error carries an explicit exit status for the command that failed.
type Error struct {
	Code    int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	case e.Message != "":
		return e.Message
	case e.Cause != nil:
		return e.Cause.Error()
	default:
		return fmt.Sprintf("exit status %d", e.Code)
	}
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Silent reports whether the error should exit without printing anything.
func (e *Error) Silent() bool {
	return e.Message == "" && e.Cause == nil
}

// New returns an Error with code and message.
func New(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap returns an Error with code wrapping cause.
func Wrap(code int, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Child returns a silent Error that mirrors the child's exit status.
func Child(code int) *Error {
	return &Error{Code: code}
}

// Code resolves the exit status for err. An explicit *Error wins over
// classification of wrapped causes.
func Code(err error) int {
	if err == nil {
		return OK
	}

	var exitErr *Error
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	var launchErr *child.LaunchError
	if errors.As(err, &launchErr) {
		return NotFound
	}
	if errors.Is(err, locks.ErrConflict) {
		return LockHeld
	}
	if errors.Is(err, context.Canceled) {
		return Interrupted
	}
	return Failure
}

// IsSilent reports whether err only carries an exit status.
func IsSilent(err error) bool {
	var exitErr *Error
	return errors.As(err, &exitErr) && exitErr.Silent()
}
