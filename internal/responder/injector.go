package responder

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
)

// InjectionError reports a failed write into the child's input stream.
type InjectionError struct {
	Err error
}

func (e *InjectionError) Error() string {
	return fmt.Sprintf("inject response: %v", e.Err)
}

// Unwrap returns the write error.
func (e *InjectionError) Unwrap() error {
	return e.Err
}

// Closed reports whether the input stream was already closed, which usually
// means the child has exited.
func (e *InjectionError) Closed() bool {
	return errors.Is(e.Err, syscall.EPIPE) ||
		errors.Is(e.Err, os.ErrClosed) ||
		errors.Is(e.Err, io.ErrClosedPipe)
}

type flusher interface {
	Flush() error
}

// Injector writes responses into a child's input stream.
type Injector struct {
	w io.Writer
}

// NewInjector wraps the child's input stream.
func NewInjector(w io.Writer) *Injector {
	return &Injector{w: w}
}

// Inject writes text followed by exactly one newline and flushes the stream
// when it is buffered.
func (i *Injector) Inject(text string) error {
	if i == nil || i.w == nil {
		return &InjectionError{Err: os.ErrClosed}
	}
	payload := strings.TrimRight(text, "\r\n") + "\n"
	if _, err := io.WriteString(i.w, payload); err != nil {
		return &InjectionError{Err: err}
	}
	if f, ok := i.w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return &InjectionError{Err: err}
		}
	}
	return nil
}
