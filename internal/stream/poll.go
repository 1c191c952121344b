package stream

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// ErrNoDeadline is returned by NewPollReader for sources that cannot bound a
// read with a deadline.
var ErrNoDeadline = errors.New("source does not support read deadlines")

type deadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// PollReader performs a single bounded read per call on the caller's
// goroutine.
type PollReader struct {
	src deadlineReader
	buf []byte
	eof bool
}

// NewPollReader wraps src, which must support read deadlines (an *os.File
// pipe end does).
func NewPollReader(src io.Reader) (*PollReader, error) {
	dr, ok := src.(deadlineReader)
	if !ok {
		return nil, ErrNoDeadline
	}
	if err := dr.SetReadDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDeadline, err)
	}
	return &PollReader{src: dr, buf: make([]byte, ReadSize)}, nil
}

// ReadAvailable waits up to timeout for the source to become readable and
// returns the bytes of one read.
func (r *PollReader) ReadAvailable(timeout time.Duration) ([]byte, error) {
	if r.eof {
		return nil, io.EOF
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}
	if err := r.src.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}

	n, err := r.src.Read(r.buf)
	var chunk []byte
	if n > 0 {
		chunk = append([]byte(nil), r.buf[:n]...)
	}
	switch {
	case err == nil:
		return chunk, nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return chunk, nil
	case errors.Is(err, io.EOF):
		r.eof = true
		if len(chunk) > 0 {
			return chunk, nil
		}
		return nil, io.EOF
	default:
		return chunk, err
	}
}

// Close clears any pending deadline. The source itself belongs to the child.
func (r *PollReader) Close() error {
	_ = r.src.SetReadDeadline(time.Time{})
	return nil
}
