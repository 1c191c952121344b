// Package stream delivers a child's output to the supervisor loop without
// blocking it for longer than a caller-chosen timeout.
//
// Two strategies are available. PollReader waits for readability with a read
// deadline and performs one read on the caller's goroutine. QueueReader moves
// the blocking read onto a dedicated goroutine and hands chunks over a
// bounded channel. Both deliver every byte exactly once, in the order the
// child wrote it, and report io.EOF once the stream is closed and consumed.
package stream

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ReadSize is the largest single read either strategy performs.
const ReadSize = 4096

// Strategy selects how output is pulled from the child.
type Strategy string

const (
	// StrategyPoll reads on the caller's goroutine after a bounded
	// readability wait.
	StrategyPoll Strategy = "poll"
	// StrategyQueue reads on a background goroutine and queues chunks.
	StrategyQueue Strategy = "queue"
)

// Reader returns whatever output is available, waiting at most timeout.
// A timeout with nothing ready returns a nil slice and a nil error.
type Reader interface {
	ReadAvailable(timeout time.Duration) ([]byte, error)
	Close() error
}

// ParseStrategy validates a configured strategy name.
func ParseStrategy(value string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(value))) {
	case StrategyPoll:
		return StrategyPoll, nil
	case StrategyQueue, "":
		return StrategyQueue, nil
	default:
		return "", fmt.Errorf("unknown reader strategy %q (want %q or %q)", value, StrategyPoll, StrategyQueue)
	}
}

// New builds a Reader for src. The poll strategy needs a source that
// supports read deadlines; other sources fall back to the queue strategy.
// The strategy actually used is returned alongside the reader.
func New(strategy Strategy, src io.Reader, opts ...QueueOption) (Reader, Strategy) {
	if strategy == StrategyPoll {
		if reader, err := NewPollReader(src); err == nil {
			return reader, StrategyPoll
		}
	}
	return NewQueueReader(src, opts...), StrategyQueue
}

// Drain collects output after the child has exited. It stops at end of
// stream, after a quiet period with no new bytes, or when limit elapses,
// whichever comes first.
func Drain(r Reader, quiet, limit time.Duration) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	if quiet <= 0 {
		quiet = 100 * time.Millisecond
	}
	if limit < quiet {
		limit = quiet
	}

	var out []byte
	deadline := time.Now().Add(limit)
	for {
		wait := time.Until(deadline)
		if wait <= 0 {
			return out, nil
		}
		if wait > quiet {
			wait = quiet
		}
		chunk, err := r.ReadAvailable(wait)
		out = append(out, chunk...)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if len(chunk) == 0 {
			return out, nil
		}
	}
}
