package stream

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"
)

// ErrJoinTimeout is returned by QueueReader.Close when the background reader
// is still blocked after the join timeout. The goroutine is abandoned and
// exits on its own once the source closes.
var ErrJoinTimeout = errors.New("stream reader did not stop before join timeout")

const (
	defaultQueueDepth  = 256
	defaultJoinTimeout = 5 * time.Second
)

type item struct {
	data []byte
	err  error
}

// QueueReader reads src on a background goroutine. Chunks are queued in the
// order they were read; the queue is bounded, so a slow consumer applies
// backpressure instead of losing output.
type QueueReader struct {
	src         io.Reader
	items       chan item
	stop        chan struct{}
	done        chan struct{}
	joinTimeout time.Duration

	stopOnce   sync.Once
	pendingErr error
	eof        bool
}

// QueueOption configures a QueueReader.
type QueueOption func(*QueueReader)

// WithQueueDepth bounds the number of chunks held between reads.
func WithQueueDepth(depth int) QueueOption {
	return func(q *QueueReader) {
		if depth > 0 {
			q.items = make(chan item, depth)
		}
	}
}

// WithJoinTimeout bounds how long Close waits for the background reader.
func WithJoinTimeout(timeout time.Duration) QueueOption {
	return func(q *QueueReader) {
		if timeout > 0 {
			q.joinTimeout = timeout
		}
	}
}

// NewQueueReader starts the background reader for src.
func NewQueueReader(src io.Reader, opts ...QueueOption) *QueueReader {
	q := &QueueReader{
		src:         src,
		items:       make(chan item, defaultQueueDepth),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		joinTimeout: defaultJoinTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	go q.run()
	return q
}

func (q *QueueReader) run() {
	defer close(q.done)
	defer close(q.items)

	for {
		buf := make([]byte, ReadSize)
		n, err := q.src.Read(buf)
		if n > 0 && !q.send(item{data: buf[:n]}) {
			return
		}
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
			return
		}
		if !q.send(item{err: err}) {
			return
		}
	}
}

func (q *QueueReader) send(it item) bool {
	select {
	case q.items <- it:
		return true
	case <-q.stop:
		return false
	}
}

// ReadAvailable waits up to timeout for the next chunk. Chunks already queued
// behind it are returned in the same call.
func (q *QueueReader) ReadAvailable(timeout time.Duration) ([]byte, error) {
	if err := q.pendingErr; err != nil {
		q.pendingErr = nil
		return nil, err
	}
	if q.eof {
		return nil, io.EOF
	}
	if timeout <= 0 {
		timeout = time.Millisecond
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var first item
	select {
	case it, ok := <-q.items:
		if !ok {
			q.eof = true
			return nil, io.EOF
		}
		first = it
	case <-timer.C:
		return nil, nil
	}
	if first.err != nil {
		return nil, first.err
	}

	data := first.data
	for {
		select {
		case it, ok := <-q.items:
			if !ok {
				q.eof = true
				return data, nil
			}
			if it.err != nil {
				q.pendingErr = it.err
				return data, nil
			}
			data = append(data, it.data...)
		default:
			return data, nil
		}
	}
}

// Close stops the background reader and waits up to the join timeout for it
// to exit. A reader blocked inside src.Read only returns once src is closed
// by its owner.
func (q *QueueReader) Close() error {
	q.stopOnce.Do(func() { close(q.stop) })

	timer := time.NewTimer(q.joinTimeout)
	defer timer.Stop()
	select {
	case <-q.done:
		return nil
	case <-timer.C:
		return ErrJoinTimeout
	}
}
