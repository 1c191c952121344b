// Package responder supplies answers to child prompts and writes them into
// the child's input stream.
package responder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/brocketdesign/seisei/internal/detect"
)

// DefaultPrompt is shown to the operator before reading a code.
const DefaultPrompt = "Enter verification code: "

// ErrNoInput is returned when no response can be produced: the operator
// closed the console or no pre-supplied value was configured.
var ErrNoInput = errors.New("no response available")

// Source produces the response for a detected prompt. Implementations may
// block; the supervisor calls Response off its loop goroutine.
type Source interface {
	Response(ctx context.Context, match detect.Match) (string, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, match detect.Match) (string, error)

// Response calls f.
func (f SourceFunc) Response(ctx context.Context, match detect.Match) (string, error) {
	return f(ctx, match)
}

// Console asks the operator for a response on an interactive terminal.
type Console struct {
	mu     sync.Mutex
	reader *bufio.Reader
	output io.Writer
	prompt string
	reads  atomic.Int64
}

// ConsoleOption configures a Console.
type ConsoleOption func(*Console)

// WithPrompt overrides DefaultPrompt.
func WithPrompt(prompt string) ConsoleOption {
	return func(c *Console) {
		if strings.TrimSpace(prompt) != "" {
			c.prompt = prompt
		}
	}
}

// NewConsole reads responses from input and writes prompts to output.
func NewConsole(input io.Reader, output io.Writer, opts ...ConsoleOption) *Console {
	c := &Console{
		reader: bufio.NewReader(input),
		output: output,
		prompt: DefaultPrompt,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Response prompts and reads one line. Only one read is in flight at a time;
// a read abandoned by the supervisor still consumes the next line typed.
func (c *Console) Response(_ context.Context, _ detect.Match) (string, error) {
	if c == nil || c.reader == nil {
		return "", ErrNoInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	write(c.output, "\n"+c.prompt)
	c.reads.Add(1)
	line, err := c.reader.ReadString('\n')
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read operator input: %w", err)
		}
		if strings.TrimSpace(line) == "" {
			return "", ErrNoInput
		}
	}
	return strings.TrimSpace(line), nil
}

// Reads reports how many times the operator was asked for input.
func (c *Console) Reads() int {
	if c == nil {
		return 0
	}
	return int(c.reads.Load())
}

// Fixed answers every prompt with a value known before the run starts.
type Fixed struct {
	value string
	calls atomic.Int64
}

// NewFixed returns a pre-supplied response source.
func NewFixed(value string) *Fixed {
	return &Fixed{value: strings.TrimSpace(value)}
}

// Response returns the pre-supplied value.
func (f *Fixed) Response(_ context.Context, _ detect.Match) (string, error) {
	if f == nil || f.value == "" {
		return "", ErrNoInput
	}
	f.calls.Add(1)
	return f.value, nil
}

// Calls reports how many responses were handed out.
func (f *Fixed) Calls() int {
	if f == nil {
		return 0
	}
	return int(f.calls.Load())
}

func write(output io.Writer, text string) {
	if output == nil {
		return
	}
	_, _ = io.WriteString(output, text)
}
