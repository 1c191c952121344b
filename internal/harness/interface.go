package harness

import (
	"fmt"
	"time"

	"github.com/brocketdesign/seisei/internal/child"
	"github.com/brocketdesign/seisei/internal/state"
)

// Child is the part of a supervised process the loop depends on.
// *child.Process satisfies it.
type Child interface {
	Poll() (child.ExitStatus, bool)
	Done() <-chan struct{}
	Terminate() error
}

// Result summarizes one supervised login run.
type Result struct {
	SessionID  string
	ExitCode   int
	Signaled   bool
	Terminated bool
	// URLs lists every auth URL surfaced, one per prompt cycle.
	URLs       []string
	Prompts    int
	Injections int
	States     []state.State
	Duration   time.Duration
}

// ReadError reports that reading the child's output kept failing past the
// configured ceiling.
type ReadError struct {
	Attempts int
	Err      error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read child output: %d consecutive failures: %v", e.Attempts, e.Err)
}

// Unwrap returns the last read failure.
func (e *ReadError) Unwrap() error {
	return e.Err
}
