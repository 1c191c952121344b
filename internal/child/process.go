// Package child launches and supervises the external interactive program
// driven by the login harness.
package child

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// ExitStatus is the terminal state of a child process. It is captured once
// and never changes afterwards.
type ExitStatus struct {
	Code     int
	Signaled bool
}

// Spec describes how to launch one child process.
type Spec struct {
	Command string
	Args    []string
	// Env overrides or extends the inherited environment.
	Env map[string]string
	// SearchPath entries are prepended to PATH, both for the child and for
	// resolving Command itself.
	SearchPath []string
	Dir        string
	// UsePTY attaches the child to a pseudo-terminal instead of pipes.
	UsePTY bool
}

// LaunchError reports that the external binary could not be found or started.
type LaunchError struct {
	Command string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %q: %v", e.Command, e.Err)
}

// Unwrap returns the OS-level cause.
func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Process is a running child with its stdin and merged stdout/stderr streams.
type Process struct {
	cmd    *exec.Cmd
	path   string
	input  io.WriteCloser
	output io.ReadCloser
	pty    bool

	done      chan struct{}
	stopWatch func() bool

	mu         sync.Mutex
	status     ExitStatus
	waitErr    error
	terminated bool
	closeOnce  sync.Once
}

// Start resolves spec.Command on the extended search path and launches it.
// Cancelling ctx terminates the child.
func Start(ctx context.Context, spec Spec) (*Process, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	command := strings.TrimSpace(spec.Command)
	if command == "" {
		return nil, &LaunchError{Command: command, Err: errors.New("command is required")}
	}
	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{Command: command, Err: err}
	}

	path, env, err := Resolve(spec)
	if err != nil {
		return nil, &LaunchError{Command: command, Err: err}
	}

	cmd := exec.Command(path, spec.Args...)
	cmd.Env = env
	cmd.Dir = strings.TrimSpace(spec.Dir)

	proc := &Process{
		cmd:  cmd,
		path: path,
		pty:  spec.UsePTY,
		done: make(chan struct{}),
	}
	if spec.UsePTY {
		err = proc.startPTY()
	} else {
		err = proc.startPipes()
	}
	if err != nil {
		return nil, &LaunchError{Command: command, Err: err}
	}

	proc.stopWatch = context.AfterFunc(ctx, func() {
		_ = proc.Terminate()
	})
	go proc.wait()
	return proc, nil
}

func (p *Process) startPipes() error {
	inRead, inWrite, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	outRead, outWrite, err := os.Pipe()
	if err != nil {
		closeAll(inRead, inWrite)
		return fmt.Errorf("create output pipe: %w", err)
	}

	// stdout and stderr share one pipe so prompts on either stream arrive in
	// the order the child wrote them.
	p.cmd.Stdin = inRead
	p.cmd.Stdout = outWrite
	p.cmd.Stderr = outWrite
	setProcessGroup(p.cmd)

	if err := p.cmd.Start(); err != nil {
		closeAll(inRead, inWrite, outRead, outWrite)
		return err
	}
	closeAll(inRead, outWrite)

	p.input = inWrite
	p.output = outRead
	return nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	status := exitStatusFrom(p.cmd.ProcessState)

	p.mu.Lock()
	p.status = status
	p.waitErr = err
	p.mu.Unlock()

	if p.stopWatch != nil {
		p.stopWatch()
	}
	close(p.done)
}

// PID returns the operating system process id.
func (p *Process) PID() int {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Path returns the resolved binary path.
func (p *Process) Path() string {
	if p == nil {
		return ""
	}
	return p.path
}

// PTY reports whether the child runs on a pseudo-terminal.
func (p *Process) PTY() bool {
	return p != nil && p.pty
}

// Input is the child's stdin.
func (p *Process) Input() io.Writer {
	return p.input
}

// Output is the child's merged stdout/stderr stream. In pipe mode it is an
// *os.File and supports read deadlines.
func (p *Process) Output() io.Reader {
	return p.output
}

// Done is closed once the child has exited and its status is recorded.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Poll reports the exit status without blocking.
func (p *Process) Poll() (ExitStatus, bool) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.status, true
	default:
		return ExitStatus{}, false
	}
}

// Wait blocks until the child exits or ctx is done.
func (p *Process) Wait(ctx context.Context) (ExitStatus, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-p.done:
		status, _ := p.Poll()
		return status, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Terminated reports whether Terminate killed the child.
func (p *Process) Terminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// Terminate kills the child and its process group if it is still running.
func (p *Process) Terminate() error {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	if _, exited := p.Poll(); exited {
		return nil
	}
	p.mu.Lock()
	p.terminated = true
	p.mu.Unlock()

	if err := killProcessGroup(p.cmd.Process); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", p.PID(), err)
	}
	return nil
}

// Close releases the parent's ends of the stdio streams.
func (p *Process) Close() error {
	if p == nil {
		return nil
	}
	var errs []error
	p.closeOnce.Do(func() {
		for _, closer := range []io.Closer{p.input, p.output} {
			if closer == nil {
				continue
			}
			if err := closer.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
				errs = append(errs, err)
			}
		}
	})
	return errors.Join(errs...)
}

func closeAll(files ...*os.File) {
	for _, file := range files {
		if file != nil {
			_ = file.Close()
		}
	}
}

func envValue(env []string, key string) string {
	value := ""
	for _, entry := range env {
		name, v, ok := strings.Cut(entry, "=")
		if ok && name == key {
			value = v
		}
	}
	return value
}
