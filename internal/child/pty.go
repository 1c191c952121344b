package child

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/creack/pty"
)

func (p *Process) startPTY() error {
	// pty.Start puts the child in its own session, which also makes it a
	// process group leader, so killProcessGroup still applies.
	// Wide columns keep long auth URLs on one line.
	ptmx, err := pty.StartWithSize(p.cmd, &pty.Winsize{Rows: 40, Cols: 4096})
	if err != nil {
		return fmt.Errorf("start on pty: %w", err)
	}
	p.input = ptmx
	p.output = &ptyReader{file: ptmx}
	return nil
}

// ptyReader reports the EIO a PTY master returns after the child hangs up
// as a plain end of stream.
type ptyReader struct {
	file *os.File
}

func (r *ptyReader) Read(buf []byte) (int, error) {
	n, err := r.file.Read(buf)
	if err != nil && errors.Is(err, syscall.EIO) {
		return n, io.EOF
	}
	return n, err
}

func (r *ptyReader) Close() error {
	return r.file.Close()
}
