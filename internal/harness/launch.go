package harness

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/brocketdesign/seisei/internal/child"
	"github.com/brocketdesign/seisei/internal/events"
	"github.com/brocketdesign/seisei/internal/stream"
)

// LaunchOptions describes how to start and read the child for Launch.
type LaunchOptions struct {
	Spec     child.Spec
	Strategy stream.Strategy
	// JoinTimeout bounds how long the queue reader is joined at shutdown.
	JoinTimeout time.Duration
}

// Launch starts the child, supervises it with a new Session and releases
// every resource before returning. A launch failure is returned as
// *child.LaunchError with a zero Result.
func Launch(ctx context.Context, id string, opts LaunchOptions, options ...Option) (Result, error) {
	proc, err := child.Start(ctx, opts.Spec)
	if err != nil {
		return Result{SessionID: id}, err
	}

	strategy := opts.Strategy
	if proc.PTY() {
		// The PTY master cannot take read deadlines reliably.
		strategy = stream.StrategyQueue
	}
	reader, used := stream.New(strategy, proc.Output(), stream.WithJoinTimeout(opts.JoinTimeout))

	var input io.Writer = proc.Input()
	if proc.PTY() {
		// Input and output share the master; closing input would end the read side too.
		input = struct{ io.Writer }{proc.Input()}
	}

	session, err := New(id, proc, reader, input, options...)
	if err != nil {
		_ = proc.Terminate()
		_ = proc.Close()
		_ = reader.Close()
		return Result{SessionID: id}, err
	}
	defer func() {
		if err := proc.Close(); err != nil {
			session.logger.With("error", err).Debug("close child streams")
		}
		if err := reader.Close(); err != nil {
			if errors.Is(err, stream.ErrJoinTimeout) {
				session.logger.Warn("output reader abandoned after join timeout")
			} else {
				session.logger.With("error", err).Debug("close output reader")
			}
		}
	}()

	session.logger.With("pid", proc.PID(), "path", proc.Path(), "reader", used, "pty", proc.PTY()).Info("child started")
	session.publish(events.EventTypeChildStarted, events.SeverityInfo, events.ChildStartedPayload{
		PID:    proc.PID(),
		Path:   proc.Path(),
		Reader: string(used),
		PTY:    proc.PTY(),
	})
	return session.Run(ctx)
}
