// Package harness supervises an interactive login child: it streams the
// child's output to the operator, surfaces the auth URL, answers the
// verification code prompt and mirrors the child's exit status.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/brocketdesign/seisei/internal/child"
	"github.com/brocketdesign/seisei/internal/detect"
	"github.com/brocketdesign/seisei/internal/events"
	"github.com/brocketdesign/seisei/internal/responder"
	"github.com/brocketdesign/seisei/internal/state"
	"github.com/brocketdesign/seisei/internal/stream"
	"github.com/brocketdesign/seisei/internal/telemetry/invariants"
	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultTickInterval  = 100 * time.Millisecond
	DefaultReadTimeout   = 500 * time.Millisecond
	DefaultDrainQuiet    = 200 * time.Millisecond
	DefaultDrainTimeout  = 2 * time.Second
	DefaultMaxReadErrors = 5
)

// Option configures a Session.
type Option func(*Session)

// WithDetector replaces the default URL and prompt triggers.
func WithDetector(detector *detect.Detector) Option {
	return func(s *Session) {
		if detector != nil {
			s.detector = detector
		}
	}
}

// WithSource sets where verification codes come from.
func WithSource(source responder.Source) Option {
	return func(s *Session) {
		if source != nil {
			s.source = source
		}
	}
}

// WithTranscript sets the operator-visible output.
func WithTranscript(w io.Writer) Option {
	return func(s *Session) {
		if w != nil {
			s.transcript = w
		}
	}
}

// WithBanner overrides the banner renderer.
func WithBanner(banner *Banner) Option {
	return func(s *Session) {
		if banner != nil {
			s.banner = banner
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithBus publishes session events to bus.
func WithBus(bus events.Bus) Option {
	return func(s *Session) {
		if bus != nil {
			s.bus = bus
		}
	}
}

// WithTracer configures the tracer used for the run span.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Session) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithTiming overrides loop timing. Zero values keep the defaults.
func WithTiming(tick, readTimeout, drainQuiet, drainTimeout time.Duration) Option {
	return func(s *Session) {
		if tick > 0 {
			s.tick = tick
		}
		if readTimeout > 0 {
			s.readTimeout = readTimeout
		}
		if drainQuiet > 0 {
			s.drainQuiet = drainQuiet
		}
		if drainTimeout > 0 {
			s.drainTimeout = drainTimeout
		}
	}
}

// WithMaxReadErrors bounds consecutive read failures before the child is
// terminated. Zero or less retries forever.
func WithMaxReadErrors(max int) Option {
	return func(s *Session) {
		s.maxReadErrors = max
	}
}

// Session is one supervised run. All mutable state lives here and is only
// touched by the goroutine calling Run.
type Session struct {
	id         string
	child      Child
	reader     stream.Reader
	injector   *responder.Injector
	input      io.Writer
	detector   *detect.Detector
	source     responder.Source
	transcript io.Writer
	banner     *Banner
	logger     *log.Logger
	bus        events.Bus
	tracer     trace.Tracer
	machine    *state.Machine

	tick          time.Duration
	readTimeout   time.Duration
	drainQuiet    time.Duration
	drainTimeout  time.Duration
	maxReadErrors int

	buffer       strings.Builder
	cycle        int
	cycleMatches map[string]int
	inputClosed  bool
	eof          bool
	result       Result
}

// New builds a session around a started child. input is the child's stdin
// and reader delivers its merged output.
func New(id string, proc Child, reader stream.Reader, input io.Writer, options ...Option) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("session id is required")
	}
	if proc == nil {
		return nil, errors.New("child is required")
	}
	if reader == nil {
		return nil, errors.New("reader is required")
	}
	if input == nil {
		return nil, errors.New("child input is required")
	}

	s := &Session{
		id:            id,
		child:         proc,
		reader:        reader,
		input:         input,
		injector:      responder.NewInjector(input),
		transcript:    os.Stdout,
		logger:        log.New(io.Discard),
		tracer:        otel.Tracer("gcauth/harness"),
		tick:          DefaultTickInterval,
		readTimeout:   DefaultReadTimeout,
		drainQuiet:    DefaultDrainQuiet,
		drainTimeout:  DefaultDrainTimeout,
		maxReadErrors: DefaultMaxReadErrors,
		cycleMatches:  map[string]int{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(s)
	}

	if s.detector == nil {
		detector, err := defaultDetector()
		if err != nil {
			return nil, err
		}
		s.detector = detector
	}
	if s.source == nil {
		s.source = responder.NewConsole(os.Stdin, s.transcript)
	}
	if s.banner == nil {
		s.banner = NewBanner(s.transcript, false, nil)
	}
	s.logger = s.logger.With("session_id", id)

	machine, err := state.NewMachine(id, state.WithTracer(s.tracer), state.WithObserver(s.onTransition))
	if err != nil {
		return nil, fmt.Errorf("create session state machine: %w", err)
	}
	s.machine = machine
	s.result.SessionID = id
	return s, nil
}

func defaultDetector() (*detect.Detector, error) {
	url, err := detect.URLTrigger("")
	if err != nil {
		return nil, err
	}
	prompt, err := detect.PromptTrigger("", false)
	if err != nil {
		return nil, err
	}
	return detect.New(url, prompt)
}

// State returns the session's current state.
func (s *Session) State() state.State {
	return s.machine.Current()
}

// Run drives the child until it exits. The returned Result is populated
// even when an error is returned.
func (s *Session) Run(ctx context.Context) (result Result, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, "harness.run")
	defer func() {
		s.result.States = s.machine.Path()
		s.result.Duration = time.Since(started)
		result = s.result
		span.SetAttributes(
			attribute.String("session_id", s.id),
			attribute.Int("exit_code", s.result.ExitCode),
			attribute.Int("prompts", s.result.Prompts),
			attribute.Int("injections", s.result.Injections),
			attribute.Int64("duration_ms", s.result.Duration.Milliseconds()),
		)
		span.End()
	}()

	if err := s.machine.Transition(ctx, state.Watching, "child started"); err != nil {
		return s.result, err
	}

	consecutiveErrors := 0
	for {
		// Exit has priority over any further read, scan or inject.
		if status, exited := s.child.Poll(); exited {
			// A cancelled context kills the child, so its exit can be seen
			// before the cancellation is.
			if err := ctx.Err(); err != nil {
				s.finish(context.WithoutCancel(ctx), span, status, "cancelled")
				return s.result, err
			}
			s.finish(ctx, span, status, "child exited")
			return s.result, nil
		}
		if err := ctx.Err(); err != nil {
			s.abort(ctx, span, "cancelled")
			return s.result, err
		}

		chunk, readErr := s.reader.ReadAvailable(s.readTimeout)
		if len(chunk) > 0 {
			s.observe(chunk)
		}
		idle := false
		switch {
		case readErr == nil:
			consecutiveErrors = 0
		case errors.Is(readErr, io.EOF):
			consecutiveErrors = 0
			if !s.eof {
				s.eof = true
				s.logger.Debug("child output closed")
			}
			idle = true
		default:
			consecutiveErrors++
			idle = true
			s.logger.With("attempt", consecutiveErrors, "error", readErr).Warn("read child output failed")
			s.publish(events.EventTypeReadError, events.SeverityWarn, events.ReadErrorPayload{
				Consecutive: consecutiveErrors,
				Error:       readErr.Error(),
			})
			if s.maxReadErrors > 0 && consecutiveErrors >= s.maxReadErrors {
				invariants.CheckMaxRetriesNotExceeded(ctx, "harness.read", consecutiveErrors, s.maxReadErrors-1)
				readFailure := &ReadError{Attempts: consecutiveErrors, Err: readErr}
				span.RecordError(readFailure)
				s.abort(ctx, span, "persistent read failure")
				return s.result, readFailure
			}
		}

		if err := s.react(ctx, span); err != nil {
			s.abort(ctx, span, "aborted")
			return s.result, err
		}

		if idle {
			s.sleep(ctx)
		}
	}
}

// observe echoes a chunk and appends it to the detection buffer.
func (s *Session) observe(chunk []byte) {
	if _, err := s.transcript.Write(chunk); err != nil {
		s.logger.With("error", err).Warn("write transcript")
	}
	s.buffer.Write(chunk)
}

// react scans for whatever the current state waits on. A state change scans
// again so that a URL and a prompt arriving in one chunk both fire.
func (s *Session) react(ctx context.Context, span trace.Span) error {
	for {
		switch s.machine.Current() {
		case state.Watching:
			match, ok := s.scan(ctx, detect.TriggerURL)
			if !ok {
				return nil
			}
			s.surfaceURL(ctx, span, match)
		case state.URLSurfaced:
			match, ok := s.scan(ctx, detect.TriggerPrompt)
			if !ok {
				return nil
			}
			s.result.Prompts++
			span.AddEvent("prompt.detected", trace.WithAttributes(attribute.Int("cycle", s.cycle)))
			s.logger.With("cycle", s.cycle, "trigger", match.Trigger).Info("verification prompt detected")
			s.publish(events.EventTypePromptDetected, events.SeverityInfo, events.PromptPayload{Trigger: match.Trigger, Cycle: s.cycle})
			if err := s.machine.Transition(ctx, state.AwaitingCode, "prompt detected"); err != nil {
				return err
			}
			return s.respond(ctx, span, match)
		default:
			return nil
		}
	}
}

func (s *Session) scan(ctx context.Context, trigger string) (detect.Match, bool) {
	match, ok := s.detector.Scan(s.buffer.String(), trigger)
	if !ok {
		return match, false
	}
	s.cycleMatches[trigger]++
	invariants.CheckSingleMatchPerCycle(ctx, "harness.scan", trigger, s.cycleMatches[trigger])
	return match, true
}

func (s *Session) surfaceURL(ctx context.Context, span trace.Span, match detect.Match) {
	s.result.URLs = append(s.result.URLs, match.Value)
	s.banner.URL(match.Value)
	span.AddEvent("url.surfaced", trace.WithAttributes(attribute.Int("cycle", s.cycle)))
	s.logger.With("cycle", s.cycle, "url_length", len(match.Value)).Info("auth url surfaced")
	s.publish(events.EventTypeURLSurfaced, events.SeverityInfo, events.URLPayload{URL: match.Value})
	if err := s.machine.Transition(ctx, state.URLSurfaced, "auth url found"); err != nil {
		s.logger.With("error", err).Error("state transition rejected")
	}
}

type response struct {
	text string
	err  error
}

// respond obtains a code without blocking exit detection. If the child exits
// first, the pending source call is abandoned and the exit check on the next
// tick takes over.
func (s *Session) respond(ctx context.Context, span trace.Span, match detect.Match) error {
	sourceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	responses := make(chan response, 1)
	go func() {
		text, err := s.source.Response(sourceCtx, match)
		responses <- response{text: text, err: err}
	}()

	var got response
	select {
	case <-s.child.Done():
		s.logger.Warn("child exited while awaiting verification code")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case got = <-responses:
	}

	if got.err != nil {
		s.logger.With("error", got.err).Warn("no verification code available; closing child input")
		s.closeInput()
		s.awaitExit(ctx)
		return nil
	}

	if _, exited := s.child.Poll(); !invariants.CheckNoInjectionAfterExit(ctx, "harness.inject", exited) {
		return nil
	}
	if err := s.injector.Inject(got.text); err != nil {
		var injectErr *responder.InjectionError
		closed := errors.As(err, &injectErr) && injectErr.Closed()
		span.RecordError(err)
		s.logger.With("error", err, "input_closed", closed).Error("response injection failed")
		s.banner.Notice("Could not send the verification code: " + err.Error())
		s.publish(events.EventTypeSystemAlert, events.SeverityError, err.Error())
		s.awaitExit(ctx)
		return nil
	}

	s.result.Injections++
	span.AddEvent("response.injected", trace.WithAttributes(attribute.Int("cycle", s.cycle)))
	s.logger.With("cycle", s.cycle, "source", sourceName(s.source)).Info("verification code injected")
	s.publish(events.EventTypeResponseInjected, events.SeverityInfo, events.InjectionPayload{
		Cycle:  s.cycle,
		Bytes:  len(got.text) + 1,
		Source: sourceName(s.source),
	})

	s.resetCycle()
	return s.machine.Transition(ctx, state.Watching, "response injected")
}

// resetCycle clears the buffer and trigger flags so the next prompt is
// detected fresh.
func (s *Session) resetCycle() {
	s.buffer.Reset()
	s.detector.Reset()
	clear(s.cycleMatches)
	s.cycle++
}

func (s *Session) closeInput() {
	if s.inputClosed {
		return
	}
	s.inputClosed = true
	if closer, ok := s.input.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			s.logger.With("error", err).Debug("close child input")
		}
	}
}

// awaitExit gives a child that stopped accepting input the drain window to
// exit on its own before terminating it.
func (s *Session) awaitExit(ctx context.Context) {
	timer := time.NewTimer(s.drainTimeout)
	defer timer.Stop()
	select {
	case <-s.child.Done():
	case <-ctx.Done():
	case <-timer.C:
		s.terminate("child did not exit after input closed")
	}
}

func (s *Session) terminate(reason string) {
	if err := s.child.Terminate(); err != nil {
		s.logger.With("error", err, "reason", reason).Error("terminate child")
		return
	}
	s.result.Terminated = true
	s.logger.With("reason", reason).Warn("child terminated")
}

func (s *Session) sleep(ctx context.Context) {
	timer := time.NewTimer(s.tick)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.child.Done():
	case <-ctx.Done():
	}
}

// finish drains trailing output, reports the exit code and closes the
// session. Drained output is echoed but no longer scanned.
func (s *Session) finish(ctx context.Context, span trace.Span, status child.ExitStatus, reason string) {
	drained, err := stream.Drain(s.reader, s.drainQuiet, s.drainTimeout)
	if len(drained) > 0 {
		if _, werr := s.transcript.Write(drained); werr != nil {
			s.logger.With("error", werr).Warn("write transcript")
		}
	}
	if err != nil {
		s.logger.With("error", err).Debug("drain child output")
	}

	s.result.ExitCode = status.Code
	s.result.Signaled = status.Signaled
	s.banner.Exit(status.Code)

	if status.Code != 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("child exited with code %d", status.Code))
	} else {
		span.SetStatus(codes.Ok, "child exited")
	}
	s.logger.With("exit_code", status.Code, "signaled", status.Signaled, "terminated", s.result.Terminated).Info("child exited")
	s.publish(events.EventTypeChildExited, events.SeverityInfo, events.ExitPayload{
		Code:       status.Code,
		Signaled:   status.Signaled,
		Terminated: s.result.Terminated,
	})
	if err := s.machine.Transition(ctx, state.Exited, reason); err != nil {
		s.logger.With("error", err).Error("state transition rejected")
	}
}

// abort terminates a still-running child and finishes the session once it
// has exited.
func (s *Session) abort(ctx context.Context, span trace.Span, reason string) {
	s.terminate(reason)

	timer := time.NewTimer(s.drainTimeout)
	defer timer.Stop()
	select {
	case <-s.child.Done():
	case <-timer.C:
		s.logger.With("reason", reason).Error("child did not exit after terminate")
	}
	status, exited := s.child.Poll()
	if !exited {
		status = child.ExitStatus{Code: -1}
	}
	// The caller's context may already be cancelled; the final transition
	// still has to be recorded.
	s.finish(context.WithoutCancel(ctx), span, status, reason)
}

func (s *Session) onTransition(record state.TransitionRecord) {
	s.logger.With("from", record.FromState, "to", record.ToState, "reason", record.Reason).Debug("session state changed")
	s.publish(events.EventTypeStateTransition, events.SeverityInfo, events.TransitionPayload{
		From:   string(record.FromState),
		To:     string(record.ToState),
		Reason: record.Reason,
	})
}

func (s *Session) publish(eventType, severity string, payload any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:       eventType,
		EntityType: events.EntitySession,
		EntityID:   s.id,
		Payload:    payload,
		Severity:   severity,
	})
}

func sourceName(source responder.Source) string {
	switch source.(type) {
	case *responder.Fixed:
		return "presupplied"
	case *responder.Console:
		return "console"
	default:
		return "custom"
	}
}
