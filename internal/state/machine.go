package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/brocketdesign/seisei/internal/telemetry/invariants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MachineName identifies the login session state machine in telemetry.
const MachineName = "login"

// State is one phase of a login session.
type State string

const (
	Starting     State = "starting"
	Watching     State = "watching"
	URLSurfaced  State = "url_surfaced"
	AwaitingCode State = "awaiting_code"
	Exited       State = "exited"
)

var allowedTransitions = map[State]map[State]struct{}{
	Starting: {
		Watching: {},
		Exited:   {},
	},
	Watching: {
		URLSurfaced: {},
		Exited:      {},
	},
	URLSurfaced: {
		AwaitingCode: {},
		Exited:       {},
	},
	AwaitingCode: {
		Watching: {},
		Exited:   {},
	},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return len(allowedTransitions[s]) == 0
}

// Allowed reports whether from → to is a legal transition.
func Allowed(from, to State) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Option configures Machine construction.
type Option func(*Machine)

// WithTracer configures the tracer used for state transition spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(machine *Machine) {
		if tracer == nil {
			return
		}
		machine.tracer = tracer
	}
}

// WithObserver registers a callback invoked after every accepted transition.
func WithObserver(observer func(TransitionRecord)) Option {
	return func(machine *Machine) {
		if observer == nil {
			return
		}
		machine.observers = append(machine.observers, observer)
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(machine *Machine) {
		if now == nil {
			return
		}
		machine.now = now
	}
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	SessionID string
	FromState State
	ToState   State
	Reason    string
	Timestamp time.Time
}

// IllegalTransitionError is returned for a disallowed transition.
type IllegalTransitionError struct {
	SessionID string
	FromState State
	ToState   State
	Reason    string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal transition for login session"
	}
	return fmt.Sprintf(
		"cannot transition session %q from %q to %q: %s",
		e.SessionID,
		e.FromState,
		e.ToState,
		reason,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

// Machine tracks the current state of one login session. It is owned by a
// single goroutine and is not safe for concurrent use.
type Machine struct {
	sessionID string
	current   State
	tracer    trace.Tracer
	now       func() time.Time
	history   []TransitionRecord
	observers []func(TransitionRecord)
}

// NewMachine returns a machine in the Starting state.
func NewMachine(sessionID string, options ...Option) (*Machine, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, errors.New("session id must not be empty")
	}

	machine := &Machine{
		sessionID: sessionID,
		current:   Starting,
		tracer:    otel.Tracer("gcauth/state"),
		now:       time.Now,
		history:   []TransitionRecord{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(machine)
	}
	return machine, nil
}

// Current returns the state the session is in.
func (m *Machine) Current() State {
	if m == nil {
		return ""
	}
	return m.current
}

// Transition moves the session to toState if the move is legal.
func (m *Machine) Transition(ctx context.Context, toState State, reason string) error {
	if m == nil {
		return errors.New("machine is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()
	normalizedReason := strings.TrimSpace(reason)
	fromState := m.current

	ctx, span := m.tracer.Start(ctx, "state.transition")
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", time.Since(started).Milliseconds()))
		span.End()
	}()
	span.SetAttributes(
		attribute.String("session_id", m.sessionID),
		attribute.String("from_state", string(fromState)),
		attribute.String("to_state", string(toState)),
		attribute.String("reason", normalizedReason),
	)

	if !Allowed(fromState, toState) {
		invariants.CheckStateTransitionLegal(
			ctx,
			"state.machine.transition",
			MachineName,
			string(fromState),
			string(toState),
			false,
		)
		err := &IllegalTransitionError{
			SessionID: m.sessionID,
			FromState: fromState,
			ToState:   toState,
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	record := TransitionRecord{
		SessionID: m.sessionID,
		FromState: fromState,
		ToState:   toState,
		Reason:    normalizedReason,
		Timestamp: m.now().UTC(),
	}
	m.current = toState
	m.history = append(m.history, record)
	for _, observer := range m.observers {
		observer(record)
	}
	span.SetStatus(codes.Ok, "state transition applied")
	return nil
}

// History returns transition records captured by this machine.
func (m *Machine) History() []TransitionRecord {
	if m == nil {
		return nil
	}
	out := make([]TransitionRecord, len(m.history))
	copy(out, m.history)
	return out
}

// Path returns the sequence of states visited, starting with Starting.
func (m *Machine) Path() []State {
	if m == nil {
		return nil
	}
	path := []State{Starting}
	for _, record := range m.history {
		path = append(path, record.ToState)
	}
	return path
}
