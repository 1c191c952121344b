package invariants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// InvariantMaxRetriesNotExceeded requires consecutive read failures to stay within the configured ceiling.
	InvariantMaxRetriesNotExceeded = "max_retries_not_exceeded"
	// InvariantStateTransitionLegal requires session transitions to follow the login state machine.
	InvariantStateTransitionLegal = "state_transition_legal"
	// InvariantSingleMatchPerCycle requires each trigger to fire at most once per prompt cycle.
	InvariantSingleMatchPerCycle = "single_match_per_cycle"
	// InvariantNoInjectionAfterExit requires responses to be written only while the child is alive.
	InvariantNoInjectionAfterExit = "no_injection_after_exit"
)

const (
	// SeverityWarn is used for non-fatal invariant violations.
	SeverityWarn = "warn"
	// SeverityError is used for fatal invariant violations.
	SeverityError = "error"
)

var invariantChecksEnabled atomic.Bool

func init() {
	invariantChecksEnabled.Store(true)
}

// ViolationDetails captures invariant violation context for telemetry events.
type ViolationDetails struct {
	WhatInvariant string
	WhereDetected string
	WhyViolated   string
	StackTrace    string
	Additional    map[string]string
}

// SetEnabled globally enables or disables invariant checks.
func SetEnabled(enabled bool) {
	invariantChecksEnabled.Store(enabled)
}

// Enabled reports whether invariant checks are currently enabled.
func Enabled() bool {
	return invariantChecksEnabled.Load()
}

// InvariantViolation emits an invariant.violation telemetry event on the active span.
// If the context has no active span, a short synthetic span is created for observability.
func InvariantViolation(
	ctx context.Context,
	invariantName string,
	severity string,
	details ViolationDetails,
) {
	if !Enabled() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	invariantName = strings.TrimSpace(invariantName)
	if invariantName == "" {
		invariantName = "unknown_invariant"
	}
	severity = normalizeSeverity(severity)

	attrs := []attribute.KeyValue{
		attribute.String("invariant_name", invariantName),
		attribute.String("severity", severity),
		attribute.String("what_invariant", strings.TrimSpace(details.WhatInvariant)),
		attribute.String("where_detected", strings.TrimSpace(details.WhereDetected)),
		attribute.String("why_violated", strings.TrimSpace(details.WhyViolated)),
	}
	if stack := strings.TrimSpace(details.StackTrace); stack != "" {
		attrs = append(attrs, attribute.String("stack_trace", stack))
	}

	if len(details.Additional) > 0 {
		keys := make([]string, 0, len(details.Additional))
		for key := range details.Additional {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			value := strings.TrimSpace(details.Additional[key])
			if value == "" {
				continue
			}
			attrs = append(attrs, attribute.String("context."+key, value))
		}
	}

	span := trace.SpanFromContext(ctx)
	if span != nil && span.SpanContext().IsValid() {
		span.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
		return
	}

	tracedCtx, temporarySpan := otel.Tracer("gcauth/invariants").Start(ctx, "invariant.violation")
	defer temporarySpan.End()
	temporarySpan.AddEvent("invariant.violation", trace.WithAttributes(attrs...))
	_ = tracedCtx
}

// CheckMaxRetriesNotExceeded validates the max_retries_not_exceeded invariant.
func CheckMaxRetriesNotExceeded(ctx context.Context, whereDetected string, retryCount, maxAllowed int) bool {
	if maxAllowed <= 0 || retryCount <= maxAllowed {
		return true
	}
	InvariantViolation(ctx, InvariantMaxRetriesNotExceeded, SeverityError, ViolationDetails{
		WhatInvariant: "consecutive failure count remains within configured max",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("retry_count=%d exceeded max_allowed=%d", retryCount, maxAllowed),
		Additional: map[string]string{
			"retry_count": fmt.Sprintf("%d", retryCount),
			"max_allowed": fmt.Sprintf("%d", maxAllowed),
		},
	})
	return false
}

// CheckSingleMatchPerCycle validates the single_match_per_cycle invariant.
func CheckSingleMatchPerCycle(ctx context.Context, whereDetected string, trigger string, matches int) bool {
	if matches <= 1 {
		return true
	}
	InvariantViolation(ctx, InvariantSingleMatchPerCycle, SeverityError, ViolationDetails{
		WhatInvariant: "trigger fires at most once per prompt cycle",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("trigger=%s fired %d times in one cycle", trigger, matches),
		Additional: map[string]string{
			"trigger": strings.TrimSpace(trigger),
			"matches": fmt.Sprintf("%d", matches),
		},
	})
	return false
}

// CheckNoInjectionAfterExit validates the no_injection_after_exit invariant.
func CheckNoInjectionAfterExit(ctx context.Context, whereDetected string, childExited bool) bool {
	if !childExited {
		return true
	}
	InvariantViolation(ctx, InvariantNoInjectionAfterExit, SeverityWarn, ViolationDetails{
		WhatInvariant: "responses are injected only while the child is running",
		WhereDetected: whereDetected,
		WhyViolated:   "child exited before the response was written",
	})
	return false
}

// CheckStateTransitionLegal validates the state_transition_legal invariant.
func CheckStateTransitionLegal(
	ctx context.Context,
	whereDetected string,
	machine string,
	fromState string,
	toState string,
	legal bool,
) bool {
	if legal {
		return true
	}
	InvariantViolation(ctx, InvariantStateTransitionLegal, SeverityError, ViolationDetails{
		WhatInvariant: "state machine transition is legal",
		WhereDetected: whereDetected,
		WhyViolated:   fmt.Sprintf("illegal transition for machine=%s from=%s to=%s", machine, fromState, toState),
		Additional: map[string]string{
			"machine":     strings.TrimSpace(machine),
			"from_state":  strings.TrimSpace(fromState),
			"to_state":    strings.TrimSpace(toState),
		},
	})
	return false
}

func normalizeSeverity(value string) string {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case SeverityWarn:
		return SeverityWarn
	case SeverityError:
		return SeverityError
	default:
		return SeverityError
	}
}
