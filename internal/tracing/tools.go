package tracing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	maxOutputEventBytes = 1024
	redactedValue       = "<redacted>"
)

// Tool describes one non-interactive command run, such as `gcloud version`.
type Tool struct {
	Name string
	Args []string
	Dir  string
	// Env replaces the process environment when non-nil.
	Env []string
	// Timeout bounds the run when positive.
	Timeout time.Duration
}

// ToolResult holds the captured outcome of a Tool run.
type ToolResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// ExecuteTool runs tool to completion and records a tool.exec span with
// redacted arguments, exit code and bounded output events.
func ExecuteTool(ctx context.Context, tool Tool) (ToolResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	name := strings.TrimSpace(tool.Name)
	if name == "" {
		return ToolResult{}, errors.New("tool name must not be empty")
	}
	if tool.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tool.Timeout)
		defer cancel()
	}

	ctx, span := otel.Tracer("gcauth/tracing/tools").Start(
		ctx,
		"tool.exec",
		trace.WithAttributes(
			attribute.String("tool_name", name),
			attribute.String("args_redacted", strings.Join(RedactArgs(tool.Args), " ")),
			attribute.String("cwd", tool.Dir),
		),
	)

	started := time.Now()
	result := ToolResult{}
	defer func() {
		span.SetAttributes(attribute.Int64("duration_ms", result.Duration.Milliseconds()))
		span.End()
	}()

	// #nosec G204 -- tool name and args come from local configuration.
	cmd := exec.CommandContext(ctx, name, tool.Args...)
	cmd.Dir = tool.Dir
	if tool.Env != nil {
		cmd.Env = tool.Env
	}

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result.Duration = time.Since(started)
	result.ExitCode = resolveExitCode(ctx, cmd, err)
	result.Stdout = strings.TrimSpace(stdout.String())
	result.Stderr = strings.TrimSpace(stderr.String())

	span.SetAttributes(attribute.Int("exit_code", result.ExitCode))
	if result.Stdout != "" {
		span.AddEvent(
			"tool.stdout",
			trace.WithAttributes(attribute.String("output", truncateOutput(result.Stdout, maxOutputEventBytes))),
		)
	}
	if result.Stderr != "" {
		span.AddEvent(
			"tool.stderr",
			trace.WithAttributes(attribute.String("output", truncateOutput(result.Stderr, maxOutputEventBytes))),
		)
	}

	if err != nil {
		err = WrapExecutionError(name, tool.Args, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	span.SetStatus(codes.Ok, "tool command completed")
	return result, nil
}

func resolveExitCode(ctx context.Context, cmd *exec.Cmd, runErr error) int {
	if runErr == nil {
		return 0
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return -1
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd != nil && cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}

func truncateOutput(value string, limit int) string {
	if limit <= 0 || len(value) <= limit {
		return value
	}
	const marker = "...[truncated]"
	if limit <= len(marker) {
		return value[:limit]
	}
	return value[:limit-len(marker)] + marker
}

// RedactArgs masks values of sensitive flags, both `--flag value` and
// `--flag=value` forms. Positional arguments are kept.
func RedactArgs(args []string) []string {
	redacted := make([]string, 0, len(args))
	maskNext := false

	for _, arg := range args {
		trimmed := strings.TrimSpace(arg)
		if maskNext {
			maskNext = false
			if !strings.HasPrefix(trimmed, "-") {
				redacted = append(redacted, redactedValue)
				continue
			}
		}

		if !strings.HasPrefix(trimmed, "-") {
			redacted = append(redacted, trimmed)
			continue
		}

		flag, _, hasValue := strings.Cut(trimmed, "=")
		if !isSensitiveFlag(flag) {
			redacted = append(redacted, trimmed)
			continue
		}
		if hasValue {
			redacted = append(redacted, flag+"="+redactedValue)
			continue
		}
		maskNext = true
		redacted = append(redacted, trimmed)
	}

	return redacted
}

func isSensitiveFlag(flag string) bool {
	name := strings.ToLower(strings.TrimLeft(flag, "-"))
	for _, candidate := range []string{
		"token",
		"password",
		"passwd",
		"secret",
		"apikey",
		"api-key",
		"key-file",
		"credential",
		"code",
		"bearer",
	} {
		if strings.Contains(name, candidate) {
			return true
		}
	}
	return false
}

// FormatCommand returns a deterministic command preview for traces and logs
// with sensitive flag values masked.
func FormatCommand(toolName string, args []string) string {
	parts := append([]string{strings.TrimSpace(toolName)}, RedactArgs(args)...)
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return strings.Join(out, " ")
}

// WrapExecutionError annotates execution failures with command identity.
func WrapExecutionError(toolName string, args []string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("run %s: %w", FormatCommand(toolName, args), err)
}
