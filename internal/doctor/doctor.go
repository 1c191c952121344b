package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/brocketdesign/seisei/internal/child"
	"github.com/brocketdesign/seisei/internal/events"
	"github.com/brocketdesign/seisei/internal/locks"
	"github.com/brocketdesign/seisei/internal/tracing"
)

const defaultProbeTimeout = 20 * time.Second

// Status is the outcome of one check.
type Status string

const (
	StatusOK   Status = "ok"
	StatusWarn Status = "warn"
	StatusFail Status = "fail"
	StatusSkip Status = "skip"
)

// Check names.
const (
	CheckBinary    = "binary"
	CheckVersion   = "version"
	CheckLogDir    = "log_dir"
	CheckLock      = "run_lock"
	CheckAnalytics = "analytics_key"
)

// Result is one check's outcome.
type Result struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail"`
}

// HealthReport is emitted after every RunOnce.
type HealthReport struct {
	Checks    []Result  `json:"checks"`
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
}

// Failed returns the checks that did not pass.
func (r HealthReport) Failed() []Result {
	failed := make([]Result, 0)
	for _, check := range r.Checks {
		if check.Status == StatusFail {
			failed = append(failed, check)
		}
	}
	return failed
}

// EventBus publishes health events.
type EventBus interface {
	Publish(event events.Event)
}

// Prober runs a non-interactive command. tracing.ExecuteTool satisfies it.
type Prober func(ctx context.Context, tool tracing.Tool) (tracing.ToolResult, error)

// Config lists what the preflight inspects.
type Config struct {
	Command      string
	SearchPath   []string
	VersionArgs  []string
	LogDir       string
	LockPath     string
	KeyFile      string
	ProbeTimeout time.Duration
}

// Manager runs preflight checks for a login.
type Manager struct {
	cfg   Config
	bus   EventBus
	probe Prober
	now   func() time.Time
}

// NewManager builds a Doctor manager with sane defaults.
func NewManager(cfg Config, bus EventBus) (*Manager, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("command is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if len(cfg.VersionArgs) == 0 {
		cfg.VersionArgs = []string{"version"}
	}
	return &Manager{
		cfg:   cfg,
		bus:   bus,
		probe: tracing.ExecuteTool,
		now:   time.Now,
	}, nil
}

// RunOnce executes every check, publishes the report and returns it. A
// failing check is reported in the report, not as an error.
func (m *Manager) RunOnce(ctx context.Context) (HealthReport, error) {
	if m == nil {
		return HealthReport{}, errors.New("doctor manager is nil")
	}

	report := HealthReport{Healthy: true}
	path, env, binary := m.checkBinary()
	report.Checks = append(report.Checks, binary)
	if binary.Status == StatusOK {
		report.Checks = append(report.Checks, m.checkVersion(ctx, path, env))
	} else {
		report.Checks = append(report.Checks, Result{Name: CheckVersion, Status: StatusSkip, Detail: "binary not resolved"})
	}
	report.Checks = append(report.Checks, m.checkLogDir(), m.checkLock(), m.checkAnalyticsKey())
	for _, check := range report.Checks {
		if check.Status == StatusFail {
			report.Healthy = false
		}
	}
	report.CheckedAt = m.now().UTC()

	severity := events.SeverityInfo
	if !report.Healthy {
		severity = events.SeverityWarn
	}
	m.bus.Publish(events.Event{
		Type:       events.EventTypeHealthCheck,
		Timestamp:  report.CheckedAt,
		EntityType: "health",
		EntityID:   "doctor",
		Payload:    report,
		Severity:   severity,
	})

	return report, nil
}

func (m *Manager) checkBinary() (string, []string, Result) {
	path, env, err := child.Resolve(child.Spec{Command: m.cfg.Command, SearchPath: m.cfg.SearchPath})
	if err != nil {
		return "", nil, Result{Name: CheckBinary, Status: StatusFail, Detail: err.Error()}
	}
	return path, env, Result{Name: CheckBinary, Status: StatusOK, Detail: path}
}

func (m *Manager) checkVersion(ctx context.Context, path string, env []string) Result {
	result, err := m.probe(ctx, tracing.Tool{
		Name:    path,
		Args:    m.cfg.VersionArgs,
		Env:     env,
		Timeout: m.cfg.ProbeTimeout,
	})
	if err != nil {
		detail := err.Error()
		if result.Stderr != "" {
			detail = fmt.Sprintf("%s: %s", detail, firstLine(result.Stderr))
		}
		return Result{Name: CheckVersion, Status: StatusFail, Detail: detail}
	}
	return Result{Name: CheckVersion, Status: StatusOK, Detail: firstLine(result.Stdout)}
}

func (m *Manager) checkLogDir() Result {
	dir := strings.TrimSpace(m.cfg.LogDir)
	if dir == "" {
		return Result{Name: CheckLogDir, Status: StatusSkip, Detail: "not configured"}
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return Result{Name: CheckLogDir, Status: StatusFail, Detail: err.Error()}
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return Result{Name: CheckLogDir, Status: StatusFail, Detail: fmt.Sprintf("not writable: %v", err)}
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return Result{Name: CheckLogDir, Status: StatusOK, Detail: dir}
}

func (m *Manager) checkLock() Result {
	path := strings.TrimSpace(m.cfg.LockPath)
	if path == "" {
		return Result{Name: CheckLock, Status: StatusSkip, Detail: "not configured"}
	}
	held, holder, err := locks.Inspect(path)
	if err != nil {
		return Result{Name: CheckLock, Status: StatusWarn, Detail: err.Error()}
	}
	if held && holder == nil {
		return Result{Name: CheckLock, Status: StatusWarn, Detail: "held by another process"}
	}
	if held {
		return Result{
			Name:   CheckLock,
			Status: StatusWarn,
			Detail: fmt.Sprintf("held by session %s (pid %d) since %s", holder.SessionID, holder.PID, holder.AcquiredAt.Format(time.RFC3339)),
		}
	}
	return Result{Name: CheckLock, Status: StatusOK, Detail: "free"}
}

func (m *Manager) checkAnalyticsKey() Result {
	path := child.ExpandHome(m.cfg.KeyFile)
	if path == "" {
		return Result{Name: CheckAnalytics, Status: StatusSkip, Detail: "no key_file configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		return Result{Name: CheckAnalytics, Status: StatusFail, Detail: err.Error()}
	}
	if info.IsDir() {
		return Result{Name: CheckAnalytics, Status: StatusFail, Detail: fmt.Sprintf("%s is a directory", path)}
	}
	if info.Mode().Perm()&0o077 != 0 {
		return Result{Name: CheckAnalytics, Status: StatusWarn, Detail: fmt.Sprintf("%s is readable by other users", filepath.Base(path))}
	}
	return Result{Name: CheckAnalytics, Status: StatusOK, Detail: path}
}

func firstLine(text string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	return strings.TrimSpace(line)
}
