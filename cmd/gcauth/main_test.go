package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/brocketdesign/seisei/internal/config"
	"github.com/brocketdesign/seisei/internal/exitcode"
	"github.com/brocketdesign/seisei/test"
	"github.com/brocketdesign/seisei/test/fakegcloud"
	"github.com/charmbracelet/log"
)

func TestMain(m *testing.M) {
	fakegcloud.MaybeRun()
	os.Exit(m.Run())
}

func TestRootCommandVersionFlag(t *testing.T) {
	originalVersion := Version
	defer func() {
		Version = originalVersion
	}()
	Version = "v0.1.0-test"
	a, stdout, _ := newTestApp(t, config.Defaults())
	cmd := newRootCommand(a)
	cmd.SetArgs([]string{"--version"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	output := strings.TrimSpace(stdout.String())
	if output != "v0.1.0-test" {
		t.Fatalf("version output = %q, want %q", output, "v0.1.0-test")
	}
}

func TestRootCommandHelpListsExpectedSubcommands(t *testing.T) {
	a, stdout, _ := newTestApp(t, config.Defaults())
	cmd := newRootCommand(a)
	cmd.SetArgs([]string{"--help"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	output := stdout.String()
	expected := []string{"login", "doctor", "accounts", "property", "stream", "report", "bugreport"}
	for _, name := range expected {
		if !strings.Contains(output, name) {
			t.Fatalf("help output missing %q: %s", name, output)
		}
	}
}

func TestRootCommandUnknownFlagIsUsageError(t *testing.T) {
	a, _, _ := newTestApp(t, config.Defaults())
	cmd := newRootCommand(a)
	cmd.SetArgs([]string{"login", "--no-such-flag"})

	err := cmd.Execute()
	if got := exitcode.Code(err); got != exitcode.Usage {
		t.Fatalf("exit code = %d (%v), want %d", got, err, exitcode.Usage)
	}
}

func TestRunMapsConfigFailure(t *testing.T) {
	original := loadConfig
	defer func() {
		loadConfig = original
	}()
	loadConfig = func(context.Context) (*config.Config, error) {
		return nil, errors.New("parse ~/.gcauth/config.toml: bad duration")
	}

	err := run(context.Background(), []string{"login"})
	if got := exitcode.Code(err); got != exitcode.Config {
		t.Fatalf("exit code = %d, want %d", got, exitcode.Config)
	}
	if exitcode.IsSilent(err) {
		t.Fatal("config failure must be reported")
	}
}

// newTestApp returns an app writing to buffers, with the log directory and
// login lock under a temporary home.
func newTestApp(t *testing.T, cfg config.Config) (*app, *syncBuffer, *syncBuffer) {
	t.Helper()
	home := test.Home(t)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	prevLock, prevLogDir, prevJournal := lockPathFn, logDirFn, journalPathFn
	t.Cleanup(func() {
		lockPathFn, logDirFn, journalPathFn = prevLock, prevLogDir, prevJournal
	})
	lockPath := filepath.Join(home, config.DirName, "login.lock")
	logDir := filepath.Join(home, config.DirName, "logs")
	journalPath := filepath.Join(home, config.DirName, "last-login.json")
	lockPathFn = func() (string, error) { return lockPath, nil }
	logDirFn = func() (string, error) { return logDir, nil }
	journalPathFn = func() (string, error) { return journalPath, nil }

	stdout := &syncBuffer{}
	stderr := &syncBuffer{}
	a := newApp(&cfg, log.New(io.Discard))
	a.stdin = strings.NewReader("")
	a.stdout = stdout
	a.stderr = stderr
	return a, stdout, stderr
}

// syncBuffer is shared by the session loop and the console prompt.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
