package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/brocketdesign/seisei/internal/config"
	"github.com/brocketdesign/seisei/internal/events"
	"github.com/brocketdesign/seisei/internal/locks"
	"github.com/brocketdesign/seisei/internal/logging"
	"github.com/spf13/cobra"
)

const (
	bugreportLogLimit = 3
)

var (
	bugreportNowFn = func() time.Time {
		return time.Now().UTC()
	}
	bugreportGetwdFn = os.Getwd
)

func newBugreportCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bugreport",
		Short: "Collect a diagnostic bundle for debugging",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a.logger.With("command", "bugreport").Info("collecting diagnostic bundle")
			return runBugReport(cmd.Context(), a, cmd.OutOrStdout())
		},
	}
}

func runBugReport(ctx context.Context, a *app, out io.Writer) error {
	cwd, err := bugreportGetwdFn()
	if err != nil {
		return fmt.Errorf("resolve current directory: %w", err)
	}
	cwd = filepath.Clean(cwd)

	timestamp := bugreportNowFn().Format("20060102-150405")
	bundlePath := filepath.Join(cwd, fmt.Sprintf(".gcauth-bugreport-%s.tar.gz", timestamp))

	stagingDir, err := os.MkdirTemp("", "gcauth-bugreport-*")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(stagingDir)
	}()

	report, err := collectBugreportArtifacts(ctx, a, stagingDir)
	if err != nil {
		return err
	}
	if err := writeBugreportREADME(stagingDir, report); err != nil {
		return err
	}
	if err := archiveBugreport(stagingDir, bundlePath); err != nil {
		return err
	}

	if out == nil {
		out = os.Stdout
	}
	if _, err := fmt.Fprintf(out, "Bug report written to: %s. Share for debugging.\n", bundlePath); err != nil {
		return fmt.Errorf("write bugreport output: %w", err)
	}
	return nil
}

type bugreportSummary struct {
	Timestamp string
	Version   string
	LogFiles  []string
	LastRun   lastRun
	Warnings  []string

	JournalEvents int
}

type lastRun struct {
	RunID     string
	SessionID string
	TraceID   string
}

func collectBugreportArtifacts(ctx context.Context, a *app, stagingDir string) (bugreportSummary, error) {
	summary := bugreportSummary{
		Timestamp: bugreportNowFn().Format(time.RFC3339),
		Version:   Version,
		Warnings:  make([]string, 0),
	}

	logFiles, warnings := copyRecentLogs(stagingDir, bugreportLogLimit)
	summary.LogFiles = logFiles
	summary.Warnings = append(summary.Warnings, warnings...)

	summary.LastRun = extractLastCorrelation(logFiles)
	if record, ok := copyLoginJournal(stagingDir, &summary); ok && summary.LastRun.SessionID == "" {
		summary.LastRun.SessionID = record.SessionID
		summary.LastRun.TraceID = record.TraceID
	}
	if summary.LastRun == (lastRun{}) {
		summary.Warnings = append(summary.Warnings, "no run_id/session_id found in copied logs")
	}

	if err := writeLastRunFile(stagingDir, summary.LastRun); err != nil {
		return bugreportSummary{}, err
	}
	if err := writeVersionFile(stagingDir, summary.Version); err != nil {
		return bugreportSummary{}, err
	}
	if err := writeRedactedConfig(stagingDir, a.cfg); err != nil {
		return bugreportSummary{}, err
	}
	if err := writeDoctorReport(ctx, a, stagingDir, &summary); err != nil {
		return bugreportSummary{}, err
	}
	if err := writeLockState(stagingDir, &summary); err != nil {
		return bugreportSummary{}, err
	}

	return summary, nil
}

func copyRecentLogs(stagingDir string, limit int) ([]string, []string) {
	logsDir, err := logDirFn()
	if err != nil {
		return nil, []string{fmt.Sprintf("unable to resolve logs directory: %v", err)}
	}
	files, err := logging.Recent(logsDir)
	if err != nil {
		return nil, []string{fmt.Sprintf("unable to read logs directory: %v", err)}
	}
	if limit > 0 && len(files) > limit {
		files = files[:limit]
	}

	destDir := filepath.Join(stagingDir, "logs")
	if err := os.MkdirAll(destDir, 0o750); err != nil {
		return nil, []string{fmt.Sprintf("unable to create logs staging directory: %v", err)}
	}

	warnings := make([]string, 0)
	copiedPaths := make([]string, 0, len(files))
	for _, file := range files {
		// #nosec G304 -- source path comes from the gcauth log directory listing.
		data, readErr := os.ReadFile(file)
		if readErr != nil {
			warnings = append(warnings, fmt.Sprintf("unable to read log %s: %v", file, readErr))
			continue
		}
		dstPath := filepath.Join(destDir, filepath.Base(file))
		if writeErr := os.WriteFile(dstPath, data, 0o600); writeErr != nil {
			warnings = append(warnings, fmt.Sprintf("unable to stage log %s: %v", file, writeErr))
			continue
		}
		copiedPaths = append(copiedPaths, file)
	}
	return copiedPaths, warnings
}

// copyLoginJournal stages the event journal of the most recent login.
func copyLoginJournal(stagingDir string, summary *bugreportSummary) (events.Record, bool) {
	path, err := journalPathFn()
	if err != nil {
		summary.Warnings = append(summary.Warnings, fmt.Sprintf("unable to resolve login journal: %v", err))
		return events.Record{}, false
	}
	record, err := events.ReadJournal(path)
	if err != nil {
		summary.Warnings = append(summary.Warnings, fmt.Sprintf("no login journal: %v", err))
		return events.Record{}, false
	}
	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		summary.Warnings = append(summary.Warnings, fmt.Sprintf("unable to encode login journal: %v", err))
		return record, true
	}
	if err := os.WriteFile(filepath.Join(stagingDir, "last-login.json"), append(payload, '\n'), 0o600); err != nil {
		summary.Warnings = append(summary.Warnings, fmt.Sprintf("unable to stage login journal: %v", err))
		return record, true
	}
	summary.JournalEvents = len(record.Events)
	return record, true
}

// extractLastCorrelation returns the newest record that names a login
// session, falling back to the newest record carrying a run_id. The
// bugreport run itself logs without a session, so it never wins over an
// earlier login.
func extractLastCorrelation(logPaths []string) lastRun {
	var fallback lastRun
	for _, logPath := range logPaths {
		// #nosec G304 -- log paths come from the gcauth log directory listing.
		data, err := os.ReadFile(logPath)
		if err != nil {
			continue
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		for i := len(lines) - 1; i >= 0; i-- {
			line := strings.TrimSpace(lines[i])
			if line == "" {
				continue
			}
			record := map[string]any{}
			if err := json.Unmarshal([]byte(line), &record); err != nil {
				continue
			}
			found := lastRun{
				RunID:     asString(record["run_id"]),
				SessionID: asString(record["session_id"]),
				TraceID:   asString(record["trace_id"]),
			}
			if found.SessionID != "" {
				return found
			}
			if fallback.RunID == "" && found.RunID != "" {
				fallback = found
			}
		}
	}
	return fallback
}

func writeLastRunFile(stagingDir string, run lastRun) error {
	content := fmt.Sprintf("run_id: %s\nsession_id: %s\ntrace_id: %s\n", run.RunID, run.SessionID, run.TraceID)
	path := filepath.Join(stagingDir, "last-run.txt")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write last-run.txt: %w", err)
	}
	return nil
}

func writeVersionFile(stagingDir, version string) error {
	content := fmt.Sprintf("gcauth version: %s\n", strings.TrimSpace(version))
	path := filepath.Join(stagingDir, "version.txt")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return fmt.Errorf("write version.txt: %w", err)
	}
	return nil
}

// bugreportConfig is the effective configuration as written to config.toml.
type bugreportConfig struct {
	Command       string   `toml:"command"`
	Args          []string `toml:"args"`
	SDKBinDir     string   `toml:"sdk_bin_dir"`
	SearchPath    []string `toml:"search_path"`
	AuthCode      string   `toml:"auth_code,omitempty"`
	Reader        string   `toml:"reader"`
	UsePTY        bool     `toml:"use_pty"`
	TickInterval  string   `toml:"tick_interval"`
	ReadTimeout   string   `toml:"read_timeout"`
	DrainTimeout  string   `toml:"drain_timeout"`
	JoinTimeout   string   `toml:"join_timeout"`
	MaxReadErrors int      `toml:"max_read_errors"`
	URLPattern    string   `toml:"url_pattern"`
	PromptPattern string   `toml:"prompt_pattern"`
	AnchorPrompt  bool     `toml:"anchor_prompt"`
	LogLevel      string   `toml:"log_level"`
	LogMaxFiles   int      `toml:"log_max_files"`
	Sources       []string `toml:"loaded_from"`
	Analytics     struct {
		KeyFile string `toml:"key_file"`
	} `toml:"analytics"`
	OTel struct {
		Endpoint string `toml:"endpoint"`
	} `toml:"otel"`
}

func writeRedactedConfig(stagingDir string, cfg *config.Config) error {
	var buf bytes.Buffer
	if cfg == nil {
		buf.WriteString("# config unavailable\n")
	} else {
		redacted := cfg.Redacted()
		out := bugreportConfig{
			Command:       redacted.Command,
			Args:          redacted.Args,
			SDKBinDir:     redacted.SDKBinDir,
			SearchPath:    redacted.SearchPath,
			AuthCode:      redacted.AuthCode,
			Reader:        redacted.Reader,
			UsePTY:        redacted.UsePTY,
			TickInterval:  redacted.TickInterval.String(),
			ReadTimeout:   redacted.ReadTimeout.String(),
			DrainTimeout:  redacted.DrainTimeout.String(),
			JoinTimeout:   redacted.JoinTimeout.String(),
			MaxReadErrors: redacted.MaxReadErrors,
			URLPattern:    redacted.URLPattern,
			PromptPattern: redacted.PromptPattern,
			AnchorPrompt:  redacted.AnchorPrompt,
			LogLevel:      redacted.LogLevel,
			LogMaxFiles:   redacted.LogMaxFiles,
			Sources:       redacted.Sources,
		}
		out.Analytics.KeyFile = redacted.Analytics.KeyFile
		out.OTel.Endpoint = redacted.OTel.Endpoint
		buf.WriteString("# effective configuration (secrets redacted)\n")
		if err := toml.NewEncoder(&buf).Encode(out); err != nil {
			return fmt.Errorf("encode redacted config: %w", err)
		}
	}
	if err := os.WriteFile(filepath.Join(stagingDir, "config.toml"), buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write redacted config: %w", err)
	}
	return nil
}

func writeDoctorReport(ctx context.Context, a *app, stagingDir string, summary *bugreportSummary) error {
	if a.cfg == nil {
		summary.Warnings = append(summary.Warnings, "doctor skipped: config unavailable")
		return nil
	}
	report, err := runDoctor(ctx, a)
	if err != nil {
		summary.Warnings = append(summary.Warnings, fmt.Sprintf("doctor failed: %v", err))
		return nil
	}
	if !report.Healthy {
		summary.Warnings = append(summary.Warnings, fmt.Sprintf("doctor reported %d failing check(s)", len(report.Failed())))
	}
	payload, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode doctor report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(stagingDir, "doctor.json"), append(payload, '\n'), 0o600); err != nil {
		return fmt.Errorf("write doctor.json: %w", err)
	}
	return nil
}

func writeLockState(stagingDir string, summary *bugreportSummary) error {
	content := "lock: unknown\n"
	if path, err := lockPathFn(); err == nil {
		held, holder, inspectErr := locks.Inspect(path)
		switch {
		case inspectErr != nil:
			summary.Warnings = append(summary.Warnings, fmt.Sprintf("unable to inspect login lock: %v", inspectErr))
		case held && holder != nil:
			content = fmt.Sprintf("lock: held\nsession_id: %s\npid: %d\nsince: %s\n",
				holder.SessionID, holder.PID, holder.AcquiredAt.Format(time.RFC3339))
		case held:
			content = "lock: held\n"
		default:
			content = "lock: free\n"
		}
	}
	if err := os.WriteFile(filepath.Join(stagingDir, "lock.txt"), []byte(content), 0o600); err != nil {
		return fmt.Errorf("write lock.txt: %w", err)
	}
	return nil
}

func writeBugreportREADME(stagingDir string, summary bugreportSummary) error {
	builder := strings.Builder{}
	builder.WriteString("gcauth Bug Report\n")
	builder.WriteString("=================\n\n")
	builder.WriteString(fmt.Sprintf("Generated: %s\n", summary.Timestamp))
	builder.WriteString(fmt.Sprintf("Version: %s\n", summary.Version))
	builder.WriteString(fmt.Sprintf("run_id: %s\n", summary.LastRun.RunID))
	builder.WriteString(fmt.Sprintf("session_id: %s\n", summary.LastRun.SessionID))
	builder.WriteString(fmt.Sprintf("trace_id: %s\n\n", summary.LastRun.TraceID))
	builder.WriteString("Included artifacts:\n")
	builder.WriteString(fmt.Sprintf("- logs/ (up to last %d log files)\n", bugreportLogLimit))
	builder.WriteString("- config.toml (effective, redacted)\n")
	builder.WriteString("- doctor.json\n")
	builder.WriteString("- lock.txt\n")
	builder.WriteString("- version.txt\n")
	builder.WriteString("- last-run.txt\n")
	if summary.JournalEvents > 0 {
		builder.WriteString(fmt.Sprintf("- last-login.json (%d events from the last login)\n", summary.JournalEvents))
	}
	builder.WriteString("\n")
	builder.WriteString("Usage:\n")
	builder.WriteString("- Share this archive with maintainers for debugging.\n")
	builder.WriteString("- Use session_id/trace_id to correlate logs with traces.\n")
	if len(summary.Warnings) > 0 {
		builder.WriteString("\nWarnings:\n")
		for _, warning := range summary.Warnings {
			builder.WriteString("- " + warning + "\n")
		}
	}

	if err := os.WriteFile(filepath.Join(stagingDir, "README.txt"), []byte(builder.String()), 0o600); err != nil {
		return fmt.Errorf("write README.txt: %w", err)
	}
	return nil
}

func archiveBugreport(stagingDir, destination string) (err error) {
	// #nosec G304 -- destination is generated in the current directory with a fixed name pattern.
	archiveFile, err := os.OpenFile(destination, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", destination, err)
	}
	gzipWriter := gzip.NewWriter(archiveFile)
	tarWriter := tar.NewWriter(gzipWriter)
	defer func() {
		for _, closer := range []io.Closer{tarWriter, gzipWriter, archiveFile} {
			if closeErr := closer.Close(); closeErr != nil && err == nil {
				err = fmt.Errorf("finalize archive %s: %w", destination, closeErr)
			}
		}
	}()

	walkErr := filepath.WalkDir(stagingDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("read file info for %s: %w", path, err)
		}

		relPath, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return fmt.Errorf("compute archive path for %s: %w", path, err)
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("create tar header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tarWriter.WriteHeader(header); err != nil {
			return fmt.Errorf("write tar header for %s: %w", path, err)
		}

		// #nosec G304 -- walk paths originate from the staging directory.
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open %s for archive: %w", path, err)
		}
		defer file.Close()
		if _, err := io.Copy(tarWriter, file); err != nil {
			return fmt.Errorf("copy %s into archive: %w", path, err)
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("archive bugreport: %w", walkErr)
	}
	return nil
}

func asString(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	default:
		return ""
	}
}
