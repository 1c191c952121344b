package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/brocketdesign/seisei/internal/config"
	"github.com/brocketdesign/seisei/internal/exitcode"
	"github.com/brocketdesign/seisei/internal/logging"
	"github.com/brocketdesign/seisei/internal/telemetry"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var loadConfig = config.Load

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil && !exitcode.IsSilent(err) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(exitcode.Code(err))
}

func run(ctx context.Context, args []string) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return exitcode.Wrap(exitcode.Config, "load config", err)
	}

	runID := uuid.NewString()
	logger, err := logging.New(
		ctx,
		logging.WithRunID(runID),
		logging.WithLevel(cfg.LogLevel),
		logging.WithMaxFiles(cfg.LogMaxFiles),
	)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	a := newApp(cfg, logger.Logger)
	defer a.shutdownTelemetry()

	cmd := newRootCommand(a)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		a.logger.With("error", err, "exit_code", exitcode.Code(err)).Debug("command failed")
		return err
	}
	return nil
}

// app carries what every subcommand shares.
type app struct {
	cfg    *config.Config
	logger *log.Logger
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	otelEndpoint string
	shutdown     func()
}

func newApp(cfg *config.Config, logger *log.Logger) *app {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &app{
		cfg:    cfg,
		logger: logger,
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
}

func (a *app) startTelemetry(ctx context.Context) {
	if a.otelEndpoint != "" {
		telemetry.SetEndpointOverride(a.otelEndpoint)
	}
	shutdown, enabled, err := telemetry.Init(ctx, telemetry.Settings{
		Endpoint: a.cfg.OTel.Endpoint,
		Logger:   a.logger,
		Fallback: a.stderr,
	})
	if err != nil {
		a.logger.With("error", err).Warn("telemetry disabled")
		return
	}
	a.shutdown = shutdown
	a.logger.With("enabled", enabled).Debug("telemetry initialized")
}

func (a *app) shutdownTelemetry() {
	if a.shutdown != nil {
		a.shutdown()
		a.shutdown = nil
	}
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "gcauth",
		Short:         "Drive gcloud auth login without a local browser",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.PersistentFlags().StringVar(&a.otelEndpoint, "otel-endpoint", "", "OTLP/HTTP endpoint for trace export")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return exitcode.Wrap(exitcode.Usage, "usage", err)
	})

	root.AddCommand(
		newLoginCommand(a),
		newDoctorCommand(a),
		newAccountsCommand(a),
		newPropertyCommand(a),
		newStreamCommand(a),
		newReportCommand(a),
		newBugreportCommand(a),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if a.logger == nil {
			return errors.New("logger is required")
		}
		if a.cfg == nil {
			return errors.New("config is required")
		}
		a.startTelemetry(cmd.Context())
		a.logger.With("command", cmd.CommandPath(), "config_sources", a.cfg.Sources).Debug("command invocation")
		return nil
	}

	return root
}
