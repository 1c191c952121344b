package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/brocketdesign/seisei/internal/child"
	"github.com/brocketdesign/seisei/internal/config"
	"github.com/brocketdesign/seisei/internal/detect"
	"github.com/brocketdesign/seisei/internal/events"
	"github.com/brocketdesign/seisei/internal/exitcode"
	"github.com/brocketdesign/seisei/internal/harness"
	"github.com/brocketdesign/seisei/internal/locks"
	"github.com/brocketdesign/seisei/internal/responder"
	"github.com/brocketdesign/seisei/internal/stream"
	"github.com/brocketdesign/seisei/internal/tracing"
	"github.com/brocketdesign/seisei/internal/ui"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	lockPathFn    = locks.DefaultPath
	journalPathFn = events.DefaultJournalPath
)

type loginFlags struct {
	code         string
	pty          bool
	reader       string
	sdkPaths     []string
	anchorPrompt bool
	noLock       bool
	lockWait     time.Duration
}

func newLoginCommand(a *app) *cobra.Command {
	var flags *loginFlags
	cmd := &cobra.Command{
		Use:   "login [-- gcloud-args...]",
		Short: "Run gcloud auth login and relay the verification code",
		Long: "Runs `gcloud auth login --no-launch-browser`, prints the sign-in URL once it\n" +
			"appears and answers the verification code prompt from the terminal or from\n" +
			"a code supplied in advance. The exit status is gcloud's own.\n\n" +
			"Arguments after -- replace the default gcloud arguments.",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 && cmd.ArgsLenAtDash() != 0 {
				return exitcode.New(exitcode.Usage, "gcloud arguments must follow --")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := applyLoginFlags(*a.cfg, cmd, flags, args)
			if err != nil {
				return err
			}
			return runLogin(cmd.Context(), a, cfg, flags)
		},
	}
	flags = bindLoginFlags(cmd)
	return cmd
}

func bindLoginFlags(cmd *cobra.Command) *loginFlags {
	flags := &loginFlags{}
	cmd.Flags().StringVar(&flags.code, "code", "", "verification code to enter instead of prompting")
	cmd.Flags().BoolVar(&flags.pty, "pty", false, "attach gcloud to a pseudo-terminal")
	cmd.Flags().StringVar(&flags.reader, "reader", "", "output reader strategy: poll or queue")
	cmd.Flags().StringSliceVar(&flags.sdkPaths, "sdk-path", nil, "extra directories searched for gcloud")
	cmd.Flags().BoolVar(&flags.anchorPrompt, "anchor-prompt", false, "only answer a prompt on the last output line")
	cmd.Flags().BoolVar(&flags.noLock, "no-lock", false, "skip the per-user login lock")
	cmd.Flags().DurationVar(&flags.lockWait, "lock-wait", 0, "wait this long for another login to finish")
	return flags
}

func applyLoginFlags(cfg config.Config, cmd *cobra.Command, flags *loginFlags, args []string) (config.Config, error) {
	if len(args) > 0 {
		cfg.Args = append([]string(nil), args...)
	}
	if cmd.Flags().Changed("code") {
		cfg.AuthCode = strings.TrimSpace(flags.code)
	}
	if cmd.Flags().Changed("pty") {
		cfg.UsePTY = flags.pty
	}
	if cmd.Flags().Changed("reader") {
		cfg.Reader = flags.reader
	}
	if cmd.Flags().Changed("anchor-prompt") {
		cfg.AnchorPrompt = flags.anchorPrompt
	}
	if len(flags.sdkPaths) > 0 {
		cfg.SearchPath = append(append([]string(nil), cfg.SearchPath...), flags.sdkPaths...)
	}
	if _, err := stream.ParseStrategy(cfg.Reader); err != nil {
		return cfg, exitcode.Wrap(exitcode.Usage, "invalid --reader", err)
	}
	if flags.lockWait < 0 {
		return cfg, exitcode.New(exitcode.Usage, "--lock-wait must not be negative")
	}
	return cfg, nil
}

func runLogin(ctx context.Context, a *app, cfg config.Config, flags *loginFlags) error {
	sessionID := uuid.NewString()
	logger := a.logger.With("session_id", sessionID)
	commandLine := tracing.FormatCommand(cfg.Command, cfg.Args)

	ctx, span := otel.Tracer("gcauth/cmd").Start(ctx, "gcauth.login", trace.WithAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("command", commandLine),
	))
	defer span.End()
	traceID := ""
	if sc := span.SpanContext(); sc.HasTraceID() {
		traceID = sc.TraceID().String()
		logger = logger.With("trace_id", traceID)
	}

	if !flags.noLock {
		lockPath, err := lockPathFn()
		if err != nil {
			return err
		}
		lock, err := locks.Acquire(ctx, lockPath, locks.Holder{SessionID: sessionID, Command: commandLine}, flags.lockWait)
		if err != nil {
			return err
		}
		defer func() {
			if err := lock.Release(); err != nil {
				logger.With("error", err).Warn("release login lock")
			}
		}()
	}

	detector, err := buildDetector(cfg)
	if err != nil {
		return exitcode.Wrap(exitcode.Config, "build detector", err)
	}
	strategy, err := stream.ParseStrategy(cfg.Reader)
	if err != nil {
		return exitcode.Wrap(exitcode.Usage, "invalid reader", err)
	}

	source, instructions := buildSource(a, cfg, logger)
	banner := harness.NewBanner(a.stdout, a.stdout == io.Writer(os.Stdout) && ui.ShouldUseColor(), instructions)

	journal := events.NewJournal(sessionID, traceID)
	bus := events.New(events.WithLogger(logger))
	bus.SubscribeAll(journal.Record)
	defer func() {
		bus.Close()
		if err := writeJournal(journal); err != nil {
			logger.With("error", err).Warn("write login journal")
		}
	}()

	logger.With("command", commandLine, "reader", strategy, "pty", cfg.UsePTY).Info("starting login")
	result, err := harness.Launch(
		ctx,
		sessionID,
		harness.LaunchOptions{
			Spec: child.Spec{
				Command:    cfg.Command,
				Args:       cfg.Args,
				SearchPath: loginSearchPath(cfg),
				UsePTY:     cfg.UsePTY,
			},
			Strategy:    strategy,
			JoinTimeout: cfg.JoinTimeout,
		},
		harness.WithDetector(detector),
		harness.WithSource(source),
		harness.WithTranscript(a.stdout),
		harness.WithBanner(banner),
		harness.WithLogger(logger),
		harness.WithBus(bus),
		harness.WithTiming(cfg.TickInterval, cfg.ReadTimeout, harness.DefaultDrainQuiet, cfg.DrainTimeout),
		harness.WithMaxReadErrors(cfg.MaxReadErrors),
	)
	if err != nil {
		if code := exitcode.Code(err); code == exitcode.NotFound {
			return exitcode.Wrap(code, "gcloud is not available (try `gcauth doctor`)", err)
		}
		return err
	}

	logger.With(
		"exit_code", result.ExitCode,
		"urls", len(result.URLs),
		"prompts", result.Prompts,
		"injections", result.Injections,
		"duration", result.Duration,
	).Info("login finished")
	if result.ExitCode != 0 {
		return exitcode.Child(result.ExitCode)
	}
	return nil
}

func buildDetector(cfg config.Config) (*detect.Detector, error) {
	url, err := detect.URLTrigger(cfg.URLPattern)
	if err != nil {
		return nil, err
	}
	prompt, err := detect.PromptTrigger(cfg.PromptPattern, cfg.AnchorPrompt)
	if err != nil {
		return nil, err
	}
	return detect.New(url, prompt)
}

func buildSource(a *app, cfg config.Config, logger *log.Logger) (responder.Source, []string) {
	if cfg.AuthCode != "" {
		logger.Info("using pre-supplied verification code")
		return responder.NewFixed(cfg.AuthCode), harness.PresuppliedInstructions
	}
	if a.stdin == io.Reader(os.Stdin) && !ui.IsInputTerminal() {
		logger.Info("stdin is not a terminal; the code will be read from piped input")
	}
	return responder.NewConsole(a.stdin, a.stdout), harness.InteractiveInstructions
}

func loginSearchPath(cfg config.Config) []string {
	paths := make([]string, 0, len(cfg.SearchPath)+1)
	if strings.TrimSpace(cfg.SDKBinDir) != "" {
		paths = append(paths, cfg.SDKBinDir)
	}
	return append(paths, cfg.SearchPath...)
}

func writeJournal(journal *events.Journal) error {
	path, err := journalPathFn()
	if err != nil {
		return err
	}
	return journal.WriteFile(path)
}

func logEvent(logger *log.Logger, event events.Event) {
	entry := logger.With("event", event.Type, "entity_id", event.EntityID)
	if event.Payload != nil {
		entry = entry.With("payload", fmt.Sprintf("%+v", event.Payload))
	}
	switch event.Severity {
	case events.SeverityError:
		entry.Error("session event")
	case events.SeverityWarn:
		entry.Warn("session event")
	default:
		entry.Debug("session event")
	}
}
