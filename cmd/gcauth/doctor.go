package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/brocketdesign/seisei/internal/doctor"
	"github.com/brocketdesign/seisei/internal/events"
	"github.com/brocketdesign/seisei/internal/exitcode"
	"github.com/brocketdesign/seisei/internal/logging"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var logDirFn = logging.Dir

func newDoctorCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that gcloud and the local environment are ready for login",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := runDoctor(cmd.Context(), a)
			if err != nil {
				return err
			}
			if asJSON {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				if err := encoder.Encode(report); err != nil {
					return fmt.Errorf("encode health report: %w", err)
				}
			} else {
				printHealthReport(cmd.OutOrStdout(), report)
			}
			if !report.Healthy {
				return exitcode.Child(exitcode.Failure)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func runDoctor(ctx context.Context, a *app) (doctor.HealthReport, error) {
	cfg := doctor.Config{
		Command:    a.cfg.Command,
		SearchPath: loginSearchPath(*a.cfg),
		KeyFile:    a.cfg.Analytics.KeyFile,
	}
	if dir, err := logDirFn(); err == nil {
		cfg.LogDir = dir
	}
	if path, err := lockPathFn(); err == nil {
		cfg.LockPath = path
	}

	bus := events.New(events.WithLogger(a.logger))
	defer bus.Close()
	bus.Subscribe(events.EventTypeHealthCheck, func(event events.Event) {
		logEvent(a.logger, event)
	})
	manager, err := doctor.NewManager(cfg, bus)
	if err != nil {
		return doctor.HealthReport{}, err
	}
	return manager.RunOnce(ctx)
}

func printHealthReport(w io.Writer, report doctor.HealthReport) {
	renderer := lipgloss.NewRenderer(w)
	statusStyles := map[doctor.Status]lipgloss.Style{
		doctor.StatusOK:   renderer.NewStyle().Foreground(lipgloss.Color("2")),
		doctor.StatusWarn: renderer.NewStyle().Foreground(lipgloss.Color("3")),
		doctor.StatusFail: renderer.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		doctor.StatusSkip: renderer.NewStyle().Faint(true),
	}

	rows := make([][]string, 0, len(report.Checks))
	for _, check := range report.Checks {
		rows = append(rows, []string{check.Name, string(check.Status), check.Detail})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("Check", "Status", "Detail").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			base := renderer.NewStyle().Padding(0, 1)
			if row == table.HeaderRow || col != 1 || row >= len(report.Checks) {
				return base
			}
			return statusStyles[report.Checks[row].Status].Padding(0, 1)
		})
	fmt.Fprintln(w, t.String())

	if report.Healthy {
		fmt.Fprintln(w, "Ready to run `gcauth login`.")
		return
	}
	fmt.Fprintf(w, "%d check(s) failed.\n", len(report.Failed()))
}
