package main

import (
	"context"
	"errors"
	"strings"

	"github.com/brocketdesign/seisei/internal/analytics"
	"github.com/brocketdesign/seisei/internal/exitcode"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

const defaultKeyFile = "key.json"

var newAnalyticsClient = func(ctx context.Context, keyFile string, logger *log.Logger) (*analytics.Client, error) {
	return analytics.NewFromKeyFile(ctx, keyFile, analytics.WithLogger(logger))
}

func addKeyFileFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVar(target, "key-file", "", "service-account key file (default: [analytics] key_file or key.json)")
}

func (a *app) keyFile(flagValue string) string {
	if value := strings.TrimSpace(flagValue); value != "" {
		return value
	}
	if a.cfg != nil && strings.TrimSpace(a.cfg.Analytics.KeyFile) != "" {
		return a.cfg.Analytics.KeyFile
	}
	return defaultKeyFile
}

func (a *app) analyticsClient(ctx context.Context, flagValue string) (*analytics.Client, string, error) {
	keyFile := a.keyFile(flagValue)
	client, err := newAnalyticsClient(ctx, keyFile, a.logger.With("key_file", keyFile))
	if err != nil {
		if errors.Is(err, analytics.ErrNoKeyFile) {
			return nil, keyFile, exitcode.Wrap(exitcode.Config, "analytics credentials", err)
		}
		return nil, keyFile, err
	}
	return client, keyFile, nil
}

func newAccountsCommand(a *app) *cobra.Command {
	var keyFile string
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "List Google Analytics accounts and their properties",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, path, err := a.analyticsClient(cmd.Context(), keyFile)
			if err != nil {
				return err
			}
			accounts, err := client.Accounts(cmd.Context())
			if err != nil {
				return err
			}
			email, err := analytics.ServiceAccountEmail(path)
			if err != nil {
				a.logger.With("error", err).Debug("service account email unavailable")
			}
			analytics.PrintAccounts(cmd.OutOrStdout(), accounts, email)
			return nil
		},
	}
	addKeyFileFlag(cmd, &keyFile)
	return cmd
}

func newPropertyCommand(a *app) *cobra.Command {
	parent := &cobra.Command{
		Use:   "property",
		Short: "Manage Google Analytics properties",
	}

	var (
		keyFile string
		req     analytics.PropertyRequest
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a GA4 property under an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(req.Account) == "" || strings.TrimSpace(req.DisplayName) == "" {
				return exitcode.New(exitcode.Usage, "--account and --name are required")
			}
			client, _, err := a.analyticsClient(cmd.Context(), keyFile)
			if err != nil {
				return err
			}
			property, err := client.CreateProperty(cmd.Context(), req)
			if err != nil {
				return err
			}
			analytics.PrintProperty(cmd.OutOrStdout(), property)
			return nil
		},
	}
	addKeyFileFlag(create, &keyFile)
	create.Flags().StringVar(&req.Account, "account", "", "account id or accounts/<id>")
	create.Flags().StringVar(&req.DisplayName, "name", "", "property display name")
	create.Flags().StringVar(&req.TimeZone, "timezone", analytics.DefaultTimeZone, "reporting time zone")
	create.Flags().StringVar(&req.Currency, "currency", analytics.DefaultCurrency, "currency code")

	parent.AddCommand(create)
	return parent
}

func newStreamCommand(a *app) *cobra.Command {
	parent := &cobra.Command{
		Use:   "stream",
		Short: "Manage property data streams",
	}

	var keyFile, property, name, websiteURL string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a web data stream on a property",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(property) == "" || strings.TrimSpace(websiteURL) == "" {
				return exitcode.New(exitcode.Usage, "--property and --url are required")
			}
			client, _, err := a.analyticsClient(cmd.Context(), keyFile)
			if err != nil {
				return err
			}
			stream, err := client.CreateWebStream(cmd.Context(), property, name, websiteURL)
			if err != nil {
				return err
			}
			analytics.PrintDataStream(cmd.OutOrStdout(), stream)
			return nil
		},
	}
	addKeyFileFlag(create, &keyFile)
	create.Flags().StringVar(&property, "property", "", "property id or properties/<id>")
	create.Flags().StringVar(&name, "name", "Web Stream", "stream display name")
	create.Flags().StringVar(&websiteURL, "url", "", "website URL")

	parent.AddCommand(create)
	return parent
}

func newReportCommand(a *app) *cobra.Command {
	var keyFile, property, start, end string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show active users by city for a property",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(property) == "" {
				return exitcode.New(exitcode.Usage, "--property is required")
			}
			client, _, err := a.analyticsClient(cmd.Context(), keyFile)
			if err != nil {
				return err
			}
			rows, err := client.RunReport(cmd.Context(), property, start, end)
			if err != nil {
				return err
			}
			analytics.PrintReport(cmd.OutOrStdout(), property, rows)
			return nil
		},
	}
	addKeyFileFlag(cmd, &keyFile)
	cmd.Flags().StringVar(&property, "property", "", "property id or properties/<id>")
	cmd.Flags().StringVar(&start, "start", analytics.DefaultStartDate, "start date")
	cmd.Flags().StringVar(&end, "end", analytics.DefaultEndDate, "end date")
	return cmd
}
