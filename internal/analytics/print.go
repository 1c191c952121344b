package analytics

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

const rule = "============================================================"

// PrintAccounts writes accounts and their properties. With no accounts it
// explains how to grant the service account access.
func PrintAccounts(w io.Writer, accounts []Account, serviceAccount string) {
	fmt.Fprintf(w, "\n%s\nGOOGLE ANALYTICS ACCOUNTS\n%s\n", rule, rule)
	if len(accounts) == 0 {
		fmt.Fprintln(w, "\nNo accounts found.")
		fmt.Fprintln(w, "\nThe service account needs to be granted access to GA properties.")
		if serviceAccount != "" {
			fmt.Fprintf(w, "Service account: %s\n", serviceAccount)
		}
		fmt.Fprintln(w, "Grant it Viewer (or higher) under Admin > Access Management at https://analytics.google.com")
		return
	}

	for _, account := range accounts {
		fmt.Fprintf(w, "\nAccount: %s\n", account.Name)
		fmt.Fprintf(w, "   Display Name: %s\n", orNA(account.DisplayName))
		fmt.Fprintf(w, "   Region: %s\n", orNA(account.RegionCode))
		switch {
		case account.PropertiesErr != nil:
			fmt.Fprintf(w, "   Error listing properties: %v\n", account.PropertiesErr)
		case len(account.Properties) == 0:
			fmt.Fprintln(w, "   Properties: None")
		default:
			fmt.Fprintf(w, "   Properties (%d):\n", len(account.Properties))
			for _, property := range account.Properties {
				fmt.Fprintf(w, "      %s\n", property.Name)
				fmt.Fprintf(w, "         Display Name: %s\n", orNA(property.DisplayName))
				fmt.Fprintf(w, "         Industry: %s\n", orNA(property.IndustryCategory))
				fmt.Fprintf(w, "         Timezone: %s\n", orNA(property.TimeZone))
				fmt.Fprintf(w, "         Currency: %s\n", orNA(property.CurrencyCode))
			}
		}
	}
}

// PrintProperty reports a created property.
func PrintProperty(w io.Writer, property Property) {
	fmt.Fprintf(w, "\nCreated property: %s\n   Display Name: %s\n", property.Name, property.DisplayName)
}

// PrintDataStream reports a created data stream.
func PrintDataStream(w io.Writer, stream DataStream) {
	fmt.Fprintf(w, "\nCreated data stream: %s\n   Display Name: %s\n   Measurement ID: %s\n",
		stream.Name, stream.DisplayName, orNA(stream.MeasurementID))
}

// PrintReport renders report rows as a table.
func PrintReport(w io.Writer, property string, rows []ReportRow) {
	fmt.Fprintf(w, "\nReport Results (Property: %s)\n", strings.TrimPrefix(PropertyName(property), "properties/"))
	if len(rows) == 0 {
		fmt.Fprintln(w, "No rows for the selected date range.")
		return
	}
	data := make([][]string, 0, len(rows))
	for _, row := range rows {
		data = append(data, []string{row.City, row.ActiveUsers})
	}
	right := lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	left := lipgloss.NewStyle().Padding(0, 1)
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("City", "Active Users").
		Rows(data...).
		StyleFunc(func(_, col int) lipgloss.Style {
			if col == 1 {
				return right
			}
			return left
		})
	fmt.Fprintln(w, t.String())
}

func orNA(value string) string {
	if strings.TrimSpace(value) == "" {
		return "N/A"
	}
	return value
}
