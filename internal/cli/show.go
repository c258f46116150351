package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"peg-stabilizer/internal/app"
)

var (
	showLimit  int
	showEvents bool
	showKind   string
	showAlerts bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent keeper samples, events or alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		if showEvents && showAlerts {
			return fmt.Errorf("--events and --alerts are mutually exclusive")
		}
		if showKind != "" && !showEvents {
			return fmt.Errorf("--kind requires --events")
		}

		opts := app.ShowOptions{
			Limit:  showLimit,
			Events: showEvents,
			Kind:   showKind,
			Alerts: showAlerts,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showEvents, "events", false, "Show protocol events instead of samples")
	showCmd.Flags().StringVar(&showKind, "kind", "", "Only show events of this kind")
	showCmd.Flags().BoolVar(&showAlerts, "alerts", false, "Show dispatched alerts instead of samples")
}
