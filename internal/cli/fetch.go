package cli

import (
	"github.com/spf13/cobra"

	"gold-price-alerts/internal/app"
)

var fetchDryRun bool

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Run one scrape cycle now, ignoring the schedule window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Fetch(cmd.Context(), app.FetchOptions{DryRun: fetchDryRun})
	},
}

func init() {
	fetchCmd.Flags().BoolVar(&fetchDryRun, "dry-run", false, "Print the message without storing or sending it")
}
