package app

import (
	"context"
	"fmt"
	"text/tabwriter"

	"gold-price-alerts/internal/alerting"
)

// Show prints the newest stored snapshots, oldest first.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	settings, err := settingsFrom(a.Config)
	if err != nil {
		return err
	}

	history, err := a.openHistory(ctx)
	if err != nil {
		return err
	}
	defer history.Close()

	snapshots, err := history.All(ctx)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		fmt.Fprintln(a.Out, "no snapshots found")
		return nil
	}
	if opts.Limit > 0 && len(snapshots) > opts.Limit {
		snapshots = snapshots[len(snapshots)-opts.Limit:]
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time\tEstimate\tBuy\tSell\tID")
	for _, s := range snapshots {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\n",
			alerting.FormatTimestamp(s.CreatedAt, settings.Compose),
			alerting.Grouped(s.Estimate),
			alerting.Grouped(s.Buy),
			alerting.Grouped(s.Sell),
			s.ID,
		)
	}

	return writer.Flush()
}
