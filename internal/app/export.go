package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"gold-price-alerts/internal/storage"
)

// ExportOptions hold parameters for exporting stored snapshots.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// Export renders stored history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.From != nil && opts.To != nil && !opts.From.Before(*opts.To) {
		return errors.New("from must be before to")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	history, err := a.openHistory(ctx)
	if err != nil {
		return err
	}
	defer history.Close()

	all, err := history.All(ctx)
	if err != nil {
		return err
	}
	snapshots := filterSnapshots(all, opts.From, opts.To)
	if len(snapshots) == 0 {
		a.Logger.Info().Msg("no snapshots found for export window")
		return nil
	}

	downsampled := downsampleSnapshots(snapshots, opts.MaxPoints)
	a.Logger.Info().Int("total", len(snapshots)).Int("exported", len(downsampled)).Msg("exporting snapshots")

	if opts.CSVPath != "" {
		if err := writeSnapshotsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSnapshotsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// filterSnapshots keeps snapshots in [from, to).
func filterSnapshots(snapshots []storage.Snapshot, from, to *time.Time) []storage.Snapshot {
	out := make([]storage.Snapshot, 0, len(snapshots))
	for _, s := range snapshots {
		if from != nil && s.CreatedAt.Before(*from) {
			continue
		}
		if to != nil && !s.CreatedAt.Before(*to) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func downsampleSnapshots(snapshots []storage.Snapshot, max int) []storage.Snapshot {
	if max <= 0 || len(snapshots) <= max {
		return snapshots
	}
	if max == 1 {
		return snapshots[len(snapshots)-1:]
	}

	result := make([]storage.Snapshot, 0, max)
	step := float64(len(snapshots)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(snapshots) {
			idx = len(snapshots) - 1
		}
		result = append(result, snapshots[idx])
	}
	return result
}

func writeSnapshotsCSV(path string, snapshots []storage.Snapshot) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"id", "timestamp", "estimate_price_toman", "buy_price_toman", "sell_price_toman"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, s := range snapshots {
		record := []string{
			s.ID,
			s.CreatedAt.UTC().Format(time.RFC3339),
			csvInt(s.Estimate),
			csvInt(s.Buy),
			csvInt(s.Sell),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func csvInt(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

// priceSeries builds one chart line, skipping snapshots without the value.
func priceSeries(name string, snapshots []storage.Snapshot, pick func(storage.Snapshot) *int64) (chart.TimeSeries, bool) {
	series := chart.TimeSeries{Name: name}
	for _, s := range snapshots {
		if v := pick(s); v != nil {
			series.XValues = append(series.XValues, s.CreatedAt)
			series.YValues = append(series.YValues, float64(*v))
		}
	}
	return series, len(series.XValues) >= 2
}

func writeSnapshotsPNG(path string, snapshots []storage.Snapshot) error {
	var series []chart.Series
	for _, line := range []struct {
		name string
		pick func(storage.Snapshot) *int64
	}{
		{"Estimate", func(s storage.Snapshot) *int64 { return s.Estimate }},
		{"Buy", func(s storage.Snapshot) *int64 { return s.Buy }},
		{"Sell", func(s storage.Snapshot) *int64 { return s.Sell }},
	} {
		if ts, ok := priceSeries(line.name, snapshots, line.pick); ok {
			series = append(series, ts)
		}
	}
	if len(series) == 0 {
		return errors.New("a chart needs at least two snapshots with prices")
	}

	if err := ensureDir(path); err != nil {
		return err
	}

	tomanFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Toman per mesghal",
			ValueFormatter: tomanFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
