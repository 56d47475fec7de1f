package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gold-price-alerts/internal/alerting"
	"gold-price-alerts/internal/config"
	"gold-price-alerts/internal/pricing"
	"gold-price-alerts/internal/scheduler"
	"gold-price-alerts/internal/service"
	"gold-price-alerts/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Scheduler: config.SchedulerConfig{
			Enabled:         true,
			StartTime:       "11:00",
			EndTime:         "20:30",
			TimeZone:        "UTC",
			IntervalMinutes: 5,
		},
		Pricing: pricing.Offsets{Buy: 50_000, Sell: 130_000},
		Storage: config.StorageConfig{
			Backend: storage.BackendFile,
			Path:    filepath.Join(t.TempDir(), "db", "gold_prices.json"),
		},
		Message: config.MessageConfig{Calendar: "gregorian"},
		Export:  config.ExportConfig{MaxDataPoints: 100},
	}
}

func newTestApp(t *testing.T, cfg *config.Config) (*App, *bytes.Buffer) {
	t.Helper()
	a := NewApp(cfg, zerolog.Nop())
	out := &bytes.Buffer{}
	a.Out = out
	return a, out
}

// seed stores one snapshot per estimate, a minute apart.
func seed(t *testing.T, cfg *config.Config, estimates ...int64) {
	t.Helper()
	store, err := storage.NewFileStore(cfg.Storage.Path, cfg.Storage.Retention, zerolog.Nop())
	if err != nil {
		t.Fatalf("打开文件存储失败: %v", err)
	}
	base := time.Date(2025, 1, 5, 8, 0, 0, 0, time.UTC)
	for i, est := range estimates {
		est := est
		snap := storage.NewSnapshot(cfg.Pricing.Apply(&est), base.Add(time.Duration(i)*time.Minute))
		if err := store.Append(context.Background(), snap); err != nil {
			t.Fatalf("写入快照失败: %v", err)
		}
	}
}

func TestShowPrintsNewestSnapshots(t *testing.T) {
	cfg := testConfig(t)
	seed(t, cfg, 1_000_000, 2_000_000, 2_345_000)
	a, out := newTestApp(t, cfg)

	if err := a.Show(context.Background(), ShowOptions{Limit: 2}); err != nil {
		t.Fatalf("Show 失败: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header plus two rows, got:\n%s", out.String())
	}
	if strings.Contains(out.String(), "1,000,000") {
		t.Fatalf("oldest snapshot should be cut by the limit:\n%s", out.String())
	}
	if !strings.Contains(lines[2], "2,345,000") || !strings.Contains(lines[2], "2025/01/05 - 08:02:00") {
		t.Fatalf("unexpected last row %q", lines[2])
	}
}

func TestShowEmptyHistory(t *testing.T) {
	a, out := newTestApp(t, testConfig(t))
	if err := a.Show(context.Background(), ShowOptions{Limit: 5}); err != nil {
		t.Fatalf("Show 失败: %v", err)
	}
	if !strings.Contains(out.String(), "no snapshots found") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestExportWritesCSVAndPNG(t *testing.T) {
	cfg := testConfig(t)
	seed(t, cfg, 2_300_000, 2_345_000, 2_310_000)
	a, _ := newTestApp(t, cfg)

	dir := t.TempDir()
	csvPath := filepath.Join(dir, "out", "prices.csv")
	pngPath := filepath.Join(dir, "out", "prices.png")
	if err := a.Export(context.Background(), ExportOptions{CSVPath: csvPath, PNGPath: pngPath}); err != nil {
		t.Fatalf("Export 失败: %v", err)
	}

	f, err := os.Open(csvPath)
	if err != nil {
		t.Fatalf("open csv: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 4 || records[0][2] != "estimate_price_toman" {
		t.Fatalf("unexpected csv %v", records)
	}
	if records[2][2] != "2345000" || records[2][3] != "2295000" || records[2][4] != "2475000" {
		t.Fatalf("unexpected csv row %v", records[2])
	}

	png, err := os.ReadFile(pngPath)
	if err != nil {
		t.Fatalf("read png: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Fatal("chart is not a PNG")
	}
}

func TestExportFiltersWindow(t *testing.T) {
	cfg := testConfig(t)
	seed(t, cfg, 1, 2, 3, 4)
	a, _ := newTestApp(t, cfg)

	from := time.Date(2025, 1, 5, 8, 1, 0, 0, time.UTC)
	to := time.Date(2025, 1, 5, 8, 3, 0, 0, time.UTC)
	csvPath := filepath.Join(t.TempDir(), "window.csv")
	if err := a.Export(context.Background(), ExportOptions{CSVPath: csvPath, From: &from, To: &to}); err != nil {
		t.Fatalf("Export 失败: %v", err)
	}
	raw, _ := os.ReadFile(csvPath)
	if rows := strings.Count(strings.TrimSpace(string(raw)), "\n"); rows != 2 {
		t.Fatalf("expected two rows in [from, to), got %d:\n%s", rows, raw)
	}
}

func TestExportRejectsBadOptions(t *testing.T) {
	a, _ := newTestApp(t, testConfig(t))
	if err := a.Export(context.Background(), ExportOptions{}); err == nil {
		t.Fatal("export without outputs should fail")
	}
	at := time.Now()
	if err := a.Export(context.Background(), ExportOptions{CSVPath: "x.csv", From: &at, To: &at}); err == nil {
		t.Fatal("empty window should fail")
	}
}

func TestDownsampleKeepsEnds(t *testing.T) {
	var snaps []storage.Snapshot
	for i := 0; i < 10; i++ {
		snaps = append(snaps, storage.Snapshot{ID: string(rune('a' + i))})
	}
	got := downsampleSnapshots(snaps, 4)
	if len(got) != 4 || got[0].ID != "a" || got[3].ID != "j" {
		t.Fatalf("unexpected downsample %+v", got)
	}
	if one := downsampleSnapshots(snaps, 1); len(one) != 1 || one[0].ID != "j" {
		t.Fatalf("max=1 should keep the newest, got %+v", one)
	}
}

func TestSimulateAlertPrintsTrend(t *testing.T) {
	a, out := newTestApp(t, testConfig(t))
	err := a.SimulateAlert(context.Background(), SimulateOptions{Estimate: 2_345_000, Previous: 2_400_000})
	if err != nil {
		t.Fatalf("SimulateAlert 失败: %v", err)
	}
	text := out.String()
	if !strings.HasPrefix(text, alerting.Down.Indicator()) {
		t.Fatalf("2,400,000 -> 2,345,000 should be DOWN:\n%s", text)
	}
	if !strings.Contains(text, "2,295,000 تومان") {
		t.Fatalf("buy price missing:\n%s", text)
	}
}

func TestSimulateAlertRequiresEstimate(t *testing.T) {
	a, _ := newTestApp(t, testConfig(t))
	if err := a.SimulateAlert(context.Background(), SimulateOptions{}); err == nil {
		t.Fatal("zero estimate should be rejected")
	}
}

func newRuntime(t *testing.T, cfg *config.Config) *runtime {
	t.Helper()
	window, err := cfg.Window()
	if err != nil {
		t.Fatalf("window: %v", err)
	}
	settings, err := settingsFrom(cfg)
	if err != nil {
		t.Fatalf("settings: %v", err)
	}
	sched, err := scheduler.New(scheduler.Options{Window: window}, zerolog.Nop())
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	return &runtime{
		sched: sched,
		svc: service.New(service.Options{
			History:  storage.NewMemoryStore(3),
			Notifier: alerting.NewLogNotifier(zerolog.Nop()),
			Settings: settings,
		}, zerolog.Nop()),
	}
}

func TestReloadSwapsWindowAndSettings(t *testing.T) {
	cfg := testConfig(t)
	a, _ := newTestApp(t, cfg)
	rt := newRuntime(t, cfg)

	next := *cfg
	next.Scheduler.IntervalMinutes = 10
	next.Pricing = pricing.Offsets{Buy: 1, Sell: 2}
	next.Telegram.ChannelID = "@gold"
	a.load = func(string) (*config.Config, error) { return &next, nil }

	if err := a.reload(rt); err != nil {
		t.Fatalf("reload 失败: %v", err)
	}
	if got := rt.sched.Window().Interval; got != 10*time.Minute {
		t.Fatalf("interval not reloaded: %s", got)
	}
	if s := rt.svc.Settings(); s.Offsets.Buy != 1 || s.ChannelID != "@gold" {
		t.Fatalf("settings not reloaded: %+v", s)
	}
}

func TestReloadKeepsOldConfigOnError(t *testing.T) {
	cfg := testConfig(t)
	a, _ := newTestApp(t, cfg)
	rt := newRuntime(t, cfg)

	a.load = func(string) (*config.Config, error) { return nil, errors.New("bad file") }
	if err := a.reload(rt); err == nil {
		t.Fatal("load error should surface")
	}

	bad := *cfg
	bad.Scheduler.StartTime = "21:00"
	bad.Pricing = pricing.Offsets{Buy: 9, Sell: 9}
	a.load = func(string) (*config.Config, error) { return &bad, nil }
	if err := a.reload(rt); err == nil {
		t.Fatal("start after end should be rejected")
	}

	if rt.sched.Window().Interval != 5*time.Minute || rt.svc.Settings().Offsets.Buy != 50_000 {
		t.Fatal("a rejected reload must not change anything")
	}
}
