package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"gold-price-alerts/internal/alerting"
	"gold-price-alerts/internal/config"
	"gold-price-alerts/internal/scraper"
	"gold-price-alerts/internal/service"
	"gold-price-alerts/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// ConfigPath is re-read on reload; empty means defaults and environment only.
	ConfigPath string
	// Out receives command output; defaults to stdout.
	Out io.Writer

	load func(path string) (*config.Config, error)
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config: cfg,
		Logger: logger.With().Str("component", "app").Logger(),
		Out:    os.Stdout,
		load:   config.Load,
	}
}

func (a *App) newSession() *scraper.Session {
	sc := a.Config.Scraper
	return scraper.NewSession(scraper.SessionOptions{
		URL:               sc.URL,
		Headless:          sc.Headless,
		UserAgent:         sc.UserAgent,
		ExecPath:          sc.ExecPath,
		NavigationTimeout: sc.NavigationTimeout,
		ReadTimeout:       sc.ReadTimeout,
	}, a.Logger)
}

func (a *App) newExtractor() *scraper.Extractor {
	return scraper.NewExtractor(scraper.Options{
		Timeout:   a.Config.Scraper.Timeout,
		Interval:  a.Config.Scraper.Interval,
		Selectors: a.Config.Scraper.Selectors,
	}, a.Logger)
}

// newNotifier returns the Telegram notifier when enabled, otherwise a
// notifier that only logs. The concrete Telegram client is returned too so
// the command loop can share it.
func (a *App) newNotifier() (alerting.Notifier, *alerting.TelegramNotifier, error) {
	tc := a.Config.Telegram
	if !tc.Enabled {
		a.Logger.Warn().Msg("telegram disabled; messages are written to the log only")
		return alerting.NewLogNotifier(a.Logger), nil, nil
	}
	tg, err := alerting.NewTelegramNotifier(alerting.TelegramOptions{
		Token:    tc.Token,
		AdminIDs: tc.AdminIDs,
		BaseURL:  tc.APIBase,
		ProxyURL: tc.ProxyURL,
		Timeout:  tc.RequestTimeout,
	}, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	return tg, tg, nil
}

func (a *App) openHistory(ctx context.Context) (storage.History, error) {
	history, err := storage.Open(ctx, a.Config.Storage, a.Config.Database, a.Logger)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	return history, nil
}

// settingsFrom derives the reloadable service settings from cfg.
func settingsFrom(cfg *config.Config) (service.Settings, error) {
	loc, err := cfg.MessageLocation()
	if err != nil {
		return service.Settings{}, err
	}
	return service.Settings{
		Offsets:   cfg.Pricing,
		ChannelID: cfg.Telegram.ChannelID,
		Compose: alerting.ComposeOptions{
			Location: loc,
			Calendar: alerting.Calendar(strings.ToLower(cfg.Message.Calendar)),
		},
	}, nil
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// FetchOptions configure the fetch command.
type FetchOptions struct {
	DryRun bool
}

// SimulateOptions configure the simulate-alert command.
type SimulateOptions struct {
	Estimate int64
	// Previous, when positive, is stored first so the message carries a trend.
	Previous int64
	// Send delivers the message instead of printing it.
	Send bool
}
