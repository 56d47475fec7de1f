package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"gold-price-alerts/internal/alerting"
	"gold-price-alerts/internal/bot"
	"gold-price-alerts/internal/metrics"
	"gold-price-alerts/internal/scheduler"
	"gold-price-alerts/internal/service"
)

// runtime holds the live components a reload reconfigures.
type runtime struct {
	mu       sync.Mutex
	sched    *scheduler.Scheduler
	svc      *service.Service
	telegram *alerting.TelegramNotifier
	bot      *bot.Bot
}

// Run executes the long-running scrape and notify service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Configuration errors are fatal before anything starts.
	window, err := a.Config.Window()
	if err != nil {
		return err
	}
	settings, err := settingsFrom(a.Config)
	if err != nil {
		return err
	}

	history, err := a.openHistory(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := history.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("failed to close history store")
		}
	}()

	notifier, telegram, err := a.newNotifier()
	if err != nil {
		return err
	}

	session := a.newSession()
	defer func() {
		if err := session.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("failed to close browser")
		}
	}()

	m := metrics.New(prometheus.DefaultRegisterer)
	svc := service.New(service.Options{
		Page:      session,
		Extractor: a.newExtractor(),
		History:   history,
		Notifier:  notifier,
		Metrics:   m,
		Settings:  settings,
		LockKey:   a.Config.Scheduler.AdvisoryLockKey,
	}, a.Logger)

	sched, err := scheduler.New(scheduler.Options{
		Window:           window,
		AlignToStart:     a.Config.Scheduler.AlignToInterval,
		StartupDelay:     a.Config.Scheduler.StartupDelay,
		MisfireTolerance: a.Config.Scheduler.MisfireTolerance,
	}, a.Logger)
	if err != nil {
		return err
	}

	rt := &runtime{sched: sched, svc: svc, telegram: telegram}
	if telegram != nil && a.Config.Telegram.CommandsEnabled {
		rt.bot = bot.New(telegram, a.Config.Telegram.AdminIDs, bot.Actions{
			Report: svc.Report,
			Status: sched.Status,
			Trigger: func(ctx context.Context) error {
				return sched.RunNow(ctx, svc.RunCycle)
			},
			Reload: func(ctx context.Context) error {
				return a.reload(rt)
			},
		}, a.Config.Telegram.PollTimeout, a.Logger)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	// The command loop outlives the signal context so that a manual cycle
	// still has its channel client until the scheduler has drained.
	botCtx, cancelBot := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelBot()
	botDone := make(chan struct{})
	if rt.bot != nil {
		go func() {
			defer close(botDone)
			if err := rt.bot.Run(botCtx); err != nil {
				a.Logger.Error().Err(err).Msg("command loop stopped with error")
			}
		}()
	} else {
		close(botDone)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := sched.Run(gctx, func(ctx context.Context, slot time.Time) error {
			// A standby replica skips silently; the lock holder runs the slot.
			if err := svc.RunCycle(ctx, slot); !errors.Is(err, service.ErrLocked) {
				return err
			}
			return nil
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if addr, path := a.Config.Metrics.ListenAddr, a.Config.Metrics.Path; addr != "" {
		g.Go(func() error {
			return metrics.Serve(gctx, addr, path, prometheus.DefaultGatherer, a.Logger)
		})
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				if err := a.reload(rt); err != nil {
					a.Logger.Error().Err(err).Msg("reload rejected; keeping previous configuration")
				}
			}
		}
	})

	a.Logger.Info().Str("window", window.String()).
		Str("storage", a.Config.Storage.Backend).
		Bool("telegram", telegram != nil).
		Bool("commands", rt.bot != nil).
		Msg("starting gold price service")

	// Timer first, then the in-flight cycle, then the command loop.
	err = g.Wait()
	sched.Stop()
	cancelBot()
	<-botDone
	if err != nil {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("gold price service stopped")
	return nil
}

// reload re-reads configuration and swaps the reloadable parts. Nothing is
// applied unless the whole new configuration validates.
func (a *App) reload(rt *runtime) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	cfg, err := a.load(a.ConfigPath)
	if err != nil {
		return err
	}
	window, err := cfg.Window()
	if err != nil {
		return err
	}
	settings, err := settingsFrom(cfg)
	if err != nil {
		return err
	}

	if err := rt.sched.Reload(window); err != nil {
		return err
	}
	rt.svc.UpdateSettings(settings)
	if rt.telegram != nil {
		rt.telegram.SetAdmins(cfg.Telegram.AdminIDs)
	}
	if rt.bot != nil {
		rt.bot.SetAdmins(cfg.Telegram.AdminIDs)
	}

	a.Logger.Info().Str("window", window.String()).Msg("configuration reloaded")
	return nil
}
