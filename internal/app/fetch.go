package app

import (
	"context"
	"fmt"
	"time"

	"gold-price-alerts/internal/service"
)

// Fetch runs one acquisition cycle now, outside the daily window. With
// DryRun the message is printed and nothing is stored or sent.
func (a *App) Fetch(ctx context.Context, opts FetchOptions) error {
	settings, err := settingsFrom(a.Config)
	if err != nil {
		return err
	}

	history, err := a.openHistory(ctx)
	if err != nil {
		return err
	}
	defer history.Close()

	notifier, _, err := a.newNotifier()
	if err != nil {
		return err
	}

	session := a.newSession()
	defer session.Close()

	svc := service.New(service.Options{
		Page:      session,
		Extractor: a.newExtractor(),
		History:   history,
		Notifier:  notifier,
		Settings:  settings,
		LockKey:   a.Config.Scheduler.AdvisoryLockKey,
	}, a.Logger)

	if opts.DryRun {
		msg, err := svc.Preview(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.Out, msg.Text())
		return nil
	}

	if err := svc.RunCycle(ctx, time.Now()); err != nil {
		return err
	}
	msg, err := svc.Report(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.Out, msg.Text())
	return nil
}
