package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gold-price-alerts/internal/alerting"
	"gold-price-alerts/internal/storage"
)

// SimulateAlert 使用内存历史按给定估价合成一条消息，打印或推送。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if opts.Estimate <= 0 {
		return errors.New("--estimate 必须大于 0")
	}

	settings, err := settingsFrom(a.Config)
	if err != nil {
		return err
	}

	history := storage.NewMemoryStore(storage.DefaultRetention)
	now := time.Now()
	if opts.Previous > 0 {
		prev := storage.NewSnapshot(settings.Offsets.Apply(&opts.Previous), now.Add(-time.Minute))
		if err := history.Append(ctx, prev); err != nil {
			return err
		}
	}
	if err := history.Append(ctx, storage.NewSnapshot(settings.Offsets.Apply(&opts.Estimate), now)); err != nil {
		return err
	}

	current, previous, err := history.LatestTwo(ctx)
	if err != nil {
		return err
	}
	msg := alerting.Compose(current, previous, settings.Compose)

	if !opts.Send {
		fmt.Fprintln(a.Out, msg.HTML())
		return nil
	}

	notifier, _, err := a.newNotifier()
	if err != nil {
		return err
	}
	return notifier.SendToChannel(ctx, settings.ChannelID, msg)
}
