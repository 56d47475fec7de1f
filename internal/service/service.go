package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"gold-price-alerts/internal/alerting"
	"gold-price-alerts/internal/metrics"
	"gold-price-alerts/internal/pricing"
	"gold-price-alerts/internal/scraper"
	"gold-price-alerts/internal/storage"
)

// EstimateField is the page field every cycle samples.
const EstimateField = "estimate"

var (
	// ErrNoValidPrice is returned when a cycle could not obtain a usable estimate.
	ErrNoValidPrice = errors.New("no valid price")
	// ErrNoHistory means nothing has been stored yet.
	ErrNoHistory = errors.New("no price history yet")
	// ErrLocked means another instance holds the cycle lock; nothing ran.
	ErrLocked = errors.New("cycle lock held by another instance")
)

// Settings are the values that may change on reload.
type Settings struct {
	Offsets   pricing.Offsets
	ChannelID string
	Compose   alerting.ComposeOptions
}

// Options wires the collaborators of a Service.
type Options struct {
	Page      scraper.Page
	Extractor *scraper.Extractor
	History   storage.History
	Notifier  alerting.Notifier
	Metrics   *metrics.Metrics
	Settings  Settings
	// LockKey enables the cross-process lock when History is an AdvisoryLocker.
	LockKey int64
	Now     func() time.Time
}

// Service orchestrates scraping, persistence, and notification.
type Service struct {
	page      scraper.Page
	extractor *scraper.Extractor
	history   storage.History
	notifier  alerting.Notifier
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time

	settings atomic.Pointer[Settings]
	locker   storage.AdvisoryLocker
	lockKey  int64
}

// New constructs the acquisition service.
func New(opts Options, logger zerolog.Logger) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	var locker storage.AdvisoryLocker
	if l, ok := opts.History.(storage.AdvisoryLocker); ok {
		locker = l
	}

	s := &Service{
		page:      opts.Page,
		extractor: opts.Extractor,
		history:   opts.History,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		logger:    logger.With().Str("component", "service").Logger(),
		now:       now,
		locker:    locker,
		lockKey:   opts.LockKey,
	}
	settings := opts.Settings
	s.settings.Store(&settings)
	return s
}

// Settings returns the settings in effect.
func (s *Service) Settings() Settings {
	return *s.settings.Load()
}

// UpdateSettings swaps the settings; a running cycle keeps the old ones.
func (s *Service) UpdateSettings(next Settings) {
	s.settings.Store(&next)
	s.logger.Info().
		Int64("buy_offset", next.Offsets.Buy).
		Int64("sell_offset", next.Offsets.Sell).
		Str("channel", next.ChannelID).
		Msg("settings updated")
}

// RunCycle 执行一次完整的采集-存储-推送流程。
func (s *Service) RunCycle(ctx context.Context, slot time.Time) error {
	started := time.Now()

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		s.metrics.RecordCycle(metrics.ResultError, time.Since(started))
		return err
	}
	if !proceed {
		s.logger.Debug().Time("slot", slot).Msg("skip cycle because advisory lock held elsewhere")
		s.metrics.RecordCycle(metrics.ResultLocked, time.Since(started))
		return ErrLocked
	}
	if unlock != nil {
		defer unlock()
	}

	result, err := s.executeCycle(ctx, slot)
	s.metrics.RecordCycle(result, time.Since(started))
	return err
}

func (s *Service) executeCycle(ctx context.Context, slot time.Time) (string, error) {
	settings := s.Settings()

	quote, err := s.acquire(ctx, settings)
	if err != nil {
		s.logger.Warn().Err(err).Time("slot", slot).Msg("failed to fetch valid price")
		notice := alerting.Notice("❌ Failed to fetch valid price!\n%v", err)
		notifyErr := s.notifier.NotifyAdmins(ctx, notice)
		s.metrics.RecordNotification("admins", notifyErr)
		if notifyErr != nil {
			s.logger.Error().Err(notifyErr).Msg("failed to notify admins")
		}
		return metrics.ResultNoPrice, err
	}

	snap := storage.NewSnapshot(quote, s.now())
	if err := s.history.Append(ctx, snap); err != nil {
		s.logger.Error().Err(err).Time("slot", slot).Msg("failed to append snapshot")
		return metrics.ResultError, fmt.Errorf("append snapshot: %w", err)
	}
	s.metrics.RecordSnapshot(*snap.Estimate, snap.CreatedAt)
	s.logger.Info().Time("slot", slot).
		Str("id", snap.ID).
		Int64("estimate", *snap.Estimate).
		Int64("buy", *snap.Buy).
		Int64("sell", *snap.Sell).
		Msg("price stored")

	current, previous, err := s.history.LatestTwo(ctx)
	if err != nil || current == nil {
		s.logger.Error().Err(err).Msg("failed to read history for trend; composing without previous")
		current, previous = &snap, nil
	}

	msg := alerting.Compose(current, previous, settings.Compose)
	sendErr := s.notifier.SendToChannel(ctx, settings.ChannelID, msg)
	s.metrics.RecordNotification("channel", sendErr)
	if sendErr != nil {
		// The snapshot stays stored; delivery is not retried here.
		s.logger.Error().Err(sendErr).Str("channel", settings.ChannelID).Msg("failed to deliver price update")
		return metrics.ResultStored, nil
	}
	s.logger.Info().Str("channel", settings.ChannelID).Str("direction", msg.Direction.String()).Msg("price update sent")
	return metrics.ResultStored, nil
}

// acquire samples the estimate and derives the quote.
func (s *Service) acquire(ctx context.Context, settings Settings) (pricing.Quote, error) {
	if s.page == nil || s.extractor == nil {
		return pricing.Quote{}, fmt.Errorf("%w: scraper not configured", ErrNoValidPrice)
	}
	values, err := s.extractor.Sample(ctx, s.page, EstimateField)
	if err != nil {
		return pricing.Quote{}, fmt.Errorf("%w: %v", ErrNoValidPrice, err)
	}
	estimate := values[EstimateField]
	quote := settings.Offsets.Apply(&estimate)
	if !quote.Valid() {
		return pricing.Quote{}, fmt.Errorf("%w: estimate %d is not positive", ErrNoValidPrice, estimate)
	}
	return quote, nil
}

// Preview samples and composes a message against the stored history
// without writing or sending anything.
func (s *Service) Preview(ctx context.Context) (alerting.Message, error) {
	settings := s.Settings()
	quote, err := s.acquire(ctx, settings)
	if err != nil {
		return alerting.Message{}, err
	}
	previous, err := s.history.Latest(ctx)
	if err != nil {
		return alerting.Message{}, err
	}
	snap := storage.NewSnapshot(quote, s.now())
	return alerting.Compose(&snap, previous, settings.Compose), nil
}

// Latest returns the newest stored snapshot.
func (s *Service) Latest(ctx context.Context) (*storage.Snapshot, error) {
	return s.history.Latest(ctx)
}

// Report composes the message for the newest stored snapshot.
func (s *Service) Report(ctx context.Context) (alerting.Message, error) {
	current, previous, err := s.history.LatestTwo(ctx)
	if err != nil {
		return alerting.Message{}, err
	}
	if current == nil {
		return alerting.Message{}, ErrNoHistory
	}
	return alerting.Compose(current, previous, s.Settings().Compose), nil
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
