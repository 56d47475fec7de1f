package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gold-price-alerts/internal/alerting"
	"gold-price-alerts/internal/scheduler"
	"gold-price-alerts/internal/service"
)

const deniedText = "⛔ You are not allowed to use this bot."

// Client is the slice of the Bot API the command loop needs.
type Client interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]alerting.Update, error)
	Reply(ctx context.Context, chatID int64, msg alerting.Message) error
}

// Actions are the operations commands may invoke.
type Actions struct {
	Report  func(ctx context.Context) (alerting.Message, error)
	Status  func() scheduler.Status
	Trigger func(ctx context.Context) error
	Reload  func(ctx context.Context) error
}

// Bot answers admin commands received over long polling.
type Bot struct {
	client      Client
	actions     Actions
	pollTimeout time.Duration
	logger      zerolog.Logger

	mu     sync.RWMutex
	admins map[int64]struct{}
}

// New builds a Bot that only obeys the given admin ids.
func New(client Client, admins []int64, actions Actions, pollTimeout time.Duration, logger zerolog.Logger) *Bot {
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	b := &Bot{
		client:      client,
		actions:     actions,
		pollTimeout: pollTimeout,
		logger:      logger.With().Str("component", "bot").Logger(),
	}
	b.SetAdmins(admins)
	return b
}

// SetAdmins replaces the allow-list.
func (b *Bot) SetAdmins(ids []int64) {
	admins := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		admins[id] = struct{}{}
	}
	b.mu.Lock()
	b.admins = admins
	b.mu.Unlock()
}

func (b *Bot) allowed(id int64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.admins[id]
	return ok
}

// Run polls until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info().Msg("command loop started")
	var offset int64
	backoff := time.Second

	for {
		updates, err := b.client.GetUpdates(ctx, offset, b.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				b.logger.Info().Msg("command loop stopped")
				return nil
			}
			b.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("getUpdates failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			b.Handle(ctx, u)
		}
	}
}

// Handle dispatches a single update.
func (b *Bot) Handle(ctx context.Context, u alerting.Update) {
	msg := u.Message
	if msg == nil {
		return
	}
	command := parseCommand(msg.Text)
	if command == "" {
		return
	}

	sender := msg.SenderID()
	log := b.logger.With().Str("command", command).Int64("user", sender).Logger()

	if !b.allowed(sender) {
		log.Warn().Msg("unauthorized command")
		b.reply(ctx, msg.Chat.ID, alerting.Notice(deniedText))
		return
	}
	log.Info().Msg("command received")

	var reply alerting.Message
	switch command {
	case "start":
		reply = alerting.Notice("Greetings, %s. System operational.", displayName(msg))
	case "help":
		reply = alerting.Notice("/latest - last stored price\n/status - scheduler state\n/fetch - run one cycle now\n/reload - reload configuration")
	case "latest":
		reply = b.latest(ctx)
	case "status":
		reply = b.status()
	case "fetch":
		reply = b.fetch(ctx)
	case "reload":
		reply = b.reload(ctx)
	default:
		reply = alerting.Notice("Unknown command /%s. Try /help.", command)
	}
	b.reply(ctx, msg.Chat.ID, reply)
}

func (b *Bot) latest(ctx context.Context) alerting.Message {
	if b.actions.Report == nil {
		return alerting.Notice("Price history is not available.")
	}
	msg, err := b.actions.Report(ctx)
	if errors.Is(err, service.ErrNoHistory) {
		return alerting.Notice("No price stored yet.")
	}
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to build report")
		return alerting.Notice("❌ Could not read price history: %v", err)
	}
	return msg
}

func (b *Bot) status() alerting.Message {
	if b.actions.Status == nil {
		return alerting.Notice("Scheduler is not running.")
	}
	st := b.actions.Status()
	next := "-"
	if !st.NextTick.IsZero() {
		at := st.NextTick
		if st.Window.Location != nil {
			at = at.In(st.Window.Location)
		}
		next = at.Format("2006-01-02 15:04:05")
	}
	return alerting.Notice("State: %s\nEnabled: %t\nWindow: %s\nNext tick: %s",
		st.State, st.Window.Enabled, st.Window, next)
}

func (b *Bot) fetch(ctx context.Context) alerting.Message {
	if b.actions.Trigger == nil {
		return alerting.Notice("Manual fetch is not available.")
	}
	err := b.actions.Trigger(ctx)
	switch {
	case errors.Is(err, scheduler.ErrBusy):
		return alerting.Notice("⏳ A cycle is already running.")
	case errors.Is(err, scheduler.ErrStopped):
		return alerting.Notice("Scheduler is shutting down.")
	case errors.Is(err, service.ErrLocked):
		return alerting.Notice("⏳ Another instance is running a cycle.")
	case errors.Is(err, service.ErrNoValidPrice):
		return alerting.Notice("❌ Failed to fetch valid price!")
	case err != nil:
		return alerting.Notice("❌ Fetch failed: %v", err)
	}
	return b.latest(ctx)
}

func (b *Bot) reload(ctx context.Context) alerting.Message {
	if b.actions.Reload == nil {
		return alerting.Notice("Reload is not available.")
	}
	if err := b.actions.Reload(ctx); err != nil {
		b.logger.Error().Err(err).Msg("reload failed")
		return alerting.Notice("❌ Reload failed: %v", err)
	}
	return alerting.Notice("✅ Configuration reloaded.")
}

func (b *Bot) reply(ctx context.Context, chatID int64, msg alerting.Message) {
	if err := b.client.Reply(ctx, chatID, msg); err != nil {
		b.logger.Error().Err(err).Int64("chat", chatID).Msg("failed to reply")
	}
}

// parseCommand returns "latest" for "/latest@GoldBot arg", or "" for
// anything that is not a command.
func parseCommand(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	word := strings.Fields(text)[0][1:]
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	return strings.ToLower(word)
}

func displayName(msg *alerting.IncomingText) string {
	if msg.From != nil && msg.From.Username != "" {
		return "@" + msg.From.Username
	}
	return fmt.Sprintf("user %d", msg.SenderID())
}
