package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Notifier 定义消息输送接口。
type Notifier interface {
	// SendToChannel posts a message to the public channel.
	SendToChannel(ctx context.Context, channelID string, msg Message) error
	// NotifyAdmins tries every admin; the joined error lists the failures.
	NotifyAdmins(ctx context.Context, msg Message) error
}

// TelegramOptions 描述 Telegram Bot API 连接参数。
type TelegramOptions struct {
	Token    string
	AdminIDs []int64
	BaseURL  string
	ProxyURL string
	Timeout  time.Duration
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	token   string
	baseURL string

	mu       sync.RWMutex
	adminIDs []int64

	client *http.Client
	poller *http.Client
	logger zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 推送器。
func NewTelegramNotifier(opts TelegramOptions, logger zerolog.Logger) (*TelegramNotifier, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.telegram.org"
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.ProxyURL != "" {
		proxy, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse telegram proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}

	return &TelegramNotifier{
		token:    opts.Token,
		adminIDs: append([]int64(nil), opts.AdminIDs...),
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		client:   &http.Client{Timeout: opts.Timeout, Transport: transport},
		// long polls are bounded by the caller's context instead
		poller: &http.Client{Transport: transport},
		logger: logger.With().Str("component", "alert_telegram").Logger(),
	}, nil
}

// SendToChannel 调用 sendMessage API 推送到频道。
func (n *TelegramNotifier) SendToChannel(ctx context.Context, channelID string, msg Message) error {
	if channelID == "" {
		return errors.New("telegram channel id not configured")
	}
	if err := n.sendMessage(ctx, channelID, msg.HTML()); err != nil {
		return err
	}
	n.logger.Info().Str("channel", channelID).
		Str("direction", msg.Direction.String()).
		Msg("消息已发送 (Telegram)")
	return nil
}

// SetAdmins replaces the admin recipients.
func (n *TelegramNotifier) SetAdmins(ids []int64) {
	n.mu.Lock()
	n.adminIDs = append([]int64(nil), ids...)
	n.mu.Unlock()
}

// NotifyAdmins sends msg to every configured admin.
func (n *TelegramNotifier) NotifyAdmins(ctx context.Context, msg Message) error {
	n.mu.RLock()
	admins := n.adminIDs
	n.mu.RUnlock()
	if len(admins) == 0 {
		n.logger.Warn().Msg("no admin chat ids configured; admin notice dropped")
		return nil
	}

	var errs []error
	for _, id := range admins {
		if err := n.sendMessage(ctx, id, msg.HTML()); err != nil {
			n.logger.Error().Err(err).Int64("admin", id).Msg("failed to notify admin")
			errs = append(errs, fmt.Errorf("admin %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Reply answers a command in the chat it came from.
func (n *TelegramNotifier) Reply(ctx context.Context, chatID int64, msg Message) error {
	return n.sendMessage(ctx, chatID, msg.HTML())
}

// Update is the subset of a Telegram update the command loop reads.
type Update struct {
	UpdateID int64         `json:"update_id"`
	Message  *IncomingText `json:"message"`
}

// User identifies the sender of a message.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// IncomingText is a chat message sent to the bot.
type IncomingText struct {
	MessageID int64 `json:"message_id"`
	From      *User `json:"from"`
	Chat      struct {
		ID   int64  `json:"id"`
		Type string `json:"type"`
	} `json:"chat"`
	Text string `json:"text"`
}

// SenderID returns the user id, or zero for channel posts.
func (m *IncomingText) SenderID() int64 {
	if m == nil || m.From == nil {
		return 0
	}
	return m.From.ID
}

// GetUpdates long-polls for updates after offset.
func (n *TelegramNotifier) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	q := url.Values{}
	q.Set("offset", strconv.FormatInt(offset, 10))
	q.Set("timeout", strconv.Itoa(int(timeout/time.Second)))
	q.Set("allowed_updates", `["message"]`)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.endpoint("getUpdates")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create telegram request: %w", err)
	}

	var updates []Update
	if err := n.do(n.poller, req, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func (n *TelegramNotifier) sendMessage(ctx context.Context, chatID interface{}, text string) error {
	payload := map[string]interface{}{
		"chat_id":                  chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint("sendMessage"), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return n.do(n.client, req, nil)
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

func (n *TelegramNotifier) do(client *http.Client, req *http.Request, result interface{}) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	var parsed apiResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if decodeErr == nil && parsed.Description != "" {
			return fmt.Errorf("telegram 响应码异常: %d (%s)", resp.StatusCode, parsed.Description)
		}
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}
	if decodeErr != nil {
		return fmt.Errorf("decode telegram response: %w", decodeErr)
	}
	if !parsed.OK {
		return fmt.Errorf("telegram 返回 ok=false: %s", parsed.Description)
	}
	if result != nil && len(parsed.Result) > 0 {
		if err := json.Unmarshal(parsed.Result, result); err != nil {
			return fmt.Errorf("decode telegram result: %w", err)
		}
	}
	return nil
}

func (n *TelegramNotifier) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", n.baseURL, n.token, method)
}

// LogNotifier writes messages to the log instead of delivering them. It
// stands in when Telegram is disabled.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier builds a LogNotifier.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

func (l *LogNotifier) SendToChannel(ctx context.Context, channelID string, msg Message) error {
	l.logger.Info().Str("channel", channelID).Str("direction", msg.Direction.String()).Msg(msg.Text())
	return nil
}

func (l *LogNotifier) NotifyAdmins(ctx context.Context, msg Message) error {
	l.logger.Warn().Msg(msg.Text())
	return nil
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
)
