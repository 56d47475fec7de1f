package scraper

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

// SessionOptions configure the headless browser.
type SessionOptions struct {
	URL               string
	Headless          bool
	UserAgent         string
	ExecPath          string
	NavigationTimeout time.Duration
	ReadTimeout       time.Duration
}

// Session is one long-lived Chrome tab pointed at the price page. It is
// opened once, reused by every cycle and closed on shutdown.
type Session struct {
	opts   SessionOptions
	logger zerolog.Logger

	mu          sync.Mutex
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	navigated   bool
	closed      bool
}

// NewSession prepares a session; nothing starts until Open.
func NewSession(opts SessionOptions, logger zerolog.Logger) *Session {
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 30 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	return &Session{opts: opts, logger: logger.With().Str("component", "browser").Logger()}
}

// Open starts Chrome and navigates to the configured URL.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(ctx)
}

func (s *Session) openLocked(ctx context.Context) error {
	if s.closed {
		return errors.New("browser session closed")
	}
	if s.opts.URL == "" {
		return errors.New("scraper url not configured")
	}

	if s.tabCtx == nil {
		allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", s.opts.Headless),
			chromedp.DisableGPU,
			chromedp.NoSandbox,
			chromedp.Flag("disable-dev-shm-usage", true),
		)
		if s.opts.UserAgent != "" {
			allocOpts = append(allocOpts, chromedp.UserAgent(s.opts.UserAgent))
		}
		if s.opts.ExecPath != "" {
			allocOpts = append(allocOpts, chromedp.ExecPath(s.opts.ExecPath))
		}

		allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocOpts...)
		tabCtx, tabCancel := chromedp.NewContext(allocCtx)

		s.logger.Info().Bool("headless", s.opts.Headless).Msg("starting chrome")
		// The first Run on the tab context launches the browser; it must not
		// carry a deadline or the browser dies with it.
		if err := chromedp.Run(tabCtx); err != nil {
			tabCancel()
			allocCancel()
			return fmt.Errorf("start chrome: %w", err)
		}
		s.allocCancel, s.tabCtx, s.tabCancel = allocCancel, tabCtx, tabCancel
	}

	navCtx, cancel := s.bind(ctx, s.opts.NavigationTimeout)
	defer cancel()

	s.logger.Info().Str("url", s.opts.URL).Msg("navigating")
	if err := chromedp.Run(navCtx, chromedp.Navigate(s.opts.URL)); err != nil {
		return fmt.Errorf("navigate to %s: %w", s.opts.URL, err)
	}
	s.navigated = true
	return nil
}

// Text returns the rendered text of the first element matching selector.
func (s *Session) Text(ctx context.Context, selector string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.navigated {
		if err := s.openLocked(ctx); err != nil {
			return "", err
		}
	}

	readCtx, cancel := s.bind(ctx, s.opts.ReadTimeout)
	defer cancel()

	var result struct {
		Found bool   `json:"found"`
		Text  string `json:"text"`
	}
	script := fmt.Sprintf(`(() => { const el = document.querySelector(%s); return el ? {found: true, text: el.innerText.trim()} : {found: false, text: ""}; })()`,
		strconv.Quote(selector))
	if err := chromedp.Run(readCtx, chromedp.Evaluate(script, &result)); err != nil {
		// Force a fresh navigation on the next read.
		s.navigated = false
		return "", fmt.Errorf("evaluate %s: %w", selector, err)
	}
	if !result.Found {
		return "", ErrElementNotFound
	}
	return result.Text, nil
}

// Close shuts the browser down. Further calls are no-ops.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.navigated = false

	var err error
	if s.tabCtx != nil {
		err = chromedp.Cancel(s.tabCtx)
		s.tabCancel()
		s.allocCancel()
		s.tabCtx = nil
	}
	s.logger.Info().Msg("browser closed")
	return err
}

// bind derives a chromedp context that also ends when the caller's ctx does.
func (s *Session) bind(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(s.tabCtx, timeout)
	stop := context.AfterFunc(ctx, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

var _ Page = (*Session)(nil)
