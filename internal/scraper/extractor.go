package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Unavailable marks a field that could not be read.
const Unavailable = "N/A"

var (
	// ErrElementNotFound is returned by a Page when the selector matches nothing.
	ErrElementNotFound = errors.New("scraper: element not found")
	// ErrNoValidPrice means at least one requested field produced no usable number.
	ErrNoValidPrice = errors.New("scraper: no valid price")
)

// Page is a live, scriptable document.
type Page interface {
	Text(ctx context.Context, selector string) (string, error)
}

// Options parameterise the stabilization loop.
type Options struct {
	Timeout  time.Duration
	Interval time.Duration
	// Selectors maps logical field names ("estimate") to CSS selectors.
	Selectors map[string]string
}

// Reading is the outcome of one field extraction.
type Reading struct {
	Field  string
	Text   string
	Stable bool
}

// Available reports whether the element was found at all.
func (r Reading) Available() bool {
	return r.Text != Unavailable
}

// Extractor waits for DOM values to stop changing before reading them.
type Extractor struct {
	opts   Options
	logger zerolog.Logger
}

// NewExtractor builds an Extractor; zero durations become 20s and 1s.
func NewExtractor(opts Options, logger zerolog.Logger) *Extractor {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	return &Extractor{opts: opts, logger: logger.With().Str("component", "extractor").Logger()}
}

// Field polls the element bound to field until two consecutive reads agree
// on a value other than "0". When the timeout elapses first, the last text
// seen is returned anyway and Stable is false.
func (e *Extractor) Field(ctx context.Context, page Page, field string) Reading {
	reading := Reading{Field: field, Text: Unavailable}

	selector, ok := e.opts.Selectors[field]
	if !ok || selector == "" {
		e.logger.Error().Str("field", field).Msg("no selector configured for field")
		return reading
	}

	last, err := page.Text(ctx, selector)
	if err != nil {
		e.logReadError(field, selector, err)
		return reading
	}

	for elapsed := time.Duration(0); elapsed < e.opts.Timeout; elapsed += e.opts.Interval {
		if err := sleep(ctx, e.opts.Interval); err != nil {
			// Only a timeout may fall back to the last text.
			e.logger.Warn().Err(err).Str("field", field).Msg("stabilization interrupted")
			return reading
		}

		current, err := page.Text(ctx, selector)
		if err != nil {
			e.logReadError(field, selector, err)
			return reading
		}
		// "0" is what the page shows before its script fills the value in.
		if current == last && current != "0" {
			e.logger.Debug().Str("field", field).Str("text", current).Msg("stable text found")
			reading.Text = current
			reading.Stable = true
			return reading
		}
		last = current
	}

	e.logger.Warn().Str("field", field).Dur("timeout", e.opts.Timeout).Str("text", last).
		Msg("text did not stabilize; using last text")
	reading.Text = last
	return reading
}

// Sample extracts and cleans every requested field. A single missing or
// non-numeric field fails the whole sample.
func (e *Extractor) Sample(ctx context.Context, page Page, fields ...string) (map[string]int64, error) {
	values := make(map[string]int64, len(fields))
	for _, field := range fields {
		reading := e.Field(ctx, page, field)
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrNoValidPrice, field, err)
		}
		if !reading.Available() {
			return nil, fmt.Errorf("%w: %s unavailable", ErrNoValidPrice, field)
		}
		value, ok := CleanNumber(reading.Text)
		if !ok {
			return nil, fmt.Errorf("%w: %s=%q is not a number", ErrNoValidPrice, field, reading.Text)
		}
		values[field] = value
	}
	return values, nil
}

func (e *Extractor) logReadError(field, selector string, err error) {
	if errors.Is(err, ErrElementNotFound) {
		e.logger.Error().Str("field", field).Str("selector", selector).Msg("price element not found")
		return
	}
	e.logger.Error().Err(err).Str("field", field).Str("selector", selector).Msg("page error while reading element")
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
