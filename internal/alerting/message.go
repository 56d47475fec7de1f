package alerting

import (
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	ptime "github.com/yaa110/go-persian-calendar"

	"gold-price-alerts/internal/storage"
)

// Direction is the trend of the estimate between two snapshots.
type Direction int

const (
	// Unknown means one of the two estimates is missing.
	Unknown Direction = iota
	Up
	Down
	Unchanged
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	case Unchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// Indicator is the emoji shown at the top of the message.
func (d Direction) Indicator() string {
	switch d {
	case Up:
		return "🟢"
	case Down:
		return "🔴"
	case Unchanged:
		return "⚪"
	default:
		return "🟡"
	}
}

// Calendar selects how timestamps are written.
type Calendar string

const (
	CalendarJalali    Calendar = "jalali"
	CalendarGregorian Calendar = "gregorian"
)

// NotAvailable replaces any missing figure.
const NotAvailable = "N/A"

// mesghalToGram is the number of grams in one mesghal.
var mesghalToGram = decimal.RequireFromString("4.331802")

// ComposeOptions control timestamp rendering.
type ComposeOptions struct {
	Location *time.Location
	Calendar Calendar
}

// Message is a rendered notification. Trend messages carry prices; notices
// carry free text only.
type Message struct {
	Direction   Direction
	Estimate    *int64
	Buy         *int64
	Sell        *int64
	BuyPerGram  *int64
	SellPerGram *int64
	Timestamp   string

	notice string
}

// Notice wraps plain text such as an admin alert.
func Notice(format string, args ...interface{}) Message {
	return Message{notice: fmt.Sprintf(format, args...)}
}

// IsNotice reports whether m is free text rather than a price report.
func (m Message) IsNotice() bool { return m.notice != "" }

// Compare picks the trend indicator for current against previous.
func Compare(current, previous *storage.Snapshot) Direction {
	if current == nil || previous == nil || current.Estimate == nil || previous.Estimate == nil {
		return Unknown
	}
	switch cur, prev := *current.Estimate, *previous.Estimate; {
	case cur > prev:
		return Up
	case cur < prev:
		return Down
	default:
		return Unchanged
	}
}

// Compose builds the trend message for current.
func Compose(current, previous *storage.Snapshot, opts ComposeOptions) Message {
	msg := Message{Direction: Compare(current, previous), Timestamp: NotAvailable}
	if current == nil {
		return msg
	}
	msg.Estimate = current.Estimate
	msg.Buy = current.Buy
	msg.Sell = current.Sell
	msg.BuyPerGram = PerGram(current.Buy)
	msg.SellPerGram = PerGram(current.Sell)
	if !current.CreatedAt.IsZero() {
		msg.Timestamp = FormatTimestamp(current.CreatedAt, opts)
	}
	return msg
}

// PerGram converts a per-mesghal price to per-gram, rounding half to even.
func PerGram(price *int64) *int64 {
	if price == nil {
		return nil
	}
	v := decimal.NewFromInt(*price).Div(mesghalToGram).RoundBank(0).IntPart()
	return &v
}

// FormatTimestamp renders t as YYYY/MM/DD - HH:MM:SS in the configured zone
// and calendar.
func FormatTimestamp(t time.Time, opts ComposeOptions) string {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)

	if opts.Calendar == CalendarGregorian {
		return t.Format("2006/01/02 - 15:04:05")
	}
	pt := ptime.New(t)
	return fmt.Sprintf("%04d/%02d/%02d - %02d:%02d:%02d",
		pt.Year(), int(pt.Month()), pt.Day(), pt.Hour(), pt.Minute(), pt.Second())
}

// HTML renders the message for Telegram's HTML parse mode.
func (m Message) HTML() string {
	if m.IsNotice() {
		return html.EscapeString(m.notice)
	}

	var b strings.Builder
	b.WriteString(m.Direction.Indicator() + " <b>گزارش لحظه‌ای قیمت طلا</b>\n\n")
	b.WriteString("💵 <b>خرید</b>\n")
	b.WriteString("• 🪙 <b>مظنه:</b> " + toman(m.Buy) + "\n")
	b.WriteString("• ⚖️ <b>قیمت هر گرم:</b> " + toman(m.BuyPerGram) + "\n\n")
	b.WriteString("💰 <b>فروش</b>\n")
	b.WriteString("• 🪙 <b>مظنه:</b> " + toman(m.Sell) + "\n")
	b.WriteString("• ⚖️ <b>قیمت هر گرم:</b> " + toman(m.SellPerGram) + "\n\n")
	b.WriteString("⏱️ <b>تاریخ و زمان:</b> " + html.EscapeString(m.Timestamp))
	return b.String()
}

// Text is a plain rendering for logs and the terminal.
func (m Message) Text() string {
	if m.IsNotice() {
		return m.notice
	}
	return fmt.Sprintf("%s %s | estimate %s | buy %s (%s/g) | sell %s (%s/g) | %s",
		m.Direction.Indicator(), m.Direction,
		Grouped(m.Estimate),
		Grouped(m.Buy), Grouped(m.BuyPerGram),
		Grouped(m.Sell), Grouped(m.SellPerGram),
		m.Timestamp)
}

func toman(v *int64) string {
	if v == nil {
		return NotAvailable
	}
	return Grouped(v) + " تومان"
}

// Grouped formats v with comma thousands separators.
func Grouped(v *int64) string {
	if v == nil {
		return NotAvailable
	}
	s := strconv.FormatInt(*v, 10)
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	if len(s) <= 3 {
		return sign + s
	}

	var b strings.Builder
	head := len(s) % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return sign + b.String()
}
