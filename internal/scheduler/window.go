package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a wall-clock time without a date.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// ParseTimeOfDay accepts "HH:MM" or "HH:MM:SS".
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: want HH:MM", s)
	}

	values := make([]int, 3)
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return TimeOfDay{}, fmt.Errorf("invalid time of day %q: %w", s, err)
		}
		values[i] = n
	}

	tod := TimeOfDay{Hour: values[0], Minute: values[1], Second: values[2]}
	if tod.Hour < 0 || tod.Hour > 23 || tod.Minute < 0 || tod.Minute > 59 || tod.Second < 0 || tod.Second > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: out of range", s)
	}
	return tod, nil
}

// MustParseTimeOfDay is ParseTimeOfDay for constants.
func MustParseTimeOfDay(s string) TimeOfDay {
	tod, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return tod
}

// Offset returns the duration since midnight.
func (t TimeOfDay) Offset() time.Duration {
	return time.Duration(t.Hour)*time.Hour + time.Duration(t.Minute)*time.Minute + time.Duration(t.Second)*time.Second
}

func (t TimeOfDay) String() string {
	if t.Second != 0 {
		return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
	}
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// Window gates execution to a daily time range in a timezone.
type Window struct {
	Enabled  bool
	Start    TimeOfDay
	End      TimeOfDay
	Location *time.Location
	Interval time.Duration
}

// Validate rejects windows the scheduler cannot honour.
func (w Window) Validate() error {
	if w.Interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive")
	}
	if w.Location == nil {
		return fmt.Errorf("scheduler timezone is required")
	}
	if w.Start.Offset() > w.End.Offset() {
		return fmt.Errorf("scheduler start %s is after end %s", w.Start, w.End)
	}
	return nil
}

// Contains reports whether t, converted to the window's timezone, falls
// inside [Start, End]. Both bounds are inclusive.
func (w Window) Contains(t time.Time) bool {
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	offset := time.Duration(local.Hour())*time.Hour +
		time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second +
		time.Duration(local.Nanosecond())

	return offset >= w.Start.Offset() && offset <= w.End.Offset()
}

func (w Window) String() string {
	tz := "UTC"
	if w.Location != nil {
		tz = w.Location.String()
	}
	return fmt.Sprintf("%s-%s %s every %s", w.Start, w.End, tz, w.Interval)
}
