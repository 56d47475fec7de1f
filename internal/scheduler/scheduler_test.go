package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
)

func tehran(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Tehran")
	if err != nil {
		t.Fatalf("load Asia/Tehran: %v", err)
	}
	return loc
}

func workingHours(t *testing.T) Window {
	return Window{
		Enabled:  true,
		Start:    MustParseTimeOfDay("11:00"),
		End:      MustParseTimeOfDay("20:30"),
		Location: tehran(t),
		Interval: 5 * time.Minute,
	}
}

func mustNew(t *testing.T, opts Options, logger zerolog.Logger) *Scheduler {
	t.Helper()
	s, err := New(opts, logger)
	if err != nil {
		t.Fatalf("构造 scheduler 失败: %v", err)
	}
	return s
}

func allDay(interval time.Duration) Window {
	return Window{
		Enabled:  true,
		Start:    MustParseTimeOfDay("00:00"),
		End:      MustParseTimeOfDay("23:59:59"),
		Location: time.UTC,
		Interval: interval,
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tod, err := ParseTimeOfDay("20:30")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tod.Hour != 20 || tod.Minute != 30 || tod.Second != 0 {
		t.Fatalf("unexpected value %+v", tod)
	}
	if tod.String() != "20:30" {
		t.Fatalf("unexpected string %q", tod.String())
	}

	for _, bad := range []string{"", "20", "24:00", "11:60", "aa:bb", "1:2:3:4"} {
		if _, err := ParseTimeOfDay(bad); err == nil {
			t.Fatalf("%q should be rejected", bad)
		}
	}
}

func TestWindowContains(t *testing.T) {
	w := workingHours(t)
	loc := w.Location

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before start", time.Date(2025, 1, 5, 10, 59, 0, 0, loc), false},
		{"at start", time.Date(2025, 1, 5, 11, 0, 0, 0, loc), true},
		{"midday", time.Date(2025, 1, 5, 15, 0, 0, 0, loc), true},
		{"at end", time.Date(2025, 1, 5, 20, 30, 0, 0, loc), true},
		{"after end", time.Date(2025, 1, 5, 21, 0, 0, 0, loc), false},
		// 08:00 UTC is 11:30 in Tehran.
		{"utc input converted", time.Date(2025, 1, 5, 8, 0, 0, 0, time.UTC), true},
	}
	for _, tc := range cases {
		if got := w.Contains(tc.at); got != tc.want {
			t.Fatalf("%s: Contains(%s) = %v, want %v", tc.name, tc.at, got, tc.want)
		}
	}
}

func TestWindowValidate(t *testing.T) {
	w := workingHours(t)
	if err := w.Validate(); err != nil {
		t.Fatalf("valid window rejected: %v", err)
	}

	w.Start, w.End = w.End, w.Start
	if err := w.Validate(); err == nil {
		t.Fatal("start after end should be rejected")
	}

	w = workingHours(t)
	w.Interval = 0
	if err := w.Validate(); err == nil {
		t.Fatal("zero interval should be rejected")
	}
}

func TestTickOutsideWindowIsNoop(t *testing.T) {
	w := workingHours(t)
	s := mustNew(t, Options{Window: w}, zerolog.Nop())

	var runs atomic.Int32
	job := func(ctx context.Context, slot time.Time) error {
		runs.Add(1)
		return nil
	}

	slot := time.Date(2025, 1, 5, 21, 0, 0, 0, w.Location)
	if s.dispatch(context.Background(), slot, job) {
		t.Fatal("21:00 is outside 11:00-20:30 and must not dispatch")
	}
	s.Stop()
	if runs.Load() != 0 {
		t.Fatalf("job ran %d times outside window", runs.Load())
	}
}

func TestDisabledWindowIgnoresTicks(t *testing.T) {
	w := allDay(time.Minute)
	w.Enabled = false
	s := mustNew(t, Options{Window: w}, zerolog.Nop())
	defer s.Stop()

	if s.State() != StateDisabled {
		t.Fatalf("expected disabled state, got %s", s.State())
	}
	if s.dispatch(context.Background(), time.Now(), func(context.Context, time.Time) error { return nil }) {
		t.Fatal("disabled scheduler must not dispatch")
	}
}

func TestSingleFlightCoalescesConcurrentTicks(t *testing.T) {
	s := mustNew(t, Options{Window: allDay(time.Minute)}, zerolog.Nop())

	release := make(chan struct{})
	started := make(chan struct{}, 2)
	var runs atomic.Int32
	job := func(ctx context.Context, slot time.Time) error {
		runs.Add(1)
		started <- struct{}{}
		<-release
		return nil
	}

	slot := time.Date(2025, 1, 5, 12, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	var dispatched atomic.Int32
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.dispatch(context.Background(), slot, job) {
				dispatched.Add(1)
			}
		}()
	}
	wg.Wait()
	<-started

	if s.State() != StateRunning {
		t.Fatalf("expected running state, got %s", s.State())
	}
	if err := s.RunNow(context.Background(), job); !errors.Is(err, ErrBusy) {
		t.Fatalf("RunNow during a cycle should report busy, got %v", err)
	}

	close(release)
	s.Stop()

	if dispatched.Load() != 1 || runs.Load() != 1 {
		t.Fatalf("expected exactly one cycle, dispatched=%d runs=%d", dispatched.Load(), runs.Load())
	}
}

func TestMisfiredTickIsDropped(t *testing.T) {
	s := mustNew(t, Options{Window: allDay(time.Minute), MisfireTolerance: 30 * time.Second}, zerolog.Nop())
	defer s.Stop()

	var runs atomic.Int32
	done := make(chan struct{}, 1)
	job := func(ctx context.Context, slot time.Time) error {
		runs.Add(1)
		done <- struct{}{}
		return nil
	}

	slot := time.Date(2025, 1, 5, 12, 0, 0, 0, time.UTC)
	if s.fire(context.Background(), slot, slot.Add(31*time.Second), job) {
		t.Fatal("tick 31s late should be dropped")
	}
	if !s.fire(context.Background(), slot, slot.Add(5*time.Second), job) {
		t.Fatal("tick 5s late should run")
	}
	<-done
	if runs.Load() != 1 {
		t.Fatalf("expected one run, got %d", runs.Load())
	}
}

func TestStopDrainsInFlightCycle(t *testing.T) {
	s := mustNew(t, Options{Window: allDay(10 * time.Millisecond)}, zerolog.Nop())

	started := make(chan struct{})
	var once sync.Once
	var finished atomic.Bool
	job := func(ctx context.Context, slot time.Time) error {
		once.Do(func() { close(started) })
		time.Sleep(50 * time.Millisecond)
		if ctx.Err() != nil {
			t.Errorf("cycle context cancelled during shutdown: %v", ctx.Err())
		}
		finished.Store(true)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx, job) }()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	cancel()
	s.Stop()
	if !finished.Load() {
		t.Fatal("Stop returned before the in-flight cycle finished")
	}
	s.Stop()

	if err := <-runErr; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected Run error: %v", err)
	}
	if s.State() != StateStopped {
		t.Fatalf("expected stopped state, got %s", s.State())
	}
	if err := s.RunNow(context.Background(), job); !errors.Is(err, ErrStopped) {
		t.Fatalf("RunNow after Stop should fail with ErrStopped, got %v", err)
	}
}

func TestStopBeforeRun(t *testing.T) {
	s := mustNew(t, Options{Window: allDay(time.Minute)}, zerolog.Nop())
	s.Stop()
	if err := s.Run(context.Background(), nil); !errors.Is(err, ErrStopped) {
		t.Fatalf("Run after Stop should return ErrStopped, got %v", err)
	}
}

func TestReloadSwapsWindow(t *testing.T) {
	s := mustNew(t, Options{Window: allDay(time.Minute)}, zerolog.Nop())
	defer s.Stop()

	next := workingHours(t)
	next.Interval = 10 * time.Minute
	if err := s.Reload(next); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got := s.Window(); got.Interval != 10*time.Minute || got.Start != next.Start {
		t.Fatalf("window not swapped: %+v", got)
	}

	bad := next
	bad.Start, bad.End = bad.End, bad.Start
	if err := s.Reload(bad); err == nil {
		t.Fatal("invalid window should be rejected")
	}
	if s.Window().Start != next.Start {
		t.Fatal("rejected reload must keep the previous window")
	}
}

func TestAlignedSlots(t *testing.T) {
	loc := tehran(t)
	s := mustNew(t, Options{Window: Window{Enabled: true, Location: loc, Interval: 5 * time.Minute, End: MustParseTimeOfDay("23:59")}, AlignToStart: true}, zerolog.Nop())
	defer s.Stop()

	now := time.Date(2025, 1, 5, 11, 2, 17, 0, loc)
	next := s.nextSlot(now)
	want := time.Date(2025, 1, 5, 11, 5, 0, 0, loc)
	if !next.Equal(want) {
		t.Fatalf("next slot = %s, want %s", next, want)
	}

	// A long stall skips straight to the next future slot.
	after := s.advance(want, time.Date(2025, 1, 5, 11, 31, 0, 0, loc))
	if !after.Equal(time.Date(2025, 1, 5, 11, 35, 0, 0, loc)) {
		t.Fatalf("advance after stall = %s", after)
	}
}

func TestNewRejectsInvalidWindow(t *testing.T) {
	w := allDay(0)
	if _, err := New(Options{Window: w}, zerolog.Nop()); err == nil {
		t.Fatal("zero interval should be rejected")
	}
	w = allDay(time.Minute)
	w.Location = nil
	if _, err := New(Options{Window: w}, zerolog.Nop()); err == nil {
		t.Fatal("missing timezone should be rejected")
	}
}

func TestRunNowSurvivesCallerCancel(t *testing.T) {
	s := mustNew(t, Options{Window: allDay(time.Minute)}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	jobErr := make(chan error, 1)
	go func() {
		jobErr <- s.RunNow(ctx, func(jobCtx context.Context, slot time.Time) error {
			close(started)
			<-release
			return jobCtx.Err()
		})
	}()

	<-started
	cancel()

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned before the manual cycle finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	if err := <-jobErr; err != nil {
		t.Fatalf("job context was cancelled with the caller: %v", err)
	}
	<-stopped
}
