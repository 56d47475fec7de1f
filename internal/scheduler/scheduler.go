package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// JobFunc is invoked for every tick that falls inside the window.
type JobFunc func(ctx context.Context, slot time.Time) error

// State is the scheduler lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateScheduled
	StateRunning
	StateDisabled
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	case StateDisabled:
		return "disabled"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrBusy is returned by RunNow when another cycle is in flight.
	ErrBusy = errors.New("scheduler: cycle already running")
	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("scheduler: stopped")
)

// Options tune scheduler behaviour.
type Options struct {
	Window           Window
	AlignToStart     bool
	StartupDelay     time.Duration
	MisfireTolerance time.Duration
	// Now overrides the wall clock; tests only.
	Now func() time.Time
}

// Status is a point-in-time view for operators.
type Status struct {
	State    State
	Window   Window
	NextTick time.Time
}

// Scheduler fires a job on a fixed cadence, gated by a daily window, with at
// most one job in flight.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	window   atomic.Pointer[Window]
	inflight atomic.Bool
	looping  atomic.Bool
	nextTick atomic.Int64

	mu       sync.Mutex
	stopped  bool
	stopCh   chan struct{}
	loopDone chan struct{}
	cycles   sync.WaitGroup
}

// New constructs a Scheduler for a valid window.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	if err := opts.Window.Validate(); err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    now,
		stopCh: make(chan struct{}),
	}
	w := opts.Window
	s.window.Store(&w)
	return s, nil
}

// Window returns the active window configuration.
func (s *Scheduler) Window() Window {
	return *s.window.Load()
}

// Reload atomically replaces the window. A cycle already running finishes
// under the configuration it started with.
func (s *Scheduler) Reload(w Window) error {
	if err := w.Validate(); err != nil {
		return err
	}
	s.window.Store(&w)
	s.logger.Info().Str("window", w.String()).Bool("enabled", w.Enabled).Msg("scheduler window reloaded")
	return nil
}

// State reports the lifecycle position.
func (s *Scheduler) State() State {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()

	switch {
	case stopped:
		return StateStopped
	case s.inflight.Load():
		return StateRunning
	case !s.Window().Enabled:
		return StateDisabled
	case s.looping.Load():
		return StateScheduled
	default:
		return StateIdle
	}
}

// Status returns state, window and next planned tick.
func (s *Scheduler) Status() Status {
	st := Status{State: s.State(), Window: s.Window()}
	if ns := s.nextTick.Load(); ns != 0 {
		st.NextTick = time.Unix(0, ns)
	}
	return st
}

// Run blocks, dispatching the job at each interval until ctx is cancelled or
// Stop is called. In-flight cycles are drained before Run returns.
func (s *Scheduler) Run(ctx context.Context, job JobFunc) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.looping.Load() {
		s.mu.Unlock()
		return errors.New("scheduler: already running")
	}
	done := make(chan struct{})
	s.loopDone = done
	s.looping.Store(true)
	s.mu.Unlock()

	defer func() {
		s.nextTick.Store(0)
		s.cycles.Wait()
		s.mu.Lock()
		s.looping.Store(false)
		s.mu.Unlock()
		close(done)
	}()

	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.stopCh:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}

	next := s.nextSlot(s.now())
	for {
		delay := next.Sub(s.now())
		if delay < 0 {
			delay = 0
		}
		s.nextTick.Store(next.UnixNano())

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.stopCh:
			timer.Stop()
			return nil
		case <-timer.C:
		}

		fired := s.now()
		s.fire(ctx, next, fired, job)
		next = s.advance(next, fired)
	}
}

// Stop cancels the timer and waits for any in-flight cycle. Safe to call
// more than once and before Run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	first := !s.stopped
	if first {
		s.stopped = true
		close(s.stopCh)
	}
	done := s.loopDone
	looping := s.looping.Load()
	s.mu.Unlock()

	if looping {
		<-done
	}
	s.cycles.Wait()
	if first {
		s.logger.Info().Msg("scheduler stopped")
	}
}

// RunNow executes the job immediately, outside the window check but under the
// single-flight guard. Like a scheduled cycle, the job is not cancelled with
// ctx once it has started; Stop waits for it.
func (s *Scheduler) RunNow(ctx context.Context, job JobFunc) error {
	if !s.begin() {
		if s.isStopped() {
			return ErrStopped
		}
		return ErrBusy
	}
	defer s.finish()
	return job(context.WithoutCancel(ctx), s.now())
}

// fire drops slots observed too late to still represent their schedule.
func (s *Scheduler) fire(ctx context.Context, slot, fired time.Time, job JobFunc) bool {
	if late := fired.Sub(slot); s.opts.MisfireTolerance > 0 && late > s.opts.MisfireTolerance {
		s.logger.Warn().Time("slot", slot).Dur("late", late).Msg("tick misfired; skipping slot")
		return false
	}
	return s.dispatch(ctx, slot, job)
}

func (s *Scheduler) dispatch(ctx context.Context, slot time.Time, job JobFunc) bool {
	w := s.Window()
	if !w.Enabled {
		s.logger.Debug().Time("slot", slot).Msg("scheduler disabled; tick ignored")
		return false
	}
	if !w.Contains(slot) {
		s.logger.Debug().Time("slot", slot).Str("window", w.String()).Msg("outside working hours; tick ignored")
		return false
	}
	if !s.begin() {
		s.logger.Info().Time("slot", slot).Msg("previous cycle still running; tick coalesced")
		return false
	}

	// Shutdown must not interrupt a cycle between its append and its delivery.
	cycleCtx := context.WithoutCancel(ctx)
	go func() {
		defer s.finish()
		s.logger.Info().Time("slot", slot).Msg("executing scheduled tick")
		if err := job(cycleCtx, slot); err != nil {
			s.logger.Error().Err(err).Time("slot", slot).Msg("tick execution failed")
		}
	}()
	return true
}

// begin claims the single-flight slot.
func (s *Scheduler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if !s.inflight.CompareAndSwap(false, true) {
		return false
	}
	s.cycles.Add(1)
	return true
}

func (s *Scheduler) finish() {
	s.inflight.Store(false)
	s.cycles.Done()
}

func (s *Scheduler) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Scheduler) interval() time.Duration {
	return s.Window().Interval
}

func (s *Scheduler) nextSlot(now time.Time) time.Time {
	interval := s.interval()
	if !s.opts.AlignToStart {
		return now.Add(interval)
	}
	slot := alignTo(now, interval, s.Window().Location)
	if !slot.After(now) {
		slot = slot.Add(interval)
	}
	return slot
}

// advance moves past slots that already elapsed, so a long pause never
// produces a burst of catch-up ticks.
func (s *Scheduler) advance(prev, now time.Time) time.Time {
	next := prev.Add(s.interval())
	if next.After(now) {
		return next
	}
	return s.nextSlot(now)
}

// alignTo truncates t to a multiple of interval counted from local midnight,
// so "every 5 minutes" lands on :00, :05, ... in the window's timezone.
func alignTo(t time.Time, interval time.Duration, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	elapsed := local.Sub(midnight)
	return midnight.Add(elapsed - elapsed%interval)
}
