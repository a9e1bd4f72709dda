// Package sources implements the sample-source variants of spec.md §6: the
// polymorphic producers that each arrange for some signal or asynchronous
// callback to invoke the sample dispatcher (package sample) with a
// (metric_id, increment) pair. Grounded on the teacher's
// internal/watcher.NetworkWatcher poll-loop shape for the ticker-driven
// variant, and on sample-sources/idle.c / io.c for the I/O and
// blame-shifting variants. Every source, the blame-shifting ones included,
// credits the sampled call path through Dispatcher.Handle; none charges a
// distinguished CCT root such as cct.RootIdle.
package sources

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sigtrace/hpcrun/internal/cct"
	"github.com/sigtrace/hpcrun/internal/sample"
	"github.com/sigtrace/hpcrun/internal/unwind"
)

// Source is the capability set of a sample source: Name, Start and Stop.
// There are no separate init, thread_init or shutdown methods; setup happens
// in Start and teardown in Stop. gen_event_set/display_events/supports_event belong
// to the CLI-facing event parser (internal/config), not to a running
// source, so they are not part of this interface.
type Source interface {
	// Name identifies the source for logging and the metric table.
	Name() string

	// Start begins producing samples against dispatcher d until ctx is
	// cancelled or Stop is called.
	Start(ctx context.Context, d *sample.Dispatcher) error

	// Stop halts sample production; safe to call multiple times and safe
	// to call without a prior Start.
	Stop()
}

// RegisterSnapshot supplies the current thread's register state to a
// Source at the moment it decides to fire a sample. Real delivery
// mechanisms populate this from captured context; synthetic sources (used
// in tests, and by the blame-shift variants below) construct one directly.
type RegisterSnapshot func() unwind.Registers

// IntervalTimer fires samples on a fixed period via time.Ticker, the
// closest Go analogue to the native `ITIMER_PROF`/`setitimer` interval
// timer sample source. Grounded on
// internal/watcher/network_watcher.go's poll-loop shape (ticker + select
// on ctx.Done()).
type IntervalTimer struct {
	Period    time.Duration
	MetricID  cct.MetricID
	Increment float64
	Snapshot  RegisterSnapshot
	Logger    *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func (s *IntervalTimer) Name() string { return "interval-timer" }

// Start launches the background ticker loop. Calling Start while already
// running is a no-op, matching the teacher's watcher Start semantics.
func (s *IntervalTimer) Start(ctx context.Context, d *sample.Dispatcher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	s.wg.Add(1)
	go s.loop(ctx, d)
	return nil
}

func (s *IntervalTimer) loop(ctx context.Context, d *sample.Dispatcher) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			req := sample.Request{
				Regs:      s.Snapshot(),
				MetricID:  s.MetricID,
				Increment: s.Increment,
				Timestamp: now.UnixNano(),
			}
			outcome := d.Handle(req)
			if s.Logger != nil && outcome != sample.OutcomeOK {
				s.Logger.Debug("interval timer sample outcome",
					slog.String("outcome", outcomeString(outcome)))
			}
		}
	}
}

// Stop cancels the background loop and waits for it to exit. Idempotent.
func (s *IntervalTimer) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	started := s.started
	s.started = false
	s.mu.Unlock()

	if !started {
		return
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// SyntheticIOBytes credits a metric proportional to bytes moved by I/O
// calls the host process instruments directly (no kernel tracepoint),
// grounded on sample-sources/io.c's "io bytes read/written" metric. Unlike
// IntervalTimer it has no background loop: callers invoke Record at each
// I/O call site.
type SyntheticIOBytes struct {
	MetricID cct.MetricID
	Snapshot RegisterSnapshot
}

func (s *SyntheticIOBytes) Name() string { return "synthetic-io-bytes" }

func (s *SyntheticIOBytes) Start(context.Context, *sample.Dispatcher) error { return nil }
func (s *SyntheticIOBytes) Stop()                                          {}

// Record credits n bytes to the current call path, to be invoked from an
// I/O call site wrapper.
func (s *SyntheticIOBytes) Record(d *sample.Dispatcher, n int64) sample.Outcome {
	return d.Handle(sample.Request{
		Regs:      s.Snapshot(),
		MetricID:  s.MetricID,
		Increment: float64(n),
		Timestamp: time.Now().UnixNano(),
	})
}

// BlameKind distinguishes the two blame-shift sources: BlameIdle fires only
// on ticks where the thread reports itself idle, BlameWork only on ticks
// where it does not, grounded on sample-sources/idle.c's idle/work
// dichotomy.
type BlameKind int

const (
	BlameIdle BlameKind = iota
	BlameWork
)

// BlameShiftSource periodically credits the time elapsed since its last tick
// to the sampled call path, on the ticks where the thread's idle state (as
// reported by IsIdle) matches Kind. Both kinds go through Dispatcher.Handle,
// so the time lands under the process or partial-unwind root like any other
// sample; neither charges cct.RootIdle or cct.RootNoThread. Grounded on
// sample-sources/idle.c's periodic "is this thread idle right now" poll.
type BlameShiftSource struct {
	Kind     BlameKind
	Period   time.Duration
	MetricID cct.MetricID
	Snapshot RegisterSnapshot
	IsIdle   func() bool // nil means never idle

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func (s *BlameShiftSource) Name() string {
	if s.Kind == BlameIdle {
		return "idle-blame"
	}
	return "work-blame"
}

func (s *BlameShiftSource) Start(ctx context.Context, d *sample.Dispatcher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	s.wg.Add(1)
	go s.loop(ctx, d)
	return nil
}

func (s *BlameShiftSource) loop(ctx context.Context, d *sample.Dispatcher) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.Period)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			elapsed := now.Sub(last).Seconds()
			last = now

			idle := s.IsIdle != nil && s.IsIdle()
			wantIdle := s.Kind == BlameIdle
			if idle != wantIdle {
				continue
			}
			d.Handle(sample.Request{
				Regs:      s.Snapshot(),
				MetricID:  s.MetricID,
				Increment: elapsed,
				Timestamp: now.UnixNano(),
			})
		}
	}
}

func (s *BlameShiftSource) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	started := s.started
	s.started = false
	s.mu.Unlock()

	if !started {
		return
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// PerfEventStub documents the real kernel `perf_event_open` contract
// (spec.md §6's "hardware performance counter" variant) without
// implementing it: wiring a true perf_event overflow signal into this
// dispatcher requires CAP_PERFMON (or the perf_event_paranoid sysctl) and
// an epoll-driven read of the mmap'd ring buffer, which is out of scope
// for this sampling core (see DESIGN.md). Start always fails with a
// descriptive error so a caller who configures this source gets a clear
// FatalInit (spec.md §7) rather than silent inaction.
type PerfEventStub struct {
	Event string
}

func (s *PerfEventStub) Name() string { return "perf-event:" + s.Event }

func (s *PerfEventStub) Start(context.Context, *sample.Dispatcher) error {
	return errPerfEventUnimplemented{event: s.Event}
}

func (s *PerfEventStub) Stop() {}

type errPerfEventUnimplemented struct{ event string }

func (e errPerfEventUnimplemented) Error() string {
	return "perf_event source " + e.event + " requires CAP_PERFMON and a kernel ring-buffer reader; not implemented"
}

func outcomeString(o sample.Outcome) string {
	switch o {
	case sample.OutcomeOK:
		return "ok"
	case sample.OutcomeDropped:
		return "dropped"
	case sample.OutcomeBlockedInCollector:
		return "blocked-in-collector"
	case sample.OutcomePartialUnwind:
		return "partial-unwind"
	case sample.OutcomeUnresolvable:
		return "unresolvable"
	case sample.OutcomeFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}
