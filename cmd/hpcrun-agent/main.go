// Command hpcrun-agent is the in-process wiring entrypoint for the sampling
// core: it reads the environment variables a loader process would set
// (spec.md §6), bootstraps the load map from this process's own
// /proc/self/maps, starts one sample source per configured event, and on
// SIGINT/SIGTERM/ABORT_TIMEOUT finalizes every accumulated epoch to disk
// before exiting. The loader process itself — argv parsing, exec of the
// target binary, dynamic-link auditing — is explicitly out of scope (see
// SPEC_FULL.md's Non-goals, "the CLI driver's full flag surface"); this
// binary is what that loader would run inside the target process, so its
// own flags cover only the ambient, ops-facing settings (journal/diag file
// locations, the optional remote collector) that sit outside the
// documented env-var surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/sigtrace/hpcrun/internal/archx"
	"github.com/sigtrace/hpcrun/internal/arena"
	"github.com/sigtrace/hpcrun/internal/config"
	"github.com/sigtrace/hpcrun/internal/diag"
	"github.com/sigtrace/hpcrun/internal/epoch"
	"github.com/sigtrace/hpcrun/internal/journal"
	"github.com/sigtrace/hpcrun/internal/loadmap"
	"github.com/sigtrace/hpcrun/internal/metricreg"
	"github.com/sigtrace/hpcrun/internal/procmaps"
	"github.com/sigtrace/hpcrun/internal/recipe"
	"github.com/sigtrace/hpcrun/internal/sample"
	"github.com/sigtrace/hpcrun/internal/sink"
	"github.com/sigtrace/hpcrun/internal/sources"
	"github.com/sigtrace/hpcrun/internal/unwind"
	"github.com/sigtrace/hpcrun/internal/writer"
)

// selfThreadID is the thread ordinal this single-descriptor demo agent
// reports everywhere a real multi-thread collector would use the OS thread
// ordinal (journal rows, output filenames, IGNORE_THREAD checks).
const selfThreadID = 0

func main() {
	policyPath := flag.String("policy", "", "optional YAML policy file for ignored PC ranges")
	journalPath := flag.String("journal-path", "hpcrun-journal.db", "path to the epoch-flush recovery journal")
	diagPath := flag.String("diag-path", "hpcrun-diag.jsonl", "path to the diagnostic log")
	collectorAddr := flag.String("collector-addr", "", "optional remote collector address; when set, finalized files are also shipped via the remote sink")
	collectorCert := flag.String("collector-cert", "", "mTLS client certificate for -collector-addr")
	collectorKey := flag.String("collector-key", "", "mTLS client key for -collector-addr")
	collectorCA := flag.String("collector-ca", "", "mTLS CA bundle for -collector-addr")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	startedAt := time.Now()

	cfg, err := config.FromEnviron(os.Getenv)
	if err != nil {
		logger.Error("configuration failed", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.IgnoreThread[selfThreadID] {
		logger.Info("thread ordinal is in IGNORE_THREAD, exiting without sampling")
		return
	}

	diagLog, err := diag.Open(*diagPath)
	if err != nil {
		logger.Error("diag log open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer diagLog.Close()

	j, err := journal.Open(*journalPath)
	if err != nil {
		logger.Error("journal open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer j.Close()
	if pending, err := j.Unreclaimed(context.Background()); err == nil && len(pending) > 0 {
		logger.Warn("found unreclaimed epoch flushes from a previous run",
			slog.Int("count", len(pending)))
	}

	lm := loadmap.New()
	nmaps, err := procmaps.Load(lm)
	if err != nil {
		logger.Warn("could not bootstrap load map from /proc/self/maps", slog.Any("error", err))
	} else {
		logger.Info("load map bootstrapped", slog.Int("modules", nmaps))
	}

	var ignore []sample.AddrRange
	if *policyPath != "" {
		policy, err := config.LoadPolicy(*policyPath)
		if err != nil {
			logger.Error("policy load failed", slog.Any("error", err))
			os.Exit(1)
		}
		ignore = ignoreRangesFromPolicy(policy, lm)
	}

	// recipe.New(nil): no binary analyzer is wired in, so every recipe
	// lookup misses and cannot be filled; Cursor.Init then fails with
	// FenceError before any Step, instead of producing a disassembled
	// StandardFrame/SPRelativeReturn/RegisterReturn recipe.
	// Producing real recipes requires parsing the target's own unwind
	// tables (ELF/DWARF CFI), which spec.md's "exact call-path
	// reconstruction" Non-goal places out of scope for this core.
	recipes := recipe.New(nil)
	cursor := unwind.NewCursor(unwind.Config{
		LoadmapMgr: lm,
		Recipes:    recipes,
		Policy:     archx.Default(),
	})

	epochs := epoch.New(lm, cfg.RetainRecursion)
	metrics := metricreg.New()

	// This demo's sample path never allocates through ar: CCT construction
	// uses the garbage collector (see package epoch's doc comment), and no
	// Analyzer is wired in to need scratch space. ar is still constructed
	// and reclaimed alongside every epoch flush below so the arena's
	// OOM-disable and reclaim lifecycle from spec.md §4.A run end-to-end; a
	// future Analyzer or trace-buffer implementation would draw its scratch
	// memory from this same instance.
	ar := arena.New(func() { diagLog.OnceOOM(selfThreadID) })

	dispatcher := sample.NewDispatcher(sample.Config{
		Cursor:     cursor,
		Epochs:     epochs,
		LoadmapMgr: lm,
		Diag:       diagLog,
		Ignore:     ignore,
		Tracing:    cfg.Trace,
	})
	if cfg.DelaySampling {
		dispatcher.Suppress(true)
	}

	srcs, err := buildSources(cfg, metrics, logger)
	if err != nil {
		logger.Error("failed to initialize sample sources", slog.Any("error", err))
		_ = diagLog.Append(diag.KindFatalInit, selfThreadID, err.Error())
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := 0
	for _, src := range srcs {
		if err := src.Start(ctx, dispatcher); err != nil {
			logger.Error("sample source failed to start", slog.String("source", src.Name()), slog.Any("error", err))
			_ = diagLog.Append(diag.KindFatalInit, selfThreadID, fmt.Sprintf("%s: %v", src.Name(), err))
			continue
		}
		started++
		logger.Info("sample source started", slog.String("source", src.Name()))
	}
	if started == 0 {
		logger.Error("no sample source could be started")
		os.Exit(1)
	}

	var profileSink *sink.Sink
	if *collectorAddr != "" {
		profileSink = sink.New(sink.Config{
			CollectorAddr: *collectorAddr,
			CertPath:      *collectorCert,
			KeyPath:       *collectorKey,
			CAPath:        *collectorCA,
			ProgramPath:   os.Args[0],
		}, logger)
		if err := profileSink.Start(ctx); err != nil {
			logger.Error("remote sink failed to start, profiles will be written locally only", slog.Any("error", err))
			profileSink = nil
		}
	}

	if cfg.AbortTimeout > 0 {
		time.AfterFunc(cfg.AbortTimeout, func() {
			logger.Warn("abort timeout elapsed, forcing shutdown", slog.Duration("timeout", cfg.AbortTimeout))
			cancel()
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
	}

	for _, src := range srcs {
		src.Stop()
	}
	dispatcher.Finalize()

	if err := flushEpochs(cfg, epochs, lm, metrics, ar, j, profileSink, startedAt, logger); err != nil {
		logger.Error("flush failed", slog.Any("error", err))
		os.Exit(1)
	}

	if profileSink != nil {
		profileSink.Stop()
	}

	counts := diagLog.Counts()
	logger.Info("hpcrun agent exited cleanly",
		slog.Int64("faulted", counts[diag.KindFaulted]),
		slog.Int64("partial_unwind", counts[diag.KindPartialUnwind]),
		slog.Int64("unresolvable", counts[diag.KindUnresolvable]))
}

// ignoreRangesFromPolicy resolves a policy's module-relative ignore ranges
// against the now-populated load map, turning {path, start_off, end_off}
// entries into the absolute [Start,End) ranges package sample consults on
// its hot path.
func ignoreRangesFromPolicy(policy *config.Policy, lm *loadmap.Manager) []sample.AddrRange {
	var out []sample.AddrRange
	for _, mod := range lm.IterateStable() {
		for _, r := range policy.IgnoreRanges {
			if mod.Path != r.ModulePath {
				continue
			}
			out = append(out, sample.AddrRange{
				Start: mod.Start + uintptr(r.StartOff),
				End:   mod.Start + uintptr(r.EndOff),
			})
		}
	}
	return out
}

// buildSources turns each parsed EVENT_LIST entry into a running sample
// source and registers its metric kind. Frequency events (`@fN`) map onto
// the interval-timer source, the closest Go analogue of a true
// ITIMER_PROF-driven signal (see package sources). Threshold events (`@N`)
// describe a hardware-counter overflow period, which requires the kernel's
// perf_event_open facility (CAP_PERFMON) this module does not implement;
// those are wired to PerfEventStub so misconfiguring one produces a clear
// FatalInit diagnostic rather than silent inaction.
func buildSources(cfg *config.EnvConfig, metrics *metricreg.Registry, logger *slog.Logger) ([]sources.Source, error) {
	var out []sources.Source
	for _, ev := range cfg.Events {
		unit := "events"
		period := ev.Threshold
		if ev.Kind == config.EventKindFrequency {
			unit = "Hz"
			period = uint64(ev.FreqHz)
		}
		mid, err := metrics.Register(ev.Name, unit, period, 0)
		if err != nil {
			return nil, fmt.Errorf("registering metric %q: %w", ev.Name, err)
		}

		switch ev.Kind {
		case config.EventKindFrequency:
			out = append(out, &sources.IntervalTimer{
				Period:    time.Duration(float64(time.Second) / ev.FreqHz),
				MetricID:  mid,
				Increment: 1,
				Snapshot:  selfSnapshot,
				Logger:    logger,
			})
		case config.EventKindThreshold:
			out = append(out, &sources.PerfEventStub{Event: ev.Name})
		}
	}
	return out, nil
}

// selfSnapshot captures this goroutine's current program counter as a real
// address the load map can resolve, standing in for the ucontext_t a
// genuine signal handler would receive (see package sample's doc comment
// for why no portable Go equivalent exists). SP and BP are left zero: Go's
// runtime-managed goroutine stacks don't expose the frame-pointer chain
// this unwinder's recipes describe. With no analyzer wired in (see
// recipe.New(nil) above) Cursor.Init finds no recipe for this PC and fails
// before any Step, so the dispatcher records OutcomeUnresolvable for this
// demo snapshot instead of a plausible-looking but meaningless backtrace.
func selfSnapshot() unwind.Registers {
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	return unwind.Registers{PC: pcs[0]}
}

// flushEpochs writes every accumulated epoch for this thread descriptor out
// through the footer-indexed writer, records the flush in the recovery
// journal, reclaims the arena's freeable half, and marks the journal row
// reclaimed — the full write/record/reclaim sequence spec.md §4.A describes
// for arena reclamation. If a remote sink is configured, the finalized file
// is also enqueued for delivery (best-effort, never blocking).
func flushEpochs(
	cfg *config.EnvConfig,
	epochs *epoch.Manager,
	lm *loadmap.Manager,
	metrics *metricreg.Registry,
	ar *arena.Arena,
	j *journal.Journal,
	profileSink *sink.Sink,
	startedAt time.Time,
	logger *slog.Logger,
) error {
	if err := os.MkdirAll(cfg.OutPath, 0o755); err != nil {
		return fmt.Errorf("create output dir %s: %w", cfg.OutPath, err)
	}

	hostID, err := os.Hostname()
	if err != nil {
		hostID = "unknown"
	}
	programBase := filepath.Base(os.Args[0])

	var metricDefs []writer.MetricDef
	for _, k := range metrics.All() {
		metricDefs = append(metricDefs, writer.MetricDef{Name: k.Name, Unit: k.Unit, Flags: uint32(k.Flags), Period: k.Period})
	}

	filename := writer.BuildFilename(programBase, 0, selfThreadID, hostID, os.Getpid())
	fullPath := filepath.Join(cfg.OutPath, filename)

	w, f, err := writer.Create(fullPath, writer.Config{Metrics: metricDefs})
	if err != nil {
		return err
	}
	defer f.Close()

	header := writer.Header{
		ProgramPath:  os.Args[0],
		PID:          int64(os.Getpid()),
		TID:          selfThreadID,
		HostID:       hostID,
		TraceTimeMin: startedAt.UnixNano(),
		TraceTimeMax: time.Now().UnixNano(),
	}
	if err := w.WriteHeader(header); err != nil {
		return err
	}
	if err := w.WriteEpochs(epochs.History(), lm); err != nil {
		return err
	}
	if err := w.WriteMetricTable(); err != nil {
		return err
	}
	if err := w.WriteSparseMetricIndex(); err != nil {
		return err
	}
	if err := w.Finalize(); err != nil {
		return err
	}

	logger.Info("wrote profile", slog.String("path", fullPath), slog.Int("epochs", epochs.Count()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := j.Record(ctx, selfThreadID, epochs.Current().Generation, fullPath)
	if err != nil {
		logger.Warn("journal record failed", slog.Any("error", err))
	} else {
		ar.Reclaim()
		if err := j.Reclaim(ctx, []int64{id}); err != nil {
			logger.Warn("journal reclaim failed", slog.Any("error", err))
		}
	}

	if profileSink != nil {
		if !profileSink.Enqueue(selfThreadID, fullPath) {
			logger.Warn("remote sink queue full, profile delivered to disk only", slog.String("path", fullPath))
		}
	}

	return nil
}
