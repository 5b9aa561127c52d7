// Package watch polls targets on an interval and announces builds the
// store has not seen. Scheduling and retry live here, outside the scan
// pipeline: a failed round is logged and tried again on the next tick.
//
// Typical usage:
//
//	r := watch.New(scanner, store, targets, watch.Options{Interval: 5 * time.Minute, Notifier: n})
//	go r.Run(ctx)
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/bundlewatch/bundle"
	"github.com/hazyhaar/bundlewatch/idgen"
	"github.com/hazyhaar/bundlewatch/kit"
	"github.com/hazyhaar/bundlewatch/known"
	"github.com/hazyhaar/bundlewatch/notify"
)

// Observer decides whether a record is new and keeps the log of scan
// outcomes. A record is committed only after it has been announced.
// *known.Store implements it.
type Observer interface {
	Peek(ctx context.Context, rec *bundle.Record) (*known.Observation, error)
	Commit(ctx context.Context, rec *bundle.Record, obs *known.Observation) error
	RecordRun(ctx context.Context, r known.Run) error
}

// Options tunes the runner.
type Options struct {
	// Interval between rounds. Default: 5m.
	Interval time.Duration
	// Concurrency is the number of targets scanned at once. Default: 1.
	Concurrency int
	// Notifier announces new builds. Nil only records them.
	Notifier notify.Notifier
	// NewID generates run IDs. Default: idgen.Default.
	NewID  idgen.Generator
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = 5 * time.Minute
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.NewID == nil {
		o.NewID = idgen.Default
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Runner scans a fixed set of targets every Interval. It is safe for
// concurrent use.
type Runner struct {
	scanner bundle.Fingerprinter
	store   Observer
	targets []bundle.Target
	opts    Options

	// rounds counts completed rounds; roundMu + roundCond broadcast when
	// it advances, enabling WaitForRounds.
	rounds    atomic.Int64
	roundMu   sync.Mutex
	roundCond *sync.Cond

	scans    atomic.Int64
	builds   atomic.Int64
	notified atomic.Int64
	errors   atomic.Int64
	scanNs   atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Rounds        int64         `json:"rounds"`
	Scans         int64         `json:"scans"`
	NewBuilds     int64         `json:"new_builds"`
	Notifications int64         `json:"notifications"`
	Errors        int64         `json:"errors"`
	AvgScanTime   time.Duration `json:"avg_scan_time"`
}

// New creates a Runner. Call Run to start the loop.
func New(scanner bundle.Fingerprinter, store Observer, targets []bundle.Target, opts Options) *Runner {
	opts.defaults()
	r := &Runner{scanner: scanner, store: store, targets: targets, opts: opts}
	r.roundCond = sync.NewCond(&r.roundMu)
	return r
}

// Stats returns the current counters.
func (r *Runner) Stats() Stats {
	s := Stats{
		Rounds:        r.rounds.Load(),
		Scans:         r.scans.Load(),
		NewBuilds:     r.builds.Load(),
		Notifications: r.notified.Load(),
		Errors:        r.errors.Load(),
	}
	if s.Scans > 0 {
		s.AvgScanTime = time.Duration(r.scanNs.Load() / s.Scans)
	}
	return s
}

// Run blocks until ctx is cancelled, running a round at once and then
// every Interval.
func (r *Runner) Run(ctx context.Context) {
	log := r.opts.Logger
	log.Info("watch: started", "interval", r.opts.Interval, "targets", len(r.targets))

	_ = r.Once(ctx)
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("watch: stopped")
			return
		case <-ticker.C:
			_ = r.Once(ctx)
		}
	}
}

// Once scans every target once. Errors are logged, counted and joined; one
// failing target does not stop the others.
func (r *Runner) Once(ctx context.Context) error {
	ctx = kit.WithTransport(ctx, "watch")
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for _, t := range r.targets {
		g.Go(func() error {
			if err := r.check(gctx, t); err != nil {
				r.errors.Add(1)
				r.opts.Logger.Error("watch: target failed", "target", t.Name, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", t.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	r.roundMu.Lock()
	r.rounds.Add(1)
	r.roundCond.Broadcast()
	r.roundMu.Unlock()
	return errors.Join(errs...)
}

func (r *Runner) check(ctx context.Context, t bundle.Target) (err error) {
	runID := kit.GetRunID(ctx)
	if runID == "" {
		runID = r.opts.NewID()
		ctx = kit.WithRunID(ctx, runID)
	}
	run := known.Run{RunID: runID, Target: t.Name, StartedAt: time.Now()}
	defer func() {
		if err != nil {
			run.Error = err.Error()
		}
		if rerr := r.store.RecordRun(ctx, run); rerr != nil {
			r.opts.Logger.Warn("watch: run not recorded", "target", t.Name, "run_id", runID, "error", rerr)
		}
	}()

	rec, err := r.scanner.Scan(ctx, t)
	run.Elapsed = time.Since(run.StartedAt)
	r.scans.Add(1)
	r.scanNs.Add(int64(run.Elapsed))
	if err != nil {
		return err
	}
	obs, err := r.store.Peek(ctx, rec)
	if err != nil {
		return err
	}
	run.Token, run.NewBuild = obs.Token, obs.New
	if !obs.New {
		r.opts.Logger.Debug("watch: no change", "target", t.Name, "token", obs.Token)
		return r.store.Commit(ctx, rec, obs)
	}
	if r.opts.Notifier != nil {
		if err := r.opts.Notifier.Notify(ctx, notify.NewEvent(t, rec, obs)); err != nil {
			return fmt.Errorf("notify %s: %w", obs.Token, err)
		}
		r.notified.Add(1)
	}
	if err := r.store.Commit(ctx, rec, obs); err != nil {
		return err
	}
	r.builds.Add(1)
	return nil
}

// WaitForRounds blocks until n rounds have completed or ctx expires.
func (r *Runner) WaitForRounds(ctx context.Context, n int64) error {
	if r.rounds.Load() >= n {
		return nil
	}

	done := ctx.Done()
	r.roundMu.Lock()
	defer r.roundMu.Unlock()

	for r.rounds.Load() < n {
		// Wake the wait when ctx is cancelled.
		ch := make(chan struct{})
		go func() {
			select {
			case <-done:
				r.roundMu.Lock()
				r.roundCond.Broadcast()
				r.roundMu.Unlock()
			case <-ch:
			}
		}()

		r.roundCond.Wait()
		close(ch)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}
