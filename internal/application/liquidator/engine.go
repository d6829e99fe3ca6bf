package liquidator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alejandrodnm/liquidator/internal/domain"
	"github.com/alejandrodnm/liquidator/internal/ports"
)

const (
	defaultPollInterval    = 12 * time.Second
	defaultWorkers         = 4
	defaultShutdownTimeout = 90 * time.Second
	minWorkerWait          = 10 * time.Millisecond
)

// Config holds configuration for the liquidation engine.
type Config struct {
	PollInterval     time.Duration
	Workers          int // concurrent dispatchers
	CheckConcurrency int // <= 0: bounded only by the market rate limiter
	SubmitTimeout    time.Duration
	ShutdownTimeout  time.Duration
	MaxTracked       int
	Scheduler        SchedulerConfig
}

// Validate checks the configuration. Errors are FatalConfig.
func (c Config) Validate() error {
	if c.Scheduler.BatchSize <= 0 {
		return domain.NewError(domain.KindFatalConfig, "liquidator.Config.Validate",
			fmt.Errorf("batch size must be > 0, got %d", c.Scheduler.BatchSize))
	}
	return c.Scheduler.Policy.Validate()
}

// CycleResult is what one poll + drain produced.
type CycleResult struct {
	Tracked       int
	Degraded      bool
	Checked       int
	CheckFailures int
	Discovered    int
	Forgotten     int
	Batches       int
	Submitted     int
	Dropped       int
	Events        []domain.Event
}

// Engine watches positions and absorbs every account that becomes
// liquidatable.
type Engine struct {
	cfg      Config
	tracker  *Tracker
	checker  *Checker
	sched    *Scheduler
	exec     *Executor
	journal  ports.InFlightJournal
	reporter ports.Reporter
}

// New creates an engine. journal and reporter may be nil.
func New(
	cfg Config,
	market ports.Market,
	source ports.PositionSource,
	journal ports.InFlightJournal,
	reporter ports.Reporter,
) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}

	return &Engine{
		cfg:      cfg,
		tracker:  NewTracker(source, cfg.MaxTracked),
		checker:  NewChecker(market, cfg.CheckConcurrency),
		sched:    NewScheduler(cfg.Scheduler, journal),
		exec:     NewExecutor(market, cfg.SubmitTimeout),
		journal:  journal,
		reporter: reporter,
	}, nil
}

// Scheduler exposes the engine's scheduler for inspection.
func (le *Engine) Scheduler() *Scheduler {
	return le.sched
}

// Recover re-queues in-flight entries persisted by a previous run.
func (le *Engine) Recover(ctx context.Context) (int, error) {
	if le.journal == nil {
		return 0, nil
	}
	entries, err := le.journal.LoadInFlight(ctx)
	if err != nil {
		return 0, fmt.Errorf("liquidator.Recover: load journal: %w", err)
	}
	n := le.sched.Restore(entries)
	if n > 0 {
		slog.Info("engine: restored in-flight accounts for re-validation", "accounts", n)
	}
	return n, nil
}

// RunOnce executes one cycle: refresh → check → dispatch every ready batch.
// Candidates waiting on backoff stay queued for the next cycle.
func (le *Engine) RunOnce(ctx context.Context) (*CycleResult, error) {
	result := &CycleResult{}
	le.poll(ctx, result)

	for ctx.Err() == nil {
		if !le.dispatch(ctx, result) {
			break
		}
	}
	le.observe()
	return result, ctx.Err()
}

// Run polls and dispatches until ctx is cancelled. Submissions already sent
// when ctx ends run to completion or their deadline; in-flight entries still
// open after ShutdownTimeout are logged and stay in the journal.
func (le *Engine) Run(ctx context.Context) error {
	if _, err := le.Recover(ctx); err != nil {
		slog.Warn("engine: journal recovery failed, continuing without it", "err", err)
	}

	slog.Info("engine: started",
		"poll_interval", le.cfg.PollInterval,
		"workers", le.cfg.Workers,
		"batch_size", le.cfg.Scheduler.BatchSize,
	)

	var g errgroup.Group
	g.Go(func() error {
		le.pollLoop(ctx)
		return nil
	})
	for i := 0; i < le.cfg.Workers; i++ {
		g.Go(func() error {
			le.workerLoop(ctx, i)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	<-ctx.Done()
	slog.Info("engine: shutdown requested, waiting for in-flight submissions",
		"in_flight", le.sched.Stats().InFlight, "timeout", le.cfg.ShutdownTimeout)

	timer := time.NewTimer(le.cfg.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-done:
		queued := le.sched.Candidates()
		if len(queued) > 0 {
			slog.Info("engine: candidates left queued; they will be rediscovered on restart", "candidates", len(queued))
		}
		slog.Info("engine: stopped cleanly")
		return nil
	case <-timer.C:
		pending := le.LogPending()
		return fmt.Errorf("liquidator.Run: forced shutdown with %d in-flight accounts", pending)
	}
}

// LogPending logs every open in-flight entry and returns how many there are.
// Entries remain in the journal so the next start re-validates them.
func (le *Engine) LogPending() int {
	pending := le.sched.InFlight()
	for _, e := range pending {
		slog.Error("engine: absorb still in flight at shutdown",
			"account", e.Account.Hex(),
			"batch", e.BatchID,
			"attempts", e.Attempts,
			"fee_bid", e.FeeBid,
			"last_attempt", e.LastAttemptAt,
		)
	}
	return len(pending)
}

func (le *Engine) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(le.cfg.PollInterval)
	defer ticker.Stop()

	for {
		res := &CycleResult{}
		le.poll(ctx, res)
		le.observe()
		slog.Debug("engine: poll complete",
			"tracked", res.Tracked,
			"checked", res.Checked,
			"failures", res.CheckFailures,
			"discovered", res.Discovered,
			"forgotten", res.Forgotten,
			"degraded", res.Degraded,
		)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (le *Engine) workerLoop(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		res := &CycleResult{}
		if le.dispatch(ctx, res) {
			le.observe()
			continue
		}

		wait := le.cfg.PollInterval
		if at, ok := le.sched.NextReadyAt(); ok {
			if d := time.Until(at); d < wait {
				wait = max(d, minWorkerWait)
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Debug("engine: worker stopped", "worker", id)
			return
		case <-le.sched.Wake():
		case <-timer.C:
		}
		timer.Stop()
	}
}

// poll refreshes the tracked set and feeds eligibility into the scheduler.
func (le *Engine) poll(ctx context.Context, result *CycleResult) {
	if ctx.Err() != nil {
		return
	}
	refresh := le.tracker.Refresh(ctx)
	result.Tracked = len(refresh.Accounts)
	result.Degraded = refresh.Degraded

	tick := le.sched.Tick()
	for _, r := range le.checker.CheckAll(ctx, refresh.Accounts) {
		result.Checked++
		switch {
		case r.Err != nil:
			result.CheckFailures++
		case r.Liquidatable:
			if le.sched.Discover(r.Account, tick) {
				result.Discovered++
				slog.Info("engine: account liquidatable", "account", r.Account.Hex())
			}
		default:
			forgotten, events := le.sched.Forget(ctx, r.Account, tick)
			if forgotten {
				result.Forgotten++
			}
			le.emit(ctx, result, events)
		}
	}
}

// dispatch submits one ready batch. It returns false when nothing is ready.
func (le *Engine) dispatch(ctx context.Context, result *CycleResult) bool {
	batch, ok := le.sched.NextBatch(ctx)
	if !ok {
		return false
	}
	result.Batches++

	// A started submission outlives shutdown; the executor deadline bounds it.
	subCtx := context.WithoutCancel(ctx)
	res := le.exec.Submit(subCtx, batch)

	if len(res.Dropped) > 0 {
		le.emit(subCtx, result, le.sched.Release(subCtx, batch, res.Dropped))
		result.Dropped += len(res.Dropped)
	}
	if len(res.Unverified) > 0 {
		le.sched.Return(subCtx, batch, res.Unverified)
	}
	if !res.Sent() {
		return true
	}
	result.Submitted += len(res.Submitted)

	le.emit(subCtx, result, le.sched.Resolve(subCtx, batch, res.Submitted, res.Outcome))
	return true
}

// emit reports terminal events and records them in the cycle result.
// Reporters own event logging; the engine only logs reporter failures.
func (le *Engine) emit(ctx context.Context, result *CycleResult, events []domain.Event) {
	for _, ev := range events {
		if le.reporter == nil {
			break
		}
		if err := le.reporter.Report(ctx, ev); err != nil {
			slog.Warn("engine: reporter failed", "account", ev.Account.Hex(), "err", err)
		}
	}
	result.Events = append(result.Events, events...)
}

func (le *Engine) observe() {
	if obs, ok := le.reporter.(ports.QueueObserver); ok {
		obs.ObserveQueue(le.sched.Stats())
	}
}
