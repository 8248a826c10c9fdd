// Package engine owns the spider run lifecycle: single-run admission,
// seed scheduling, guaranteed cleanup, and the terminal summary.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/spindleworks/spindle/internal/clock/system"
	"github.com/spindleworks/spindle/internal/config"
	"github.com/spindleworks/spindle/internal/dedup"
	"github.com/spindleworks/spindle/internal/dispatch"
	"github.com/spindleworks/spindle/internal/id/uuid"
	"github.com/spindleworks/spindle/internal/metrics"
	"github.com/spindleworks/spindle/internal/session"
	"github.com/spindleworks/spindle/internal/spider"
	"github.com/spindleworks/spindle/internal/stats"
	"github.com/spindleworks/spindle/internal/writer"
)

// DefaultHandler is the handler name used for seed URLs.
const DefaultHandler = "parse"

// ErrAlreadyRunning is returned by Start while another run of the same
// engine is in flight.
var ErrAlreadyRunning = errors.New("spider run already in progress")

// Hooks are optional callbacks around a run. BeforeRun errors abort the run;
// AfterRun always fires, after the status is final.
type Hooks struct {
	BeforeRun func(ctx context.Context, run *spider.RunInfo) error
	AfterRun  func(ctx context.Context, run *spider.RunInfo) error
}

// SessionBuilder creates the per-run session factory, bound to the run's
// ledger so sessions can tally requests and responses.
type SessionBuilder func(ledger *stats.Ledger) session.Factory

// StoreBuilder allocates the dedup store for one run. The default in-memory
// backend must hand out a fresh store each time so no run state outlives
// the run; durable backends may return a shared store on purpose.
type StoreBuilder func() spider.DedupStore

// Deps wires the engine's collaborators. Handlers must contain the default
// handler. IDs and Clock default to UUID7 and the system clock.
type Deps struct {
	Handlers   map[string]spider.Handler
	Stages     func(store spider.DedupStore, writers *writer.Cache) []spider.Stage
	Stores     StoreBuilder
	Sessions   SessionBuilder
	OpenWriter writer.OpenFunc
	Publisher  spider.Publisher
	IDs        spider.IDGenerator
	Clock      spider.Clock
	Logger     *zap.Logger
}

// Engine runs one spider. It admits at most one run at a time but is fully
// restartable: a finished run leaves it ready for the next Start.
type Engine struct {
	opts  config.Options
	deps  Deps
	hooks Hooks

	running atomic.Bool

	mu      sync.Mutex
	current *spider.RunInfo
}

// New constructs an Engine.
func New(opts config.Options, deps Deps, hooks Hooks) (*Engine, error) {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.NewGenerator()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if _, ok := deps.Handlers[DefaultHandler]; !ok {
		return nil, fmt.Errorf("handler registry is missing %q", DefaultHandler)
	}
	return &Engine{
		opts:  opts,
		deps:  deps,
		hooks: hooks,
	}, nil
}

// Running reports whether a run is currently in flight.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Snapshot returns the current (or most recent) run summary. ok is false
// before the first run.
func (e *Engine) Snapshot() (spider.RunResult, bool) {
	e.mu.Lock()
	run := e.current
	e.mu.Unlock()
	if run == nil {
		return spider.RunResult{}, false
	}
	return e.result(run), true
}

// Start executes one full run: seeds through the default handler, pipeline
// output, and a terminal summary. The returned result is valid on every
// path, including failure. The run error is returned only when
// PropagateErrors is set; otherwise it lives in the result's error text.
func (e *Engine) Start(ctx context.Context) (spider.RunResult, error) {
	return e.startRun(ctx, e.opts)
}

// StartWith runs with override layered over the engine's configured options
// (non-zero override fields win; headers replace wholesale).
func (e *Engine) StartWith(ctx context.Context, override config.Options) (spider.RunResult, error) {
	return e.startRun(ctx, e.opts.Merge(override))
}

func (e *Engine) startRun(ctx context.Context, opts config.Options) (spider.RunResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		return spider.RunResult{}, ErrAlreadyRunning
	}
	defer e.running.Store(false)

	runID, err := e.deps.IDs.NewID()
	if err != nil {
		return spider.RunResult{}, fmt.Errorf("generate run id: %w", err)
	}
	run := &spider.RunInfo{
		ID:      runID,
		Spider:  opts.Spider,
		Status:  spider.RunStatusRunning,
		Started: e.deps.Clock.Now(),
		Ledger:  stats.NewLedger(),
	}
	e.setCurrent(run)

	logger := e.deps.Logger.With(
		zap.String("run_id", run.ID),
		zap.String("spider", run.Spider),
	)
	logger.Info("run started",
		zap.String("engine", opts.Engine),
		zap.Int("workers", opts.Workers),
		zap.Int("seeds", len(opts.StartWork)),
	)

	runErr := e.execute(ctx, opts, run, logger)

	run.Stopped = e.deps.Clock.Now()
	if runErr != nil {
		run.Status = spider.RunStatusFailed
		run.ErrorTxt = runErr.Error()
	} else {
		run.Status = spider.RunStatusCompleted
	}
	metrics.ObserveRun(string(run.Status))

	if e.hooks.AfterRun != nil {
		if err := e.hooks.AfterRun(ctx, run); err != nil {
			logger.Warn("after-run hook failed", zap.Error(err))
		}
	}

	result := e.result(run)
	e.logSummary(logger, run, result)
	e.publishSummary(ctx, opts, logger, result)

	if runErr != nil && opts.PropagateErrors {
		return result, runErr
	}
	return result, nil
}

// execute runs the scheduling body with panic isolation: a panicking handler
// fails the run instead of crashing the process.
func (e *Engine) execute(ctx context.Context, opts config.Options, run *spider.RunInfo, logger *zap.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("run panicked", zap.Any("panic", r))
			err = fmt.Errorf("run panicked: %v", r)
		}
	}()

	if e.hooks.BeforeRun != nil {
		if hookErr := e.hooks.BeforeRun(ctx, run); hookErr != nil {
			return fmt.Errorf("before-run hook: %w", hookErr)
		}
	}

	pool := e.pool(opts, run, e.newStore())
	seeds := spider.WorkFromURLs(opts.StartWork)
	kind := spider.ResponseKind(opts.ResponseKind)
	if kind == "" {
		kind = spider.ResponseHTML
	}

	switch {
	case len(seeds) == 0:
		// No seeds: the default handler drives the run by itself.
		wc := pool.NewWorker()
		defer wc.Close()
		return wc.Invoke(ctx, DefaultHandler, nil)
	case opts.Workers > 1:
		return pool.RunParallel(ctx, DefaultHandler, seeds, opts.Workers, opts.Delay, nil, kind)
	default:
		wc := pool.NewWorker()
		defer wc.Close()
		for _, seed := range seeds {
			if err := wc.Dispatch(ctx, DefaultHandler, seed.URL, opts.Delay, seed.Data, kind); err != nil {
				return err
			}
		}
		return nil
	}
}

// RunHandler executes a single handler outside the run lifecycle, with its
// own session, writers, and a private ledger. Useful for one-off handler
// invocations and debugging.
func (e *Engine) RunHandler(ctx context.Context, handlerName string, data map[string]any) error {
	run := &spider.RunInfo{Ledger: stats.NewLedger()}
	wc := e.pool(e.opts, run, e.newStore()).NewWorker()
	defer wc.Close()
	return wc.Invoke(ctx, handlerName, data)
}

// newStore allocates the dedup store backing one run's gate and stages.
func (e *Engine) newStore() spider.DedupStore {
	if e.deps.Stores == nil {
		return nil
	}
	return e.deps.Stores()
}

func (e *Engine) pool(opts config.Options, run *spider.RunInfo, store spider.DedupStore) *dispatch.Executor {
	var stages func(*writer.Cache) []spider.Stage
	if e.deps.Stages != nil {
		stages = func(writers *writer.Cache) []spider.Stage {
			return e.deps.Stages(store, writers)
		}
	}
	return dispatch.NewPool(dispatch.Deps{
		Handlers:   e.deps.Handlers,
		Stages:     stages,
		Gate:       dedup.NewGate(store, opts.Dedup, e.deps.Logger),
		Sessions:   e.deps.Sessions(run.Ledger),
		Ledger:     run.Ledger,
		OpenWriter: e.deps.OpenWriter,
		Stagger:    opts.Stagger,
		Logger:     e.deps.Logger,
	})
}

func (e *Engine) setCurrent(run *spider.RunInfo) {
	e.mu.Lock()
	e.current = run
	e.mu.Unlock()
}

func (e *Engine) result(run *spider.RunInfo) spider.RunResult {
	return spider.RunResult{
		RunID:       run.ID,
		Spider:      run.Spider,
		Status:      run.Status,
		Started:     run.Started,
		Stopped:     run.Stopped,
		RunningTime: run.RunningTime(e.deps.Clock.Now()),
		Visits:      run.Ledger.Visits(),
		Items:       run.Ledger.Items(),
		Events:      run.Ledger.Events(),
		ErrorTxt:    run.ErrorTxt,
	}
}

func (e *Engine) logSummary(logger *zap.Logger, run *spider.RunInfo, result spider.RunResult) {
	fields := []zap.Field{
		zap.String("status", string(run.Status)),
		zap.Duration("running_time", result.RunningTime),
		zap.Int64("requests", result.Visits.Requests),
		zap.Int64("responses", result.Visits.Responses),
		zap.Int64("items_sent", result.Items.Sent),
		zap.Int64("items_processed", result.Items.Processed),
	}
	if run.Status == spider.RunStatusFailed {
		fields = append(fields, zap.String("error", run.ErrorTxt))
		logger.Error("run failed", fields...)
		return
	}
	logger.Info("run completed", fields...)
}

func (e *Engine) publishSummary(ctx context.Context, opts config.Options, logger *zap.Logger, result spider.RunResult) {
	if e.deps.Publisher == nil || opts.PublishTopic == "" {
		return
	}
	// Publishing is best-effort; a broker outage never changes the run
	// outcome. Run on a detached context so a cancelled run still reports.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	msgID, err := e.deps.Publisher.Publish(pubCtx, opts.PublishTopic, result)
	if err != nil {
		logger.Warn("publish run summary failed",
			zap.String("topic", opts.PublishTopic),
			zap.Error(err),
		)
		return
	}
	logger.Info("run summary published",
		zap.String("topic", opts.PublishTopic),
		zap.String("message_id", msgID),
	)
}
