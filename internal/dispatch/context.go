package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spindleworks/spindle/internal/dedup"
	"github.com/spindleworks/spindle/internal/pipeline"
	"github.com/spindleworks/spindle/internal/session"
	"github.com/spindleworks/spindle/internal/spider"
	"github.com/spindleworks/spindle/internal/stats"
	"github.com/spindleworks/spindle/internal/writer"
)

// Deps bundles the pieces every worker of a run shares. Stages builds the
// worker's stage chain around its private writer cache, so output handles
// are never shared between goroutines.
type Deps struct {
	Handlers   map[string]spider.Handler
	Stages     func(writers *writer.Cache) []spider.Stage
	Gate       *dedup.Gate
	Sessions   session.Factory
	Ledger     *stats.Ledger
	OpenWriter writer.OpenFunc
	Stagger    time.Duration
	Logger     *zap.Logger
}

// WorkerContext is the run context handed to handlers. Each worker (and the
// run's main goroutine) owns exactly one: its own session handle and writer
// cache, shared gate and ledger.
type WorkerContext struct {
	handle     *session.Handle
	dispatcher *Dispatcher
	runner     *pipeline.Runner
	executor   *Executor
	writers    *writer.Cache
	logger     *zap.Logger
}

var _ spider.RunContext = (*WorkerContext)(nil)

// NewPool constructs the executor for one run. Workers minted by the pool
// share the run's gate, ledger, and handler registry but own their session
// and writers.
func NewPool(deps Deps) *Executor {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	e := &Executor{
		stagger: deps.Stagger,
		logger:  deps.Logger,
	}
	e.newWorker = func() *WorkerContext {
		return newWorkerContext(deps, e)
	}
	return e
}

func newWorkerContext(deps Deps, exec *Executor) *WorkerContext {
	handle := session.NewHandle(deps.Sessions, deps.Logger)
	writers := writer.NewCache(deps.OpenWriter)

	var stages []spider.Stage
	if deps.Stages != nil {
		stages = deps.Stages(writers)
	}

	wc := &WorkerContext{
		handle:     handle,
		dispatcher: NewDispatcher(deps.Handlers, deps.Gate, handle, deps.Ledger, deps.Logger),
		runner:     pipeline.NewRunner(stages, deps.Ledger, deps.Logger),
		executor:   exec,
		writers:    writers,
		logger:     deps.Logger,
	}
	wc.dispatcher.bind(wc)
	return wc
}

// Dispatch routes one URL through validation, dedup, fetch, and the named
// handler.
func (wc *WorkerContext) Dispatch(
	ctx context.Context,
	handlerName, url string,
	delay time.Duration,
	data map[string]any,
	kind spider.ResponseKind,
) error {
	return wc.dispatcher.Dispatch(ctx, handlerName, url, delay, data, kind)
}

// RunParallel fans items out across workerCount fresh workers.
func (wc *WorkerContext) RunParallel(
	ctx context.Context,
	handlerName string,
	items []spider.Work,
	workerCount int,
	delay time.Duration,
	data map[string]any,
	kind spider.ResponseKind,
) error {
	return wc.executor.RunParallel(ctx, handlerName, items, workerCount, delay, data, kind)
}

// ProcessItem threads item through this worker's pipeline.
func (wc *WorkerContext) ProcessItem(ctx context.Context, item spider.Item, opts map[string]map[string]any) bool {
	return wc.runner.Run(ctx, item, pipeline.Options(opts))
}

// Invoke calls a handler directly without a fetch.
func (wc *WorkerContext) Invoke(ctx context.Context, handlerName string, data map[string]any) error {
	return wc.dispatcher.Invoke(ctx, handlerName, data)
}

// Close releases the worker's session and flushes its writers. It runs on
// every worker exit path, success or failure.
func (wc *WorkerContext) Close() {
	wc.handle.Release()
	if err := wc.writers.CloseAll(); err != nil {
		wc.logger.Warn("close writers failed", zap.Error(err))
	}
}
