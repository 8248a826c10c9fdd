package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/spindleworks/spindle/internal/metrics"
	"github.com/spindleworks/spindle/internal/spider"
)

// Executor splits a work list into contiguous groups and runs one worker
// goroutine per group. A worker error stops the scheduling of further work
// on that worker, but siblings run their groups to completion; Wait returns
// the first error once all workers have finished.
type Executor struct {
	newWorker func() *WorkerContext
	stagger   time.Duration
	logger    *zap.Logger
}

// NewWorker mints a fresh worker context from the pool's shared deps. The
// caller owns it and must Close it.
func (e *Executor) NewWorker() *WorkerContext {
	return e.newWorker()
}

// RunParallel fans items across workerCount workers. Each worker owns a
// fresh WorkerContext that is closed when the worker exits.
func (e *Executor) RunParallel(
	ctx context.Context,
	handlerName string,
	items []spider.Work,
	workerCount int,
	delay time.Duration,
	data map[string]any,
	kind spider.ResponseKind,
) error {
	groups := Partition(items, workerCount)
	if len(groups) == 0 {
		return nil
	}
	e.logger.Debug("starting parallel workers",
		zap.Int("workers", len(groups)),
		zap.Int("items", len(items)),
		zap.String("handler", handlerName),
	)

	// On cancellation mid-launch, stop scheduling further workers but still
	// join the ones already running: callers rely on every spawned worker
	// having terminated (and released its session) by the time we return.
	var g errgroup.Group
	var launchErr error
	for i, group := range groups {
		if i > 0 && e.stagger > 0 {
			select {
			case <-ctx.Done():
				launchErr = ctx.Err()
			case <-time.After(e.stagger):
			}
			if launchErr != nil {
				break
			}
		}
		g.Go(func() error {
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()

			wc := e.newWorker()
			defer wc.Close()

			for _, work := range group {
				if err := e.run(ctx, wc, handlerName, work, delay, data, kind); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return launchErr
}

func (e *Executor) run(
	ctx context.Context,
	wc *WorkerContext,
	handlerName string,
	work spider.Work,
	delay time.Duration,
	data map[string]any,
	kind spider.ResponseKind,
) error {
	if work.URL == "" {
		return wc.Invoke(ctx, handlerName, work.Data)
	}
	callData := data
	if work.Data != nil {
		callData = work.Data
	}
	return wc.Dispatch(ctx, handlerName, work.URL, delay, callData, kind)
}

// Partition splits items into at most n contiguous groups, preserving order.
// Group sizes differ by at most one and every item lands in exactly one
// group.
func Partition(items []spider.Work, n int) [][]spider.Work {
	if len(items) == 0 {
		return nil
	}
	if n < 1 {
		n = 1
	}
	if n > len(items) {
		n = len(items)
	}

	base := len(items) / n
	extra := len(items) % n
	out := make([][]spider.Work, 0, n)
	idx := 0
	for i := 0; i < n; i++ {
		size := base
		if i < extra {
			size++
		}
		out = append(out, items[idx:idx+size])
		idx += size
	}
	return out
}
