// Package pipeline threads items through an ordered chain of processing
// stages with per-item failure isolation.
package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/spindleworks/spindle/internal/metrics"
	"github.com/spindleworks/spindle/internal/spider"
	"github.com/spindleworks/spindle/internal/stats"
)

// Options carries per-stage options keyed by stage name.
type Options map[string]map[string]any

// Runner executes a fixed, ordered stage chain resolved once at spider
// construction.
type Runner struct {
	stages []spider.Stage
	ledger *stats.Ledger
	logger *zap.Logger
}

// NewRunner constructs a Runner. ledger may be nil for untracked use.
func NewRunner(stages []spider.Stage, ledger *stats.Ledger, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		stages: stages,
		ledger: ledger,
		logger: logger,
	}
}

// Run threads item through the stage chain in declared order. It returns
// true when the item survived every stage, false when a stage dropped it.
// Counter updates and logging happen on every exit path.
func (r *Runner) Run(ctx context.Context, item spider.Item, opts Options) bool {
	r.ledger.ItemSent()

	current := item
	var (
		stageErr    error
		failedStage string
	)
	defer func() {
		if stageErr != nil {
			r.ledger.AddEvent(stats.ScopeDropItemErrors, stageErr.Error())
			metrics.ObserveItem("dropped")
			r.logger.Warn("item dropped",
				zap.String("stage", failedStage),
				zap.Any("item", item),
				zap.Error(stageErr),
			)
			return
		}
		r.ledger.ItemProcessed()
		metrics.ObserveItem("processed")
		r.logger.Info("item processed", zap.Any("item", current))
	}()

	for _, stage := range r.stages {
		next, err := stage.Process(ctx, current, opts[stage.Name()])
		if err != nil {
			stageErr = err
			failedStage = stage.Name()
			return false
		}
		if next != nil {
			current = next
		}
	}
	return true
}

// Resolve maps ordered stage names onto registered implementations. Unknown
// names fail construction rather than the run.
func Resolve(names []string, registry map[string]spider.Stage) ([]spider.Stage, error) {
	out := make([]spider.Stage, 0, len(names))
	for _, name := range names {
		stage, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("unknown pipeline stage %q", name)
		}
		out = append(out, stage)
	}
	return out, nil
}
