package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spindleworks/spindle/internal/spider"
	"github.com/spindleworks/spindle/internal/stats"
)

// stubStage is a configurable test stage.
type stubStage struct {
	name    string
	process func(ctx context.Context, item spider.Item, opts map[string]any) (spider.Item, error)
}

func (s stubStage) Name() string { return s.name }

func (s stubStage) Process(ctx context.Context, item spider.Item, opts map[string]any) (spider.Item, error) {
	return s.process(ctx, item, opts)
}

func passStage(name string) stubStage {
	return stubStage{name: name, process: func(_ context.Context, item spider.Item, _ map[string]any) (spider.Item, error) {
		return item, nil
	}}
}

func TestRunner_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("success counts sent and processed", func(t *testing.T) {
		ledger := stats.NewLedger()
		r := NewRunner([]spider.Stage{passStage("a"), passStage("b")}, ledger, nil)

		require.True(t, r.Run(ctx, spider.Item{"k": "v"}, nil))
		require.Equal(t, stats.ItemCounts{Sent: 1, Processed: 1}, ledger.Items())
	})

	t.Run("stages run in declared order and may transform", func(t *testing.T) {
		var order []string
		upper := stubStage{name: "upper", process: func(_ context.Context, item spider.Item, _ map[string]any) (spider.Item, error) {
			order = append(order, "upper")
			item["title"] = "TITLE"
			return item, nil
		}}
		check := stubStage{name: "check", process: func(_ context.Context, item spider.Item, _ map[string]any) (spider.Item, error) {
			order = append(order, "check")
			require.Equal(t, "TITLE", item["title"])
			return item, nil
		}}

		r := NewRunner([]spider.Stage{upper, check}, nil, nil)
		require.True(t, r.Run(ctx, spider.Item{"title": "title"}, nil))
		require.Equal(t, []string{"upper", "check"}, order)
	})

	t.Run("failure aborts remaining chain and records drop", func(t *testing.T) {
		ledger := stats.NewLedger()
		boom := errors.New("missing price")
		failing := stubStage{name: "validate", process: func(context.Context, spider.Item, map[string]any) (spider.Item, error) {
			return nil, boom
		}}
		var reached bool
		tail := stubStage{name: "write", process: func(_ context.Context, item spider.Item, _ map[string]any) (spider.Item, error) {
			reached = true
			return item, nil
		}}

		r := NewRunner([]spider.Stage{failing, tail}, ledger, nil)
		require.False(t, r.Run(ctx, spider.Item{}, nil))
		require.False(t, reached, "chain must abort at the failed stage")
		require.Equal(t, stats.ItemCounts{Sent: 1, Processed: 0}, ledger.Items())
		require.EqualValues(t, 1, ledger.EventCount(stats.ScopeDropItemErrors, "missing price"))
	})

	t.Run("drop accounting over a batch", func(t *testing.T) {
		ledger := stats.NewLedger()
		picky := stubStage{name: "picky", process: func(_ context.Context, item spider.Item, _ map[string]any) (spider.Item, error) {
			if item["bad"] == true {
				return nil, errors.New("bad item")
			}
			return item, nil
		}}
		r := NewRunner([]spider.Stage{picky}, ledger, nil)

		const total = 10
		const bad = 3
		for i := range total {
			r.Run(ctx, spider.Item{"bad": i < bad}, nil)
		}

		require.Equal(t, stats.ItemCounts{Sent: total, Processed: total - bad}, ledger.Items())
		require.EqualValues(t, bad, ledger.EventCount(stats.ScopeDropItemErrors, "bad item"))
	})

	t.Run("per-stage options are routed by name", func(t *testing.T) {
		var got map[string]any
		st := stubStage{name: "write", process: func(_ context.Context, item spider.Item, opts map[string]any) (spider.Item, error) {
			got = opts
			return item, nil
		}}
		r := NewRunner([]spider.Stage{st}, nil, nil)
		require.True(t, r.Run(ctx, spider.Item{}, Options{"write": {"destination": "out.jsonl"}}))
		require.Equal(t, "out.jsonl", got["destination"])
	})
}

func TestResolve(t *testing.T) {
	registry := map[string]spider.Stage{
		"validate": passStage("validate"),
		"write":    passStage("write"),
	}

	stages, err := Resolve([]string{"write", "validate"}, registry)
	require.NoError(t, err)
	require.Len(t, stages, 2)
	require.Equal(t, "write", stages[0].Name())
	require.Equal(t, "validate", stages[1].Name())

	_, err = Resolve([]string{"nope"}, registry)
	require.Error(t, err)
	require.Contains(t, err.Error(), fmt.Sprintf("%q", "nope"))
}
