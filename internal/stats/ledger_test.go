package stats

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLedger_Counters(t *testing.T) {
	t.Run("starts at zero", func(t *testing.T) {
		l := NewLedger()
		require.Equal(t, VisitCounts{}, l.Visits())
		require.Equal(t, ItemCounts{}, l.Items())
		require.Zero(t, l.EventCount("requests_errors", "timeout"))
	})

	t.Run("increments", func(t *testing.T) {
		l := NewLedger()
		l.AddRequest()
		l.AddRequest()
		l.AddResponse()
		l.ItemSent()
		l.ItemSent()
		l.ItemProcessed()

		require.Equal(t, VisitCounts{Requests: 2, Responses: 1}, l.Visits())
		require.Equal(t, ItemCounts{Sent: 2, Processed: 1}, l.Items())
	})

	t.Run("nil ledger is a no-op sink", func(t *testing.T) {
		var l *Ledger
		l.AddRequest()
		l.ItemSent()
		l.AddEvent("custom", "x")
		require.Equal(t, VisitCounts{}, l.Visits())
		require.Nil(t, l.Events())
	})
}

func TestLedger_Events(t *testing.T) {
	l := NewLedger()
	l.AddEvent(ScopeDropItemErrors, "missing title")
	l.AddEvent(ScopeDropItemErrors, "missing title")
	l.AddEvent(ScopeCustom, "retry")

	require.EqualValues(t, 2, l.EventCount(ScopeDropItemErrors, "missing title"))
	require.EqualValues(t, 1, l.EventCount(ScopeCustom, "retry"))

	snapshot := l.Events()
	snapshot[ScopeCustom]["retry"] = 99
	require.EqualValues(t, 1, l.EventCount(ScopeCustom, "retry"), "Events must return a copy")
}

func TestLedger_ConcurrentUpdates(t *testing.T) {
	const workers = 16
	const perWorker = 500

	l := NewLedger()
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				l.AddRequest()
				l.AddResponse()
				l.ItemSent()
				l.ItemProcessed()
				l.AddEvent(ScopeCustom, "tick")
			}
		}()
	}
	wg.Wait()

	require.Equal(t, VisitCounts{Requests: workers * perWorker, Responses: workers * perWorker}, l.Visits())
	require.Equal(t, ItemCounts{Sent: workers * perWorker, Processed: workers * perWorker}, l.Items())
	require.EqualValues(t, workers*perWorker, l.EventCount(ScopeCustom, "tick"))
}
