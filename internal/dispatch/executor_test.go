package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spindleworks/spindle/internal/spider"
	"github.com/spindleworks/spindle/internal/stats"
)

func TestPartition(t *testing.T) {
	work := func(n int) []spider.Work {
		out := make([]spider.Work, n)
		for i := range out {
			out[i] = spider.Work{URL: string(rune('a' + i))}
		}
		return out
	}

	t.Run("covers every item exactly once in order", func(t *testing.T) {
		for _, tc := range []struct{ items, n int }{
			{10, 3}, {10, 1}, {10, 10}, {7, 2}, {1, 4}, {5, 100}, {6, 0},
		} {
			items := work(tc.items)
			groups := Partition(items, tc.n)

			var flat []spider.Work
			for _, g := range groups {
				flat = append(flat, g...)
			}
			require.Equal(t, items, flat, "items=%d n=%d", tc.items, tc.n)
		}
	})

	t.Run("group sizes differ by at most one", func(t *testing.T) {
		groups := Partition(work(10), 3)
		require.Len(t, groups, 3)
		lo, hi := len(groups[0]), len(groups[0])
		for _, g := range groups {
			if len(g) < lo {
				lo = len(g)
			}
			if len(g) > hi {
				hi = len(g)
			}
		}
		require.LessOrEqual(t, hi-lo, 1)
	})

	t.Run("never more groups than items", func(t *testing.T) {
		require.Len(t, Partition(work(3), 8), 3)
	})

	t.Run("empty input yields no groups", func(t *testing.T) {
		require.Nil(t, Partition(nil, 4))
	})
}

// countingFactory tracks how many sessions a run created and destroyed.
type countingFactory struct {
	mu        sync.Mutex
	created   int
	destroyed int
}

func (f *countingFactory) factory(context.Context) (spider.Session, error) {
	f.mu.Lock()
	f.created++
	f.mu.Unlock()
	return &fakeSession{visitOK: true}, nil
}

func (f *countingFactory) destroyingFactory(context.Context) (spider.Session, error) {
	f.mu.Lock()
	f.created++
	f.mu.Unlock()
	return &destroyNotifier{fakeSession: fakeSession{visitOK: true}, onDestroy: func() {
		f.mu.Lock()
		f.destroyed++
		f.mu.Unlock()
	}}, nil
}

func (f *countingFactory) counts() (created, destroyed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, f.destroyed
}

type destroyNotifier struct {
	fakeSession
	onDestroy func()
}

func (s *destroyNotifier) Destroy() error {
	s.onDestroy()
	return s.fakeSession.Destroy()
}

// handledSet collects handler invocations across workers.
type handledSet struct {
	mu   sync.Mutex
	urls []string
	data []map[string]any
}

func (h *handledSet) handler(_ context.Context, _ spider.RunContext, resp *spider.Response, data map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if resp != nil {
		h.urls = append(h.urls, resp.URL)
	} else {
		h.urls = append(h.urls, "")
	}
	h.data = append(h.data, data)
	return nil
}

func (h *handledSet) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.urls...)
}

func TestExecutor_RunParallel(t *testing.T) {
	ctx := context.Background()

	t.Run("every item is handled exactly once", func(t *testing.T) {
		factory := &countingFactory{}
		handled := &handledSet{}
		pool := NewPool(Deps{
			Handlers: map[string]spider.Handler{"parse": handled.handler},
			Sessions: factory.factory,
			Ledger:   stats.NewLedger(),
		})

		urls := []string{
			"https://example.com/1", "https://example.com/2", "https://example.com/3",
			"https://example.com/4", "https://example.com/5", "https://example.com/6",
			"https://example.com/7",
		}
		err := pool.RunParallel(ctx, "parse", spider.WorkFromURLs(urls), 3, 0, nil, spider.ResponseHTML)
		require.NoError(t, err)
		require.ElementsMatch(t, urls, handled.snapshot())

		created, _ := factory.counts()
		require.Equal(t, 3, created, "one lazy session per worker")
	})

	t.Run("each worker releases its session on exit", func(t *testing.T) {
		factory := &countingFactory{}
		handled := &handledSet{}
		pool := NewPool(Deps{
			Handlers: map[string]spider.Handler{"parse": handled.handler},
			Sessions: factory.destroyingFactory,
			Ledger:   stats.NewLedger(),
		})

		urls := []string{"https://a.test/", "https://b.test/", "https://c.test/", "https://d.test/"}
		require.NoError(t, pool.RunParallel(ctx, "parse", spider.WorkFromURLs(urls), 2, 0, nil, spider.ResponseHTML))

		created, destroyed := factory.counts()
		require.Equal(t, created, destroyed, "every created session must be destroyed")
	})

	t.Run("worker failure stops its group but not siblings", func(t *testing.T) {
		factory := &countingFactory{}
		handled := &handledSet{}
		boom := errors.New("selector not found")
		handler := func(ctx context.Context, rc spider.RunContext, resp *spider.Response, data map[string]any) error {
			if resp != nil && resp.URL == "https://example.com/bad" {
				return boom
			}
			return handled.handler(ctx, rc, resp, data)
		}
		pool := NewPool(Deps{
			Handlers: map[string]spider.Handler{"parse": handler},
			Sessions: factory.destroyingFactory,
			Ledger:   stats.NewLedger(),
		})

		// Two workers: [bad, skipped] and [ok1, ok2].
		items := spider.WorkFromURLs([]string{
			"https://example.com/bad",
			"https://example.com/skipped",
			"https://example.com/ok1",
			"https://example.com/ok2",
		})
		err := pool.RunParallel(ctx, "parse", items, 2, 0, nil, spider.ResponseHTML)
		require.ErrorIs(t, err, boom)

		got := handled.snapshot()
		require.NotContains(t, got, "https://example.com/skipped", "failed worker must stop scheduling its group")
		require.Contains(t, got, "https://example.com/ok1", "sibling workers run to completion")
		require.Contains(t, got, "https://example.com/ok2")

		created, destroyed := factory.counts()
		require.Equal(t, created, destroyed, "sessions are released even on failure")
	})

	t.Run("work without a url invokes the handler directly", func(t *testing.T) {
		var gotResp *spider.Response = &spider.Response{}
		var gotData map[string]any
		handler := func(_ context.Context, _ spider.RunContext, resp *spider.Response, data map[string]any) error {
			gotResp = resp
			gotData = data
			return nil
		}
		pool := NewPool(Deps{
			Handlers: map[string]spider.Handler{"report": handler},
			Sessions: (&countingFactory{}).factory,
			Ledger:   stats.NewLedger(),
		})

		items := []spider.Work{{Data: map[string]any{"region": "us"}}}
		require.NoError(t, pool.RunParallel(ctx, "report", items, 1, 0, nil, spider.ResponseHTML))
		require.Nil(t, gotResp)
		require.Equal(t, map[string]any{"region": "us"}, gotData)
	})

	t.Run("per-work data overrides shared data", func(t *testing.T) {
		var mu sync.Mutex
		byURL := map[string]map[string]any{}
		handler := func(_ context.Context, _ spider.RunContext, resp *spider.Response, data map[string]any) error {
			mu.Lock()
			byURL[resp.URL] = data
			mu.Unlock()
			return nil
		}
		pool := NewPool(Deps{
			Handlers: map[string]spider.Handler{"parse": handler},
			Sessions: (&countingFactory{}).factory,
			Ledger:   stats.NewLedger(),
		})

		shared := map[string]any{"page": "listing"}
		items := []spider.Work{
			{URL: "https://example.com/a"},
			{URL: "https://example.com/b", Data: map[string]any{"page": "detail"}},
		}
		require.NoError(t, pool.RunParallel(ctx, "parse", items, 2, 0, shared, spider.ResponseHTML))

		require.Equal(t, "listing", byURL["https://example.com/a"]["page"])
		require.Equal(t, "detail", byURL["https://example.com/b"]["page"])
	})

	t.Run("empty work list is a no-op", func(t *testing.T) {
		pool := NewPool(Deps{
			Handlers: map[string]spider.Handler{"parse": nopHandler},
			Sessions: (&countingFactory{}).factory,
			Ledger:   stats.NewLedger(),
		})
		require.NoError(t, pool.RunParallel(ctx, "parse", nil, 4, 0, nil, spider.ResponseHTML))
	})

	t.Run("cancellation during stagger still joins launched workers", func(t *testing.T) {
		cancelCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		entered := make(chan struct{})
		release := make(chan struct{})
		var inFlight atomic.Int32
		handler := func(context.Context, spider.RunContext, *spider.Response, map[string]any) error {
			inFlight.Add(1)
			defer inFlight.Add(-1)
			close(entered) // only the first worker launches; the second is staggered away
			<-release
			return nil
		}
		factory := &countingFactory{}
		pool := NewPool(Deps{
			Handlers: map[string]spider.Handler{"parse": handler},
			Sessions: factory.destroyingFactory,
			Ledger:   stats.NewLedger(),
			Stagger:  time.Hour,
		})

		done := make(chan error, 1)
		go func() {
			items := spider.WorkFromURLs([]string{"https://a.test/", "https://b.test/"})
			done <- pool.RunParallel(cancelCtx, "parse", items, 2, 0, nil, spider.ResponseHTML)
		}()

		<-entered
		cancel()

		select {
		case <-done:
			t.Fatal("RunParallel returned while a worker was still executing")
		case <-time.After(50 * time.Millisecond):
		}

		close(release)
		err := <-done
		require.ErrorIs(t, err, context.Canceled)
		require.Zero(t, inFlight.Load(), "every worker must have terminated on return")

		created, destroyed := factory.counts()
		require.Equal(t, created, destroyed, "sessions are released before return")
	})

	t.Run("stagger separates worker launches", func(t *testing.T) {
		var mu sync.Mutex
		var launches []time.Time
		handler := func(context.Context, spider.RunContext, *spider.Response, map[string]any) error {
			mu.Lock()
			launches = append(launches, time.Now())
			mu.Unlock()
			return nil
		}
		pool := NewPool(Deps{
			Handlers: map[string]spider.Handler{"parse": handler},
			Sessions: (&countingFactory{}).factory,
			Ledger:   stats.NewLedger(),
			Stagger:  30 * time.Millisecond,
		})

		start := time.Now()
		items := spider.WorkFromURLs([]string{"https://a.test/", "https://b.test/"})
		require.NoError(t, pool.RunParallel(ctx, "parse", items, 2, 0, nil, spider.ResponseHTML))
		require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond, "second worker launch must wait out the stagger")
		require.Len(t, launches, 2)
	})
}
