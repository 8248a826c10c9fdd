package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStore_TestAndInsert(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	first, err := s.TestAndInsert(ctx, "requests_urls", "https://example.com/")
	require.NoError(t, err)
	require.True(t, first)

	again, err := s.TestAndInsert(ctx, "requests_urls", "https://example.com/")
	require.NoError(t, err)
	require.False(t, again)

	otherScope, err := s.TestAndInsert(ctx, "items_hashes", "https://example.com/")
	require.NoError(t, err)
	require.True(t, otherScope, "scopes must not cross-contaminate")
}

func TestStore_ContainsDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	for range 3 {
		seen, err := s.Contains(ctx, "requests_urls", "https://example.com/")
		require.NoError(t, err)
		require.False(t, seen, "repeated Contains must stay stable")
	}

	_, err := s.TestAndInsert(ctx, "requests_urls", "https://example.com/")
	require.NoError(t, err)

	seen, err := s.Contains(ctx, "requests_urls", "https://example.com/")
	require.NoError(t, err)
	require.True(t, seen)
}

func TestStore_Reset(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	_, err := s.TestAndInsert(ctx, "requests_urls", "v")
	require.NoError(t, err)
	s.Reset()

	first, err := s.TestAndInsert(ctx, "requests_urls", "v")
	require.NoError(t, err)
	require.True(t, first)
}

func TestStore_AtMostOnceAdmission(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	const goroutines = 32
	var admitted atomic.Int64
	var wg sync.WaitGroup
	for range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TestAndInsert(ctx, "requests_urls", "contended")
			require.NoError(t, err)
			if ok {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, admitted.Load())
}
