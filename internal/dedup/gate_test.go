package dedup

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spindleworks/spindle/internal/dedup/memory"
)

type failingStore struct{}

func (failingStore) TestAndInsert(context.Context, string, string) (bool, error) {
	return false, errors.New("store down")
}

func (failingStore) Contains(context.Context, string, string) (bool, error) {
	return false, errors.New("store down")
}

func TestPolicyFromOption(t *testing.T) {
	t.Run("nil disables", func(t *testing.T) {
		p, err := PolicyFromOption(nil)
		require.NoError(t, err)
		require.False(t, p.Enabled)
	})

	t.Run("bool", func(t *testing.T) {
		p, err := PolicyFromOption(true)
		require.NoError(t, err)
		require.True(t, p.Enabled)
		require.Empty(t, p.Scope)
		require.False(t, p.CheckOnly)
	})

	t.Run("map", func(t *testing.T) {
		p, err := PolicyFromOption(map[string]any{"scope": "items_hashes", "check_only": true})
		require.NoError(t, err)
		require.True(t, p.Enabled)
		require.Equal(t, "items_hashes", p.Scope)
		require.True(t, p.CheckOnly)
	})

	t.Run("unsupported type", func(t *testing.T) {
		_, err := PolicyFromOption(42)
		require.Error(t, err)
	})
}

func TestGate_Admit(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled always admits", func(t *testing.T) {
		g := NewGate(memory.NewStore(), Policy{}, nil)
		require.True(t, g.Admit(ctx, "requests_urls", "v"))
		require.True(t, g.Admit(ctx, "requests_urls", "v"))
		require.False(t, g.Enabled())
	})

	t.Run("test-and-insert admits first only", func(t *testing.T) {
		g := NewGate(memory.NewStore(), Policy{Enabled: true}, nil)
		require.True(t, g.Admit(ctx, "requests_urls", "v"))
		require.False(t, g.Admit(ctx, "requests_urls", "v"))
	})

	t.Run("check-only never mutates", func(t *testing.T) {
		store := memory.NewStore()
		g := NewGate(store, Policy{Enabled: true, CheckOnly: true}, nil)
		require.True(t, g.Admit(ctx, "requests_urls", "v"))
		require.True(t, g.Admit(ctx, "requests_urls", "v"), "peek must not record the value")

		_, err := store.TestAndInsert(ctx, "requests_urls", "v")
		require.NoError(t, err)
		require.False(t, g.Admit(ctx, "requests_urls", "v"))
	})

	t.Run("policy scope overrides call scope", func(t *testing.T) {
		store := memory.NewStore()
		g := NewGate(store, Policy{Enabled: true, Scope: "custom_urls"}, nil)
		require.True(t, g.Admit(ctx, "requests_urls", "v"))

		seen, err := store.Contains(ctx, "custom_urls", "v")
		require.NoError(t, err)
		require.True(t, seen)

		seen, err = store.Contains(ctx, "requests_urls", "v")
		require.NoError(t, err)
		require.False(t, seen)
	})

	t.Run("store failure admits", func(t *testing.T) {
		g := NewGate(failingStore{}, Policy{Enabled: true}, nil)
		require.True(t, g.Admit(ctx, "requests_urls", "v"))
	})
}
