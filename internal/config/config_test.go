package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/spindleworks/spindle/internal/dedup"
)

func newViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	v.SetDefault("spider.name", "test")
	v.SetDefault("spider.engine", EngineColly)
	v.SetDefault("spider.workers", 2)
	v.SetDefault("spider.skip_duplicate_requests", true)
	return v
}

func TestLoad(t *testing.T) {
	t.Run("defaults load", func(t *testing.T) {
		v := newViper(t)
		opts, err := Load(v)
		require.NoError(t, err)
		require.Equal(t, EngineColly, opts.Engine)
		require.Equal(t, 2, opts.Workers)
		require.True(t, opts.Dedup.Enabled)
	})

	t.Run("structured dedup option", func(t *testing.T) {
		v := newViper(t)
		v.Set("spider.skip_duplicate_requests", map[string]any{
			"scope":      "product_urls",
			"check_only": true,
		})
		opts, err := Load(v)
		require.NoError(t, err)
		require.Equal(t, dedup.Policy{Enabled: true, Scope: "product_urls", CheckOnly: true}, opts.Dedup)
	})

	t.Run("bad engine rejected", func(t *testing.T) {
		v := newViper(t)
		v.Set("spider.engine", "carrier-pigeon")
		_, err := Load(v)
		require.Error(t, err)
	})

	t.Run("postgres backend requires dsn", func(t *testing.T) {
		v := newViper(t)
		v.Set("dedup.backend", "postgres")
		_, err := Load(v)
		require.Error(t, err)
	})
}

func TestMerge(t *testing.T) {
	base := Options{
		Spider:        "products",
		Engine:        EngineColly,
		StartWork:     []string{"https://example.com"},
		PipelineNames: []string{"validate", "write"},
		Headers:       map[string]string{"User-Agent": "base", "Accept": "text/html"},
		Workers:       4,
		Delay:         time.Second,
	}

	t.Run("zero override keeps base", func(t *testing.T) {
		merged := base.Merge(Options{})
		require.Equal(t, base, merged)
	})

	t.Run("scalar override wins", func(t *testing.T) {
		merged := base.Merge(Options{Workers: 8, Engine: EngineBrowser})
		require.Equal(t, 8, merged.Workers)
		require.Equal(t, EngineBrowser, merged.Engine)
		require.Equal(t, base.StartWork, merged.StartWork)
	})

	t.Run("headers replaced wholesale", func(t *testing.T) {
		merged := base.Merge(Options{Headers: map[string]string{"X-Token": "abc"}})
		require.Equal(t, map[string]string{"X-Token": "abc"}, merged.Headers)
		require.NotContains(t, merged.Headers, "Accept", "parent headers must not leak into override")
	})

	t.Run("nil headers keep base", func(t *testing.T) {
		merged := base.Merge(Options{Workers: 2})
		require.Equal(t, base.Headers, merged.Headers)
	})
}
