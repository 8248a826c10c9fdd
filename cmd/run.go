package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"path"
	"strings"
	"sync"
	"syscall"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spindleworks/spindle/internal/api"
	"github.com/spindleworks/spindle/internal/config"
	"github.com/spindleworks/spindle/internal/dedup"
	dedupmemory "github.com/spindleworks/spindle/internal/dedup/memory"
	deduppostgres "github.com/spindleworks/spindle/internal/dedup/postgres"
	"github.com/spindleworks/spindle/internal/engine"
	"github.com/spindleworks/spindle/internal/hash/sha256"
	"github.com/spindleworks/spindle/internal/logging"
	"github.com/spindleworks/spindle/internal/metrics"
	"github.com/spindleworks/spindle/internal/pipeline"
	"github.com/spindleworks/spindle/internal/publisher/pubsub"
	"github.com/spindleworks/spindle/internal/session"
	"github.com/spindleworks/spindle/internal/session/browser"
	"github.com/spindleworks/spindle/internal/session/collyhttp"
	"github.com/spindleworks/spindle/internal/spider"
	"github.com/spindleworks/spindle/internal/stats"
	"github.com/spindleworks/spindle/internal/writer"
	gcswriter "github.com/spindleworks/spindle/internal/writer/gcs"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a spider to completion",
		Long: `Runs the configured spider: every seed URL is dispatched to the parse
handler, extracted items flow through the pipeline, and a run summary is
printed when the spider finishes.`,
		RunE: runSpider,
	}

	cmd.Flags().String("spider", "", "spider name (overrides spider.name)")
	cmd.Flags().StringSlice("seed", nil, "seed URL (repeatable, overrides spider.start_urls)")
	cmd.Flags().Int("workers", 0, "parallel workers (overrides spider.workers)")
	cmd.Flags().String("engine", "", "fetch engine: colly or browser")
	cmd.Flags().String("output", "", "output destination (overrides output.destination)")

	return cmd
}

func runSpider(cmd *cobra.Command, _ []string) error {
	bindRunFlags(cmd)

	opts, err := config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(opts.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	metrics.Init()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, cleanup, err := buildEngine(ctx, opts, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if opts.APIAddr != "" {
		srv := api.NewServer(eng, logger)
		go func() {
			if err := srv.ListenAndServe(ctx, opts.APIAddr); err != nil {
				logger.Warn("status api stopped", zap.Error(err))
			}
		}()
	}

	result, err := eng.Start(ctx)
	if err != nil {
		return fmt.Errorf("run spider: %w", err)
	}
	if result.Status == spider.RunStatusFailed {
		return fmt.Errorf("spider %s failed: %s", result.Spider, result.ErrorTxt)
	}
	return nil
}

func bindRunFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("spider") {
		v, _ := flags.GetString("spider")
		viper.Set("spider.name", v)
	}
	if flags.Changed("seed") {
		v, _ := flags.GetStringSlice("seed")
		viper.Set("spider.start_urls", v)
	}
	if flags.Changed("workers") {
		v, _ := flags.GetInt("workers")
		viper.Set("spider.workers", v)
	}
	if flags.Changed("engine") {
		v, _ := flags.GetString("engine")
		viper.Set("spider.engine", v)
	}
	if flags.Changed("output") {
		v, _ := flags.GetString("output")
		viper.Set("output.destination", v)
	}
}

// buildEngine assembles the dedup store, stage chain, session builder, and
// optional publisher behind one Engine. The returned cleanup releases shared
// resources after the run.
func buildEngine(ctx context.Context, opts config.Options, logger *zap.Logger) (*engine.Engine, func(), error) {
	var (
		newStore engine.StoreBuilder
		cleanup  = func() {}
	)
	switch opts.DedupBackend {
	case "postgres":
		pg, err := deduppostgres.NewStore(ctx, deduppostgres.StoreConfig{
			DSN:   opts.DedupDSN,
			Table: opts.DedupTable,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init dedup store: %w", err)
		}
		// Durable backend: seen values survive restarts and runs on purpose.
		newStore = func() spider.DedupStore { return pg }
		cleanup = pg.Close
	default:
		// A fresh store per run; no run state outlives the run.
		newStore = func() spider.DedupStore { return dedupmemory.NewStore() }
	}

	stageFactory, err := buildStages(opts, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	deps := engine.Deps{
		Handlers: map[string]spider.Handler{
			engine.DefaultHandler: pageHandler(opts),
		},
		Stages:     stageFactory,
		Stores:     newStore,
		Sessions:   sessionBuilder(opts, logger),
		OpenWriter: openWriter(ctx, opts),
		Logger:     logger,
	}

	if opts.PublishTopic != "" {
		pub, err := pubsub.New(ctx, opts.PublishProject)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("init publisher: %w", err)
		}
		deps.Publisher = pub
		storeCleanup := cleanup
		cleanup = func() {
			if err := pub.Close(); err != nil {
				logger.Warn("close publisher failed", zap.Error(err))
			}
			storeCleanup()
		}
	}

	eng, err := engine.New(opts, deps, engine.Hooks{})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return eng, cleanup, nil
}

func buildStages(opts config.Options, logger *zap.Logger) (func(spider.DedupStore, *writer.Cache) []spider.Stage, error) {
	registry := func(store spider.DedupStore, writers *writer.Cache) map[string]spider.Stage {
		// Content hashing runs its own scope on the run's store; the
		// URL-level policy does not govern it.
		hashGate := dedup.NewGate(store, dedup.Policy{Enabled: true}, logger)
		return map[string]spider.Stage{
			"validate":     pipeline.ValidateStage{Required: []string{"url"}},
			"content_hash": pipeline.ContentHashStage{Gate: hashGate, Hasher: sha256.New()},
			"write":        pipeline.NewWriteStage(writers.Get, opts.OutputDestination),
		}
	}

	// Fail on unknown stage names at startup, not mid-run.
	if _, err := pipeline.Resolve(opts.PipelineNames, registry(nil, writer.NewCache(nil))); err != nil {
		return nil, err
	}

	return func(store spider.DedupStore, writers *writer.Cache) []spider.Stage {
		stages, _ := pipeline.Resolve(opts.PipelineNames, registry(store, writers))
		return stages
	}, nil
}

// openWriter routes gs://bucket/object destinations to Cloud Storage and
// everything else to local files. The storage client is created on first
// use and shared across workers.
func openWriter(ctx context.Context, opts config.Options) writer.OpenFunc {
	var (
		gcsOnce   sync.Once
		gcsClient *storage.Client
		gcsErr    error
	)
	return func(dest string) (spider.ItemWriter, error) {
		if bucket, object, ok := gcsDestination(dest); ok {
			gcsOnce.Do(func() {
				gcsClient, gcsErr = storage.NewClient(ctx)
			})
			if gcsErr != nil {
				return nil, fmt.Errorf("init storage client: %w", gcsErr)
			}
			// Each worker uploads its own object so parallel runs never
			// clobber each other.
			return gcswriter.New(ctx, gcsClient, gcswriter.Config{
				Bucket: bucket,
				Object: uniqueObject(object),
			})
		}
		return writer.NewFileWriter(writer.Config{
			Destination:   dest,
			Format:        writer.Format(opts.OutputFormat),
			Append:        opts.OutputAppend,
			TrackPosition: opts.TrackPosition,
		})
	}
}

func gcsDestination(dest string) (bucket, object string, ok bool) {
	rest, found := strings.CutPrefix(dest, "gs://")
	if !found {
		return "", "", false
	}
	bucket, object, found = strings.Cut(rest, "/")
	if !found || bucket == "" || object == "" {
		return "", "", false
	}
	return bucket, object, true
}

func uniqueObject(object string) string {
	ext := path.Ext(object)
	base := strings.TrimSuffix(object, ext)
	return fmt.Sprintf("%s-%s%s", base, uuid.NewString()[:8], ext)
}

func sessionBuilder(opts config.Options, logger *zap.Logger) engine.SessionBuilder {
	return func(ledger *stats.Ledger) session.Factory {
		if opts.Engine == config.EngineBrowser {
			return func(ctx context.Context) (spider.Session, error) {
				return browser.New(browser.Config{
					UserAgent: opts.UserAgent,
					Timeout:   opts.RequestTimeout,
				}, ledger, logger)
			}
		}
		return func(context.Context) (spider.Session, error) {
			return collyhttp.New(collyhttp.Config{
				UserAgent:     opts.UserAgent,
				Timeout:       opts.RequestTimeout,
				Headers:       opts.Headers,
				DomainRPS:     opts.DomainRPS,
				RespectRobots: opts.RespectRobots,
			}, ledger, logger), nil
		}
	}
}

// pageHandler is the default parse handler: it emits one item per fetched
// page. Real spiders register their own handlers through the engine API.
func pageHandler(opts config.Options) spider.Handler {
	return func(ctx context.Context, rc spider.RunContext, resp *spider.Response, _ map[string]any) error {
		if resp == nil {
			return nil
		}
		rc.ProcessItem(ctx, spider.Item{
			"url":          resp.URL,
			"status_code":  resp.StatusCode,
			"content_type": resp.Headers.Get("Content-Type"),
			"bytes":        len(resp.Body),
			"spider":       opts.Spider,
		}, nil)
		return nil
	}
}
