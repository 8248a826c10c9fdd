// Package config loads engine configuration through Viper and implements
// the hierarchical option merge used for per-call overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/spindleworks/spindle/internal/dedup"
)

// Options captures every configuration knob that influences a spider run.
// All values originate from Viper so the engine can be configured via files,
// env vars, or CLI flags.
type Options struct {
	Spider          string
	Engine          string
	StartWork       []string
	PipelineNames   []string
	Dedup           dedup.Policy
	Headers         map[string]string
	UserAgent       string
	Delay           time.Duration
	Workers         int
	Stagger         time.Duration
	RequestTimeout  time.Duration
	DomainRPS       float64
	RespectRobots   bool
	ResponseKind    string
	PropagateErrors bool

	OutputDestination string
	OutputFormat      string
	OutputAppend      bool
	TrackPosition     bool

	DedupBackend string
	DedupDSN     string
	DedupTable   string

	PublishProject string
	PublishTopic   string
	APIAddr        string
	Development    bool
}

// Engine identifiers accepted by the engine option.
const (
	EngineColly   = "colly"
	EngineBrowser = "browser"
)

// Init initializes Viper defaults, search paths, and env binding. It is
// designed to be called once at application startup.
func Init() {
	viper.SetConfigName("spindle")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/spindle/")
	viper.AddConfigPath("$HOME/.spindle")

	viper.SetDefault("spider.name", "spindle")
	viper.SetDefault("spider.engine", EngineColly)
	viper.SetDefault("spider.start_urls", []string{})
	viper.SetDefault("spider.pipelines", []string{"validate", "write"})
	viper.SetDefault("spider.skip_duplicate_requests", true)
	viper.SetDefault("spider.user_agent", "Spindle/1.0 (+https://github.com/spindleworks/spindle)")
	viper.SetDefault("spider.delay", "0s")
	viper.SetDefault("spider.workers", 1)
	viper.SetDefault("spider.stagger", "250ms")
	viper.SetDefault("spider.response_kind", "html")

	viper.SetDefault("http.timeout", "15s")
	viper.SetDefault("http.domain_rps", 2.0)
	viper.SetDefault("http.respect_robots", true)

	viper.SetDefault("run.propagate_errors", false)

	viper.SetDefault("output.destination", "data/items.jsonl")
	viper.SetDefault("output.format", "jsonl")
	viper.SetDefault("output.append", false)
	viper.SetDefault("output.track_position", true)

	viper.SetDefault("dedup.backend", "memory")
	viper.SetDefault("dedup.table", "seen_values")

	viper.SetDefault("api.addr", "")
	viper.SetDefault("log.development", false)

	viper.SetEnvPrefix("SPINDLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Missing config file is fine; defaults and env vars carry the run.
	_ = viper.ReadInConfig()
}

// Load constructs Options by reading from Viper.
func Load(v *viper.Viper) (Options, error) {
	policy, err := dedup.PolicyFromOption(v.Get("spider.skip_duplicate_requests"))
	if err != nil {
		return Options{}, fmt.Errorf("spider.skip_duplicate_requests: %w", err)
	}
	opts := Options{
		Spider:          v.GetString("spider.name"),
		Engine:          v.GetString("spider.engine"),
		StartWork:       v.GetStringSlice("spider.start_urls"),
		PipelineNames:   v.GetStringSlice("spider.pipelines"),
		Dedup:           policy,
		Headers:         v.GetStringMapString("spider.headers"),
		UserAgent:       v.GetString("spider.user_agent"),
		Delay:           v.GetDuration("spider.delay"),
		Workers:         v.GetInt("spider.workers"),
		Stagger:         v.GetDuration("spider.stagger"),
		RequestTimeout:  v.GetDuration("http.timeout"),
		DomainRPS:       v.GetFloat64("http.domain_rps"),
		RespectRobots:   v.GetBool("http.respect_robots"),
		ResponseKind:    v.GetString("spider.response_kind"),
		PropagateErrors: v.GetBool("run.propagate_errors"),

		OutputDestination: v.GetString("output.destination"),
		OutputFormat:      v.GetString("output.format"),
		OutputAppend:      v.GetBool("output.append"),
		TrackPosition:     v.GetBool("output.track_position"),

		DedupBackend: v.GetString("dedup.backend"),
		DedupDSN:     v.GetString("dedup.dsn"),
		DedupTable:   v.GetString("dedup.table"),

		PublishProject: v.GetString("publish.project"),
		PublishTopic:   v.GetString("publish.topic"),
		APIAddr:        v.GetString("api.addr"),
		Development:    v.GetBool("log.development"),
	}
	return opts, opts.Validate()
}

// Validate checks for obviously bad configuration combinations.
func (o Options) Validate() error {
	if o.Engine != EngineColly && o.Engine != EngineBrowser {
		return fmt.Errorf("spider.engine must be %q or %q", EngineColly, EngineBrowser)
	}
	if o.Workers < 1 {
		return fmt.Errorf("spider.workers must be >= 1")
	}
	if o.RequestTimeout < 0 {
		return fmt.Errorf("http.timeout must be >= 0")
	}
	if o.DomainRPS < 0 {
		return fmt.Errorf("http.domain_rps must be >= 0")
	}
	if o.DedupBackend != "" && o.DedupBackend != "memory" && o.DedupBackend != "postgres" {
		return fmt.Errorf("dedup.backend must be memory or postgres")
	}
	if o.DedupBackend == "postgres" && o.DedupDSN == "" {
		return fmt.Errorf("dedup.dsn is required for the postgres backend")
	}
	if o.PublishTopic != "" && o.PublishProject == "" {
		return fmt.Errorf("publish.project is required when publish.topic is set")
	}
	return nil
}

// Merge layers override on top of o and returns the combined snapshot.
// Zero-valued override fields keep the base value. Headers are the one
// exception to combining: a non-nil override replaces the base map
// wholesale, never deep-merging with it.
func (o Options) Merge(override Options) Options {
	out := o

	if override.Spider != "" {
		out.Spider = override.Spider
	}
	if override.Engine != "" {
		out.Engine = override.Engine
	}
	if override.StartWork != nil {
		out.StartWork = override.StartWork
	}
	if override.PipelineNames != nil {
		out.PipelineNames = override.PipelineNames
	}
	if override.Dedup != (dedup.Policy{}) {
		out.Dedup = override.Dedup
	}
	if override.Headers != nil {
		out.Headers = override.Headers
	}
	if override.UserAgent != "" {
		out.UserAgent = override.UserAgent
	}
	if override.Delay != 0 {
		out.Delay = override.Delay
	}
	if override.Workers != 0 {
		out.Workers = override.Workers
	}
	if override.Stagger != 0 {
		out.Stagger = override.Stagger
	}
	if override.RequestTimeout != 0 {
		out.RequestTimeout = override.RequestTimeout
	}
	if override.DomainRPS != 0 {
		out.DomainRPS = override.DomainRPS
	}
	if override.ResponseKind != "" {
		out.ResponseKind = override.ResponseKind
	}
	if override.OutputDestination != "" {
		out.OutputDestination = override.OutputDestination
	}
	if override.OutputFormat != "" {
		out.OutputFormat = override.OutputFormat
	}
	if override.DedupBackend != "" {
		out.DedupBackend = override.DedupBackend
	}
	if override.DedupDSN != "" {
		out.DedupDSN = override.DedupDSN
	}
	if override.DedupTable != "" {
		out.DedupTable = override.DedupTable
	}
	if override.PublishProject != "" {
		out.PublishProject = override.PublishProject
	}
	if override.PublishTopic != "" {
		out.PublishTopic = override.PublishTopic
	}
	if override.APIAddr != "" {
		out.APIAddr = override.APIAddr
	}
	return out
}
