// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/JakeFAU/render-crawler/internal/feed/kafka"
	"github.com/JakeFAU/render-crawler/internal/sink/fs"
	"github.com/JakeFAU/render-crawler/internal/sink/gcs"
	"github.com/JakeFAU/render-crawler/internal/sink/postgres"
	"github.com/JakeFAU/render-crawler/internal/sink/pubsub"
	"github.com/JakeFAU/render-crawler/internal/sink/redis"
	"github.com/JakeFAU/render-crawler/internal/sink/webhook"
	"github.com/JakeFAU/render-crawler/internal/telemetry"
)

// Sink kinds accepted in sink.kinds. notify.kinds takes log, webhook, pubsub
// and redis.
const (
	SinkLog      = "log"
	SinkMemory   = "memory"
	SinkFS       = "fs"
	SinkPostgres = "postgres"
	SinkGCS      = "gcs"
	SinkPubSub   = "pubsub"
	SinkRedis    = "redis"
	SinkWebhook  = "webhook"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Sessions   SessionsConfig   `mapstructure:"sessions"`
	Politeness PolitenessConfig `mapstructure:"politeness"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Sink       SinkConfig       `mapstructure:"sink"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Feed       FeedConfig       `mapstructure:"feed"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Telemetry  telemetry.Config `mapstructure:"telemetry"`
}

// Seed is one initial URL. In files it is either a {url, priority} map or a
// plain string in the "url|priority" form accepted by ParseSeed.
type Seed struct {
	URL      string `mapstructure:"url"`
	Priority int    `mapstructure:"priority"`
}

// ParseSeed reads "url" or "url|priority".
func ParseSeed(raw string) (Seed, error) {
	raw = strings.TrimSpace(raw)
	i := strings.LastIndex(raw, "|")
	if i < 0 {
		return Seed{URL: raw}, nil
	}
	priority, err := strconv.Atoi(strings.TrimSpace(raw[i+1:]))
	if err != nil {
		return Seed{}, fmt.Errorf("seed %q: invalid priority: %w", raw, err)
	}
	return Seed{URL: strings.TrimSpace(raw[:i]), Priority: priority}, nil
}

// CrawlerConfig governs scope and link discovery.
type CrawlerConfig struct {
	Seeds     []Seed `mapstructure:"seeds"`
	RunID     string `mapstructure:"run_id"`
	UserAgent string `mapstructure:"user_agent"`
	// MaxDepth bounds link distance from a seed. Negative means unlimited.
	MaxDepth      int      `mapstructure:"max_depth"`
	AllowDomains  []string `mapstructure:"allow_domains"`
	DenyDomains   []string `mapstructure:"deny_domains"`
	SameHost      bool     `mapstructure:"same_host"`
	RespectRobots bool     `mapstructure:"respect_robots"`
	FollowLinks   bool     `mapstructure:"follow_links"`
	// FollowNoFollow ignores rel=nofollow and robots meta nofollow.
	FollowNoFollow          bool     `mapstructure:"follow_nofollow"`
	MaxLinksPerPage         int      `mapstructure:"max_links_per_page"`
	DiscoveredPriorityMode  string   `mapstructure:"discovered_priority_mode"`
	DiscoveredPriority      int      `mapstructure:"discovered_priority"`
	DiscoveredPriorityDecay int      `mapstructure:"discovered_priority_decay"`
	Persistent              bool     `mapstructure:"persistent"`
	AcceptedContentTypes    []string `mapstructure:"accepted_content_types"`
	// RevisitInterval re-crawls every finished page after this long. Zero
	// crawls each page once.
	RevisitInterval time.Duration `mapstructure:"revisit_interval"`
}

// SessionsConfig sizes the browser pool and bounds renders.
type SessionsConfig struct {
	MaxSessions   int           `mapstructure:"max_sessions"`
	RenderTimeout time.Duration `mapstructure:"render_timeout"`
	AbandonGrace  time.Duration `mapstructure:"abandon_grace"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	CreateTimeout time.Duration `mapstructure:"create_timeout"`
	Settle        time.Duration `mapstructure:"settle"`
	ExecPath      string        `mapstructure:"exec_path"`
	Headless      bool          `mapstructure:"headless"`
	NoSandbox     bool          `mapstructure:"no_sandbox"`
	DisableDevShm bool          `mapstructure:"disable_dev_shm"`
	// Warm starts every browser before the first dispatch.
	Warm bool `mapstructure:"warm"`
}

// PolitenessConfig bounds per-host and crawl-wide dispatch.
type PolitenessConfig struct {
	MaxPerHost         int                      `mapstructure:"max_per_host"`
	MinIntervalPerHost time.Duration            `mapstructure:"min_interval_per_host"`
	HostIntervals      map[string]time.Duration `mapstructure:"host_intervals"`
	GlobalRPS          float64                  `mapstructure:"global_rps"`
	GlobalBurst        int                      `mapstructure:"global_burst"`
}

// RetryConfig controls transient-failure backoff.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// SinkConfig selects result sinks and their settings.
type SinkConfig struct {
	Kinds    []string        `mapstructure:"kinds"`
	Timeout  time.Duration   `mapstructure:"timeout"`
	FS       fs.Config       `mapstructure:"fs"`
	Postgres postgres.Config `mapstructure:"postgres"`
	GCS      gcs.Config      `mapstructure:"gcs"`
	PubSub   pubsub.Config   `mapstructure:"pubsub"`
	Redis    redis.Config    `mapstructure:"redis"`
}

// NotifyConfig routes reports whose content changed since the previous
// visit. No kinds disables notification.
type NotifyConfig struct {
	Kinds   []string       `mapstructure:"kinds"`
	Webhook webhook.Config `mapstructure:"webhook"`
	PubSub  pubsub.Config  `mapstructure:"pubsub"`
	Redis   redis.Config   `mapstructure:"redis"`
}

// FeedConfig enables the Kafka URL feed.
type FeedConfig struct {
	Enabled bool         `mapstructure:"enabled"`
	Kafka   kafka.Config `mapstructure:"kafka"`
}

// ServerConfig controls the admin HTTP server. An empty Addr disables it.
type ServerConfig struct {
	Addr   string `mapstructure:"addr"`
	APIKey string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	hooks := mapstructure.ComposeDecodeHookFunc(
		seedDecodeHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hooks)); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

var seedType = reflect.TypeOf(Seed{})

func seedDecodeHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != seedType {
		return data, nil
	}
	raw, _ := data.(string)
	return ParseSeed(raw)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crawler.seeds", []string{})
	v.SetDefault("crawler.user_agent", "render-crawler/0.1")
	v.SetDefault("crawler.max_depth", 2)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.follow_links", true)
	v.SetDefault("crawler.follow_nofollow", false)
	v.SetDefault("crawler.max_links_per_page", 500)
	v.SetDefault("crawler.discovered_priority_mode", "fixed")
	v.SetDefault("crawler.discovered_priority", 0)
	v.SetDefault("crawler.discovered_priority_decay", 1)
	v.SetDefault("crawler.persistent", false)
	v.SetDefault("crawler.accepted_content_types", []string{"text/html", "application/xhtml+xml"})
	v.SetDefault("sessions.max_sessions", 4)
	v.SetDefault("sessions.render_timeout", "45s")
	v.SetDefault("sessions.abandon_grace", "5s")
	v.SetDefault("sessions.shutdown_grace", "10s")
	v.SetDefault("sessions.create_timeout", "30s")
	v.SetDefault("sessions.settle", "500ms")
	v.SetDefault("sessions.headless", true)
	v.SetDefault("sessions.no_sandbox", false)
	v.SetDefault("sessions.disable_dev_shm", true)
	v.SetDefault("sessions.warm", false)
	v.SetDefault("politeness.max_per_host", 1)
	v.SetDefault("politeness.min_interval_per_host", "1s")
	v.SetDefault("politeness.global_rps", 0)
	v.SetDefault("politeness.global_burst", 1)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "250ms")
	v.SetDefault("retry.max_delay", "30s")
	v.SetDefault("sink.kinds", []string{SinkLog})
	v.SetDefault("sink.timeout", "30s")
	v.SetDefault("sink.fs.root", "out")
	v.SetDefault("sink.postgres.table", "crawl_results")
	v.SetDefault("sink.redis.prefix", "crawler")
	v.SetDefault("crawler.revisit_interval", "0s")
	v.SetDefault("notify.kinds", []string{})
	v.SetDefault("notify.webhook.field", "content")
	v.SetDefault("notify.webhook.timeout", "10s")
	v.SetDefault("notify.redis.prefix", "crawler:changes")
	v.SetDefault("feed.enabled", false)
	v.SetDefault("feed.kafka.group_id", "render-crawler")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "render-crawler")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	for i, s := range c.Crawler.Seeds {
		if strings.TrimSpace(s.URL) == "" {
			return fmt.Errorf("crawler.seeds[%d]: url is required", i)
		}
	}
	if c.Crawler.RevisitInterval < 0 {
		return fmt.Errorf("crawler.revisit_interval must be >= 0")
	}
	if c.Sessions.MaxSessions <= 0 {
		return fmt.Errorf("sessions.max_sessions must be > 0")
	}
	if c.Sessions.RenderTimeout <= 0 {
		return fmt.Errorf("sessions.render_timeout must be > 0")
	}
	if c.Politeness.MaxPerHost <= 0 {
		return fmt.Errorf("politeness.max_per_host must be > 0")
	}
	if c.Politeness.MinIntervalPerHost < 0 {
		return fmt.Errorf("politeness.min_interval_per_host must be >= 0")
	}
	for host, d := range c.Politeness.HostIntervals {
		if d < 0 {
			return fmt.Errorf("politeness.host_intervals[%s] must be >= 0", host)
		}
	}
	if c.Politeness.GlobalRPS < 0 {
		return fmt.Errorf("politeness.global_rps must be >= 0")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be > 0")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.max_delay must be >= retry.base_delay")
	}
	switch c.Crawler.DiscoveredPriorityMode {
	case "fixed", "inherit":
	default:
		return fmt.Errorf("crawler.discovered_priority_mode must be fixed or inherit, got %q", c.Crawler.DiscoveredPriorityMode)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	if err := c.Sink.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	if c.Feed.Enabled {
		if len(c.Feed.Kafka.Brokers) == 0 || c.Feed.Kafka.Topic == "" {
			return fmt.Errorf("feed.kafka.brokers and feed.kafka.topic are required when the feed is enabled")
		}
	}
	return nil
}

func (s SinkConfig) validate() error {
	if len(s.Kinds) == 0 {
		return fmt.Errorf("sink.kinds must name at least one sink")
	}
	for _, kind := range s.Kinds {
		switch kind {
		case SinkLog, SinkMemory:
		case SinkFS:
			if strings.TrimSpace(s.FS.Root) == "" {
				return fmt.Errorf("sink.fs.root is required for the fs sink")
			}
		case SinkPostgres:
			if s.Postgres.DSN == "" {
				return fmt.Errorf("sink.postgres.dsn is required for the postgres sink")
			}
		case SinkGCS:
			if s.GCS.Bucket == "" {
				return fmt.Errorf("sink.gcs.bucket is required for the gcs sink")
			}
		case SinkPubSub:
			if s.PubSub.ProjectID == "" || s.PubSub.Topic == "" {
				return fmt.Errorf("sink.pubsub.project_id and sink.pubsub.topic are required for the pubsub sink")
			}
		case SinkRedis:
			if s.Redis.Addr == "" {
				return fmt.Errorf("sink.redis.addr is required for the redis sink")
			}
		default:
			return fmt.Errorf("unknown sink kind %q", kind)
		}
	}
	return nil
}

func (n NotifyConfig) validate() error {
	for _, kind := range n.Kinds {
		switch kind {
		case SinkLog:
		case SinkWebhook:
			if n.Webhook.URL == "" {
				return fmt.Errorf("notify.webhook.url is required for the webhook notifier")
			}
			if n.Webhook.Timeout < 0 {
				return fmt.Errorf("notify.webhook.timeout must be >= 0")
			}
		case SinkPubSub:
			if n.PubSub.ProjectID == "" || n.PubSub.Topic == "" {
				return fmt.Errorf("notify.pubsub.project_id and notify.pubsub.topic are required for the pubsub notifier")
			}
		case SinkRedis:
			if n.Redis.Addr == "" {
				return fmt.Errorf("notify.redis.addr is required for the redis notifier")
			}
		default:
			return fmt.Errorf("unknown notify kind %q", kind)
		}
	}
	return nil
}

// HasSink reports whether kind is enabled.
func (c Config) HasSink(kind string) bool {
	for _, k := range c.Sink.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}
