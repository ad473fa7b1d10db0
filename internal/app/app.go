// Package app builds the crawl from configuration and owns the lifecycle of
// its long-lived services.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-crawler/internal/api"
	"github.com/JakeFAU/render-crawler/internal/clock/system"
	"github.com/JakeFAU/render-crawler/internal/config"
	"github.com/JakeFAU/render-crawler/internal/crawler"
	"github.com/JakeFAU/render-crawler/internal/dispatcher"
	"github.com/JakeFAU/render-crawler/internal/extract"
	"github.com/JakeFAU/render-crawler/internal/feed/kafka"
	"github.com/JakeFAU/render-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/render-crawler/internal/frontier"
	"github.com/JakeFAU/render-crawler/internal/hash/sha256"
	"github.com/JakeFAU/render-crawler/internal/id/uuid"
	"github.com/JakeFAU/render-crawler/internal/metrics"
	"github.com/JakeFAU/render-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/render-crawler/internal/policy/retry"
	"github.com/JakeFAU/render-crawler/internal/policy/robots"
	"github.com/JakeFAU/render-crawler/internal/policy/scope"
	"github.com/JakeFAU/render-crawler/internal/session"
	"github.com/JakeFAU/render-crawler/internal/sink"
	"github.com/JakeFAU/render-crawler/internal/sink/fs"
	"github.com/JakeFAU/render-crawler/internal/sink/gcs"
	"github.com/JakeFAU/render-crawler/internal/sink/postgres"
	"github.com/JakeFAU/render-crawler/internal/sink/pubsub"
	"github.com/JakeFAU/render-crawler/internal/sink/redis"
	"github.com/JakeFAU/render-crawler/internal/sink/webhook"
	"github.com/JakeFAU/render-crawler/internal/telemetry"
	"github.com/JakeFAU/render-crawler/internal/worker"
)

// ErrNoSeeds is returned for a non-persistent crawl with nothing to fetch.
var ErrNoSeeds = errors.New("no seeds configured and crawl is not persistent")

const serverShutdownTimeout = 10 * time.Second

// Option customizes App construction.
type Option func(*options)

type options struct {
	factory crawler.SessionFactory
	clock   crawler.Clock
	robots  crawler.RobotsPolicy
	sinks   []crawler.ResultSink
}

// WithSessionFactory replaces the chromedp browser factory.
func WithSessionFactory(f crawler.SessionFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithClock replaces the system clock.
func WithClock(c crawler.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithRobots replaces the robots.txt policy built from config.
func WithRobots(r crawler.RobotsPolicy) Option {
	return func(o *options) { o.robots = r }
}

// WithSink adds a result sink alongside the configured ones.
func WithSink(s crawler.ResultSink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s) }
}

// App holds the dispatcher and every service it depends on.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	runID      string
	dispatcher *dispatcher.Dispatcher
	pool       *session.Pool
	memory     *sink.Memory
	api        *api.Server
	server     *http.Server
	feed       *kafka.Feed
	closers    []func() error
	closeOnce  sync.Once
}

// New wires the crawl described by cfg. It fails fast if any configured
// backend cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if len(cfg.Crawler.Seeds) == 0 && !cfg.Crawler.Persistent {
		return nil, ErrNoSeeds
	}
	metrics.Init()

	runID, err := uuid.New().RunID(cfg.Crawler.RunID)
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	a := &App{cfg: cfg, logger: logger, runID: runID}

	_, shutdownTracing, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancel()
		return shutdownTracing(shutdownCtx)
	})

	clock := o.clock
	if clock == nil {
		clock = system.New()
	}

	gate := ratelimit.New(ratelimit.Config{
		MaxPerHost:    cfg.Politeness.MaxPerHost,
		MinInterval:   cfg.Politeness.MinIntervalPerHost,
		HostIntervals: cfg.Politeness.HostIntervals,
		GlobalRPS:     cfg.Politeness.GlobalRPS,
		GlobalBurst:   cfg.Politeness.GlobalBurst,
	}, clock)

	robotsPolicy := o.robots
	if robotsPolicy == nil {
		robotsPolicy = robots.New(cfg.Crawler.RespectRobots, robots.Options{
			UserAgent: cfg.Crawler.UserAgent,
			Logger:    logger,
		})
	}

	factory := o.factory
	if factory == nil {
		factory = headless.NewFactory(headless.Config{
			UserAgent:     cfg.Crawler.UserAgent,
			ExecPath:      cfg.Sessions.ExecPath,
			Headless:      cfg.Sessions.Headless,
			NoSandbox:     cfg.Sessions.NoSandbox,
			DisableDevShm: cfg.Sessions.DisableDevShm,
			Settle:        cfg.Sessions.Settle,
			StartTimeout:  cfg.Sessions.CreateTimeout,
		}, logger)
	}
	a.pool = session.NewPool(factory, session.Options{
		MaxSessions:   cfg.Sessions.MaxSessions,
		CreateTimeout: cfg.Sessions.CreateTimeout,
		Logger:        logger,
	})
	a.closers = append(a.closers, a.pool.Close)

	resultSink, err := a.buildSinks(ctx, o.sinks)
	if err != nil {
		a.Close()
		return nil, err
	}

	var extractor crawler.LinkExtractor
	if cfg.Crawler.FollowLinks {
		extractor = extract.New(extract.Options{
			FollowNoFollow: cfg.Crawler.FollowNoFollow,
			MaxLinks:       cfg.Crawler.MaxLinksPerPage,
			Logger:         logger,
		})
	}

	seeds := make([]crawler.Seed, 0, len(cfg.Crawler.Seeds))
	for _, s := range cfg.Crawler.Seeds {
		seeds = append(seeds, crawler.Seed{URL: s.URL, Priority: s.Priority})
	}

	a.dispatcher, err = dispatcher.New(dispatcher.Options{
		Config: dispatcher.Config{
			ShutdownGrace:   cfg.Sessions.ShutdownGrace,
			SinkTimeout:     cfg.Sink.Timeout,
			Persistent:      cfg.Crawler.Persistent,
			PriorityMode:    dispatcher.PriorityMode(cfg.Crawler.DiscoveredPriorityMode),
			FixedPriority:   cfg.Crawler.DiscoveredPriority,
			PriorityDecay:   cfg.Crawler.DiscoveredPriorityDecay,
			RunID:           runID,
			Seeds:           seeds,
			RevisitInterval: cfg.Crawler.RevisitInterval,
		},
		Frontier: frontier.New(clock),
		Gate:     gate,
		Pool:     a.pool,
		Fetcher: worker.New(worker.Options{
			RenderTimeout: cfg.Sessions.RenderTimeout,
			AbandonGrace:  cfg.Sessions.AbandonGrace,
			AcceptedTypes: cfg.Crawler.AcceptedContentTypes,
			Robots:        robotsPolicy,
			Hasher:        sha256.New(),
			Clock:         clock,
			Logger:        logger,
		}),
		Retry: retry.New(retry.Config{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		}),
		Sink:      resultSink,
		Extractor: extractor,
		Scope: scope.New(scope.Config{
			MaxDepth:     cfg.Crawler.MaxDepth,
			AllowDomains: cfg.Crawler.AllowDomains,
			DenyDomains:  cfg.Crawler.DenyDomains,
			SameHost:     cfg.Crawler.SameHost,
		}),
		Clock:  clock,
		Logger: logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init dispatcher: %w", err)
	}

	a.api = api.NewServer(a.dispatcher, api.Options{APIKey: cfg.Server.APIKey, Logger: logger})
	if cfg.Server.Addr != "" {
		a.server = &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           a.api.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	if cfg.Feed.Enabled {
		reader, err := kafka.NewReader(cfg.Feed.Kafka)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init kafka feed: %w", err)
		}
		a.feed = kafka.New(reader, a.dispatcher, cfg.Feed.Kafka.DefaultPriority, logger)
		a.closers = append(a.closers, a.feed.Close)
	}

	logger.Info("crawl initialized",
		zap.String("run_id", runID),
		zap.Int("seeds", len(seeds)),
		zap.Int("sessions", a.pool.Size()),
		zap.Strings("sinks", cfg.Sink.Kinds),
		zap.Strings("notify", cfg.Notify.Kinds),
		zap.Duration("revisit_interval", cfg.Crawler.RevisitInterval),
		zap.Bool("persistent", cfg.Crawler.Persistent))
	return a, nil
}

func (a *App) buildSinks(ctx context.Context, extra []crawler.ResultSink) (crawler.ResultSink, error) {
	sinks := make(sink.Multi, 0, len(a.cfg.Sink.Kinds)+len(extra)+1)
	for _, kind := range a.cfg.Sink.Kinds {
		s, err := a.buildSink(ctx, kind, a.cfg.Sink)
		if err != nil {
			return nil, fmt.Errorf("init %s sink: %w", kind, err)
		}
		sinks = append(sinks, s)
	}
	if len(a.cfg.Notify.Kinds) > 0 {
		notifiers := make(sink.Multi, 0, len(a.cfg.Notify.Kinds))
		for _, kind := range a.cfg.Notify.Kinds {
			s, err := a.buildNotifier(ctx, kind)
			if err != nil {
				return nil, fmt.Errorf("init %s notifier: %w", kind, err)
			}
			notifiers = append(notifiers, s)
		}
		sinks = append(sinks, sink.ChangesOnly{Next: notifiers})
	}
	sinks = append(sinks, extra...)
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

// buildNotifier builds a change notifier. Pub/Sub and Redis reuse the sink
// implementations under their own settings.
func (a *App) buildNotifier(ctx context.Context, kind string) (crawler.ResultSink, error) {
	n := a.cfg.Notify
	switch kind {
	case config.SinkWebhook:
		return webhook.New(n.Webhook)
	case config.SinkLog, config.SinkPubSub, config.SinkRedis:
		return a.buildSink(ctx, kind, config.SinkConfig{PubSub: n.PubSub, Redis: n.Redis})
	default:
		return nil, fmt.Errorf("unknown notify kind %q", kind)
	}
}

func (a *App) buildSink(ctx context.Context, kind string, cfg config.SinkConfig) (crawler.ResultSink, error) {
	switch kind {
	case config.SinkLog:
		return sink.NewLog(a.logger), nil
	case config.SinkMemory:
		a.memory = sink.NewMemory()
		return a.memory, nil
	case config.SinkFS:
		return fs.New(cfg.FS)
	case config.SinkPostgres:
		s, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		return s, nil
	case config.SinkGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		return gcs.New(client, cfg.GCS)
	case config.SinkPubSub:
		client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		s, err := pubsub.New(client.Topic(cfg.PubSub.Topic))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		return s, nil
	case config.SinkRedis:
		s, err := redis.New(cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, s.Close)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown sink kind %q", kind)
	}
}

// RunID returns the crawl run identifier.
func (a *App) RunID() string {
	return a.runID
}

// Results returns the in-memory sink, or nil when it is not configured.
func (a *App) Results() *sink.Memory {
	return a.memory
}

// Handler returns the admin API handler.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// Snapshot returns the latest dispatcher snapshot.
func (a *App) Snapshot() dispatcher.Snapshot {
	return a.dispatcher.Snapshot()
}

// Run starts the admin server and the feed, then runs the crawl until it
// drains or ctx is cancelled. The server and feed stop when the crawl does.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Sessions.Warm {
		if err := a.pool.Warm(ctx, a.pool.Size()); err != nil {
			a.logger.Warn("session warm-up incomplete", zap.Error(err))
		}
	}

	auxCtx, stopAux := context.WithCancel(ctx)
	defer stopAux()
	var wg sync.WaitGroup

	if a.server != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("http server started", zap.String("addr", a.server.Addr))
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
			}
		}()
	}
	if a.feed != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.feed.Run(auxCtx); err != nil {
				a.logger.Error("kafka feed stopped", zap.Error(err))
			}
			stats := a.feed.Stats()
			a.logger.Info("kafka feed finished",
				zap.Int("received", stats.Received),
				zap.Int("submitted", stats.Submitted),
				zap.Int("duplicates", stats.Duplicates),
				zap.Int("rejected", stats.Rejected))
		}()
	}

	runErr := a.dispatcher.Run(ctx)

	stopAux()
	if a.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("server shutdown error", zap.Error(err))
		}
		cancel()
	}
	wg.Wait()
	return runErr
}

// Close releases browsers and backend clients. It is safe to call more than once.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				a.logger.Warn("error closing service", zap.Error(err))
			}
		}
	})
}
