package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-crawler/internal/app"
	"github.com/JakeFAU/render-crawler/internal/config"
)

type crawlFlags struct {
	seeds      []string
	runID      string
	persistent bool
	addr       string
	sessions   int
}

// newApp is the application factory. It is a variable so tests can stub it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawlApp, error) {
	return app.New(ctx, cfg, logger)
}

type crawlApp interface {
	Run(ctx context.Context) error
	Close()
}

func newCrawlCmd() *cobra.Command {
	var flags crawlFlags
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Runs a crawl",
		Long: `Crawls the configured seeds (plus any --seed flags) until the frontier
drains. With --persistent the crawl keeps running and accepts URLs from the
admin API and the Kafka feed until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCrawl(cmd, flags)
		},
	}
	cmd.Flags().StringArrayVar(&flags.seeds, "seed", nil, `seed URL as "url" or "url|priority", repeatable`)
	cmd.Flags().StringVar(&flags.runID, "run-id", "", "override the generated run ID")
	cmd.Flags().BoolVar(&flags.persistent, "persistent", false, "keep running after the frontier drains")
	cmd.Flags().StringVar(&flags.addr, "addr", "", "admin API listen address")
	cmd.Flags().IntVar(&flags.sessions, "sessions", 0, "number of browser sessions")
	return cmd
}

func runCrawl(cmd *cobra.Command, flags crawlFlags) error {
	rt, err := envFrom(cmd.Context())
	if err != nil {
		return err
	}
	cfg, err := applyFlags(rt.cfg, cmd, flags)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	crawl, err := newApp(ctx, cfg, rt.logger)
	if err != nil {
		return fmt.Errorf("init crawl: %w", err)
	}
	defer crawl.Close()

	if err := crawl.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			rt.logger.Info("crawl interrupted")
			return nil
		}
		return fmt.Errorf("run crawl: %w", err)
	}
	rt.logger.Info("crawl finished")
	return nil
}

// applyFlags layers explicitly set flags over the loaded config.
func applyFlags(cfg config.Config, cmd *cobra.Command, flags crawlFlags) (config.Config, error) {
	seeds := append([]config.Seed(nil), cfg.Crawler.Seeds...)
	for _, raw := range flags.seeds {
		seed, err := config.ParseSeed(raw)
		if err != nil {
			return config.Config{}, fmt.Errorf("invalid flags: %w", err)
		}
		seeds = append(seeds, seed)
	}
	cfg.Crawler.Seeds = seeds
	if cmd.Flags().Changed("run-id") {
		cfg.Crawler.RunID = flags.runID
	}
	if cmd.Flags().Changed("persistent") {
		cfg.Crawler.Persistent = flags.persistent
	}
	if cmd.Flags().Changed("addr") {
		cfg.Server.Addr = flags.addr
	}
	if cmd.Flags().Changed("sessions") {
		cfg.Sessions.MaxSessions = flags.sessions
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}
