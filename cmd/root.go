// Package cmd defines the CLI commands for the render-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-crawler/internal/config"
	"github.com/JakeFAU/render-crawler/internal/logging"
)

type ctxKey struct{}

// cliEnv is what PersistentPreRunE hands to subcommands.
type cliEnv struct {
	cfg    config.Config
	logger *zap.Logger
}

// loadConfig is a variable so tests can inject configuration.
var loadConfig = config.Load

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "render-crawler",
		Short: "A polite headless-browser crawler.",
		Long: `render-crawler renders pages in a bounded pool of headless Chrome sessions,
schedules them by priority under per-host politeness limits, retries transient
failures with backoff and reports every terminal outcome to the configured sinks.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), ctxKey{}, &cliEnv{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if rt, ok := cmd.Context().Value(ctxKey{}).(*cliEnv); ok {
				_ = rt.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	cmd.AddCommand(newCrawlCmd())
	return cmd
}

func envFrom(ctx context.Context) (*cliEnv, error) {
	rt, ok := ctx.Value(ctxKey{}).(*cliEnv)
	if !ok || rt == nil {
		return nil, errors.New("configuration not loaded")
	}
	return rt, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "render-crawler: %v\n", err)
		os.Exit(1)
	}
}
