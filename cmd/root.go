// Package cmd defines the permits CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/permit-crawler/internal/app"
	"github.com/JakeFAU/permit-crawler/internal/config"
	"github.com/JakeFAU/permit-crawler/internal/logging"
)

type appKeyType string

const appKey appKeyType = "app"

// newApp builds the service container. Tests replace it.
var newApp = func(ctx context.Context, cfgPath string) (*app.App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return app.New(ctx, cfg, logger)
}

// newRootCmd returns the command tree and a func that releases whatever
// services PersistentPreRunE built. Cobra skips post-run hooks when RunE
// fails, so the caller closes instead.
func newRootCmd() (*cobra.Command, func()) {
	var (
		cfgFile string
		built   *app.App
	)

	cmd := &cobra.Command{
		Use:   "permits",
		Short: "Scrape drilling permit filings and enrich them from detail pages and PDFs.",
		Long: `permits scrapes the drilling permit listing into normalized records and
drives a durable queue of parse jobs that re-read each permit's detail page
and PDF, escalating through extraction strategies until a record is complete
or handed to a human for review.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			built = a
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults plus PERMITS_* env vars when empty)")

	cmd.AddCommand(
		newScrapeCmd(),
		newEnqueueCmd(),
		newProcessCmd(),
		newStatsCmd(),
		newReviewCmd(),
		newRetryCmd(),
		newPurgeCmd(),
		newServeCmd(),
	)

	closeApp := func() {
		if built == nil {
			return
		}
		if err := built.Close(); err != nil {
			built.Logger.Warn("close services", zap.Error(err))
		}
		_ = built.Logger.Sync()
		built = nil
	}
	return cmd, closeApp
}

func resolveApp(ctx context.Context) (*app.App, error) {
	a, ok := ctx.Value(appKey).(*app.App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}

// Execute runs the CLI until it finishes or the process is signalled.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root, closeApp := newRootCmd()
	err := root.ExecuteContext(ctx)
	closeApp()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
