// Package cmd defines and implements the CLI commands for the crawlmux
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crawlmux/crawlmux/internal/config"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawlmux",
		Short: "Crawl-job orchestration server",
		Long: `crawlmux runs crawl jobs against arbitrary seed URLs and streams
their progress to websocket subscribers. Jobs and scraped pages are
persisted to PostgreSQL, and site documents with cron schedules are
started automatically.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is built-in defaults plus CRAWLMUX_* env)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newCrawlCmd())

	return cmd
}

// loadConfig reads the configured file (if any) plus environment overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
