package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crawlmux/crawlmux/internal/bus"
	"github.com/crawlmux/crawlmux/internal/engine/collyengine"
	"github.com/crawlmux/crawlmux/internal/jobs"
	"github.com/crawlmux/crawlmux/internal/logging"
	"github.com/crawlmux/crawlmux/internal/metrics"
)

// newCrawlCmd creates and configures the 'crawl' subcommand, a one-shot
// in-process crawl without the server surface.
func newCrawlCmd() *cobra.Command {
	var maxDepth int

	cmd := &cobra.Command{
		Use:   "crawl <url>",
		Short: "Crawl a single seed URL and print the final stats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawlCommand(cmd.Context(), args[0], maxDepth)
		},
	}
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "link depth limit (0 uses the configured default)")
	return cmd
}

func runCrawlCommand(ctx context.Context, seed string, maxDepth int) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	metrics.Init()

	b := bus.New(logger)
	registry := jobs.NewRegistry(jobs.Config{
		Bus:            b,
		DefaultFactory: collyengine.Factory(logger),
		BaseSettings:   cfg.BaseSettings(),
		Logger:         logger,
	})

	settings := map[string]any{}
	if maxDepth > 0 {
		settings["max_depth"] = maxDepth
	}

	done := make(chan int64, 1)
	onClosed := bus.ListenerFunc(func(_ context.Context, _ bus.Signal, payload any) error {
		if evt, ok := payload.(jobs.Event); ok {
			select {
			case done <- evt.Job.ID:
			default:
			}
		}
		return nil
	})
	b.Connect(jobs.SigSpiderClosed, &onClosed)

	rec, err := registry.StartJob(ctx, seed, nil, settings)
	if err != nil {
		return fmt.Errorf("start crawl: %w", err)
	}
	if rec == nil {
		return errors.New("no handler for seed")
	}

	select {
	case <-ctx.Done():
		if err := registry.StopJob(context.Background(), rec.ID); err != nil {
			logger.Warn("stop on interrupt failed")
		}
		<-done
	case <-done:
	}

	final, err := registry.GetJob(rec.ID)
	if err != nil {
		return fmt.Errorf("read final record: %w", err)
	}
	out, err := json.MarshalIndent(map[string]any{
		"seed":   final.Seed,
		"reason": final.Reason,
		"stats":  final.Stats,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(out))
	return nil
}
