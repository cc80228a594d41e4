// Command darccrawl runs one pool (fetch or render) of the crawl engine
// against a shared frontier store.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/darkcrawl/darkcrawl/internal/config"
	"github.com/darkcrawl/darkcrawl/internal/crawlerrors"
	"github.com/darkcrawl/darkcrawl/internal/filter"
	"github.com/darkcrawl/darkcrawl/internal/frontier"
	"github.com/darkcrawl/darkcrawl/internal/hooks"
	"github.com/darkcrawl/darkcrawl/internal/link"
	"github.com/darkcrawl/darkcrawl/internal/observability"
	"github.com/darkcrawl/darkcrawl/internal/robots"
	"github.com/darkcrawl/darkcrawl/internal/scheduler"
	"github.com/darkcrawl/darkcrawl/internal/storage"
	"github.com/darkcrawl/darkcrawl/internal/submission"
	"github.com/darkcrawl/darkcrawl/internal/transport"
	"github.com/darkcrawl/darkcrawl/internal/worker"
)

var (
	cfgFile  string
	verbose  bool
	poolType string
	seedFile string
)

func main() {
	root := &cobra.Command{
		Use:   "darccrawl [URL ...]",
		Short: "darccrawl runs one pool of the dark-web crawl engine",
		RunE:  run,
	}

	root.Flags().StringVarP(&poolType, "type", "t", "", `pool this process runs: "crawler" (fetch) or "loader" (render)`)
	root.Flags().StringVarP(&seedFile, "seed-file", "f", "", "newline-delimited seed URL file")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	root.Flags().StringVar(&cfgFile, "config", "", "config file path")
	_ = root.MarkFlagRequired("type")

	if err := root.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger := observability.NewLogger("info", "text", "stderr", verbose)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return &configError{err}
	}
	if err := config.Validate(cfg); err != nil {
		return &configError{err}
	}
	logger = observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, verbose)

	var pool frontier.Queue
	switch poolType {
	case "crawler":
		pool = frontier.PendingFetch
	case "loader":
		pool = frontier.PendingRender
	default:
		return &configError{fmt.Errorf("--type must be %q or %q, got %q", "crawler", "loader", poolType)}
	}

	seeds, err := collectSeeds(seedFile, args)
	if err != nil {
		return &configError{err}
	}
	if pool == frontier.PendingRender && len(seeds) > 0 {
		logger.Warn("seed URLs are ignored in loader mode; seeds only ever enter pending-fetch")
	}
	for _, raw := range seeds {
		if err := config.ValidateURL(raw); err != nil {
			return &configError{fmt.Errorf("invalid seed URL %q: %w", raw, err)}
		}
	}

	store, err := buildStore(cfg)
	if err != nil {
		return &configError{err}
	}

	registry := transport.BuildRegistry(cfg.Proxies, cfg.Scheduling.DarcCPU)
	defer registry.Close()

	siteHooks := hooks.NewRegistry()
	artifacts := storage.NewArtifactStore(cfg.Storage.PathData)
	linkLog, err := storage.NewLinkLog(cfg.Storage.PathData)
	if err != nil {
		return &configError{err}
	}
	defer linkLog.Close()
	reporter := submission.NewReporter(cfg.Submission, cfg.Storage.PathData, logger)

	var archiver worker.Archiver
	if cfg.Storage.Mongo.Enabled {
		mongoStore, err := storage.NewMongoStore(cfg.Storage.Mongo.URI, cfg.Storage.Mongo.Database, cfg.Storage.Mongo.Collection, logger)
		if err != nil {
			logger.Warn("mongo archival sink unavailable, continuing without it", "error", err)
		} else {
			defer mongoStore.Close()
			archiver = mongoStore
		}
	}

	stats := observability.NewStats()

	var fetchWorker, renderWorker scheduler.Processor
	if pool == frontier.PendingFetch {
		policy := robots.NewPolicy(registry, cfg.Caching.TimeCache, cfg.Scheduling.Force)
		sinks := storage.NewSinkFiles(cfg.Storage.PathData)
		defer sinks.Close()
		fw := worker.NewFetchWorker(store, buildGates(cfg), policy, registry, siteHooks, artifacts, linkLog, sinks, reporter, cfg, logger)
		if archiver != nil {
			fw.SetArchiver(archiver)
		}
		fw.SetStats(stats)
		fetchWorker = fw

		ctx := context.Background()
		if err := enqueueSeeds(ctx, store, seeds); err != nil {
			return fmt.Errorf("%w: %v", crawlerrors.ErrStoreUnavailable, err)
		}
	} else {
		rw := worker.NewRenderWorker(store, buildGates(cfg), registry, siteHooks, artifacts, linkLog, reporter, cfg, logger)
		if archiver != nil {
			rw.SetArchiver(archiver)
		}
		rw.SetStats(stats)
		renderWorker = rw
	}

	sched := scheduler.New(store, fetchWorker, renderWorker, cfg, logger)
	sched.SetStats(stats)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down...", "signal", sig)
		cancel()
	}()

	go observability.StartReporter(ctx, logger, stats, statsReportInterval)

	logger.Info("starting pool", "type", poolType, "seeds", len(seeds))
	return sched.Run(ctx)
}

// statsReportInterval is how often the background stats reporter logs a
// counter snapshot.
const statsReportInterval = 30 * time.Second

// collectSeeds merges the seed file (if any) with positional arguments,
// skipping blank and `#`-prefixed lines.
func collectSeeds(path string, args []string) ([]string, error) {
	seeds := append([]string{}, args...)
	if path == "" {
		return seeds, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		seeds = append(seeds, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return seeds, nil
}

func enqueueSeeds(ctx context.Context, store frontier.Store, seeds []string) error {
	if len(seeds) == 0 {
		return nil
	}
	now := time.Now()
	records := make([]frontier.Record, 0, len(seeds))
	for _, raw := range seeds {
		l, err := link.Parse(raw)
		if err != nil {
			continue
		}
		records = append(records, frontier.Record{Hash: l.HashString(), URL: l.URL, EnqueueTime: now})
	}
	return store.AddMany(ctx, frontier.PendingFetch, records)
}

func buildStore(cfg *config.Config) (frontier.Store, error) {
	switch cfg.Frontier.Backend {
	case "redis":
		return frontier.NewRedisStore(cfg.Frontier.RedisAddr, "darccrawl"), nil
	case "memory", "":
		return frontier.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown frontier backend %q", cfg.Frontier.Backend)
	}
}

func buildGates(cfg *config.Config) *filter.Gates {
	return filter.NewGates(cfg.Filters)
}

// configError marks a configuration or validation failure (exit code 1).
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	var cfgErr *configError
	if errors.As(err, &cfgErr) {
		return 1
	}
	if errors.Is(err, crawlerrors.ErrStoreUnavailable) {
		return 2
	}
	return 1
}
