package scheduler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/darkcrawl/darkcrawl/internal/config"
	"github.com/darkcrawl/darkcrawl/internal/crawlerrors"
	"github.com/darkcrawl/darkcrawl/internal/filter"
	"github.com/darkcrawl/darkcrawl/internal/frontier"
	"github.com/darkcrawl/darkcrawl/internal/hooks"
	"github.com/darkcrawl/darkcrawl/internal/link"
	"github.com/darkcrawl/darkcrawl/internal/robots"
	"github.com/darkcrawl/darkcrawl/internal/storage"
	"github.com/darkcrawl/darkcrawl/internal/submission"
	"github.com/darkcrawl/darkcrawl/internal/transport"
	"github.com/darkcrawl/darkcrawl/internal/worker"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSession answers every path with the same static HTML page — enough
// for the reboot-mode scenario, where no new links are discovered.
type fakeSession struct{}

func (fakeSession) Get(ctx context.Context, l link.Link, timeout time.Duration) (*transport.Response, error) {
	h := http.Header{}
	h.Set("Content-Type", "text/html")
	return &transport.Response{StatusCode: 200, Header: h, Body: []byte("<html><body>no links here</body></html>"), FinalURL: l.URL}, nil
}

// fakeDriver renders every URL as a trivial non-empty page.
type fakeDriver struct{}

func (fakeDriver) Load(ctx context.Context, l link.Link, seWait time.Duration) (*transport.Rendered, error) {
	return &transport.Rendered{HTML: "<html><body>rendered</body></html>"}, nil
}

func (fakeDriver) Close() error { return nil }

func newEndToEndScheduler(t *testing.T, reboot bool) (*Scheduler, frontier.Store) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Storage.PathData = dir
	cfg.Caching.TimeCache = time.Hour
	cfg.Frontier.LockTimeout = time.Second
	cfg.Frontier.MaxPool = 10
	cfg.Scheduling.DarcCPU = 2
	cfg.Scheduling.DarcWait = 20 * time.Millisecond
	cfg.Scheduling.Reboot = reboot

	store := frontier.NewMemStore()
	gates := filter.NewGates(config.FiltersConfig{
		Link:  config.FilterConfig{Fallback: true},
		MIME:  config.FilterConfig{Fallback: true},
		Proxy: config.FilterConfig{Fallback: true},
	})

	registry := transport.NewRegistry()
	registry.Register(link.ProxyNull,
		func() (transport.FetchSession, error) { return fakeSession{}, nil },
		func() (transport.RenderDriver, error) { return fakeDriver{}, nil },
	)

	policy := robots.NewPolicy(registry, cfg.Caching.TimeCache, cfg.Scheduling.Force)
	siteHooks := hooks.NewRegistry()
	artifacts := storage.NewArtifactStore(dir)
	linkLog, err := storage.NewLinkLog(dir)
	if err != nil {
		t.Fatalf("NewLinkLog: %v", err)
	}
	t.Cleanup(func() { linkLog.Close() })
	sinks := storage.NewSinkFiles(dir)
	t.Cleanup(func() { sinks.Close() })
	reporter := submission.NewReporter(config.SubmissionConfig{APIRetry: 1}, dir, discardLogger())

	fw := worker.NewFetchWorker(store, gates, policy, registry, siteHooks, artifacts, linkLog, sinks, reporter, cfg, discardLogger())
	rw := worker.NewRenderWorker(store, gates, registry, siteHooks, artifacts, linkLog, reporter, cfg, discardLogger())

	return New(store, fw, rw, cfg, discardLogger()), store
}

func TestRebootModeProcessesAllSeedsThenExitsCleanly(t *testing.T) {
	s, store := newEndToEndScheduler(t, true)
	ctx := context.Background()

	seeds := []string{"https://example.com/", "https://example.com/one", "https://example.com/two"}
	var recs []frontier.Record
	for _, raw := range seeds {
		l, err := link.Parse(raw)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		recs = append(recs, frontier.Record{Hash: l.HashString(), URL: l.URL, EnqueueTime: time.Now()})
	}
	if err := store.AddMany(ctx, frontier.PendingFetch, recs); err != nil {
		t.Fatalf("AddMany: %v", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.Run(runCtx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, rec := range recs {
		lastFetch, err := store.LastVisit(ctx, rec.Hash, frontier.VisitFetched)
		if err != nil || lastFetch.IsZero() {
			t.Errorf("expected %s to have been fetched", rec.URL)
		}
		lastRender, err := store.LastVisit(ctx, rec.Hash, frontier.VisitRendered)
		if err != nil || lastRender.IsZero() {
			t.Errorf("expected %s to have been rendered", rec.URL)
		}
	}
}

func TestWorkerBreakHookStopsSchedulerAfterRound(t *testing.T) {
	// reboot=true lets the otherwise-idle render pool exit on its own
	// empty-round streak instead of waiting for the context deadline.
	s, store := newEndToEndScheduler(t, true)
	ctx := context.Background()

	l, _ := link.Parse("https://example.com/")
	_ = store.AddMany(ctx, frontier.PendingFetch, []frontier.Record{{Hash: l.HashString(), URL: l.URL, EnqueueTime: time.Now()}})

	var rounds int
	s.AddHook(func(ctx context.Context, pool frontier.Queue, processed []frontier.Record) error {
		if pool != frontier.PendingFetch {
			return nil
		}
		rounds++
		return crawlerrors.ErrWorkerBreak
	})

	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.Run(runCtx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rounds != 1 {
		t.Errorf("expected exactly one fetch round before WorkerBreak stopped the pool, got %d", rounds)
	}
}

func TestContextCancellationStopsBothPools(t *testing.T) {
	s, _ := newEndToEndScheduler(t, false)

	runCtx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(runCtx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return promptly after context cancellation")
	}
}
