package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/darkcrawl/darkcrawl/internal/config"
	"github.com/darkcrawl/darkcrawl/internal/filter"
	"github.com/darkcrawl/darkcrawl/internal/frontier"
	"github.com/darkcrawl/darkcrawl/internal/hooks"
	"github.com/darkcrawl/darkcrawl/internal/link"
	"github.com/darkcrawl/darkcrawl/internal/storage"
	"github.com/darkcrawl/darkcrawl/internal/submission"
	"github.com/darkcrawl/darkcrawl/internal/transport"
)

// fakeDriver scripts one Rendered result (or error) for every Load call.
type fakeDriver struct {
	rendered *transport.Rendered
	err      error
	loads    int
}

func (f *fakeDriver) Load(ctx context.Context, l link.Link, seWait time.Duration) (*transport.Rendered, error) {
	f.loads++
	if f.err != nil {
		return nil, f.err
	}
	return f.rendered, nil
}

func (f *fakeDriver) Close() error { return nil }

func newRenderTestEnv(t *testing.T, driver *fakeDriver) (*RenderWorker, frontier.Store) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Storage.PathData = dir
	cfg.Caching.TimeCache = time.Hour
	cfg.Frontier.LockTimeout = time.Second

	store := frontier.NewMemStore()
	gates := filter.NewGates(config.FiltersConfig{
		Link:  config.FilterConfig{Fallback: true},
		MIME:  config.FilterConfig{Fallback: true},
		Proxy: config.FilterConfig{Fallback: true},
	})

	registry := transport.NewRegistry()
	registry.Register(link.ProxyNull, nil, func() (transport.RenderDriver, error) {
		return driver, nil
	})

	siteHooks := hooks.NewRegistry()
	artifacts := storage.NewArtifactStore(dir)
	linkLog, err := storage.NewLinkLog(dir)
	if err != nil {
		t.Fatalf("NewLinkLog: %v", err)
	}
	t.Cleanup(func() { linkLog.Close() })
	reporter := submission.NewReporter(config.SubmissionConfig{APIRetry: 1}, dir, discardLogger())

	w := NewRenderWorker(store, gates, registry, siteHooks, artifacts, linkLog, reporter, cfg, discardLogger())
	return w, store
}

func TestRenderSavesArtifactsAndExtractsLinks(t *testing.T) {
	driver := &fakeDriver{rendered: &transport.Rendered{HTML: `<html><body><a href="/b">b</a></body></html>`}}
	w, store := newRenderTestEnv(t, driver)
	ctx := context.Background()

	l, _ := link.Parse("https://example.com/")
	_ = store.AddMany(ctx, frontier.PendingRender, []frontier.Record{{Hash: l.HashString(), URL: l.URL, EnqueueTime: time.Now()}})
	recs, _ := store.Pop(ctx, frontier.PendingRender, 10)
	if err := w.Process(ctx, recs[0]); err != nil {
		t.Fatalf("Process: %v", err)
	}

	fetchRecs, _ := store.Pop(ctx, frontier.PendingFetch, 10)
	var sawB bool
	for _, r := range fetchRecs {
		if r.URL == "https://example.com/b" {
			sawB = true
		}
	}
	if !sawB {
		t.Errorf("expected /b extracted from rendered HTML, got %v", fetchRecs)
	}

	matches, err := filepath.Glob(filepath.Join(w.cfg.Storage.PathData, "example.com", "*", "rendered.html"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected rendered.html saved, got %v err=%v", matches, err)
	}
}

func TestEmptyRenderTriggersBackoffInsteadOfSave(t *testing.T) {
	driver := &fakeDriver{rendered: &transport.Rendered{HTML: transport.EmptyPageSentinel}}
	w, store := newRenderTestEnv(t, driver)
	ctx := context.Background()

	l, _ := link.Parse("https://example.com/")
	_ = store.AddMany(ctx, frontier.PendingRender, []frontier.Record{{Hash: l.HashString(), URL: l.URL, EnqueueTime: time.Now()}})
	recs, _ := store.Pop(ctx, frontier.PendingRender, 10)
	if err := w.Process(ctx, recs[0]); err != nil {
		t.Fatalf("Process: %v", err)
	}

	matches, _ := filepath.Glob(filepath.Join(w.cfg.Storage.PathData, "example.com", "*", "rendered.html"))
	if len(matches) != 0 {
		t.Fatalf("expected empty render to NOT be saved, got %v", matches)
	}

	if lastVisit, err := store.LastVisit(ctx, l.HashString(), frontier.VisitRendered); err != nil || !lastVisit.IsZero() {
		t.Errorf("expected no visit recorded for an empty render, got %v err=%v", lastVisit, err)
	}
}

func TestRenderArchiverReceivesRenderedDocument(t *testing.T) {
	driver := &fakeDriver{rendered: &transport.Rendered{HTML: "<html><body>ok</body></html>"}}
	w, store := newRenderTestEnv(t, driver)
	archiver := &fakeArchiver{}
	w.SetArchiver(archiver)
	ctx := context.Background()

	l, _ := link.Parse("https://example.com/")
	_ = store.AddMany(ctx, frontier.PendingRender, []frontier.Record{{Hash: l.HashString(), URL: l.URL, EnqueueTime: time.Now()}})
	recs, _ := store.Pop(ctx, frontier.PendingRender, 10)
	if err := w.Process(ctx, recs[0]); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(archiver.docs) != 1 || archiver.docs[0].Event != "rendered" {
		t.Fatalf("expected one rendered archive document, got %v", archiver.docs)
	}
}

func TestRenderFreshnessPreventsReprocessingWithinTimeCache(t *testing.T) {
	driver := &fakeDriver{rendered: &transport.Rendered{HTML: "<html><body>ok</body></html>"}}
	w, store := newRenderTestEnv(t, driver)
	ctx := context.Background()

	l, _ := link.Parse("https://example.com/")
	rec := frontier.Record{Hash: l.HashString(), URL: l.URL, EnqueueTime: time.Now()}

	_ = store.AddMany(ctx, frontier.PendingRender, []frontier.Record{rec})
	recs, _ := store.Pop(ctx, frontier.PendingRender, 10)
	if err := w.Process(ctx, recs[0]); err != nil {
		t.Fatalf("Process: %v", err)
	}

	_ = store.AddMany(ctx, frontier.PendingRender, []frontier.Record{rec})
	recs2, _ := store.Pop(ctx, frontier.PendingRender, 10)
	if err := w.Process(ctx, recs2[0]); err != nil {
		t.Fatalf("second Process: %v", err)
	}

	if driver.loads != 1 {
		t.Errorf("expected the second call to be skipped by the freshness gate, driver.Load was called %d times", driver.loads)
	}
}
