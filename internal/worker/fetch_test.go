package worker

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/darkcrawl/darkcrawl/internal/config"
	"github.com/darkcrawl/darkcrawl/internal/filter"
	"github.com/darkcrawl/darkcrawl/internal/frontier"
	"github.com/darkcrawl/darkcrawl/internal/hooks"
	"github.com/darkcrawl/darkcrawl/internal/link"
	"github.com/darkcrawl/darkcrawl/internal/robots"
	"github.com/darkcrawl/darkcrawl/internal/storage"
	"github.com/darkcrawl/darkcrawl/internal/submission"
	"github.com/darkcrawl/darkcrawl/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePage is one scripted response for a given path in a fakeSession.
type fakePage struct {
	status      int
	contentType string
	body        string
}

type fakeSession struct {
	pages map[string]fakePage
}

func (f *fakeSession) Get(ctx context.Context, l link.Link, timeout time.Duration) (*transport.Response, error) {
	page, ok := f.pages[l.Path]
	if !ok {
		return &transport.Response{StatusCode: 404, Header: http.Header{}}, nil
	}
	h := http.Header{}
	h.Set("Content-Type", page.contentType)
	return &transport.Response{StatusCode: page.status, Header: h, Body: []byte(page.body), FinalURL: l.URL}, nil
}

func newTestEnv(t *testing.T, pages map[string]fakePage) (*FetchWorker, frontier.Store, *config.Config) {
	t.Helper()
	return newTestEnvWithDir(t, pages, t.TempDir())
}

func TestFreshClearnetCrawlExtractsAndPromotes(t *testing.T) {
	pages := map[string]fakePage{
		"/": {status: 200, contentType: "text/html", body: `<a href="/a">a</a><a href="mailto:x@y">mail</a>`},
	}
	w, store, _ := newTestEnv(t, pages)
	ctx := context.Background()

	seed, _ := link.Parse("https://example.com/")
	if err := store.AddMany(ctx, frontier.PendingFetch, []frontier.Record{
		{Hash: seed.HashString(), URL: seed.URL, EnqueueTime: time.Now()},
	}); err != nil {
		t.Fatalf("AddMany: %v", err)
	}

	recs, err := store.Pop(ctx, frontier.PendingFetch, 10)
	if err != nil || len(recs) != 1 {
		t.Fatalf("Pop: %v %v", recs, err)
	}
	if err := w.Process(ctx, recs[0]); err != nil {
		t.Fatalf("Process: %v", err)
	}

	renderRecs, err := store.Pop(ctx, frontier.PendingRender, 10)
	if err != nil || len(renderRecs) != 1 || renderRecs[0].URL != seed.URL {
		t.Fatalf("expected seed promoted to pending-render, got %v err=%v", renderRecs, err)
	}

	fetchRecs, err := store.Pop(ctx, frontier.PendingFetch, 10)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	var sawA bool
	for _, r := range fetchRecs {
		if r.URL == "https://example.com/a" {
			sawA = true
		}
	}
	if !sawA {
		t.Errorf("expected /a to be extracted and re-enqueued, got %v", fetchRecs)
	}
}

func TestSinkFileReceivesNonFetchableScheme(t *testing.T) {
	pages := map[string]fakePage{
		"/": {status: 200, contentType: "text/html", body: `<a href="mailto:x@y">mail</a>`},
	}
	dir := t.TempDir()
	w, store, _ := newTestEnvWithDir(t, pages, dir)
	ctx := context.Background()

	seed, _ := link.Parse("https://example.com/")
	_ = store.AddMany(ctx, frontier.PendingFetch, []frontier.Record{{Hash: seed.HashString(), URL: seed.URL, EnqueueTime: time.Now()}})
	recs, _ := store.Pop(ctx, frontier.PendingFetch, 10)
	if err := w.Process(ctx, recs[0]); err != nil {
		t.Fatalf("Process: %v", err)
	}

	mailLink, _ := link.Parse("mailto:x@y")

	fetchRecs, _ := store.Pop(ctx, frontier.PendingFetch, 10)
	found := false
	for _, r := range fetchRecs {
		if r.Hash == mailLink.HashString() {
			found = true
		}
	}
	if found {
		t.Error("expected mailto link to NOT be re-queued for fetch (it's a sink family)")
	}

	matches, err := filepath.Glob(filepath.Join(dir, "misc", "mailto.txt"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected misc/mailto.txt to exist, got %v err=%v", matches, err)
	}
}

func newTestEnvWithDir(t *testing.T, pages map[string]fakePage, dir string) (*FetchWorker, frontier.Store, *config.Config) {
	t.Helper()

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
	registry.Register(link.ProxyNull, func() (transport.FetchSession, error) {
		return &fakeSession{pages: pages}, nil
	}, nil)

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

	w := NewFetchWorker(store, gates, policy, registry, siteHooks, artifacts, linkLog, sinks, reporter, cfg, discardLogger())
	return w, store, cfg
}

func TestFreshnessPreventsRefetchWithinTimeCache(t *testing.T) {
	pages := map[string]fakePage{"/": {status: 200, contentType: "text/html", body: "<html></html>"}}
	w, store, _ := newTestEnv(t, pages)
	ctx := context.Background()

	seed, _ := link.Parse("https://example.com/")
	rec := frontier.Record{Hash: seed.HashString(), URL: seed.URL, EnqueueTime: time.Now()}

	_ = store.AddMany(ctx, frontier.PendingFetch, []frontier.Record{rec})
	recs, _ := store.Pop(ctx, frontier.PendingFetch, 10)
	if err := w.Process(ctx, recs[0]); err != nil {
		t.Fatalf("Process: %v", err)
	}

	_ = store.AddMany(ctx, frontier.PendingFetch, []frontier.Record{rec})
	recs2, _ := store.Pop(ctx, frontier.PendingFetch, 10)
	if err := w.Process(ctx, recs2[0]); err != nil {
		t.Fatalf("second Process: %v", err)
	}

	renderRecs, _ := store.Pop(ctx, frontier.PendingRender, 10)
	if len(renderRecs) != 1 {
		t.Fatalf("expected freshness to prevent the second fetch from re-promoting into pending-render, got %d entries", len(renderRecs))
	}
}

func TestRobotsDenyKeepsPathOutOfPendingRender(t *testing.T) {
	pages := map[string]fakePage{
		"/robots.txt": {status: 200, contentType: "text/plain", body: "User-agent: *\nDisallow: /private\n"},
		"/private":    {status: 200, contentType: "text/html", body: "<html>secret</html>"},
	}
	w, store, _ := newTestEnv(t, pages)
	ctx := context.Background()

	l, _ := link.Parse("https://example.com/private")
	_ = store.AddMany(ctx, frontier.PendingFetch, []frontier.Record{{Hash: l.HashString(), URL: l.URL, EnqueueTime: time.Now()}})
	recs, _ := store.Pop(ctx, frontier.PendingFetch, 10)
	if err := w.Process(ctx, recs[0]); err != nil {
		t.Fatalf("Process: %v", err)
	}

	renderRecs, _ := store.Pop(ctx, frontier.PendingRender, 10)
	if len(renderRecs) != 0 {
		t.Fatalf("expected robots-denied path to never reach pending-render, got %v", renderRecs)
	}
}

type fakeArchiver struct {
	docs []storage.CrawlDocument
}

func (a *fakeArchiver) Archive(ctx context.Context, doc storage.CrawlDocument) error {
	a.docs = append(a.docs, doc)
	return nil
}

func TestArchiverReceivesFetchedDocument(t *testing.T) {
	pages := map[string]fakePage{"/": {status: 200, contentType: "text/html", body: "<html></html>"}}
	w, store, _ := newTestEnv(t, pages)
	archiver := &fakeArchiver{}
	w.SetArchiver(archiver)
	ctx := context.Background()

	l, _ := link.Parse("https://example.com/")
	_ = store.AddMany(ctx, frontier.PendingFetch, []frontier.Record{{Hash: l.HashString(), URL: l.URL, EnqueueTime: time.Now()}})
	recs, _ := store.Pop(ctx, frontier.PendingFetch, 10)
	if err := w.Process(ctx, recs[0]); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(archiver.docs) != 1 || archiver.docs[0].Event != "fetched" {
		t.Fatalf("expected one fetched archive document, got %v", archiver.docs)
	}
}

func TestHookLinkNoReturnDropsFromBothQueues(t *testing.T) {
	pages := map[string]fakePage{"/": {status: 200, contentType: "text/html", body: "<html></html>"}}
	w, store, _ := newTestEnv(t, pages)
	ctx := context.Background()

	l, _ := link.Parse("https://retired.example/")
	_ = store.AddMany(ctx, frontier.PendingRender, []frontier.Record{{Hash: l.HashString(), URL: l.URL, EnqueueTime: time.Now()}})

	w.siteHooks.Register("retired.example",
		hooks.FetchHookFunc(func(ctx context.Context, session transport.FetchSession, l link.Link, timeout time.Duration) (*transport.Response, error) {
			return nil, hooks.ErrLinkNoReturn
		}),
		nil,
	)

	_ = store.AddMany(ctx, frontier.PendingFetch, []frontier.Record{{Hash: l.HashString(), URL: l.URL, EnqueueTime: time.Now()}})
	recs, _ := store.Pop(ctx, frontier.PendingFetch, 10)
	if err := w.Process(ctx, recs[0]); err != nil {
		t.Fatalf("Process: %v", err)
	}

	fetchRecs, _ := store.Pop(ctx, frontier.PendingFetch, 10)
	renderRecs, _ := store.Pop(ctx, frontier.PendingRender, 10)
	if len(fetchRecs) != 0 || len(renderRecs) != 0 {
		t.Fatalf("expected LinkNoReturn to drop from both queues, fetch=%v render=%v", fetchRecs, renderRecs)
	}
}
