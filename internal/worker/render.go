package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/darkcrawl/darkcrawl/internal/config"
	"github.com/darkcrawl/darkcrawl/internal/crawlerrors"
	"github.com/darkcrawl/darkcrawl/internal/extract"
	"github.com/darkcrawl/darkcrawl/internal/filter"
	"github.com/darkcrawl/darkcrawl/internal/frontier"
	"github.com/darkcrawl/darkcrawl/internal/hooks"
	"github.com/darkcrawl/darkcrawl/internal/link"
	"github.com/darkcrawl/darkcrawl/internal/observability"
	"github.com/darkcrawl/darkcrawl/internal/storage"
	"github.com/darkcrawl/darkcrawl/internal/submission"
	"github.com/darkcrawl/darkcrawl/internal/transport"
)

// RenderWorker executes the render state machine of §4.8 for one popped
// pending-render record at a time.
type RenderWorker struct {
	store     frontier.Store
	gates     *filter.Gates
	registry  *transport.Registry
	siteHooks *hooks.Registry
	artifacts *storage.ArtifactStore
	linkLog   *storage.LinkLog
	reporter  *submission.Reporter
	cfg       *config.Config
	logger    *slog.Logger
	archiver  Archiver
	stats     *observability.Stats
}

// SetArchiver wires an optional archival sink. Call before the worker
// starts processing; nil disables archiving (the default).
func (w *RenderWorker) SetArchiver(a Archiver) {
	w.archiver = a
}

// SetStats wires an optional operational-counter sink. A nil *Stats
// (the default) makes every counter call a no-op.
func (w *RenderWorker) SetStats(s *observability.Stats) {
	w.stats = s
}

// NewRenderWorker wires a RenderWorker from its collaborators.
func NewRenderWorker(
	store frontier.Store,
	gates *filter.Gates,
	registry *transport.Registry,
	siteHooks *hooks.Registry,
	artifacts *storage.ArtifactStore,
	linkLog *storage.LinkLog,
	reporter *submission.Reporter,
	cfg *config.Config,
	logger *slog.Logger,
) *RenderWorker {
	return &RenderWorker{
		store:     store,
		gates:     gates,
		registry:  registry,
		siteHooks: siteHooks,
		artifacts: artifacts,
		linkLog:   linkLog,
		reporter:  reporter,
		cfg:       cfg,
		logger:    logger.With("component", "render_worker"),
	}
}

// Process runs the full §4.8 state machine for one popped record.
func (w *RenderWorker) Process(ctx context.Context, rec frontier.Record) error {
	l, err := link.Parse(rec.URL)
	if err != nil {
		return w.store.Drop(ctx, frontier.PendingRender, rec.Hash)
	}

	// 1. Filter.
	if !w.gates.AllowProxy(string(l.ProxyTag)) || !w.gates.AllowHost(l.Host) {
		return w.store.Drop(ctx, frontier.PendingRender, rec.Hash)
	}

	// 2. Acquire lock.
	token, err := w.store.AcquireLock(ctx, rec.Hash, w.cfg.Frontier.LockTimeout)
	if err != nil {
		if errors.Is(err, frontier.ErrLockBusy) {
			w.stats.IncLockContention()
			return w.backoff(ctx, rec)
		}
		return err
	}
	defer w.store.ReleaseLock(ctx, token)

	// 3. Freshness check against last-visit(hash, rendered).
	if lastVisit, err := w.store.LastVisit(ctx, rec.Hash, frontier.VisitRendered); err == nil && w.cfg.Caching.Fresh(lastVisit) {
		return nil
	}

	// 4-5. Select driver/hook, render.
	rendered, renderErr := w.render(ctx, l)
	if renderErr != nil {
		return w.handleRenderError(ctx, rec, l, renderErr)
	}

	// 6. Empty-render sentinel check.
	if transport.IsEmptyRender(rendered.HTML) {
		return w.backoff(ctx, rec)
	}

	// 7. Save.
	if err := w.artifacts.SaveRendered(l.Host, rec.Hash, rendered.HTML, rendered.Screenshot); err != nil {
		w.logger.Error("save rendered artifact failed", "url", l.URL, "error", err)
	}
	if w.archiver != nil {
		doc := storage.CrawlDocument{
			Hash: rec.Hash, URL: l.URL, Host: l.Host, ProxyTag: string(l.ProxyTag),
			Event: "rendered", BodySize: len(rendered.HTML), Timestamp: time.Now(),
		}
		if err := w.archiver.Archive(ctx, doc); err != nil {
			w.logger.Warn("mongo archive failed", "url", l.URL, "error", err)
		}
	}

	// 8. Submission.
	if err := w.reporter.RenderedDocument(ctx, l, len(rendered.HTML)); err != nil {
		w.logger.Warn("rendered-document submission degraded to local fallback", "url", l.URL, "error", err)
	}

	// 9. Extract links, add-many(pending-fetch).
	w.extractAndEnqueue(ctx, rendered.HTML, l)

	// 10. Record visit.
	return w.store.RecordVisit(ctx, rec.Hash, frontier.VisitRendered, time.Now())
}

func (w *RenderWorker) render(ctx context.Context, l link.Link) (*transport.Rendered, error) {
	driver, err := w.registry.Driver(l.ProxyTag)
	if err != nil {
		return nil, &crawlerrors.FetchError{URL: l.URL, Kind: crawlerrors.KindInvalidScheme, Err: err}
	}
	w.stats.IncRequests()
	w.stats.IncProxyTag(string(l.ProxyTag))
	hook := w.siteHooks.RenderHookFor(l.Host)
	rendered, err := hook.Render(ctx, driver, l, w.cfg.Caching.SEWait)
	if err != nil {
		w.stats.IncFailed()
	}
	return rendered, err
}

func (w *RenderWorker) handleRenderError(ctx context.Context, rec frontier.Record, l link.Link, err error) error {
	if errors.Is(err, hooks.ErrLinkNoReturn) {
		_ = w.store.Drop(ctx, frontier.PendingFetch, rec.Hash)
		return w.store.Drop(ctx, frontier.PendingRender, rec.Hash)
	}

	var fetchErr *crawlerrors.FetchError
	if errors.As(err, &fetchErr) {
		if fetchErr.Kind == crawlerrors.KindInvalidScheme {
			return w.store.Drop(ctx, frontier.PendingRender, rec.Hash)
		}
		if fetchErr.Retryable() {
			return w.backoff(ctx, rec)
		}
	}
	w.logger.Warn("unclassified render error, dropping", "url", rec.URL, "error", err)
	return w.store.Drop(ctx, frontier.PendingRender, rec.Hash)
}

func (w *RenderWorker) extractAndEnqueue(ctx context.Context, html string, base link.Link) {
	links, err := extract.Links(ctx, html, base, extract.Options{})
	if err != nil {
		w.logger.Warn("link extraction failed", "url", base.URL, "error", err)
		return
	}
	if len(links) == 0 {
		return
	}

	// linkLog.Record is idempotent per hash, so every extracted
	// candidate can be passed through without a separate seen-check.
	now := time.Now()
	records := make([]frontier.Record, 0, len(links))
	for _, l := range links {
		if err := w.linkLog.Record(l.HashString(), l.URL, now); err != nil {
			w.logger.Warn("link log record failed", "url", l.URL, "error", err)
		}
		records = append(records, frontier.Record{Hash: l.HashString(), URL: l.URL, EnqueueTime: now})
	}
	if err := w.store.AddMany(ctx, frontier.PendingFetch, records); err != nil {
		w.logger.Warn("add-many extracted links failed", "url", base.URL, "error", err)
	}
}

// backoff re-enqueues rec into pending-render with not-before set to
// TIME_CACHE from now (§4.8 step 6's backoff policy).
func (w *RenderWorker) backoff(ctx context.Context, rec frontier.Record) error {
	return w.store.AddMany(ctx, frontier.PendingRender, []frontier.Record{
		{
			Hash:        rec.Hash,
			URL:         rec.URL,
			EnqueueTime: rec.EnqueueTime,
			NotBefore:   time.Now().Add(w.cfg.Caching.BackoffHorizon()),
		},
	})
}
