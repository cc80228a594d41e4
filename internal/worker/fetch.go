// Package worker implements the fetch and render state machines of §4.7
// and §4.8: the per-URL pipeline that pops a frontier record, evaluates
// the filter/robots/lock gates, calls into the transport/hook layer, and
// re-enqueues whatever the response produces.
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
	"github.com/darkcrawl/darkcrawl/internal/robots"
	"github.com/darkcrawl/darkcrawl/internal/storage"
	"github.com/darkcrawl/darkcrawl/internal/submission"
	"github.com/darkcrawl/darkcrawl/internal/transport"
)

// defaultFetchTimeout bounds a single synchronous GET through a fetch
// session when the caller hasn't configured a more specific value.
const defaultFetchTimeout = 30 * time.Second

// htmlContentTypes are the content-types that trigger link extraction
// after a successful fetch (§4.7 step 11).
var htmlContentTypes = map[string]bool{
	"text/html":             true,
	"application/xhtml+xml": true,
}

// FetchWorker executes the fetch state machine of §4.7 for one popped
// frontier record at a time.
type FetchWorker struct {
	store     frontier.Store
	gates     *filter.Gates
	policy    *robots.Policy
	registry  *transport.Registry
	siteHooks *hooks.Registry
	artifacts *storage.ArtifactStore
	linkLog   *storage.LinkLog
	sinks     *storage.SinkFiles
	reporter  *submission.Reporter
	cfg       *config.Config
	logger    *slog.Logger
	archiver  Archiver
	stats     *observability.Stats
}

// Archiver is the optional MongoDB archival sink (SPEC_FULL.md §2). *storage.MongoStore satisfies this. A FetchWorker/RenderWorker
// with no archiver set skips the call entirely.
type Archiver interface {
	Archive(ctx context.Context, doc storage.CrawlDocument) error
}

// SetArchiver wires an optional archival sink. Call before the worker
// starts processing; nil disables archiving (the default).
func (w *FetchWorker) SetArchiver(a Archiver) {
	w.archiver = a
}

// SetStats wires an optional operational-counter sink. A nil *Stats
// (the default) makes every counter call a no-op.
func (w *FetchWorker) SetStats(s *observability.Stats) {
	w.stats = s
}

// NewFetchWorker wires a FetchWorker from its collaborators.
func NewFetchWorker(
	store frontier.Store,
	gates *filter.Gates,
	policy *robots.Policy,
	registry *transport.Registry,
	siteHooks *hooks.Registry,
	artifacts *storage.ArtifactStore,
	linkLog *storage.LinkLog,
	sinks *storage.SinkFiles,
	reporter *submission.Reporter,
	cfg *config.Config,
	logger *slog.Logger,
) *FetchWorker {
	return &FetchWorker{
		store:     store,
		gates:     gates,
		policy:    policy,
		registry:  registry,
		siteHooks: siteHooks,
		artifacts: artifacts,
		linkLog:   linkLog,
		sinks:     sinks,
		reporter:  reporter,
		cfg:       cfg,
		logger:    logger.With("component", "fetch_worker"),
	}
}

// Process runs the full §4.7 state machine for one popped record.
func (w *FetchWorker) Process(ctx context.Context, rec frontier.Record) error {
	l, err := link.Parse(rec.URL)
	if err != nil {
		return w.store.Drop(ctx, frontier.PendingFetch, rec.Hash)
	}

	// 1. Filter.
	if !w.gates.AllowProxy(string(l.ProxyTag)) || !w.gates.AllowHost(l.Host) {
		return w.store.Drop(ctx, frontier.PendingFetch, rec.Hash)
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

	// 3. Freshness check.
	if lastVisit, err := w.store.LastVisit(ctx, rec.Hash, frontier.VisitFetched); err == nil && w.cfg.Caching.Fresh(lastVisit) {
		return nil
	}

	// 4. Proxy tag branch: sink non-fetchable families and drop.
	if !l.Fetchable() {
		if err := w.sinks.Append(string(l.ProxyTag), l.URL); err != nil {
			w.logger.Warn("sink append failed", "url", l.URL, "error", err)
		}
		return w.store.Drop(ctx, frontier.PendingFetch, rec.Hash)
	}

	// 5. Host onboarding.
	if known, err := w.store.HasHost(ctx, l.Host); err == nil && !known {
		w.onboardHost(ctx, l)
	}

	// 6. Robots gate.
	if !w.cfg.Scheduling.Force && !w.policy.Allowed(ctx, l) {
		_ = w.store.RecordVisit(ctx, rec.Hash, frontier.VisitFetched, time.Now())
		return nil
	}

	// 7. Fetch.
	resp, fetchErr := w.fetch(ctx, l)
	if fetchErr != nil {
		return w.handleFetchError(ctx, rec, l, fetchErr)
	}

	// 8. Persist.
	if err := w.artifacts.SaveFetched(l.Host, rec.Hash, storage.HeaderRecord{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Cookies:    resp.Cookies,
		FinalURL:   resp.FinalURL,
		FetchedAt:  time.Now(),
	}, resp.Body, resp.ContentType()); err != nil {
		w.logger.Error("save fetched artifact failed", "url", l.URL, "error", err)
	}
	if w.archiver != nil {
		doc := storage.CrawlDocument{
			Hash: rec.Hash, URL: l.URL, Host: l.Host, ProxyTag: string(l.ProxyTag),
			Event: "fetched", StatusCode: resp.StatusCode, ContentType: resp.ContentType(),
			BodySize: len(resp.Body), Timestamp: time.Now(),
		}
		if err := w.archiver.Archive(ctx, doc); err != nil {
			w.logger.Warn("mongo archive failed", "url", l.URL, "error", err)
		}
	}

	// 9. MIME gate.
	if !w.gates.AllowMIME(resp.ContentType()) {
		return w.store.RecordVisit(ctx, rec.Hash, frontier.VisitFetched, time.Now())
	}

	// 10. Submission.
	if err := w.reporter.FetchedDocument(ctx, l, resp.StatusCode, resp.ContentType(), len(resp.Body)); err != nil {
		w.logger.Warn("fetched-document submission degraded to local fallback", "url", l.URL, "error", err)
	}

	// 11. HTML handling.
	if htmlContentTypes[resp.ContentType()] {
		w.extractAndEnqueue(ctx, string(resp.Body), l)
	}

	// 12. Status branch.
	if resp.StatusCode >= 400 && resp.StatusCode < 600 {
		return w.backoff(ctx, rec)
	}
	if err := w.store.AddMany(ctx, frontier.PendingRender, []frontier.Record{
		{Hash: rec.Hash, URL: l.URL, EnqueueTime: time.Now()},
	}); err != nil {
		return err
	}

	// 13. Record visit.
	return w.store.RecordVisit(ctx, rec.Hash, frontier.VisitFetched, time.Now())
}

func (w *FetchWorker) fetch(ctx context.Context, l link.Link) (*transport.Response, error) {
	session, err := w.registry.Session(l.ProxyTag)
	if err != nil {
		return nil, &crawlerrors.FetchError{URL: l.URL, Kind: crawlerrors.KindInvalidScheme, Err: err}
	}
	w.stats.IncRequests()
	w.stats.IncProxyTag(string(l.ProxyTag))
	hook := w.siteHooks.FetchHookFor(l.Host)
	resp, err := hook.Fetch(ctx, session, l, defaultFetchTimeout)
	if err != nil {
		w.stats.IncFailed()
	}
	return resp, err
}

func (w *FetchWorker) handleFetchError(ctx context.Context, rec frontier.Record, l link.Link, err error) error {
	if errors.Is(err, hooks.ErrLinkNoReturn) {
		_ = w.store.Drop(ctx, frontier.PendingFetch, rec.Hash)
		return w.store.Drop(ctx, frontier.PendingRender, rec.Hash)
	}

	var fetchErr *crawlerrors.FetchError
	if errors.As(err, &fetchErr) {
		if fetchErr.Kind == crawlerrors.KindInvalidScheme {
			if serr := w.sinks.Append(string(l.ProxyTag), rec.URL); serr != nil {
				w.logger.Warn("sink append failed", "url", rec.URL, "error", serr)
			}
			return w.store.Drop(ctx, frontier.PendingFetch, rec.Hash)
		}
		if fetchErr.Retryable() {
			return w.backoff(ctx, rec)
		}
	}
	w.logger.Warn("unclassified fetch error, dropping", "url", rec.URL, "error", err)
	return w.store.Drop(ctx, frontier.PendingFetch, rec.Hash)
}

// onboardHost runs the §4.4 host onboarding sequence: robots+sitemap
// discovery, a new-host submission event, and marking hosts-seen flags.
func (w *FetchWorker) onboardHost(ctx context.Context, l link.Link) {
	sitemapLinks := w.policy.Sitemaps(ctx, l)
	if len(sitemapLinks) > 0 {
		records := make([]frontier.Record, 0, len(sitemapLinks))
		now := time.Now()
		for _, sl := range sitemapLinks {
			w.recordFirstSeen(sl, now)
			records = append(records, frontier.Record{Hash: sl.HashString(), URL: sl.URL, EnqueueTime: now})
		}
		if err := w.store.AddMany(ctx, frontier.PendingFetch, records); err != nil {
			w.logger.Warn("add-many sitemap links failed", "host", l.Host, "error", err)
		}
	}

	if err := w.store.MarkHost(ctx, frontier.HostFlags{
		Host:           l.Host,
		FirstSeen:      time.Now(),
		RobotsFetched:  true,
		SitemapFetched: true,
	}); err != nil {
		w.logger.Warn("mark-host failed", "host", l.Host, "error", err)
	}

	if err := w.reporter.NewHost(ctx, l); err != nil {
		w.logger.Warn("new-host submission degraded to local fallback", "host", l.Host, "error", err)
	}
}

// extractAndEnqueue runs §4.9 link extraction over a fetched HTML body,
// appends every non-fetchable link to its misc/{family}.txt sink file, and
// adds every other newly discovered link into pending-fetch.
func (w *FetchWorker) extractAndEnqueue(ctx context.Context, html string, base link.Link) {
	opts := extract.Options{}
	if w.cfg.Caching.CheckNG {
		opts.CheckNG = true
		opts.AllowMIME = w.gates.AllowMIME
		opts.Head = func(ctx context.Context, l link.Link) (string, error) {
			session, err := w.registry.Session(l.ProxyTag)
			if err != nil {
				return "", err
			}
			resp, err := session.Get(ctx, l, defaultFetchTimeout)
			if err != nil {
				return "", err
			}
			return resp.ContentType(), nil
		}
	}

	links, err := extract.Links(ctx, html, base, opts)
	if err != nil {
		w.logger.Warn("link extraction failed", "url", base.URL, "error", err)
		return
	}
	if len(links) == 0 {
		return
	}

	now := time.Now()
	records := make([]frontier.Record, 0, len(links))
	for _, l := range links {
		w.recordFirstSeen(l, now)
		if !l.Fetchable() {
			if err := w.sinks.Append(string(l.ProxyTag), l.URL); err != nil {
				w.logger.Warn("sink append failed", "url", l.URL, "error", err)
			}
			continue
		}
		records = append(records, frontier.Record{Hash: l.HashString(), URL: l.URL, EnqueueTime: now})
	}
	if len(records) == 0 {
		return
	}
	if err := w.store.AddMany(ctx, frontier.PendingFetch, records); err != nil {
		w.logger.Warn("add-many extracted links failed", "url", base.URL, "error", err)
	}
}

// recordFirstSeen appends l to link.csv; LinkLog itself is responsible
// for skipping hashes it has already recorded (§6).
func (w *FetchWorker) recordFirstSeen(l link.Link, seen time.Time) {
	if err := w.linkLog.Record(l.HashString(), l.URL, seen); err != nil {
		w.logger.Warn("link log record failed", "url", l.URL, "error", err)
	}
}

// backoff re-enqueues rec into pending-fetch with not-before set to
// TIME_CACHE from now (§4.7 step 2 and step 12's backoff policy).
func (w *FetchWorker) backoff(ctx context.Context, rec frontier.Record) error {
	return w.store.AddMany(ctx, frontier.PendingFetch, []frontier.Record{
		{
			Hash:        rec.Hash,
			URL:         rec.URL,
			EnqueueTime: rec.EnqueueTime,
			NotBefore:   time.Now().Add(w.cfg.Caching.BackoffHorizon()),
		},
	})
}
