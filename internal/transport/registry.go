// Package transport implements the proxy-tag → session/driver registry of
// §4.5: fetch sessions for the synchronous HTTP contract and render drivers
// for the headless-browser contract, each built with the proxy wiring its
// tag requires.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/darkcrawl/darkcrawl/internal/link"
)

// Response is the result of a fetch session's Get, matching §4.5's
// contract: status, headers, final URL, cookies, and body bytes.
type Response struct {
	StatusCode int
	Header     http.Header
	FinalURL   string
	Cookies    []*http.Cookie
	Body       []byte
	Duration   time.Duration
}

// ContentType returns the response's Content-Type header, stripped of any
// charset/parameter suffix, lowercased.
func (r *Response) ContentType() string {
	ct := r.Header.Get("Content-Type")
	for i, c := range ct {
		if c == ';' {
			ct = ct[:i]
			break
		}
	}
	return normalizeASCIILower(ct)
}

func normalizeASCIILower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

// Rendered is the result of a render driver's Load: the document-ready HTML
// plus a full-page screenshot (§4.5, §4.8).
type Rendered struct {
	HTML       string
	Screenshot []byte
	FinalURL   string
	Duration   time.Duration
}

// EmptyPageSentinel is the marker §4.8 step 6 checks rendered HTML against
// to detect a render that produced nothing.
const EmptyPageSentinel = "<html><head></head><body></body></html>"

// IsEmptyRender reports whether rendered HTML is the sentinel empty page.
func IsEmptyRender(html string) bool {
	return html == EmptyPageSentinel
}

// ErrInvalidScheme is returned by a FetchSession when asked to fetch a
// scheme it cannot transport (the non-network schemes of §4.1).
var ErrInvalidScheme = errors.New("transport: invalid scheme for fetch session")

// FetchSession is the synchronous HTTP contract a fetch worker calls
// through (§4.5). Implementations must classify failures as
// crawlerrors.FetchError with KindNetworkError, KindInvalidScheme, or
// KindTimeout so the worker can decide retry policy.
type FetchSession interface {
	Get(ctx context.Context, l link.Link, timeout time.Duration) (*Response, error)
}

// RenderDriver is the headless-browser contract a render worker calls
// through (§4.5): navigate, wait for document-ready plus SE_WAIT, and
// return the rendered HTML and a full-page screenshot.
type RenderDriver interface {
	Load(ctx context.Context, l link.Link, seWait time.Duration) (*Rendered, error)
	Close() error
}

// FetchSessionFactory builds a FetchSession wired for one proxy tag.
type FetchSessionFactory func() (FetchSession, error)

// RenderDriverFactory builds a RenderDriver wired for one proxy tag.
type RenderDriverFactory func() (RenderDriver, error)

// entry pairs the two factories the registry binds to a proxy tag. A nil
// factory means that family has no wiring for that concern (e.g. freenet
// has no render driver, per SPEC_FULL.md's transport wiring table).
type entry struct {
	fetch  FetchSessionFactory
	render RenderDriverFactory

	sessionOnce sync.Once
	sessionErr  error
	session     FetchSession

	driverOnce sync.Once
	driverErr  error
	driver     RenderDriver
}

// Registry resolves a proxy tag to lazily-constructed, cached fetch
// sessions and render drivers (§4.5).
type Registry struct {
	entries map[link.ProxyTag]*entry
}

// NewRegistry returns an empty registry; use Register to bind proxy tags.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[link.ProxyTag]*entry)}
}

// Register binds a proxy tag to its session and/or driver factories. A nil
// factory leaves that concern unwired for the tag.
func (r *Registry) Register(tag link.ProxyTag, fetch FetchSessionFactory, render RenderDriverFactory) {
	r.entries[tag] = &entry{fetch: fetch, render: render}
}

// Session returns the cached fetch session for tag, constructing it on
// first use. Concurrent callers racing on the same tag's first call all
// block on one sync.Once instead of racing to build and cache the
// session. Returns ErrInvalidScheme if the tag has no fetch wiring.
func (r *Registry) Session(tag link.ProxyTag) (FetchSession, error) {
	e, ok := r.entries[tag]
	if !ok || e.fetch == nil {
		return nil, ErrInvalidScheme
	}
	e.sessionOnce.Do(func() {
		e.session, e.sessionErr = e.fetch()
	})
	if e.sessionErr != nil {
		return nil, e.sessionErr
	}
	return e.session, nil
}

// Driver returns the cached render driver for tag, constructing it on
// first use. See Session for the concurrency discipline.
func (r *Registry) Driver(tag link.ProxyTag) (RenderDriver, error) {
	e, ok := r.entries[tag]
	if !ok || e.render == nil {
		return nil, ErrInvalidScheme
	}
	e.driverOnce.Do(func() {
		e.driver, e.driverErr = e.render()
	})
	if e.driverErr != nil {
		return nil, e.driverErr
	}
	return e.driver, nil
}

// Close tears down every constructed render driver. Fetch sessions close
// their idle connections individually; drivers hold OS browser processes
// and must always be reaped.
func (r *Registry) Close() error {
	var firstErr error
	for _, e := range r.entries {
		if e.driver != nil {
			if err := e.driver.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
