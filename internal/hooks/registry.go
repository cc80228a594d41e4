// Package hooks implements the site hook registry of §4.6: a per-host
// pair of callbacks that wrap the transport layer's fetch session and
// render driver, with a default pair used when no host-specific entry
// matches. A hook may signal ErrLinkNoReturn to drop a link permanently
// from both frontier queues.
package hooks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/darkcrawl/darkcrawl/internal/link"
	"github.com/darkcrawl/darkcrawl/internal/transport"
)

// ErrLinkNoReturn signals that a link must be dropped from both the
// pending-fetch and pending-render queues permanently (§4.6, §7).
var ErrLinkNoReturn = errors.New("hooks: link dropped permanently by site hook")

// FetchHook wraps a fetch session's Get call for one host. Implementations
// may modify the request (headers, auth) or refuse to proceed entirely by
// returning ErrLinkNoReturn.
type FetchHook interface {
	Fetch(ctx context.Context, session transport.FetchSession, l link.Link, timeout time.Duration) (*transport.Response, error)
}

// RenderHook wraps a render driver's Load call for one host.
type RenderHook interface {
	Render(ctx context.Context, driver transport.RenderDriver, l link.Link, seWait time.Duration) (*transport.Rendered, error)
}

// FetchHookFunc adapts a plain function to a FetchHook.
type FetchHookFunc func(ctx context.Context, session transport.FetchSession, l link.Link, timeout time.Duration) (*transport.Response, error)

// Fetch implements FetchHook.
func (f FetchHookFunc) Fetch(ctx context.Context, session transport.FetchSession, l link.Link, timeout time.Duration) (*transport.Response, error) {
	return f(ctx, session, l, timeout)
}

// RenderHookFunc adapts a plain function to a RenderHook.
type RenderHookFunc func(ctx context.Context, driver transport.RenderDriver, l link.Link, seWait time.Duration) (*transport.Rendered, error)

// Render implements RenderHook.
func (f RenderHookFunc) Render(ctx context.Context, driver transport.RenderDriver, l link.Link, seWait time.Duration) (*transport.Rendered, error) {
	return f(ctx, driver, l, seWait)
}

// DefaultHooks is the fallback pair used for any host with no registered
// entry: it passes the call straight through to the session/driver with
// no modification.
var DefaultHooks = struct {
	Fetch  FetchHook
	Render RenderHook
}{
	Fetch: FetchHookFunc(func(ctx context.Context, session transport.FetchSession, l link.Link, timeout time.Duration) (*transport.Response, error) {
		return session.Get(ctx, l, timeout)
	}),
	Render: RenderHookFunc(func(ctx context.Context, driver transport.RenderDriver, l link.Link, seWait time.Duration) (*transport.Rendered, error) {
		return driver.Load(ctx, l, seWait)
	}),
}

// entry pairs the fetch and render hooks registered for one host.
type entry struct {
	fetch  FetchHook
	render RenderHook
}

// Registry resolves a host to its registered hook pair, falling back to
// DefaultHooks when no host-specific entry exists (§4.6).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry returns an empty site hook registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register binds a host to a hook pair. A nil hook for either slot falls
// back to the corresponding DefaultHooks entry.
func (r *Registry) Register(host string, fetch FetchHook, render RenderHook) {
	if fetch == nil {
		fetch = DefaultHooks.Fetch
	}
	if render == nil {
		render = DefaultHooks.Render
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[host] = entry{fetch: fetch, render: render}
}

// FetchHookFor returns the fetch hook registered for host, or DefaultHooks.Fetch.
func (r *Registry) FetchHookFor(host string) FetchHook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[host]; ok {
		return e.fetch
	}
	return DefaultHooks.Fetch
}

// RenderHookFor returns the render hook registered for host, or DefaultHooks.Render.
func (r *Registry) RenderHookFor(host string) RenderHook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[host]; ok {
		return e.render
	}
	return DefaultHooks.Render
}
