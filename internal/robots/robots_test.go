package robots

import (
	"context"
	"testing"
	"time"

	"github.com/darkcrawl/darkcrawl/internal/link"
	"github.com/darkcrawl/darkcrawl/internal/transport"
)

// fakeSession serves canned bodies for a single host's /robots.txt and
// /sitemap.xml without touching the network.
type fakeSession struct {
	byPath map[string]string
}

func (f *fakeSession) Get(ctx context.Context, l link.Link, timeout time.Duration) (*transport.Response, error) {
	body, ok := f.byPath[l.Path]
	if !ok {
		return &transport.Response{StatusCode: 404}, nil
	}
	return &transport.Response{StatusCode: 200, Body: []byte(body)}, nil
}

func registryWith(byPath map[string]string) *transport.Registry {
	r := transport.NewRegistry()
	r.Register(link.ProxyNull, func() (transport.FetchSession, error) {
		return &fakeSession{byPath: byPath}, nil
	}, nil)
	return r
}

func TestAllowedDeniesDisallowedPath(t *testing.T) {
	registry := registryWith(map[string]string{
		"/robots.txt": "User-agent: *\nDisallow: /private\n",
	})
	p := NewPolicy(registry, time.Hour, false)
	ctx := context.Background()

	l, _ := link.Parse("http://example.com/private/data")
	if p.Allowed(ctx, l) {
		t.Error("expected /private/data to be disallowed")
	}

	allowedLink, _ := link.Parse("http://example.com/public")
	if !p.Allowed(ctx, allowedLink) {
		t.Error("expected /public to be allowed")
	}
}

func TestAllowedOverridesDisallowWithAllowDirective(t *testing.T) {
	registry := registryWith(map[string]string{
		"/robots.txt": "User-agent: *\nDisallow: /private\nAllow: /private/exception\n",
	})
	p := NewPolicy(registry, time.Hour, false)
	ctx := context.Background()

	l, _ := link.Parse("http://example.com/private/exception")
	if !p.Allowed(ctx, l) {
		t.Error("expected a more specific Allow directive to override Disallow")
	}
}

func TestAllowedRootAlwaysAllowed(t *testing.T) {
	registry := registryWith(map[string]string{
		"/robots.txt": "User-agent: *\nDisallow: /\n",
	})
	p := NewPolicy(registry, time.Hour, false)
	ctx := context.Background()

	l, _ := link.Parse("http://example.com/")
	if !p.Allowed(ctx, l) {
		t.Error("expected root path to always be allowed regardless of cached rules")
	}
}

func TestAllowedForceOverridesEverything(t *testing.T) {
	registry := registryWith(map[string]string{
		"/robots.txt": "User-agent: *\nDisallow: /\n",
	})
	p := NewPolicy(registry, time.Hour, true)
	ctx := context.Background()

	l, _ := link.Parse("http://example.com/anything")
	if !p.Allowed(ctx, l) {
		t.Error("expected FORCE to bypass robots rules entirely")
	}
}

func TestAllowedWithNoRulesDefaultsToAllow(t *testing.T) {
	registry := registryWith(map[string]string{})
	p := NewPolicy(registry, time.Hour, false)
	ctx := context.Background()

	l, _ := link.Parse("http://example.com/anything")
	if !p.Allowed(ctx, l) {
		t.Error("expected a missing/unreachable robots.txt to allow everything")
	}
}

func TestCrawlDelayParsed(t *testing.T) {
	registry := registryWith(map[string]string{
		"/robots.txt": "User-agent: *\nCrawl-delay: 2.5\n",
	})
	p := NewPolicy(registry, time.Hour, false)
	ctx := context.Background()

	l, _ := link.Parse("http://example.com/")
	if got := p.CrawlDelay(ctx, l); got != 2500*time.Millisecond {
		t.Errorf("expected 2.5s crawl-delay, got %v", got)
	}
}

func TestSitemapsFromRobotsAndDefaultPath(t *testing.T) {
	registry := registryWith(map[string]string{
		"/robots.txt": "User-agent: *\nSitemap: http://example.com/sitemap-news.xml\n",
		"/sitemap-news.xml": `<?xml version="1.0"?><urlset>
			<url><loc>http://example.com/a</loc></url>
			<url><loc>http://example.com/b</loc></url>
		</urlset>`,
		"/sitemap.xml": `<?xml version="1.0"?><urlset>
			<url><loc>http://example.com/b</loc></url>
			<url><loc>http://example.com/c</loc></url>
		</urlset>`,
	})
	p := NewPolicy(registry, time.Hour, false)
	ctx := context.Background()

	l, _ := link.Parse("http://example.com/")
	got := p.Sitemaps(ctx, l)

	seen := make(map[string]bool)
	for _, g := range got {
		seen[g.URL] = true
	}
	for _, want := range []string{"http://example.com/a", "http://example.com/b", "http://example.com/c"} {
		if !seen[want] {
			t.Errorf("expected sitemap locs to include %q, got %v", want, got)
		}
	}
	if len(got) != 3 {
		t.Errorf("expected deduped union of 3 locs across both sitemap sources, got %d", len(got))
	}
}

func TestRulesCachedWithinTTL(t *testing.T) {
	calls := 0
	registry := transport.NewRegistry()
	registry.Register(link.ProxyNull, func() (transport.FetchSession, error) {
		return &countingSession{calls: &calls}, nil
	}, nil)

	p := NewPolicy(registry, time.Hour, false)
	ctx := context.Background()
	l, _ := link.Parse("http://example.com/x")

	p.Allowed(ctx, l)
	p.Allowed(ctx, l)
	if calls != 1 {
		t.Errorf("expected robots.txt to be fetched once within TTL, got %d calls", calls)
	}
}

type countingSession struct {
	calls *int
}

func (c *countingSession) Get(ctx context.Context, l link.Link, timeout time.Duration) (*transport.Response, error) {
	*c.calls++
	return &transport.Response{StatusCode: 200, Body: []byte("User-agent: *\n")}, nil
}
