package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/darkcrawl/darkcrawl/internal/crawlerrors"
	"github.com/darkcrawl/darkcrawl/internal/link"
)

// RodDriver implements RenderDriver over go-rod, with stealth patches
// applied to every page so fingerprint-based blocklists don't short-circuit
// the render before document-ready.
type RodDriver struct {
	browser  *rod.Browser
	pagePool chan *rod.Page
	maxPages int
}

// RodDriverOption applies a launcher transformation and returns the
// (possibly new) launcher, mirroring the launcher package's builder style.
type RodDriverOption func(*launcher.Launcher) *launcher.Launcher

// WithBrowserSOCKS5Proxy points the launched browser at a SOCKS5 proxy
// (Tor's SOCKSPort, per SPEC_FULL.md's wiring table).
func WithBrowserSOCKS5Proxy(addr string) RodDriverOption {
	return func(l *launcher.Launcher) *launcher.Launcher { return l.Proxy("socks5://" + addr) }
}

// WithBrowserHTTPProxy points the launched browser at an HTTP proxy (I2P's
// HTTP proxy port, or a Freenet/ZeroNet local gateway).
func WithBrowserHTTPProxy(addr string) RodDriverOption {
	return func(l *launcher.Launcher) *launcher.Launcher { return l.Proxy("http://" + addr) }
}

// NewRodDriver launches a headless Chromium instance and returns a driver
// ready to render pages for one proxy tag.
func NewRodDriver(maxPages int, opts ...RodDriverOption) (*RodDriver, error) {
	l := launcher.New().
		Headless(true).
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-web-security").
		Set("disable-features", "IsolateOrigins,site-per-process").
		Set("disable-blink-features", "AutomationControlled")

	for _, opt := range opts {
		l = opt(l)
	}

	launchURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(launchURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}

	return &RodDriver{
		browser:  browser,
		pagePool: make(chan *rod.Page, maxPages),
		maxPages: maxPages,
	}, nil
}

// Load navigates to l, waits for document-ready plus seWait, and returns
// the rendered HTML and a full-page screenshot (§4.5, §4.8).
func (d *RodDriver) Load(ctx context.Context, l link.Link, seWait time.Duration) (*Rendered, error) {
	start := time.Now()

	page, err := d.getPage()
	if err != nil {
		return nil, &crawlerrors.FetchError{URL: l.URL, Kind: crawlerrors.KindNetworkError, Err: err}
	}
	defer d.putPage(page)

	stealthy, err := stealth.Page(d.browser)
	if err == nil {
		page = stealthy
	}

	deadline, hasDeadline := ctx.Deadline()
	timeout := 30 * time.Second
	if hasDeadline {
		timeout = time.Until(deadline)
	}

	if err := page.Timeout(timeout).Navigate(l.URL); err != nil {
		kind := crawlerrors.KindNetworkError
		if ctx.Err() == context.DeadlineExceeded {
			kind = crawlerrors.KindTimeout
		}
		return nil, &crawlerrors.FetchError{URL: l.URL, Kind: kind, Err: err}
	}

	if err := page.Timeout(timeout).WaitStable(300 * time.Millisecond); err != nil {
		// Stability timeout is not fatal — render workers treat a slow page
		// as "best effort" and still check for the empty-page sentinel.
	}

	if seWait > 0 {
		time.Sleep(seWait)
	}

	html, err := page.HTML()
	if err != nil {
		return nil, &crawlerrors.FetchError{URL: l.URL, Kind: crawlerrors.KindNetworkError, Err: err}
	}

	shot, err := page.Screenshot(true, &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatPng,
		Quality: nil,
	})
	if err != nil {
		shot = nil
	}

	finalURL := l.URL
	if info, err := page.Info(); err == nil && info != nil {
		finalURL = info.URL
	}

	return &Rendered{
		HTML:       html,
		Screenshot: shot,
		FinalURL:   finalURL,
		Duration:   time.Since(start),
	}, nil
}

// Close shuts down the browser and every pooled page.
func (d *RodDriver) Close() error {
	close(d.pagePool)
	for page := range d.pagePool {
		_ = page.Close()
	}
	return d.browser.Close()
}

func (d *RodDriver) getPage() (*rod.Page, error) {
	select {
	case page := <-d.pagePool:
		return page, nil
	default:
		return d.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	}
}

func (d *RodDriver) putPage(page *rod.Page) {
	_ = page.Navigate("about:blank")
	select {
	case d.pagePool <- page:
	default:
		_ = page.Close()
	}
}
