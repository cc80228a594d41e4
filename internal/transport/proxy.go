package transport

import (
	"fmt"

	"github.com/darkcrawl/darkcrawl/internal/config"
	"github.com/darkcrawl/darkcrawl/internal/link"
)

// BuildRegistry wires a Registry from the configured proxy parameters,
// following SPEC_FULL.md §4.5's proxy-tag wiring table: tor gets a SOCKS5
// fetch session and a SOCKS5-proxied browser, i2p and freenet/zeronet get
// HTTP-proxied fetch sessions, and the non-fetchable "sink" families never
// receive a registry entry at all (the fetch worker never calls into the
// registry for them).
func BuildRegistry(proxies map[string]config.ProxyParams, maxRenderPages int) *Registry {
	r := NewRegistry()

	r.Register(link.ProxyNull,
		func() (FetchSession, error) {
			return NewHTTPSession("darkcrawl/"+config.Version, 0)
		},
		func() (RenderDriver, error) {
			return NewRodDriver(maxRenderPages)
		},
	)

	if tor, ok := proxies["tor"]; ok {
		addr := fmt.Sprintf("127.0.0.1:%d", tor.Port)
		r.Register(link.ProxyTor,
			func() (FetchSession, error) {
				return NewHTTPSession("darkcrawl-tor/"+config.Version, 0, WithSOCKS5(addr))
			},
			func() (RenderDriver, error) {
				return NewRodDriver(maxRenderPages, WithBrowserSOCKS5Proxy(addr))
			},
		)
	}

	if i2p, ok := proxies["i2p"]; ok {
		addr := fmt.Sprintf("127.0.0.1:%d", i2p.Port)
		r.Register(link.ProxyI2P,
			func() (FetchSession, error) {
				return NewHTTPSession("darkcrawl-i2p/"+config.Version, 0, WithHTTPProxy(addr))
			},
			func() (RenderDriver, error) {
				return NewRodDriver(maxRenderPages, WithBrowserHTTPProxy(addr))
			},
		)
	}

	if freenet, ok := proxies["freenet"]; ok {
		addr := fmt.Sprintf("127.0.0.1:%d", freenet.Port)
		// No render-driver factory: Freenet's FProxy gateway serves plain
		// HTML, so headless rendering brings no benefit over a direct fetch.
		r.Register(link.ProxyTag("freenet"),
			func() (FetchSession, error) {
				return NewHTTPSession("darkcrawl-freenet/"+config.Version, 0, WithHTTPProxy(addr))
			},
			nil,
		)
	}

	if zeronet, ok := proxies["zeronet"]; ok {
		addr := fmt.Sprintf("127.0.0.1:%d", zeronet.Port)
		r.Register(link.ProxyTag("zeronet"),
			func() (FetchSession, error) {
				return NewHTTPSession("darkcrawl-zeronet/"+config.Version, 0, WithHTTPProxy(addr))
			},
			func() (RenderDriver, error) {
				// ZeroNet pages are JS-heavy single-page apps that commonly
				// need rendering, unlike Freenet's FProxy-served HTML.
				return NewRodDriver(maxRenderPages, WithBrowserHTTPProxy(addr))
			},
		)
	}

	return r
}
