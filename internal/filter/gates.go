// Package filter implements the three allow/deny gates of §4.3:
// allow-host, allow-mime, allow-proxy. Each is white/black regex lists
// plus a fallback polarity.
package filter

import (
	"regexp"
	"strings"
	"sync"

	"github.com/darkcrawl/darkcrawl/internal/config"
)

// Gate evaluates one allow/deny decision from white/black regex lists and
// a fallback polarity (§4.3):
//   - if white is non-empty and matches, allow
//   - else if black is non-empty and matches, deny
//   - else return fallback
type Gate struct {
	white    []*regexp.Regexp
	black    []*regexp.Regexp
	fallback bool
}

// NewGate compiles a Gate from a config.FilterConfig. Invalid patterns are
// skipped — config.Validate is expected to have already rejected them.
func NewGate(cfg config.FilterConfig) *Gate {
	g := &Gate{fallback: cfg.Fallback}
	for _, pat := range cfg.White {
		if re, err := regexp.Compile(pat); err == nil {
			g.white = append(g.white, re)
		}
	}
	for _, pat := range cfg.Black {
		if re, err := regexp.Compile(pat); err == nil {
			g.black = append(g.black, re)
		}
	}
	return g
}

// Allow evaluates the gate against the lowercased input (§4.3: "matching
// is substring-regex against the lowercased input").
func (g *Gate) Allow(input string) bool {
	lowered := strings.ToLower(input)
	if len(g.white) > 0 {
		for _, re := range g.white {
			if re.MatchString(lowered) {
				return true
			}
		}
	}
	if len(g.black) > 0 {
		for _, re := range g.black {
			if re.MatchString(lowered) {
				return false
			}
		}
	}
	return g.fallback
}

// literalGate evaluates allow/deny by exact case-insensitive string
// equality against each white/black entry rather than regex matching.
// Proxy tags are a small fixed vocabulary (§4.1's ProxyTag constants),
// and §4.3 is explicit that "allow-proxy compares case-insensitively as
// a literal tag" — a substring-regex gate would let a white-listed tag
// like "tor" also match any hypothetical tag containing it as substring.
type literalGate struct {
	white    []string
	black    []string
	fallback bool
}

// newLiteralGate builds a literalGate from a config.FilterConfig,
// lowercasing every entry up front so Allow only has to lowercase input.
func newLiteralGate(cfg config.FilterConfig) *literalGate {
	g := &literalGate{fallback: cfg.Fallback}
	for _, tag := range cfg.White {
		g.white = append(g.white, strings.ToLower(tag))
	}
	for _, tag := range cfg.Black {
		g.black = append(g.black, strings.ToLower(tag))
	}
	return g
}

// Allow evaluates the gate the same white-then-black-then-fallback way
// Gate.Allow does, but by exact equality instead of pattern search.
func (g *literalGate) Allow(input string) bool {
	lowered := strings.ToLower(input)
	if len(g.white) > 0 {
		for _, tag := range g.white {
			if tag == lowered {
				return true
			}
		}
	}
	if len(g.black) > 0 {
		for _, tag := range g.black {
			if tag == lowered {
				return false
			}
		}
	}
	return g.fallback
}

// Gates bundles the three gate functions the fetch/render workers consult.
type Gates struct {
	host  *Gate
	mime  *Gate
	proxy *literalGate

	mu sync.RWMutex
}

// NewGates builds the three gates from the configured filter sets.
func NewGates(cfg config.FiltersConfig) *Gates {
	return &Gates{
		host:  NewGate(cfg.Link),
		mime:  NewGate(cfg.MIME),
		proxy: newLiteralGate(cfg.Proxy),
	}
}

// AllowHost reports whether host passes the link-filter gate.
func (g *Gates) AllowHost(host string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.host.Allow(host)
}

// AllowMIME reports whether a content-type passes the MIME-filter gate.
func (g *Gates) AllowMIME(contentType string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.mime.Allow(contentType)
}

// AllowProxy reports whether a proxy tag passes the proxy-filter gate.
// Proxy tags are compared case-insensitively as a literal value, not a
// regex pattern search target beyond the usual lowering (§4.3).
func (g *Gates) AllowProxy(tag string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.proxy.Allow(tag)
}
