// Package link implements the canonical URL model shared by every other
// darkcrawl package: parsing, canonicalization, stable hashing, and
// proxy-tag classification (§4.1 of the crawl spec).
package link

import (
	"crypto/sha256"
	"errors"
	"net/url"
	"sort"
	"strings"
)

// ErrMalformedURL is returned by Parse when the raw string cannot be
// turned into an absolute, schemed URL.
var ErrMalformedURL = errors.New("link: malformed url")

// ProxyTag names the transport family a Link must be routed through.
type ProxyTag string

const (
	ProxyNull      ProxyTag = "null"
	ProxyTor       ProxyTag = "tor"
	ProxyI2P       ProxyTag = "i2p"
	ProxyData      ProxyTag = "data"
	ProxyMailto    ProxyTag = "mailto"
	ProxyTel       ProxyTag = "tel"
	ProxyIRC       ProxyTag = "irc"
	ProxyMagnet    ProxyTag = "magnet"
	ProxyEd2k      ProxyTag = "ed2k"
	ProxyBitcoin   ProxyTag = "bitcoin"
	ProxyEthereum  ProxyTag = "ethereum"
	ProxyJavaScript ProxyTag = "javascript"
)

// nonFetchableSchemes maps a non-network scheme straight to its proxy tag.
// These are the "no (save)" families of the §4.1 table: the fetch worker
// appends the raw URL to a sink file and never queues them for rendering.
var nonFetchableSchemes = map[string]ProxyTag{
	"data":       ProxyData,
	"mailto":     ProxyMailto,
	"tel":        ProxyTel,
	"irc":        ProxyIRC,
	"magnet":     ProxyMagnet,
	"ed2k":       ProxyEd2k,
	"bitcoin":    ProxyBitcoin,
	"ethereum":   ProxyEthereum,
	"javascript": ProxyJavaScript,
}

// fetchableSchemes are schemes the fetch worker will hand to a transport.
var fetchableSchemes = map[string]bool{
	"http": true, "https": true, "ftp": true, "ws": true, "wss": true,
}

// Link is the canonicalized, immutable identity of a URL observed by the
// crawler. Identity is Hash; two Links with the same Hash are the same
// crawl target regardless of how they were spelled when discovered.
type Link struct {
	URL      string
	Scheme   string
	Host     string
	Path     string
	ProxyTag ProxyTag
	Hash     [16]byte
}

// Fetchable reports whether the fetch worker may hand this link to a
// transport session at all (the "fetchable?" column of §4.1's table).
func (l Link) Fetchable() bool {
	_, nonFetchable := nonFetchableSchemes[l.Scheme]
	return !nonFetchable
}

// HashString returns the hex-encoded stable hash, used as the map/CSV key.
func (l Link) HashString() string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, 32)
	for i, b := range l.Hash {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0x0f]
	}
	return string(buf)
}

// Parse canonicalizes a raw URL string into a Link. Canonicalization
// case-folds scheme and host, strips default ports, and leaves query and
// fragment intact; there is no path normalization beyond collapsing an
// empty path to "/" (§4.1).
func Parse(raw string) (Link, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Link{}, ErrMalformedURL
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Link{}, ErrMalformedURL
	}
	if u.Scheme == "" {
		return Link{}, ErrMalformedURL
	}

	scheme := strings.ToLower(u.Scheme)
	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)

	if host, port := u.Hostname(), u.Port(); port != "" {
		if ((scheme == "http" || scheme == "ws") && port == "80") ||
			((scheme == "https" || scheme == "wss") && port == "443") ||
			(scheme == "ftp" && port == "21") {
			u.Host = host
		}
	}

	if u.Path == "" {
		u.Path = "/"
	}

	l := Link{
		URL:    u.String(),
		Scheme: scheme,
		Host:   u.Hostname(),
		Path:   u.Path,
	}
	l.ProxyTag = proxyTagFor(scheme, l.Host)
	l.Hash = hashOf(scheme, u.Host, l.Path, u.RawQuery, u.Fragment)
	return l, nil
}

// proxyTagFor is the pure function of scheme/host described in §4.1.
func proxyTagFor(scheme, host string) ProxyTag {
	if tag, ok := nonFetchableSchemes[scheme]; ok {
		return tag
	}
	if scheme == "http" || scheme == "https" {
		switch {
		case strings.HasSuffix(host, ".onion"):
			return ProxyTor
		case strings.HasSuffix(host, ".i2p"):
			return ProxyI2P
		default:
			return ProxyNull
		}
	}
	if fetchableSchemes[scheme] {
		return ProxyNull
	}
	// Unknown scheme: treat the scheme name itself as its own tag so callers
	// (the InvalidScheme path in the fetch worker) can still sink it.
	return ProxyTag(scheme)
}

// hashOf computes a stable 128-bit digest over the canonical 5-tuple.
func hashOf(scheme, host, path, query, fragment string) [16]byte {
	var sb strings.Builder
	sb.WriteString(scheme)
	sb.WriteByte('|')
	sb.WriteString(host)
	sb.WriteByte('|')
	sb.WriteString(path)
	sb.WriteByte('|')
	sb.WriteString(sortedQuery(query))
	sb.WriteByte('|')
	sb.WriteString(fragment)

	full := sha256.Sum256([]byte(sb.String()))
	var out [16]byte
	copy(out[:], full[:16])
	return out
}

// sortedQuery normalizes query-parameter order so equivalent query strings
// hash identically regardless of how the original link spelled them.
func sortedQuery(raw string) string {
	if raw == "" {
		return ""
	}
	values, err := url.ParseQuery(raw)
	if err != nil {
		return raw
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		vals := append([]string(nil), values[k]...)
		sort.Strings(vals)
		for j, v := range vals {
			if i > 0 || j > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(url.QueryEscape(k))
			sb.WriteByte('=')
			sb.WriteString(url.QueryEscape(v))
		}
	}
	return sb.String()
}

// Resolve resolves a (possibly relative) href against a base Link and
// parses the result into a Link. Used by the link-extraction stage.
func Resolve(base Link, href string) (Link, error) {
	href = strings.TrimSpace(href)
	if href == "" {
		return Link{}, ErrMalformedURL
	}
	baseURL, err := url.Parse(base.URL)
	if err != nil {
		return Link{}, ErrMalformedURL
	}
	rel, err := url.Parse(href)
	if err != nil {
		return Link{}, ErrMalformedURL
	}
	resolved := baseURL.ResolveReference(rel)
	return Parse(resolved.String())
}
