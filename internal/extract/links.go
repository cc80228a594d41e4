// Package extract implements the link-extraction stage of §4.9: scan
// rendered or raw HTML for link-bearing attributes and URL-shaped text,
// resolve every candidate against a base URL, and deduplicate the result.
package extract

import (
	"context"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/darkcrawl/darkcrawl/internal/link"
)

// linkAttrs are the standard link-bearing attributes §4.9 names.
var linkAttrs = []string{"href", "src", "data-href", "action", "poster", "formaction"}

// nonNetworkSchemeText matches URL-shaped strings using one of the
// non-network schemes of §4.1 appearing in plain text, not an attribute
// (e.g. a magnet link or mailto address written out in a page's body).
var nonNetworkSchemeText = regexp.MustCompile(`\b(?:magnet|mailto|tel|data|bitcoin|ethereum|irc|ed2k):[^\s"'<>]+`)

// schemedURLText matches absolute http/https/ftp/ws/wss URLs written out
// in plain text rather than in an attribute.
var schemedURLText = regexp.MustCompile(`\b(?:https?|ftp|wss?)://[^\s"'<>]+`)

// HeadChecker performs a HEAD request through the appropriate proxy and
// returns the response's content-type, for the optional CHECK_NG
// pre-filter. Callers wire this to the transport registry; extract has no
// opinion on which proxy tag or session to use for a given candidate.
type HeadChecker func(ctx context.Context, l link.Link) (contentType string, err error)

// Options controls optional extraction behavior.
type Options struct {
	// CheckNG, if true, runs Head against every candidate and drops any
	// whose content-type the caller's gate would reject.
	CheckNG   bool
	Head      HeadChecker
	AllowMIME func(contentType string) bool
}

// Links extracts and resolves every link candidate found in html against
// base, deduplicated by canonical hash (§4.9). Attribute-sourced and
// text-sourced candidates are unioned with no precedence between them,
// per the set-union resolution of the extraction-order open question.
func Links(ctx context.Context, html string, base link.Link, opts Options) ([]link.Link, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}

	seen := make(map[[16]byte]bool)
	var out []link.Link

	add := func(raw string) {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return
		}
		resolved, err := link.Resolve(base, raw)
		if err != nil {
			return
		}
		if seen[resolved.Hash] {
			return
		}
		if opts.CheckNG && opts.Head != nil && opts.AllowMIME != nil {
			ct, err := opts.Head(ctx, resolved)
			if err == nil && !opts.AllowMIME(ct) {
				return
			}
		}
		seen[resolved.Hash] = true
		out = append(out, resolved)
	}

	for _, attr := range linkAttrs {
		doc.Find("[" + attr + "]").Each(func(_ int, s *goquery.Selection) {
			if v, ok := s.Attr(attr); ok {
				add(v)
			}
		})
	}

	doc.Find("[srcset]").Each(func(_ int, s *goquery.Selection) {
		v, ok := s.Attr("srcset")
		if !ok {
			return
		}
		for _, candidate := range parseSrcset(v) {
			add(candidate)
		}
	})

	text := doc.Text()
	for _, match := range schemedURLText.FindAllString(text, -1) {
		add(match)
	}
	for _, match := range nonNetworkSchemeText.FindAllString(text, -1) {
		add(match)
	}

	return out, nil
}

// parseSrcset splits a srcset attribute's comma-separated
// "url descriptor" entries and returns just the URL portion of each.
func parseSrcset(raw string) []string {
	entries := strings.Split(raw, ",")
	urls := make([]string, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.Fields(entry)
		if len(fields) == 0 {
			continue
		}
		urls = append(urls, fields[0])
	}
	return urls
}
