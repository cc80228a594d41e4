package filter

import (
	"testing"

	"github.com/darkcrawl/darkcrawl/internal/config"
)

func TestGateWhitelistWins(t *testing.T) {
	g := NewGate(config.FilterConfig{
		White:    []string{`\.onion$`},
		Black:    []string{`.*`},
		Fallback: false,
	})
	if !g.Allow("abc123.onion") {
		t.Error("expected whitelist match to allow despite a catch-all blacklist")
	}
}

func TestGateBlacklistDeniesWhenNoWhitelistMatch(t *testing.T) {
	g := NewGate(config.FilterConfig{
		Black:    []string{`\.exe$`},
		Fallback: true,
	})
	if g.Allow("malware.exe") {
		t.Error("expected blacklist match to deny")
	}
	if !g.Allow("index.html") {
		t.Error("expected non-matching input to fall back to true")
	}
}

func TestGateFallbackWhenNoListsMatch(t *testing.T) {
	g := NewGate(config.FilterConfig{Fallback: true})
	if !g.Allow("anything") {
		t.Error("expected empty lists to return fallback=true")
	}
	g2 := NewGate(config.FilterConfig{Fallback: false})
	if g2.Allow("anything") {
		t.Error("expected empty lists to return fallback=false")
	}
}

func TestGateCaseInsensitive(t *testing.T) {
	g := NewGate(config.FilterConfig{White: []string{`text/html`}})
	if !g.Allow("TEXT/HTML") {
		t.Error("expected matching to lowercase input before testing")
	}
}

func TestGatesAllowProxy(t *testing.T) {
	gates := NewGates(config.FiltersConfig{
		Proxy: config.FilterConfig{Black: []string{"javascript"}, Fallback: true},
	})
	if gates.AllowProxy("javascript") {
		t.Error("expected javascript proxy tag to be denied")
	}
	if gates.AllowProxy("JavaScript") {
		t.Error("expected literal proxy-tag match to be case-insensitive")
	}
	if !gates.AllowProxy("tor") {
		t.Error("expected tor proxy tag to be allowed via fallback")
	}
	if !gates.AllowProxy("javascriptx") {
		t.Error("expected literal gate not to match as a substring")
	}
}
