// Package gate holds the pass/fail checks consulted before provisioning:
// a per-key rate limiter and a URL security guard.
package gate

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

var ErrUnsafeURL = errors.New("unsafe url")

// Known link shorteners.
var defaultShorteners = []string{
	"bit.ly", "tinyurl.com", "goo.gl", "t.co", "ow.ly", "is.gd", "buff.ly",
	"adf.ly", "bit.do", "cutt.ly", "shorturl.at", "rebrand.ly", "tiny.cc",
}

// URLGuard rejects URLs judged high risk: non-http(s) schemes, embedded
// credentials, and blocked registrable domains.
type URLGuard struct {
	blocked map[string]struct{}
}

func NewURLGuard(extraBlocked ...string) *URLGuard {
	g := &URLGuard{blocked: map[string]struct{}{}}
	for _, d := range defaultShorteners {
		g.blocked[d] = struct{}{}
	}
	for _, d := range extraBlocked {
		d = strings.ToLower(strings.Trim(strings.TrimSpace(d), "."))
		if d == "" {
			continue
		}
		if ascii, err := idna.Lookup.ToASCII(d); err == nil {
			d = ascii
		}
		g.blocked[d] = struct{}{}
	}
	return g
}

func (g *URLGuard) IsSafe(raw string) bool { return g.Check(raw) == nil }

// Check returns nil for a safe URL, or an error wrapping ErrUnsafeURL
// that names the reason.
func (g *URLGuard) Check(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: empty url", ErrUnsafeURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsafeURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("%w: scheme %q not allowed", ErrUnsafeURL, u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("%w: credentials in url", ErrUnsafeURL)
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrUnsafeURL)
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return fmt.Errorf("%w: host %q: %v", ErrUnsafeURL, host, err)
	}
	if g.isBlocked(ascii) {
		return fmt.Errorf("%w: domain %s is blocked", ErrUnsafeURL, ascii)
	}
	return nil
}

func (g *URLGuard) isBlocked(host string) bool {
	if g == nil {
		return false
	}
	if _, ok := g.blocked[host]; ok {
		return true
	}
	// IP literals and single-label hosts have no registrable domain.
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return false
	}
	_, ok := g.blocked[etld1]
	return ok
}
