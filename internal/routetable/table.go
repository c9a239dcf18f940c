// Package routetable holds the static prefix → upstream mapping installed at
// startup. Matching is segment-aware and first-registered-wins.
//
// Because a prefix registered after a more general one could never be
// selected, Add rejects it. Every accepted table therefore routes
// identically under first-registered-wins and most-specific-wins, which is
// what lets the proxy mount routes on a chi router.
package routetable

import (
	"errors"
	"fmt"
	"strings"
)

// Wildcard is the optional suffix marking "this prefix and everything below".
const Wildcard = "/*"

var (
	// ErrInvalidPrefix is returned for prefixes that are empty, relative, the
	// root, or contain wildcards other than a trailing "/*".
	ErrInvalidPrefix = errors.New("invalid route prefix")
	// ErrDuplicatePrefix is returned when a prefix is registered twice.
	ErrDuplicatePrefix = errors.New("duplicate route prefix")
	// ErrShadowedPrefix is returned when an earlier route already covers
	// every path the new prefix would match.
	ErrShadowedPrefix = errors.New("route prefix shadowed by an earlier route")
	// ErrEmptyUpstream is returned for routes without an upstream.
	ErrEmptyUpstream = errors.New("route upstream is empty")
)

// Route binds an inbound path prefix to an upstream identifier.
type Route struct {
	Prefix   string
	Upstream string
}

// Matches reports whether path is the prefix itself or lies below it.
func (r Route) Matches(path string) bool {
	return path == r.Prefix || strings.HasPrefix(path, r.Prefix+"/")
}

// NormalizePrefix strips the "/*" wildcard marker and any trailing slash.
func NormalizePrefix(p string) (string, error) {
	p = strings.TrimSpace(p)
	p = strings.TrimSuffix(p, Wildcard)
	p = strings.TrimRight(p, "/")
	switch {
	case p == "":
		return "", fmt.Errorf("%w: root or empty prefix", ErrInvalidPrefix)
	case !strings.HasPrefix(p, "/"):
		return "", fmt.Errorf("%w: %q must start with /", ErrInvalidPrefix, p)
	case strings.ContainsAny(p, "*{}? \t"):
		return "", fmt.Errorf("%w: %q contains reserved characters", ErrInvalidPrefix, p)
	}
	return p, nil
}

// Table is an ordered route list. It must not be modified once requests are
// being served.
type Table struct {
	routes []Route
}

// New builds a table from routes in installation order.
func New(routes ...Route) (*Table, error) {
	t := &Table{}
	for _, r := range routes {
		if err := t.Add(r); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// Add appends a route after normalizing its prefix.
func (t *Table) Add(r Route) error {
	prefix, err := NormalizePrefix(r.Prefix)
	if err != nil {
		return err
	}
	if strings.TrimSpace(r.Upstream) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyUpstream, prefix)
	}
	for _, existing := range t.routes {
		if existing.Prefix == prefix {
			return fmt.Errorf("%w: %s", ErrDuplicatePrefix, prefix)
		}
		if existing.Matches(prefix) {
			return fmt.Errorf("%w: %s is covered by %s", ErrShadowedPrefix, prefix, existing.Prefix)
		}
	}
	t.routes = append(t.routes, Route{Prefix: prefix, Upstream: strings.TrimSpace(r.Upstream)})
	return nil
}

// Match returns the first registered route matching path.
func (t *Table) Match(path string) (Route, bool) {
	for _, r := range t.routes {
		if r.Matches(path) {
			return r, true
		}
	}
	return Route{}, false
}

// Routes returns a copy of the routes in installation order.
func (t *Table) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Len returns the number of routes.
func (t *Table) Len() int { return len(t.routes) }
