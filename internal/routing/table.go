package routing

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrInvalidRoute is returned when a route path or target cannot be used.
var ErrInvalidRoute = errors.New("invalid route")

// Route is a single path to target mapping.
type Route struct {
	Path   string
	Target *url.URL
}

type routeSet map[string]*url.URL

// Table is a concurrently readable routing table. Lookups read the current
// snapshot, updates publish a new one.
type Table struct {
	mutex   sync.Mutex
	current atomic.Pointer[routeSet]
}

// NewTable creates a table seeded with the given routes.
func NewTable(routes ...Route) (*Table, error) {
	t := &Table{}
	initial := make(routeSet, len(routes))

	for _, r := range routes {
		if err := validate(r.Path, r.Target); err != nil {
			return nil, err
		}
		initial[r.Path] = cloneURL(r.Target)
	}

	t.current.Store(&initial)
	return t, nil
}

// Lookup resolves a request path. An exact entry wins; otherwise the longest
// configured prefix ending on a segment boundary is used.
func (t *Table) Lookup(path string) (Route, bool) {
	routes := *t.current.Load()

	if target, ok := routes[path]; ok {
		return Route{Path: path, Target: cloneURL(target)}, true
	}

	best := ""
	for prefix := range routes {
		if len(prefix) <= len(best) || !hasSegmentPrefix(path, prefix) {
			continue
		}
		best = prefix
	}

	if best == "" {
		return Route{}, false
	}

	return Route{Path: best, Target: cloneURL(routes[best])}, true
}

// Snapshot returns a copy of every route. Mutating it does not affect the table.
func (t *Table) Snapshot() map[string]*url.URL {
	routes := *t.current.Load()

	out := make(map[string]*url.URL, len(routes))
	for path, target := range routes {
		out[path] = cloneURL(target)
	}

	return out
}

// Len returns the number of routes.
func (t *Table) Len() int {
	return len(*t.current.Load())
}

// Upsert inserts or replaces the route for path. Last write wins.
func (t *Table) Upsert(path string, target *url.URL) error {
	if err := validate(path, target); err != nil {
		return err
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	old := *t.current.Load()
	next := make(routeSet, len(old)+1)
	for p, u := range old {
		next[p] = u
	}
	next[path] = cloneURL(target)

	t.current.Store(&next)
	return nil
}

// UpsertRaw parses rawTarget and upserts it.
func (t *Table) UpsertRaw(path, rawTarget string) error {
	target, err := ParseTarget(rawTarget)
	if err != nil {
		return err
	}

	return t.Upsert(path, target)
}

// ParseTarget parses an upstream base URL. Only absolute http and https URLs are accepted.
func ParseTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: target %q: %v", ErrInvalidRoute, raw, err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: target %q must use http or https", ErrInvalidRoute, raw)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("%w: target %q has no host", ErrInvalidRoute, raw)
	}

	return u, nil
}

func validate(path string, target *url.URL) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("%w: path %q must start with /", ErrInvalidRoute, path)
	}

	if target == nil || target.Host == "" {
		return fmt.Errorf("%w: path %q has no target host", ErrInvalidRoute, path)
	}

	return nil
}

func hasSegmentPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}

	if strings.HasSuffix(prefix, "/") {
		return true
	}

	return len(path) > len(prefix) && path[len(prefix)] == '/'
}

func cloneURL(u *url.URL) *url.URL {
	c := *u
	if u.User != nil {
		user := *u.User
		c.User = &user
	}
	return &c
}
