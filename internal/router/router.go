package router

import (
	"net/http"
	"sort"
	"strings"

	"github.com/wudi/accesspoint/internal/config"
	"github.com/wudi/accesspoint/internal/registry"
)

// Route is a compiled route candidate.
type Route struct {
	ID          string
	ServiceID   string
	UpstreamID  string
	Priority    int
	Plugins     map[string]any
	Headers     map[string]string
	OperationID string

	methods  map[string]bool // nil = all methods
	hosts    []string
	patterns []pattern
}

// Match is the result of routing one request.
type Match struct {
	Route      *Route
	PathParams map[string]string
	hostClass  int
	prefixLen  int
}

// Router matches (host, method, path) to a Route. It is immutable once
// built; config changes produce a whole new Router.
type Router struct {
	// byFirstSeg indexes candidates by their first static path segment;
	// candidates whose pattern starts with a parameter or wildcard live in
	// the rest list and are always considered.
	byFirstSeg map[string][]*Route
	rest       []*Route
	byID       map[string]*Route
}

// Build compiles a Router from the snapshot's routes. A route without hosts
// inherits its service's hosts.
func Build(snap *registry.Snapshot) *Router {
	rt := &Router{
		byFirstSeg: make(map[string][]*Route),
		byID:       make(map[string]*Route, len(snap.Routes)),
	}

	for id, rc := range snap.Routes {
		r := compileRoute(id, rc, snap.Services)
		rt.byID[id] = r
		rt.index(r)
	}
	return rt
}

func compileRoute(id string, rc *config.Route, services map[string]*config.Service) *Route {
	r := &Route{
		ID:          id,
		ServiceID:   rc.ServiceID,
		UpstreamID:  rc.UpstreamID,
		Priority:    rc.Priority,
		Plugins:     rc.Plugins,
		Headers:     rc.Headers,
		OperationID: rc.OperationID,
		hosts:       rc.Hosts,
	}
	if len(r.hosts) == 0 && rc.ServiceID != "" {
		if svc, ok := services[rc.ServiceID]; ok {
			r.hosts = svc.Hosts
		}
	}
	if len(rc.Methods) > 0 {
		r.methods = make(map[string]bool, len(rc.Methods))
		for _, m := range rc.Methods {
			r.methods[strings.ToUpper(m)] = true
		}
	}
	for _, uri := range rc.GetURIs() {
		r.patterns = append(r.patterns, compilePattern(uri))
	}
	return r
}

func (rt *Router) index(r *Route) {
	indexed := false
	for _, p := range r.patterns {
		if len(p.segments) > 0 && p.segments[0].kind == segStatic {
			seg := p.segments[0].text
			rt.byFirstSeg[seg] = append(rt.byFirstSeg[seg], r)
			indexed = true
		}
	}
	if !indexed {
		rt.rest = append(rt.rest, r)
	}
}

// Match finds the best route for the request. Precedence: host match class
// (exact > wildcard > any), then longest static prefix, then priority
// descending, then route id ascending.
func (rt *Router) Match(r *http.Request) *Match {
	trimmed := strings.Trim(r.URL.Path, "/")
	first := trimmed
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		first = trimmed[:i]
	}

	var best *Match
	consider := func(candidates []*Route) {
		for _, route := range candidates {
			m := route.match(r)
			if m == nil {
				continue
			}
			if best == nil || better(m, best) {
				best = m
			}
		}
	}
	consider(rt.byFirstSeg[first])
	consider(rt.rest)
	return best
}

// match tests one route against the request, returning the best Match among
// its patterns.
func (route *Route) match(r *http.Request) *Match {
	if route.methods != nil && !route.methods[r.Method] {
		return nil
	}
	hostClass, ok := matchHost(route.hosts, r.Host)
	if !ok {
		return nil
	}

	var best *Match
	for i := range route.patterns {
		p := &route.patterns[i]
		params, ok := p.match(r.URL.Path)
		if !ok {
			continue
		}
		m := &Match{
			Route:      route,
			PathParams: params,
			hostClass:  hostClass,
			prefixLen:  p.staticPrefix,
		}
		if best == nil || m.prefixLen > best.prefixLen {
			best = m
		}
	}
	return best
}

// better reports whether a should win over b under the documented precedence.
func better(a, b *Match) bool {
	if a.hostClass != b.hostClass {
		return a.hostClass > b.hostClass
	}
	if a.prefixLen != b.prefixLen {
		return a.prefixLen > b.prefixLen
	}
	if a.Route.Priority != b.Route.Priority {
		return a.Route.Priority > b.Route.Priority
	}
	return a.Route.ID < b.Route.ID
}

// Get returns a compiled route by id.
func (rt *Router) Get(id string) *Route {
	return rt.byID[id]
}

// Routes returns all compiled routes sorted by id.
func (rt *Router) Routes() []*Route {
	out := make([]*Route, 0, len(rt.byID))
	for _, r := range rt.byID {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
