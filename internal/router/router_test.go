package router

import (
	"net/http/httptest"
	"testing"

	"github.com/wudi/accesspoint/internal/config"
	"github.com/wudi/accesspoint/internal/registry"
)

func snapWithRoutes(routes ...*config.Route) *registry.Snapshot {
	snap := registry.NewSnapshot()
	for _, r := range routes {
		snap.Routes[r.ID] = r
	}
	return snap
}

func matchID(t *testing.T, rt *Router, method, host, path string) string {
	t.Helper()
	r := httptest.NewRequest(method, path, nil)
	if host != "" {
		r.Host = host
	}
	m := rt.Match(r)
	if m == nil {
		return ""
	}
	return m.Route.ID
}

func TestExactMatch(t *testing.T) {
	rt := Build(snapWithRoutes(
		&config.Route{ID: "a", URI: "/pet/findByStatus", UpstreamID: "1"},
		&config.Route{ID: "b", URI: "/pet/{petId}", UpstreamID: "1"},
	))

	if got := matchID(t, rt, "GET", "", "/pet/findByStatus"); got != "a" {
		t.Errorf("longest static prefix should win, got %q", got)
	}
	if got := matchID(t, rt, "GET", "", "/pet/10"); got != "b" {
		t.Errorf("param route should match, got %q", got)
	}
}

func TestPathParams(t *testing.T) {
	rt := Build(snapWithRoutes(
		&config.Route{ID: "a", URI: "/pet/{petId}/photos/{photoId}", UpstreamID: "1"},
	))

	r := httptest.NewRequest("GET", "/pet/7/photos/42", nil)
	m := rt.Match(r)
	if m == nil {
		t.Fatal("expected match")
	}
	if m.PathParams["petId"] != "7" || m.PathParams["photoId"] != "42" {
		t.Errorf("unexpected params: %v", m.PathParams)
	}
}

func TestWildcard(t *testing.T) {
	rt := Build(snapWithRoutes(
		&config.Route{ID: "a", URI: "/static/*", UpstreamID: "1"},
	))

	if got := matchID(t, rt, "GET", "", "/static/css/site.css"); got != "a" {
		t.Errorf("wildcard should match subpaths, got %q", got)
	}
	if got := matchID(t, rt, "GET", "", "/static"); got != "a" {
		t.Errorf("wildcard should match the bare prefix, got %q", got)
	}
	if got := matchID(t, rt, "GET", "", "/other"); got != "" {
		t.Errorf("expected no match, got %q", got)
	}
}

func TestMethodFilter(t *testing.T) {
	rt := Build(snapWithRoutes(
		&config.Route{ID: "a", URI: "/pet", Methods: []string{"POST"}, UpstreamID: "1"},
	))

	if got := matchID(t, rt, "POST", "", "/pet"); got != "a" {
		t.Errorf("expected POST to match, got %q", got)
	}
	if got := matchID(t, rt, "GET", "", "/pet"); got != "" {
		t.Errorf("expected GET to miss, got %q", got)
	}
}

func TestHostPrecedence(t *testing.T) {
	rt := Build(snapWithRoutes(
		&config.Route{ID: "any", URI: "/x", UpstreamID: "1"},
		&config.Route{ID: "wild", URI: "/x", Hosts: []string{"*.example.com"}, UpstreamID: "1"},
		&config.Route{ID: "exact", URI: "/x", Hosts: []string{"api.example.com"}, UpstreamID: "1"},
	))

	if got := matchID(t, rt, "GET", "api.example.com", "/x"); got != "exact" {
		t.Errorf("exact host should win, got %q", got)
	}
	if got := matchID(t, rt, "GET", "www.example.com", "/x"); got != "wild" {
		t.Errorf("wildcard host should beat any, got %q", got)
	}
	if got := matchID(t, rt, "GET", "other.org", "/x"); got != "any" {
		t.Errorf("hostless route should catch the rest, got %q", got)
	}
}

func TestPriorityAndIDTieBreak(t *testing.T) {
	rt := Build(snapWithRoutes(
		&config.Route{ID: "low", URI: "/x", Priority: 1, UpstreamID: "1"},
		&config.Route{ID: "high", URI: "/x", Priority: 5, UpstreamID: "1"},
	))
	if got := matchID(t, rt, "GET", "", "/x"); got != "high" {
		t.Errorf("higher priority should win, got %q", got)
	}

	rt = Build(snapWithRoutes(
		&config.Route{ID: "b", URI: "/x", UpstreamID: "1"},
		&config.Route{ID: "a", URI: "/x", UpstreamID: "1"},
	))
	if got := matchID(t, rt, "GET", "", "/x"); got != "a" {
		t.Errorf("id asc should break ties, got %q", got)
	}
}

func TestServiceHostsInherited(t *testing.T) {
	snap := registry.NewSnapshot()
	snap.Services["svc"] = &config.Service{ID: "svc", UpstreamID: "1", Hosts: []string{"svc.example.com"}}
	snap.Routes["a"] = &config.Route{ID: "a", URI: "/x", ServiceID: "svc"}
	rt := Build(snap)

	if got := matchID(t, rt, "GET", "svc.example.com", "/x"); got != "a" {
		t.Errorf("expected service host to apply, got %q", got)
	}
	if got := matchID(t, rt, "GET", "other.com", "/x"); got != "" {
		t.Errorf("expected host mismatch to miss, got %q", got)
	}
}

// Two builds from the same route set must agree on every probe.
func TestDeterministicRebuild(t *testing.T) {
	routes := []*config.Route{
		{ID: "r1", URI: "/a/{x}", UpstreamID: "1"},
		{ID: "r2", URI: "/a/b", UpstreamID: "1"},
		{ID: "r3", URI: "/a/*", Priority: 3, UpstreamID: "1"},
		{ID: "r4", URI: "/a/b", Priority: 2, UpstreamID: "1"},
	}

	rt1 := Build(snapWithRoutes(routes...))
	rt2 := Build(snapWithRoutes(routes...))

	probes := []string{"/a/b", "/a/c", "/a/b/c", "/a"}
	for _, p := range probes {
		got1 := matchID(t, rt1, "GET", "", p)
		got2 := matchID(t, rt2, "GET", "", p)
		if got1 != got2 {
			t.Errorf("probe %s: builds disagree (%q vs %q)", p, got1, got2)
		}
	}

	// And the documented precedence holds: /a/b has two candidates, the
	// higher priority one wins.
	if got := matchID(t, rt1, "GET", "", "/a/b"); got != "r4" {
		t.Errorf("expected r4 for /a/b, got %q", got)
	}
}
