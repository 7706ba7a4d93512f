package upstream

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/wudi/accesspoint/internal/config"
	"github.com/wudi/accesspoint/internal/errors"
	"github.com/wudi/accesspoint/internal/registry"
)

func testUpstream(addr string) *config.Upstream {
	u := &config.Upstream{
		ID:    "u1",
		Nodes: map[string]uint{addr: 1},
	}
	config.ApplyUpstreamDefaults(u)
	return u
}

func hostOf(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	parsed, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	return parsed.Host
}

func poolWith(t *testing.T, u *config.Upstream) (*Pool, *Entry) {
	t.Helper()
	p := NewPool()
	t.Cleanup(p.Close)

	snap := registry.NewSnapshot()
	snap.Upstreams[u.ID] = u
	p.Rebuild(snap)

	e, err := p.Get(u.ID)
	if err != nil {
		t.Fatal(err)
	}
	return p, e
}

func TestRoundTripForwards(t *testing.T) {
	var gotHost, gotHeader atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost.Store(r.Host)
		gotHeader.Store(r.Header.Get("X-API-Key"))
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	u := testUpstream(hostOf(t, srv))
	u.Headers = map[string]string{"X-API-Key": "12345-abcdef"}
	_, e := poolWith(t, u)

	req := httptest.NewRequest("GET", "http://client.example/anything", nil)
	req.Host = "client.example"
	resp, err := e.RoundTrip(req, nil)
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	resp.Body.Close()

	if gotHeader.Load() != "12345-abcdef" {
		t.Errorf("upstream headers must be injected, got %v", gotHeader.Load())
	}
	// pass_host defaults to pass: the client Host goes through.
	if gotHost.Load() != "client.example" {
		t.Errorf("pass_host=pass must keep client host, got %v", gotHost.Load())
	}
}

func TestPassHostModes(t *testing.T) {
	var gotHost atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost.Store(r.Host)
	}))
	defer srv.Close()
	addr := hostOf(t, srv)

	u := testUpstream(addr)
	u.PassHost = config.PassHostRewrite
	u.UpstreamHost = "api.internal"
	_, e := poolWith(t, u)

	req := httptest.NewRequest("GET", "http://client.example/", nil)
	resp, err := e.RoundTrip(req, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if gotHost.Load() != "api.internal" {
		t.Errorf("rewrite must set upstream_host, got %v", gotHost.Load())
	}

	u2 := testUpstream(addr)
	u2.ID = "u2"
	u2.PassHost = config.PassHostNode
	_, e2 := poolWith(t, u2)
	resp, err = e2.RoundTrip(httptest.NewRequest("GET", "http://client.example/", nil), nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if gotHost.Load() != addr {
		t.Errorf("node mode must set node address, got %v", gotHost.Load())
	}
}

func TestRetriesOnConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	// One dead node and one live node; retries must recover.
	u := &config.Upstream{
		ID: "u1",
		Nodes: map[string]uint{
			"127.0.0.1:1": 1, // nothing listens here
			hostOf(t, srv): 1,
		},
		Retries: 3,
	}
	config.ApplyUpstreamDefaults(u)
	u.Timeout = &config.Timeout{Connect: 1, Read: 2, Send: 2}
	_, e := poolWith(t, u)

	// A few attempts: each must eventually land on the live node.
	for i := 0; i < 4; i++ {
		resp, err := e.RoundTrip(httptest.NewRequest("GET", "http://x/", nil), nil)
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		resp.Body.Close()
	}
}

func TestNoHealthyUpstream(t *testing.T) {
	u := testUpstream("127.0.0.1:8099")
	_, e := poolWith(t, u)
	e.Balancer.MarkUnhealthy("127.0.0.1:8099")

	_, err := e.RoundTrip(httptest.NewRequest("GET", "http://x/", nil), nil)
	ge := errors.AsError(err)
	if ge == nil || ge.Kind != errors.KindNoHealthyUpstream {
		t.Fatalf("expected NoHealthyUpstream, got %v", err)
	}
}

func TestRetryReplaysBody(t *testing.T) {
	var attempts atomic.Int32
	var lastBody atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		body := make([]byte, r.ContentLength)
		r.Body.Read(body)
		lastBody.Store(string(body))
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	u := testUpstream(hostOf(t, srv))
	u.Retries = 2
	_, e := poolWith(t, u)

	// PUT is idempotent, so the 500 retries with the body replayed.
	req := httptest.NewRequest("PUT", "http://x/", strings.NewReader("ignored"))
	resp, err := e.RoundTrip(req, []byte(`{"name":"doggie"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected retried success, got %d", resp.StatusCode)
	}
	if attempts.Load() != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts.Load())
	}
	if lastBody.Load() != `{"name":"doggie"}` {
		t.Errorf("body must replay on retry, got %q", lastBody.Load())
	}
}

func TestNonIdempotentDoesNotRetryOn5xx(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	u := testUpstream(hostOf(t, srv))
	u.Retries = 3
	_, e := poolWith(t, u)

	req := httptest.NewRequest("POST", "http://x/", strings.NewReader("x"))
	resp, err := e.RoundTrip(req, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if attempts.Load() != 1 {
		t.Errorf("POST must not retry on 5xx, got %d attempts", attempts.Load())
	}
}

func TestPoolRebuildKeepsUnchangedEntries(t *testing.T) {
	u := testUpstream("127.0.0.1:8090")
	p, e1 := poolWith(t, u)

	// Same pointer: entry survives.
	snap := registry.NewSnapshot()
	snap.Upstreams[u.ID] = u
	p.Rebuild(snap)
	e2, _ := p.Get(u.ID)
	if e1 != e2 {
		t.Error("unchanged upstream must keep its entry")
	}

	// Replaced value: entry rebuilt.
	u2 := testUpstream("127.0.0.1:9090")
	snap2 := registry.NewSnapshot()
	snap2.Upstreams[u.ID] = u2
	p.Rebuild(snap2)
	e3, _ := p.Get(u.ID)
	if e3 == e1 {
		t.Error("replaced upstream must rebuild its entry")
	}

	// Removed: entry gone.
	p.Rebuild(registry.NewSnapshot())
	if _, err := p.Get(u.ID); err == nil {
		t.Error("removed upstream must leave the pool")
	}
}

func TestResolverExpandsHostnames(t *testing.T) {
	r := NewResolver()
	r.lookup = func(host string) ([]string, error) {
		if host == "backend.internal" {
			return []string{"10.0.0.1", "10.0.0.2"}, nil
		}
		return nil, nil
	}

	out := r.ResolveNodes(map[string]uint{
		"backend.internal:8080": 3,
		"127.0.0.1:9090":        1,
	})
	if out["10.0.0.1:8080"] != 3 || out["10.0.0.2:8080"] != 3 {
		t.Errorf("hostname must expand with inherited weight: %v", out)
	}
	if out["127.0.0.1:9090"] != 1 {
		t.Errorf("literal IP must pass through: %v", out)
	}
}
