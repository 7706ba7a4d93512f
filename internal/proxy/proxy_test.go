package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/wudi/accesspoint/internal/config"
	"github.com/wudi/accesspoint/internal/errors"
	"github.com/wudi/accesspoint/internal/mcp"
	"github.com/wudi/accesspoint/internal/openapi"
	"github.com/wudi/accesspoint/internal/plugin"
	"github.com/wudi/accesspoint/internal/registry"
	"github.com/wudi/accesspoint/internal/upstream"
)

type upstreamRecorder struct {
	method atomic.Value
	path   atomic.Value
	header atomic.Value
	query  atomic.Value
	body   atomic.Value
}

func startBackend(t *testing.T, status int, respBody string) (*httptest.Server, *upstreamRecorder) {
	t.Helper()
	rec := &upstreamRecorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method.Store(r.Method)
		rec.path.Store(r.URL.Path)
		rec.header.Store(r.Header.Clone())
		rec.query.Store(r.URL.Query())
		var buf [4096]byte
		n, _ := r.Body.Read(buf[:])
		rec.body.Store(string(buf[:n]))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(respBody))
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func backendAddr(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	parsed, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	return parsed.Host
}

func buildProxy(t *testing.T, reg *registry.Registry) *Proxy {
	t.Helper()
	pool := upstream.NewPool()
	t.Cleanup(pool.Close)

	p := New(reg, pool, nil)
	reg.OnChange(func(snap *registry.Snapshot, changed map[config.ResourceType]bool) {
		if changed[config.ResourceUpstreams] {
			pool.Rebuild(snap)
		}
		if changed[config.ResourceRoutes] || changed[config.ResourceServices] {
			p.RebuildRouter(snap)
		}
	})
	return p
}

func setupRoute(t *testing.T, reg *registry.Registry, addr string, headers map[string]string) {
	t.Helper()
	err := reg.Create(config.ResourceUpstreams, "1", &config.Upstream{
		Nodes:   map[string]uint{addr: 1},
		Headers: headers,
	})
	if err != nil {
		t.Fatal(err)
	}
	err = reg.Create(config.ResourceRoutes, "r1", &config.Route{
		URI:        "/anything/*",
		UpstreamID: "1",
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestProxyForwards(t *testing.T) {
	srv, rec := startBackend(t, 200, `{"ok":true}`)

	reg := registry.New()
	p := buildProxy(t, reg)
	setupRoute(t, reg, backendAddr(t, srv), map[string]string{"X-Injected": "yes"})

	w := httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest("GET", "/anything/here?x=1", nil))

	if w.Code != 200 {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != `{"ok":true}` {
		t.Errorf("body %q", w.Body.String())
	}
	if rec.path.Load() != "/anything/here" {
		t.Errorf("path %v", rec.path.Load())
	}
	h := rec.header.Load().(http.Header)
	if h.Get("X-Injected") != "yes" {
		t.Error("upstream headers must apply")
	}
}

func TestProxyNoRoute(t *testing.T) {
	reg := registry.New()
	p := buildProxy(t, reg)

	w := httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest("GET", "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestProxyHotSwapUpstream(t *testing.T) {
	srvA, recA := startBackend(t, 200, "a")
	srvB, recB := startBackend(t, 200, "b")

	reg := registry.New()
	p := buildProxy(t, reg)
	setupRoute(t, reg, backendAddr(t, srvA), nil)

	w := httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest("GET", "/anything/x", nil))
	if recA.path.Load() == nil {
		t.Fatal("first request must hit backend A")
	}

	// Replace the upstream's nodes; the very next request goes to B.
	err := reg.Update(config.ResourceUpstreams, "1", &config.Upstream{
		Nodes: map[string]uint{backendAddr(t, srvB): 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	w = httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest("GET", "/anything/y", nil))
	if recB.path.Load() == nil {
		t.Fatal("request after swap must hit backend B")
	}
}

// stopPlugin short-circuits every request.
type stopPlugin struct {
	plugin.Base
	logged *atomic.Bool
}

func (s *stopPlugin) Name() string  { return "test-gate" }
func (s *stopPlugin) Priority() int { return 1000 }
func (s *stopPlugin) RequestFilter(*plugin.Context) (*plugin.StopResponse, error) {
	return &plugin.StopResponse{Status: http.StatusUnauthorized, Body: []byte("denied")}, nil
}
func (s *stopPlugin) Logging(*plugin.Context) { s.logged.Store(true) }

func TestProxyPluginStop(t *testing.T) {
	var logged atomic.Bool
	plugin.Register("test-gate", func(cfg any) (plugin.Plugin, error) {
		return &stopPlugin{logged: &logged}, nil
	})

	srv, rec := startBackend(t, 200, "ok")
	reg := registry.New()
	p := buildProxy(t, reg)
	setupRoute(t, reg, backendAddr(t, srv), nil)

	if err := reg.Create(config.ResourceGlobalRules, "g1", &config.GlobalRule{
		Plugins: map[string]any{"test-gate": nil},
	}); err != nil {
		t.Fatal(err)
	}

	w := httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest("GET", "/anything/x", nil))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected stop status, got %d", w.Code)
	}
	if rec.method.Load() != nil {
		t.Error("stopped request must not reach the upstream")
	}
	if !logged.Load() {
		t.Error("logging phase must run after a stop")
	}
}

func petTool(t *testing.T, upstreamID string) *openapi.Tool {
	t.Helper()
	doc, err := openapi.ParseDocument(context.Background(), []byte(`{
	  "openapi": "3.0.0",
	  "info": {"title": "t", "version": "1"},
	  "paths": {"/pet/{petId}": {"get": {
	    "operationId": "getPetById",
	    "parameters": [{"name": "petId", "in": "path", "required": true, "schema": {"type": "integer"}}],
	    "responses": {"200": {"description": "ok"}}}}}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	tools, err := openapi.Compile(doc, "service-1", upstreamID)
	if err != nil {
		t.Fatal(err)
	}
	if len(tools) != 1 {
		t.Fatalf("expected one tool, got %d", len(tools))
	}
	return tools[0]
}

// The synthesized sub-request must look exactly like a direct call of the
// operation, plus the upstream's injected headers.
func TestInvokeTool(t *testing.T) {
	srv, rec := startBackend(t, 200, `{"id":10,"name":"doggie","status":"available"}`)

	reg := registry.New()
	p := buildProxy(t, reg)
	if err := reg.Create(config.ResourceUpstreams, "1", &config.Upstream{
		Nodes:   map[string]uint{backendAddr(t, srv): 1},
		Headers: map[string]string{"X-API-Key": "12345-abcdef"},
	}); err != nil {
		t.Fatal(err)
	}

	tool := petTool(t, "1")
	sr, err := mcp.Synthesize(tool, map[string]any{"petId": 10.0})
	if err != nil {
		t.Fatal(err)
	}

	res, err := p.InvokeTool(context.Background(), tool, sr)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	if rec.method.Load() != "GET" || rec.path.Load() != "/pet/10" {
		t.Errorf("sub-request was %v %v, want GET /pet/10", rec.method.Load(), rec.path.Load())
	}
	h := rec.header.Load().(http.Header)
	if h.Get("X-API-Key") != "12345-abcdef" {
		t.Error("upstream header injection must apply to tool calls")
	}
	if res.Status != 200 || !strings.Contains(string(res.Body), "doggie") {
		t.Errorf("unexpected result: %d %s", res.Status, res.Body)
	}
	if !strings.HasPrefix(res.ContentType, "application/json") {
		t.Errorf("content type %q", res.ContentType)
	}
}

func TestInvokeToolNoUpstream(t *testing.T) {
	reg := registry.New()
	p := buildProxy(t, reg)

	tool := petTool(t, "")
	sr, err := mcp.Synthesize(tool, map[string]any{"petId": 1.0})
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.InvokeTool(context.Background(), tool, sr)
	ge := errors.AsError(err)
	if ge == nil || ge.Kind != errors.KindNotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestSynthesizeBodyAndQuery(t *testing.T) {
	doc, err := openapi.ParseDocument(context.Background(), []byte(`{
	  "openapi": "3.0.0",
	  "info": {"title": "t", "version": "1"},
	  "paths": {"/pet": {"post": {
	    "operationId": "addPet",
	    "requestBody": {"required": true, "content": {"application/json": {"schema": {
	      "type": "object", "properties": {"name": {"type": "string"}}}}}},
	    "responses": {"200": {"description": "ok"}}}}}
	}`))
	if err != nil {
		t.Fatal(err)
	}
	tools, err := openapi.Compile(doc, "s", "1")
	if err != nil {
		t.Fatal(err)
	}

	sr, err := mcp.Synthesize(tools[0], map[string]any{"name": "doggie"})
	if err != nil {
		t.Fatal(err)
	}
	if sr.Method != "POST" {
		t.Errorf("method %s", sr.Method)
	}
	var body map[string]any
	if err := json.Unmarshal(sr.Body, &body); err != nil {
		t.Fatal(err)
	}
	if body["name"] != "doggie" {
		t.Errorf("inlined body must carry args: %v", body)
	}
	if sr.Header.Get("Content-Type") != "application/json" {
		t.Error("json body must set content type")
	}
}
