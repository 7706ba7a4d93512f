package proxy

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/accesspoint/internal/errors"
	"github.com/wudi/accesspoint/internal/logging"
	"github.com/wudi/accesspoint/internal/metrics"
	"github.com/wudi/accesspoint/internal/mcp"
	"github.com/wudi/accesspoint/internal/plugin"
	"github.com/wudi/accesspoint/internal/registry"
	"github.com/wudi/accesspoint/internal/router"
	"github.com/wudi/accesspoint/internal/upstream"
)

// Proxy is the data-plane request handler. It classifies each request as an
// admin call, an MCP transport frame or a plain proxied call, and drives the
// route → plugin chain → upstream pipeline.
type Proxy struct {
	reg     *registry.Registry
	pool    *upstream.Pool
	router  atomic.Pointer[router.Router]
	metrics *metrics.Metrics

	mcpHandler   http.Handler
	adminHandler http.Handler
}

// New creates the proxy core over a registry and upstream pool.
func New(reg *registry.Registry, pool *upstream.Pool, m *metrics.Metrics) *Proxy {
	p := &Proxy{reg: reg, pool: pool, metrics: m}
	p.router.Store(router.Build(reg.Snapshot()))
	return p
}

// SetMCPHandler mounts the MCP transport handler.
func (p *Proxy) SetMCPHandler(h http.Handler) {
	p.mcpHandler = h
}

// SetAdminHandler mounts the admin plane on the data listener's /admin path.
func (p *Proxy) SetAdminHandler(h http.Handler) {
	p.adminHandler = h
}

// RebuildRouter swaps in a router built from the snapshot.
func (p *Proxy) RebuildRouter(snap *registry.Snapshot) {
	p.router.Store(router.Build(snap))
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if p.adminHandler != nil && (path == "/admin" || strings.HasPrefix(path, "/admin/")) {
		p.adminHandler.ServeHTTP(w, r)
		return
	}
	if p.mcpHandler != nil && mcp.Matches(path) {
		p.mcpHandler.ServeHTTP(w, r)
		return
	}
	p.serveProxy(w, r)
}

// serveProxy handles a plain proxied request.
func (p *Proxy) serveProxy(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	snap := p.reg.Snapshot()

	m := p.router.Load().Match(r)
	if m == nil {
		errors.ErrNoRoute.WriteJSON(w)
		return
	}
	route := m.Route

	serviceID := route.ServiceID
	upstreamID := route.UpstreamID
	var svcPlugins map[string]any
	if serviceID != "" {
		if svc, ok := snap.Services[serviceID]; ok {
			svcPlugins = svc.Plugins
			if upstreamID == "" {
				upstreamID = svc.UpstreamID
			}
		}
	}

	chain := plugin.BuildChain(globalPlugins(snap), svcPlugins, route.Plugins)
	pctx := &plugin.Context{
		Request:    r,
		PathParams: m.PathParams,
		RouteID:    route.ID,
		ServiceID:  serviceID,
		UpstreamID: upstreamID,
		Vars:       map[string]any{},
	}
	defer chain.Logging(pctx)

	stop, err := chain.RequestFilter(pctx)
	if err != nil {
		pctx.Status = http.StatusInternalServerError
		errors.Wrap(err, errors.KindInternal, "plugin rejected request").WriteJSON(w)
		return
	}
	if stop != nil {
		stop.Write(w)
		pctx.Status = stop.Status
		return
	}

	status, sent := p.forward(w, r, pctx, chain, upstreamID)
	pctx.Status = status
	pctx.BytesSent = sent
	if p.metrics != nil {
		p.metrics.RecordRequest(route.ID, r.Method, status, time.Since(started))
	}
}

// forward sends the request upstream and streams the response back.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, pctx *plugin.Context, chain *plugin.Chain, upstreamID string) (int, int64) {
	entry, err := p.pool.Get(upstreamID)
	if err != nil {
		errors.Newf(errors.KindNotFound, "upstream %s not found", upstreamID).WriteJSON(w)
		return http.StatusNotFound, 0
	}

	// Retain small bodies so connection failures can retry; larger bodies
	// stream through once.
	var body []byte
	if r.Body != nil && r.Body != http.NoBody {
		buffered, fits, err := bufferBody(r.Body, upstream.RetryBodyCap)
		if err != nil {
			errors.Wrap(err, errors.KindInternal, "read request body").WriteJSON(w)
			return http.StatusInternalServerError, 0
		}
		if fits {
			body = buffered
		} else {
			r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(buffered), r.Body))
		}
	}

	out := r.Clone(r.Context())
	out.RequestURI = ""
	out.Close = false
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		out.Header.Add("X-Forwarded-For", host)
	}
	if err := chain.UpstreamRequestFilter(pctx, out); err != nil {
		errors.Wrap(err, errors.KindInternal, "plugin rejected upstream request").WriteJSON(w)
		return http.StatusInternalServerError, 0
	}

	resp, err := entry.RoundTrip(out, body)
	if err != nil {
		return writeUpstreamError(w, err), 0
	}
	defer resp.Body.Close()

	if err := chain.ResponseFilter(pctx, resp); err != nil {
		errors.Wrap(err, errors.KindInternal, "plugin rejected response").WriteJSON(w)
		return http.StatusInternalServerError, 0
	}

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	sent, _ := io.Copy(w, resp.Body)
	return resp.StatusCode, sent
}

func writeUpstreamError(w http.ResponseWriter, err error) int {
	ge := errors.AsError(err)
	if ge == nil {
		ge = errors.Wrap(err, errors.KindInternal, "upstream failure")
	}
	logging.Warn("upstream request failed", zap.String("kind", string(ge.Kind)), zap.Error(err))
	ge.WriteJSON(w)
	return ge.HTTPStatus()
}

// bufferBody reads up to cap+1 bytes. fits is true when the whole body fit.
func bufferBody(rc io.ReadCloser, capBytes int64) ([]byte, bool, error) {
	buf, err := io.ReadAll(io.LimitReader(rc, capBytes+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(buf)) > capBytes {
		return buf, false, nil
	}
	rc.Close()
	return buf, true, nil
}

// globalPlugins merges every GlobalRule's plugin map; rule ids order the
// merge so duplicate plugin names resolve deterministically.
func globalPlugins(snap *registry.Snapshot) map[string]any {
	if len(snap.GlobalRules) == 0 {
		return nil
	}
	ids := make([]string, 0, len(snap.GlobalRules))
	for id := range snap.GlobalRules {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	merged := map[string]any{}
	for _, id := range ids {
		for name, cfg := range snap.GlobalRules[id].Plugins {
			merged[name] = cfg
		}
	}
	return merged
}

