package plugin

import (
	"net/http"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wudi/accesspoint/internal/logging"
)

// Context carries per-request state through the plugin chain.
type Context struct {
	Request    *http.Request
	PathParams map[string]string
	RouteID    string
	ServiceID  string
	UpstreamID string
	// Vars is scratch space shared between phases of one request.
	Vars map[string]any
	// Status and BytesSent are filled before the logging phase.
	Status    int
	BytesSent int64
}

// StopResponse is the short-circuit response a request filter may produce.
type StopResponse struct {
	Status int
	Header http.Header
	Body   []byte
}

// Write sends the stop response to the client.
func (s *StopResponse) Write(w http.ResponseWriter) {
	for k, vals := range s.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	status := s.Status
	if status == 0 {
		status = http.StatusForbidden
	}
	w.WriteHeader(status)
	w.Write(s.Body)
}

// Plugin is the extension seam of the gateway. Hooks run in phase order;
// each is optional via the embedded Base.
type Plugin interface {
	// Name returns the plugin's registered name.
	Name() string
	// Priority orders plugins inside a chain, higher first.
	Priority() int
	// RequestFilter runs before routing the request upstream. Returning a
	// non-nil StopResponse short-circuits the chain and the upstream.
	RequestFilter(ctx *Context) (*StopResponse, error)
	// UpstreamRequestFilter runs on the outbound request just before send.
	UpstreamRequestFilter(ctx *Context, req *http.Request) error
	// ResponseFilter runs on the upstream response before it streams out.
	ResponseFilter(ctx *Context, resp *http.Response) error
	// Logging always runs once the request finishes, even after a Stop.
	Logging(ctx *Context)
}

// Base is a no-op hook implementation for embedding.
type Base struct{}

func (Base) RequestFilter(*Context) (*StopResponse, error)       { return nil, nil }
func (Base) UpstreamRequestFilter(*Context, *http.Request) error { return nil }
func (Base) ResponseFilter(*Context, *http.Response) error       { return nil }
func (Base) Logging(*Context)                                    {}

// Factory builds a plugin instance from its raw config value.
type Factory func(cfg any) (Plugin, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register installs a plugin factory under its name. Typically called from
// plugin package init functions.
func Register(name string, f Factory) {
	factoriesMu.Lock()
	factories[name] = f
	factoriesMu.Unlock()
}

// lookup returns the factory for a plugin name.
func lookup(name string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[name]
	return f, ok
}

// Chain is the effective, priority-ordered plugin pipeline for one request.
type Chain struct {
	plugins []Plugin
}

// BuildChain merges plugin config maps into a chain. Name collisions resolve
// route over service over global; the merged set is ordered by descending
// plugin priority (not insertion order). Unknown plugin names are skipped
// with a log line so a config typo cannot take the data plane down.
func BuildChain(global, service, route map[string]any) *Chain {
	merged := map[string]any{}
	for name, cfg := range global {
		merged[name] = cfg
	}
	for name, cfg := range service {
		merged[name] = cfg
	}
	for name, cfg := range route {
		merged[name] = cfg
	}

	chain := &Chain{}
	for name, cfg := range merged {
		f, ok := lookup(name)
		if !ok {
			logging.Warn("unknown plugin, skipping", zap.String("plugin", name))
			continue
		}
		p, err := f(cfg)
		if err != nil {
			logging.Error("plugin config rejected, skipping",
				zap.String("plugin", name), zap.Error(err))
			continue
		}
		chain.plugins = append(chain.plugins, p)
	}

	sort.SliceStable(chain.plugins, func(i, j int) bool {
		pi, pj := chain.plugins[i], chain.plugins[j]
		if pi.Priority() != pj.Priority() {
			return pi.Priority() > pj.Priority()
		}
		return pi.Name() < pj.Name()
	})
	return chain
}

// RequestFilter runs the request_filter phase. A Stop skips the remaining
// filters; the caller must still run Logging.
func (c *Chain) RequestFilter(ctx *Context) (*StopResponse, error) {
	for _, p := range c.plugins {
		stop, err := p.RequestFilter(ctx)
		if err != nil {
			return nil, err
		}
		if stop != nil {
			return stop, nil
		}
	}
	return nil, nil
}

// UpstreamRequestFilter runs the upstream_request_filter phase.
func (c *Chain) UpstreamRequestFilter(ctx *Context, req *http.Request) error {
	for _, p := range c.plugins {
		if err := p.UpstreamRequestFilter(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

// ResponseFilter runs the response_filter phase.
func (c *Chain) ResponseFilter(ctx *Context, resp *http.Response) error {
	for _, p := range c.plugins {
		if err := p.ResponseFilter(ctx, resp); err != nil {
			return err
		}
	}
	return nil
}

// Logging runs the logging phase. It always runs, Stop or not.
func (c *Chain) Logging(ctx *Context) {
	for _, p := range c.plugins {
		p.Logging(ctx)
	}
}

// Len returns the number of plugins in the chain.
func (c *Chain) Len() int {
	return len(c.plugins)
}
