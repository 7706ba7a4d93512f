package upstream

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/wudi/accesspoint/internal/config"
	"github.com/wudi/accesspoint/internal/errors"
	"github.com/wudi/accesspoint/internal/health"
	"github.com/wudi/accesspoint/internal/loadbalancer"
	"github.com/wudi/accesspoint/internal/logging"
)

// RetryBodyCap bounds how much request body is retained for retries.
// Requests with larger bodies are forwarded once, without retry.
const RetryBodyCap = 64 << 10

// idempotentMethods are the methods eligible for 5xx retry.
var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
	http.MethodTrace:   true,
}

// Entry is the live state for one upstream: balancer, transport, health.
type Entry struct {
	Upstream  *config.Upstream
	Balancer  loadbalancer.Balancer
	Transport *http.Transport

	checker  *health.Checker
	passive  *health.PassiveTracker
	resolver *Resolver

	cancel context.CancelFunc
}

// newEntry builds the entry for an upstream and starts its health tasks.
func newEntry(u *config.Upstream, resolver *Resolver) *Entry {
	resolved := resolver.ResolveNodes(u.Nodes)
	balancer := loadbalancer.New(&config.Upstream{
		Nodes:   resolved,
		Type:    u.Type,
		HashKey: u.HashKey,
	})

	t := u.Timeout
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: time.Duration(t.Connect) * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: time.Duration(t.Read) * time.Second,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     u.Scheme == config.SchemeHTTPS,
	}

	e := &Entry{
		Upstream:  u,
		Balancer:  balancer,
		Transport: transport,
		resolver:  resolver,
	}

	if hc := u.HealthCheck; hc != nil {
		if hc.Active != nil {
			addrs := make([]string, 0, len(resolved))
			for addr := range resolved {
				addrs = append(addrs, addr)
			}
			e.checker = health.NewChecker(u.ID, *hc.Active, u.Scheme, addrs, func(addr string, healthy bool) {
				e.setHealth(addr, healthy)
			})
			e.checker.Start()
		}
		if hc.Passive != nil {
			e.passive = health.NewPassiveTracker(u.ID, *hc.Passive, func(addr string, healthy bool) {
				e.setHealth(addr, healthy)
			})
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	go e.refreshLoop(ctx)

	return e
}

func (e *Entry) setHealth(addr string, healthy bool) {
	if healthy {
		e.Balancer.MarkHealthy(addr)
	} else {
		e.Balancer.MarkUnhealthy(addr)
	}
	if onHealthChange != nil {
		onHealthChange(e.Upstream.ID, addr, healthy)
	}
}

// onHealthChange is an optional hook the metrics package installs.
var onHealthChange func(upstream, node string, healthy bool)

// SetHealthChangeHook installs a process-wide health transition observer.
func SetHealthChangeHook(fn func(upstream, node string, healthy bool)) {
	onHealthChange = fn
}

// onRetry is an optional hook counting upstream retry attempts.
var onRetry func(upstream string)

// SetRetryHook installs a process-wide retry observer.
func SetRetryHook(fn func(upstream string)) {
	onRetry = fn
}

// refreshLoop re-resolves DNS names on TTL expiry and rebuilds the node set
// when the address list changed.
func (e *Entry) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(e.resolver.ttl)
	defer ticker.Stop()

	current := e.resolver.ResolveNodes(e.Upstream.Nodes)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			next := e.resolver.ResolveNodes(e.Upstream.Nodes)
			if !nodeSetsEqual(current, next) {
				logging.Info("upstream node set changed after DNS refresh",
					zap.String("upstream", e.Upstream.ID))
				e.Balancer.UpdateNodes(loadbalancer.NodesFromMap(next))
				current = next
			}
		}
	}
}

func nodeSetsEqual(a, b map[string]uint) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// close stops the entry's background tasks.
func (e *Entry) close() {
	if e.checker != nil {
		e.checker.Stop()
	}
	e.cancel()
	e.Transport.CloseIdleConnections()
}

// Select picks a node for the request, honouring passive breakers.
func (e *Entry) Select(r *http.Request) (*loadbalancer.Node, error) {
	node := e.Balancer.NextForRequest(r)
	if node != nil && e.passive != nil && !e.passive.Allow(node.Address) {
		// Breaker open for the chosen node: fall back to any other healthy one.
		for _, n := range e.Balancer.GetNodes() {
			if n.Healthy && n.Address != node.Address && e.passive.Allow(n.Address) {
				node = n
				break
			}
		}
	}
	if node == nil {
		return nil, errors.ErrNoHealthyUpstream
	}
	return node, nil
}

// RoundTrip forwards the prepared request to a node of this upstream,
// applying pass_host, header injection, timeouts and the retry budget.
// body is the retained request body (nil when none or above the cap, in
// which case req.Body is used once and no retry happens).
func (e *Entry) RoundTrip(req *http.Request, body []byte) (*http.Response, error) {
	u := e.Upstream

	sendTimeout := time.Duration(u.Timeout.Connect+u.Timeout.Read+u.Timeout.Send) * time.Second
	ctx, cancel := context.WithTimeout(req.Context(), sendTimeout)
	req = req.WithContext(ctx)

	retriable := body != nil || req.Body == nil || req.Body == http.NoBody
	attempts := int(u.Retries) + 1
	if !retriable {
		attempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second

	var resp *http.Response
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if onRetry != nil {
				onRetry(u.ID)
			}
			select {
			case <-ctx.Done():
				cancel()
				return nil, errors.ErrUpstreamTimeout
			case <-time.After(bo.NextBackOff()):
			}
		}

		node, err := e.Select(req)
		if err != nil {
			cancel()
			return nil, err
		}

		try := req.Clone(ctx)
		// Server-side requests carry RequestURI, which the client transport
		// rejects.
		try.RequestURI = ""
		e.prepare(try, node)
		if body != nil {
			try.Body = io.NopCloser(bytes.NewReader(body))
			try.ContentLength = int64(len(body))
		}

		node.IncrActive()
		resp, lastErr = e.Transport.RoundTrip(try)
		node.DecrActive()

		if lastErr != nil {
			e.reportOutcome(node.Address, false)
			if ctx.Err() != nil {
				break
			}
			continue // connection failure: try the next node
		}

		serverErr := resp.StatusCode >= 500
		e.reportOutcome(node.Address, !serverErr)
		if serverErr && retriable && idempotentMethods[req.Method] && attempt < attempts-1 {
			resp.Body.Close()
			continue
		}

		// Success path: tie the response body to the per-request context.
		resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
		return resp, nil
	}

	cancel()
	if lastErr != nil {
		if netErr, ok := lastErr.(net.Error); ok && netErr.Timeout() {
			return nil, errors.Wrap(lastErr, errors.KindUpstreamTimeout, "upstream timed out")
		}
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.Wrap(lastErr, errors.KindUpstreamTimeout, "upstream timed out")
		}
		return nil, errors.Wrap(lastErr, errors.KindUpstreamConnect, "upstream connect failed")
	}
	// Retries exhausted on 5xx: pass the last response through.
	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// prepare applies node targeting, pass_host and header injection.
func (e *Entry) prepare(req *http.Request, node *loadbalancer.Node) {
	u := e.Upstream

	req.URL.Scheme = string(u.Scheme)
	req.URL.Host = node.Address

	switch u.PassHost {
	case config.PassHostRewrite:
		req.Host = u.UpstreamHost
	case config.PassHostNode:
		req.Host = node.Address
	default:
		// pass: keep the client's Host
	}

	for name, value := range u.Headers {
		req.Header.Set(name, value)
	}
}

func (e *Entry) reportOutcome(addr string, success bool) {
	if e.passive != nil {
		e.passive.Report(addr, success)
	}
}

// cancelBody releases the request's timeout context when the response body
// is closed.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
