package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"

	"github.com/wudi/accesspoint/internal/errors"
	"github.com/wudi/accesspoint/internal/mcp"
	"github.com/wudi/accesspoint/internal/openapi"
	"github.com/wudi/accesspoint/internal/plugin"
)

// InvokeTool implements mcp.Invoker. The synthesized request re-enters the
// proxy pipeline: global plugins run, then the tool's bound upstream
// performs node selection, header injection and forwarding.
func (p *Proxy) InvokeTool(ctx context.Context, tool *openapi.Tool, sr *mcp.SynthesizedRequest) (*mcp.ToolHTTPResult, error) {
	snap := p.reg.Snapshot()

	upstreamID := tool.Binding.UpstreamID
	if upstreamID == "" {
		return nil, errors.Newf(errors.KindNotFound, "tool %s has no bound upstream", tool.Binding.OperationID)
	}
	entry, err := p.pool.Get(upstreamID)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if sr.Body != nil {
		bodyReader = bytes.NewReader(sr.Body)
	}
	// Scheme and host are placeholders; the upstream entry rewrites them to
	// the selected node.
	target := url.URL{Scheme: "http", Host: "upstream", Path: sr.Path, RawQuery: sr.Query.Encode()}
	req, err := http.NewRequestWithContext(ctx, sr.Method, target.String(), bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "build tool sub-request")
	}
	for name, values := range sr.Header {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	// Tool calls run the global plugin chain; the virtual tool route keyed
	// mcp:<service>:<operation> carries no plugins of its own.
	chain := plugin.BuildChain(globalPlugins(snap), nil, nil)
	pctx := &plugin.Context{
		Request:    req,
		RouteID:    "mcp:" + tool.Binding.ServiceID + ":" + tool.Binding.OperationID,
		ServiceID:  tool.Binding.ServiceID,
		UpstreamID: upstreamID,
		Vars:       map[string]any{},
	}
	defer chain.Logging(pctx)

	stop, err := chain.RequestFilter(pctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "plugin rejected tool sub-request")
	}
	if stop != nil {
		status := stop.Status
		if status == 0 {
			status = http.StatusForbidden
		}
		pctx.Status = status
		return &mcp.ToolHTTPResult{Status: status, ContentType: stop.Header.Get("Content-Type"), Body: stop.Body}, nil
	}

	if err := chain.UpstreamRequestFilter(pctx, req); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "plugin rejected tool sub-request")
	}

	resp, err := entry.RoundTrip(req, sr.Body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := chain.ResponseFilter(pctx, resp); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "plugin rejected tool response")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUpstreamBadResponse, "read upstream response")
	}

	pctx.Status = resp.StatusCode
	pctx.BytesSent = int64(len(body))

	return &mcp.ToolHTTPResult{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}
