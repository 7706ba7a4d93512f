package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/wudi/accesspoint/internal/errors"
	"github.com/wudi/accesspoint/internal/logging"
	"github.com/wudi/accesspoint/internal/metrics"
	"github.com/wudi/accesspoint/internal/openapi"
)

// toolsPageSize bounds one tools/list page.
const toolsPageSize = 50

// ToolHTTPResult is the upstream outcome of one tool invocation.
type ToolHTTPResult struct {
	Status      int
	ContentType string
	Body        []byte
}

// Invoker executes a synthesized tool request against the bound upstream.
// The proxy core implements it; the engine never dials upstreams itself.
type Invoker interface {
	InvokeTool(ctx context.Context, tool *openapi.Tool, sr *SynthesizedRequest) (*ToolHTTPResult, error)
}

// Engine dispatches MCP JSON-RPC methods against the live tool index.
type Engine struct {
	index    atomic.Pointer[ToolIndex]
	Sessions *Store
	invoker  Invoker
	metrics  *metrics.Metrics
}

// NewEngine creates the protocol engine.
func NewEngine(invoker Invoker, m *metrics.Metrics) *Engine {
	e := &Engine{invoker: invoker, metrics: m}
	e.index.Store(&ToolIndex{
		byService:      map[string]map[string]*openapi.Tool{},
		perServiceList: map[string][]*openapi.Tool{},
		root:           map[string]*openapi.Tool{},
	})
	e.Sessions = NewStore(0, func(s *Session) {
		if m != nil {
			m.SessionClosed(string(s.Transport))
		}
	})
	return e
}

// SetIndex swaps the live tool index.
func (e *Engine) SetIndex(idx *ToolIndex) {
	e.index.Store(idx)
}

// Index returns the live tool index.
func (e *Engine) Index() *ToolIndex {
	return e.index.Load()
}

// serverCapabilities is the capability surface advertised on initialize.
type serverCapabilities struct {
	Tools toolsCapability `json:"tools"`
}

type toolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
}

type listToolsResult struct {
	Tools      []mcp.Tool `json:"tools"`
	NextCursor string     `json:"nextCursor,omitempty"`
}

// Dispatch handles one JSON-RPC frame. It returns nil for notifications.
// sess may be nil on the stateless streamable transport.
func (e *Engine) Dispatch(ctx context.Context, sess *Session, serviceID string, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return e.handleInitialize(sess, req)

	case "ping":
		return NewResult(req.ID, struct{}{})

	case "tools/list":
		return e.handleToolsList(serviceID, req)

	case "tools/call":
		return e.handleToolsCall(ctx, serviceID, req)

	case "prompts/list":
		return NewResult(req.ID, map[string]any{"prompts": []any{}})

	case "resources/list":
		return NewResult(req.ID, map[string]any{"resources": []any{}})

	case "notifications/initialized", "notifications/roots/list_changed", "completion/complete":
		// Acknowledged; nothing to do.
		if req.IsNotification() {
			return nil
		}
		return NewResult(req.ID, struct{}{})

	case "notifications/cancelled":
		e.handleCancelled(sess, req)
		return nil

	default:
		logging.Debug("unknown MCP method", zap.String("method", req.Method))
		if req.IsNotification() {
			return nil
		}
		return NewError(req.ID, errors.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (e *Engine) handleInitialize(sess *Session, req *Request) *Response {
	var params struct {
		ProtocolVersion string          `json:"protocolVersion"`
		Capabilities    json.RawMessage `json:"capabilities"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return NewError(req.ID, errors.CodeInvalidParams, "invalid initialize params")
		}
	}
	if sess != nil {
		sess.SetCapabilities(params.Capabilities)
	}

	return NewResult(req.ID, initializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    serverCapabilities{Tools: toolsCapability{ListChanged: false}},
		ServerInfo:      mcp.Implementation{Name: "access-point", Version: "0.1.0"},
	})
}

func (e *Engine) handleToolsList(serviceID string, req *Request) *Response {
	var params struct {
		Cursor string `json:"cursor"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return NewError(req.ID, errors.CodeInvalidParams, "invalid tools/list params")
		}
	}

	idx := e.Index()
	if serviceID != "" && !idx.HasService(serviceID) {
		return NewError(req.ID, errors.CodeInvalidParams, "unknown MCP service: "+serviceID)
	}
	all := idx.List(serviceID)

	offset := decodeCursor(params.Cursor)
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + toolsPageSize
	if end > len(all) {
		end = len(all)
	}

	result := listToolsResult{Tools: all[offset:end]}
	if end < len(all) {
		result.NextCursor = encodeCursor(end)
	}
	return NewResult(req.ID, result)
}

func (e *Engine) handleToolsCall(ctx context.Context, serviceID string, req *Request) *Response {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return NewError(req.ID, errors.CodeInvalidParams, "invalid tools/call params")
	}

	tool, ok := e.Index().Resolve(serviceID, params.Name)
	if !ok {
		return NewError(req.ID, errors.CodeMethodNotFound, "tool not found: "+params.Name)
	}

	args := params.Arguments
	if args == nil {
		args = map[string]any{}
	}
	if tool.Schema != nil {
		if err := tool.Schema.Validate(anyify(args)); err != nil {
			return NewError(req.ID, errors.CodeInvalidParams, "arguments do not match tool schema: "+err.Error())
		}
	}

	sr, err := Synthesize(tool, args)
	if err != nil {
		return rpcErrorFrom(req.ID, err)
	}

	res, err := e.invoker.InvokeTool(ctx, tool, sr)
	if err != nil {
		if ctx.Err() != nil {
			// CancelledByClient: the transport already went away; the
			// response frame is dropped silently downstream.
			return nil
		}
		return rpcErrorFrom(req.ID, err)
	}
	if res == nil {
		return NewError(req.ID, errors.CodeInternalError, "tool invocation returned no result")
	}

	if e.metrics != nil {
		e.metrics.RecordToolCall(tool.Binding.ServiceID, tool.Binding.OperationID, res.Status)
	}

	result := mcp.NewToolResultText(string(res.Body))
	result.IsError = res.Status >= 400
	return NewResult(req.ID, result)
}

func (e *Engine) handleCancelled(sess *Session, req *Request) {
	if sess == nil {
		return
	}
	var params struct {
		RequestID any `json:"requestId"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return
	}
	key, err := json.Marshal(params.RequestID)
	if err != nil {
		return
	}
	sess.CancelRequest(string(key))
}

// rpcErrorFrom maps an internal error onto a JSON-RPC error frame.
func rpcErrorFrom(id json.RawMessage, err error) *Response {
	if ge := errors.AsError(err); ge != nil {
		return NewError(id, ge.JSONRPCCode(), ge.Message)
	}
	return NewError(id, errors.CodeInternalError, err.Error())
}

// anyify converts a map[string]any to a plain any for schema validation.
func anyify(m map[string]any) any {
	return map[string]any(m)
}

func encodeCursor(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte("o:" + strconv.Itoa(offset)))
}

func decodeCursor(cursor string) int {
	if cursor == "" {
		return 0
	}
	raw, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return 0
	}
	s := string(raw)
	if len(s) < 3 || s[:2] != "o:" {
		return 0
	}
	n, err := strconv.Atoi(s[2:])
	if err != nil || n < 0 {
		return 0
	}
	return n
}
