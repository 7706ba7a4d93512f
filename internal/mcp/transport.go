package mcp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/accesspoint/internal/errors"
	"github.com/wudi/accesspoint/internal/logging"
	"github.com/wudi/accesspoint/internal/metrics"
)

// heartbeatInterval paces SSE comment keep-alives.
const heartbeatInterval = 15 * time.Second

// maxFrameSize bounds one client JSON-RPC frame.
const maxFrameSize = 4 << 20

// Handler terminates the MCP transports: SSE (GET /sse + POST /messages)
// and streamable HTTP (POST /mcp), each also under /api/{service_id}/.
type Handler struct {
	engine  *Engine
	metrics *metrics.Metrics
}

// NewHandler creates the transport handler.
func NewHandler(e *Engine, m *metrics.Metrics) *Handler {
	return &Handler{engine: e, metrics: m}
}

// Matches reports whether the path belongs to an MCP transport endpoint.
func Matches(path string) bool {
	switch path {
	case "/sse", "/mcp", "/messages":
		return true
	}
	if strings.HasPrefix(path, "/api/") {
		switch {
		case strings.HasSuffix(path, "/sse"), strings.HasSuffix(path, "/mcp"), strings.HasSuffix(path, "/messages"):
			return true
		}
	}
	return false
}

// splitEndpoint extracts the service scope and endpoint kind from the path.
func splitEndpoint(path string) (serviceID, kind string) {
	if strings.HasPrefix(path, "/api/") {
		rest := strings.TrimPrefix(path, "/api/")
		if i := strings.LastIndexByte(rest, '/'); i > 0 {
			return rest[:i], rest[i+1:]
		}
		return "", ""
	}
	return "", strings.TrimPrefix(path, "/")
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	serviceID, kind := splitEndpoint(r.URL.Path)

	switch kind {
	case "sse":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.serveSSE(w, r, serviceID)
	case "messages":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.serveMessages(w, r, serviceID)
	case "mcp":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h.serveStreamable(w, r, serviceID)
	default:
		errors.ErrNotFound.WriteJSON(w)
	}
}

// tenantHeader scopes a root /sse connection to one MCP service, as an
// alternative to the /api/{service_id}/sse path form.
const tenantHeader = "MCP_TENANT_ID"

// serveSSE owns the event stream socket. Every producer goes through the
// session's bounded queue; only this writer touches the connection.
func (h *Handler) serveSSE(w http.ResponseWriter, r *http.Request, serviceID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// A tenant header on the root endpoint rewrites the message endpoint to
	// the tenant's /api/{id}/messages scope.
	if serviceID == "" {
		if tenant := r.Header.Get(tenantHeader); tenant != "" {
			serviceID = tenant
		}
	}

	if serviceID != "" && !h.engine.Index().HasService(serviceID) {
		errors.ErrNotFound.WriteJSON(w)
		return
	}

	sess := newSession(TransportSSE, serviceID)
	h.engine.Sessions.Add(sess)
	if h.metrics != nil {
		h.metrics.SessionOpened(string(TransportSSE))
	}
	logging.Debug("sse session opened",
		zap.String("session_id", sess.ID), zap.String("mcp_service", serviceID))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	base := ""
	if serviceID != "" {
		base = "/api/" + serviceID
	}
	endpoint := base + "/messages?session_id=" + sess.ID
	io.WriteString(w, "event: endpoint\ndata: "+endpoint+"\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	defer h.engine.Sessions.Remove(sess.ID)

	for {
		select {
		case <-r.Context().Done():
			sess.Close()
			return
		case <-sess.Closed():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ":\n\n"); err != nil {
				sess.Close()
				return
			}
			flusher.Flush()
		case <-sess.Notify():
			for _, f := range sess.Dequeue() {
				event := f.Event
				if event == "" {
					event = "message"
				}
				if _, err := io.WriteString(w, "event: "+event+"\ndata: "+string(f.Data)+"\n\n"); err != nil {
					sess.Close()
					return
				}
			}
			flusher.Flush()
		}
	}
}

// serveMessages accepts one client frame for an SSE session. The JSON-RPC
// response is pushed on the stream; the POST only acknowledges receipt.
func (h *Handler) serveMessages(w http.ResponseWriter, r *http.Request, serviceID string) {
	sessionID := r.URL.Query().Get("session_id")
	sess, ok := h.engine.Sessions.Get(sessionID)
	if !ok {
		errors.ErrSessionExpired.WriteJSON(w)
		return
	}

	req, err := readFrame(r)
	if err != nil {
		errors.New(errors.KindInvalidParams, "invalid JSON-RPC frame").WriteJSON(w)
		return
	}

	w.WriteHeader(http.StatusAccepted)

	if req.IsNotification() {
		go h.engine.Dispatch(context.Background(), sess, serviceID, req)
		return
	}

	idKey := req.IDKey()
	ctx := sess.RegisterRequest(context.Background(), idKey)
	go func() {
		resp := h.engine.Dispatch(ctx, sess, serviceID, req)
		if resp == nil {
			// Cancelled or notification-like: release the ordering slot
			// without emitting a frame.
			sess.DeliverResponse(idKey, Frame{})
			return
		}
		sess.DeliverResponse(idKey, Frame{Event: "message", Data: resp.Marshal()})
	}()
}

// serveStreamable handles the stateless HTTP transport: one frame in, its
// response out, as a plain JSON body.
func (h *Handler) serveStreamable(w http.ResponseWriter, r *http.Request, serviceID string) {
	if serviceID != "" && !h.engine.Index().HasService(serviceID) {
		errors.ErrNotFound.WriteJSON(w)
		return
	}

	req, err := readFrame(r)
	if err != nil {
		resp := NewError(nil, errors.CodeParseError, "parse error")
		writeJSONFrame(w, r, http.StatusBadRequest, resp)
		return
	}

	if req.IsNotification() {
		h.engine.Dispatch(r.Context(), nil, serviceID, req)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	resp := h.engine.Dispatch(r.Context(), nil, serviceID, req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSONFrame(w, r, http.StatusOK, resp)
}

func writeJSONFrame(w http.ResponseWriter, r *http.Request, status int, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	if sid := r.Header.Get("Mcp-Session-Id"); sid != "" {
		w.Header().Set("Mcp-Session-Id", sid)
	}
	w.WriteHeader(status)
	w.Write(resp.Marshal())
}

func readFrame(r *http.Request) (*Request, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxFrameSize))
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	return &req, nil
}
