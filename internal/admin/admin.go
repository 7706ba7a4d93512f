package admin

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/wudi/accesspoint/internal/config"
	"github.com/wudi/accesspoint/internal/errors"
	"github.com/wudi/accesspoint/internal/logging"
	"github.com/wudi/accesspoint/internal/registry"
)

// maxBodySize bounds admin request bodies.
const maxBodySize = 8 << 20

// Options configures the admin handler.
type Options struct {
	APIKey     string
	ConfigPath string
	// ReloadConfig reparses a configuration file and publishes it. The
	// gateway wires this to the registry's full replace.
	ReloadConfig func(path string) error
	// MetricsHandler serves the Prometheus exposition, when present.
	MetricsHandler http.Handler
}

// Handler is the REST admin plane over the resource registry.
type Handler struct {
	reg    *registry.Registry
	opts   Options
	router *httprouter.Router
}

// New creates the admin handler with its route table.
func New(reg *registry.Registry, opts Options) *Handler {
	h := &Handler{reg: reg, opts: opts, router: httprouter.New()}

	h.router.GET("/admin", h.dashboard)
	h.router.GET("/admin/health", h.health)
	h.router.GET("/admin/resources", h.overview)
	h.router.GET("/admin/resources/:type", h.list)
	h.router.GET("/admin/resources/:type/:id", h.get)
	h.router.POST("/admin/resources/:type/:id", h.create)
	h.router.PUT("/admin/resources/:type/:id", h.update)
	h.router.DELETE("/admin/resources/:type/:id", h.delete)
	h.router.POST("/admin/validate/:type/:id", h.validate)
	h.router.POST("/admin/batch", h.batch)
	h.router.POST("/admin/reload/:type", h.reload)

	if opts.MetricsHandler != nil {
		h.router.Handler(http.MethodGet, "/admin/metrics", opts.MetricsHandler)
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.opts.APIKey != "" && r.Header.Get("x-api-key") != h.opts.APIKey {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"message": "missing or invalid api key",
		})
		return
	}
	h.router.ServeHTTP(w, r)
}

// operationResult is the response body of every mutating admin call.
type operationResult struct {
	Success      bool                `json:"success"`
	Message      string              `json:"message"`
	ResourceType config.ResourceType `json:"resource_type"`
	ResourceID   string              `json:"resource_id"`
	Timestamp    *registry.Timestamp `json:"timestamp"`
}

// statsResponse fixes the stats key order so the dashboard layout is stable.
type statsResponse struct {
	McpServices registry.TypeStat `json:"mcp_services"`
	SSLs        registry.TypeStat `json:"ssls"`
	GlobalRules registry.TypeStat `json:"global_rules"`
	Routes      registry.TypeStat `json:"routes"`
	Upstreams   registry.TypeStat `json:"upstreams"`
	Services    registry.TypeStat `json:"services"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if ge := errors.AsError(err); ge != nil {
		ge.WriteJSON(w)
		return
	}
	errors.Wrap(err, errors.KindInternal, "internal error").WriteJSON(w)
}

func parseType(s string) (config.ResourceType, error) {
	typ, ok := config.ParseResourceType(s)
	if !ok {
		return "", errors.Newf(errors.KindNotFound, "unknown resource type %q", s)
	}
	return typ, nil
}

func (h *Handler) health(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": h.reg.Snapshot().Version,
	})
}

func (h *Handler) overview(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	stats := h.reg.Stats()
	total := 0
	for _, s := range stats {
		total += s.Count
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats": statsResponse{
			McpServices: stats[config.ResourceMcpServices],
			SSLs:        stats[config.ResourceSSLs],
			GlobalRules: stats[config.ResourceGlobalRules],
			Routes:      stats[config.ResourceRoutes],
			Upstreams:   stats[config.ResourceUpstreams],
			Services:    stats[config.ResourceServices],
		},
		"total_resources": total,
	})
}

func (h *Handler) list(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	typ, err := parseType(ps.ByName("type"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.reg.List(typ))
}

func (h *Handler) get(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	typ, err := parseType(ps.ByName("type"))
	if err != nil {
		writeError(w, err)
		return
	}
	value, err := h.reg.Get(typ, ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, value)
}

func (h *Handler) mutate(w http.ResponseWriter, r *http.Request, ps httprouter.Params, verb string,
	apply func(typ config.ResourceType, id string, value any) error) {

	typ, err := parseType(ps.ByName("type"))
	if err != nil {
		writeError(w, err)
		return
	}
	id := ps.ByName("id")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, errors.Wrap(err, errors.KindValidationFailed, "read request body"))
		return
	}
	value, err := registry.DecodeResource(typ, id, body)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := apply(typ, id, value); err != nil {
		writeError(w, err)
		return
	}

	logging.Info("admin resource "+verb,
		zap.String("type", string(typ)), zap.String("id", id))
	writeJSON(w, http.StatusOK, operationResult{
		Success:      true,
		Message:      "resource '" + id + "' " + verb + " successfully",
		ResourceType: typ,
		ResourceID:   id,
		Timestamp:    registry.NewTimestamp(time.Now()),
	})
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	h.mutate(w, r, ps, "created", h.reg.Create)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	h.mutate(w, r, ps, "updated", h.reg.Update)
}

func (h *Handler) delete(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	typ, err := parseType(ps.ByName("type"))
	if err != nil {
		writeError(w, err)
		return
	}
	id := ps.ByName("id")
	if err := h.reg.Delete(typ, id); err != nil {
		writeError(w, err)
		return
	}

	logging.Info("admin resource deleted",
		zap.String("type", string(typ)), zap.String("id", id))
	writeJSON(w, http.StatusOK, operationResult{
		Success:      true,
		Message:      "resource '" + id + "' deleted successfully",
		ResourceType: typ,
		ResourceID:   id,
		Timestamp:    registry.NewTimestamp(time.Now()),
	})
}

func (h *Handler) validate(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	typ, err := parseType(ps.ByName("type"))
	if err != nil {
		writeError(w, err)
		return
	}
	id := ps.ByName("id")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, errors.Wrap(err, errors.KindValidationFailed, "read request body"))
		return
	}
	value, err := registry.DecodeResource(typ, id, body)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.reg.Validate(typ, id, value); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "resource '" + id + "' is valid",
	})
}

// batchRequest is the POST /admin/batch body.
type batchRequest struct {
	Operations []registry.BatchOp `json:"operations"`
	DryRun     bool               `json:"dry_run"`
}

func (h *Handler) batch(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req batchRequest
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, errors.Wrap(err, errors.KindValidationFailed, "read request body"))
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, errors.Wrap(err, errors.KindValidationFailed, "decode batch request"))
		return
	}
	if len(req.Operations) == 0 {
		writeError(w, errors.Validation("operations", "at least one operation is required"))
		return
	}
	if err := h.reg.Batch(req.Operations, req.DryRun); err != nil {
		writeError(w, err)
		return
	}

	message := "batch applied"
	if req.DryRun {
		message = "batch validated (dry run)"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"message":    message,
		"operations": len(req.Operations),
		"dry_run":    req.DryRun,
		"timestamp":  registry.NewTimestamp(time.Now()),
	})
}

func (h *Handler) reload(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	target := ps.ByName("type")
	if target == "config" {
		h.reloadConfig(w, r)
		return
	}

	typ, err := parseType(target)
	if err != nil {
		writeError(w, err)
		return
	}
	h.reg.Reload(typ)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "indexes rebuilt for " + string(typ),
	})
}

func (h *Handler) reloadConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConfigPath string `json:"config_path"`
	}
	body, _ := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, errors.Wrap(err, errors.KindValidationFailed, "decode reload request"))
			return
		}
	}
	path := req.ConfigPath
	if path == "" {
		path = h.opts.ConfigPath
	}
	if path == "" {
		writeError(w, errors.Validation("config_path", "no configuration file known"))
		return
	}
	if h.opts.ReloadConfig == nil {
		writeError(w, errors.New(errors.KindInternal, "config reload is not wired"))
		return
	}
	if err := h.opts.ReloadConfig(path); err != nil {
		writeError(w, err)
		return
	}

	logging.Info("configuration reloaded via admin", zap.String("path", path))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"message":   "configuration reloaded",
		"timestamp": registry.NewTimestamp(time.Now()),
	})
}
