package config

import (
	"strings"
)

// ResourceType identifies one of the configurable resource collections.
type ResourceType string

const (
	ResourceUpstreams   ResourceType = "upstreams"
	ResourceServices    ResourceType = "services"
	ResourceRoutes      ResourceType = "routes"
	ResourceGlobalRules ResourceType = "global_rules"
	ResourceSSLs        ResourceType = "ssls"
	ResourceMcpServices ResourceType = "mcp_services"
)

// ResourceTypes lists all resource types in the fixed order used by the
// admin stats response. Dashboard layout depends on this order.
var ResourceTypes = []ResourceType{
	ResourceMcpServices,
	ResourceSSLs,
	ResourceGlobalRules,
	ResourceRoutes,
	ResourceUpstreams,
	ResourceServices,
}

// ParseResourceType maps an admin path segment to a ResourceType.
func ParseResourceType(s string) (ResourceType, bool) {
	switch ResourceType(strings.ToLower(s)) {
	case ResourceUpstreams, ResourceServices, ResourceRoutes,
		ResourceGlobalRules, ResourceSSLs, ResourceMcpServices:
		return ResourceType(strings.ToLower(s)), true
	}
	return "", false
}

// SelectionType selects the load balancing algorithm for an upstream.
type SelectionType string

const (
	SelectionRoundRobin     SelectionType = "roundrobin"
	SelectionRandom         SelectionType = "random"
	SelectionIPHash         SelectionType = "ip_hash"
	SelectionConsistentHash SelectionType = "consistent_hash"
)

// Scheme is the protocol used to reach upstream nodes.
type Scheme string

const (
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
)

// PassHost controls the Host header sent upstream.
type PassHost string

const (
	// PassHostPass forwards the client's Host header unchanged.
	PassHostPass PassHost = "pass"
	// PassHostRewrite replaces Host with UpstreamHost.
	PassHostRewrite PassHost = "rewrite"
	// PassHostNode replaces Host with the selected node's address.
	PassHostNode PassHost = "node"
)

// Timeout carries per-step upstream timeouts in seconds.
type Timeout struct {
	Connect uint `yaml:"connect" json:"connect"`
	Read    uint `yaml:"read" json:"read"`
	Send    uint `yaml:"send" json:"send"`
}

// ActiveCheck configures active health probing of upstream nodes.
type ActiveCheck struct {
	Path               string `yaml:"path" json:"path"`
	Interval           uint   `yaml:"interval" json:"interval"` // seconds
	HealthyThreshold   uint   `yaml:"healthy_threshold" json:"healthy_threshold"`
	UnhealthyThreshold uint   `yaml:"unhealthy_threshold" json:"unhealthy_threshold"`
}

// PassiveCheck configures passive (traffic-driven) health detection.
type PassiveCheck struct {
	// TimeoutThreshold is the observation window in seconds; crossing
	// ErrorThreshold failures within it marks the node unhealthy for a cooldown.
	TimeoutThreshold uint `yaml:"timeout_threshold" json:"timeout_threshold"`
	ErrorThreshold   uint `yaml:"error_threshold" json:"error_threshold"`
}

// HealthCheck bundles the optional active and passive checks.
type HealthCheck struct {
	Active  *ActiveCheck  `yaml:"active,omitempty" json:"active,omitempty"`
	Passive *PassiveCheck `yaml:"passive,omitempty" json:"passive,omitempty"`
}

// Upstream is a load-balanced pool of backend HTTP origins.
type Upstream struct {
	ID           string            `yaml:"id" json:"id"`
	Nodes        map[string]uint   `yaml:"nodes" json:"nodes"` // host:port → weight
	Type         SelectionType     `yaml:"type,omitempty" json:"type,omitempty"`
	Scheme       Scheme            `yaml:"scheme,omitempty" json:"scheme,omitempty"`
	PassHost     PassHost          `yaml:"pass_host,omitempty" json:"pass_host,omitempty"`
	UpstreamHost string            `yaml:"upstream_host,omitempty" json:"upstream_host,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Timeout      *Timeout          `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	HealthCheck  *HealthCheck      `yaml:"health_check,omitempty" json:"health_check,omitempty"`
	Retries      uint              `yaml:"retries,omitempty" json:"retries,omitempty"`
	// HashKey names the request header used by the consistent_hash balancer.
	HashKey string `yaml:"hash_key,omitempty" json:"hash_key,omitempty"`
}

// Service groups plugin configuration in front of one upstream.
type Service struct {
	ID         string         `yaml:"id" json:"id"`
	UpstreamID string         `yaml:"upstream_id" json:"upstream_id"`
	Hosts      []string       `yaml:"hosts,omitempty" json:"hosts,omitempty"`
	Plugins    map[string]any `yaml:"plugins,omitempty" json:"plugins,omitempty"`
}

// Route binds (host, method, path-pattern) to a service or upstream.
type Route struct {
	ID          string         `yaml:"id" json:"id"`
	URI         string         `yaml:"uri,omitempty" json:"uri,omitempty"`
	URIs        []string       `yaml:"uris,omitempty" json:"uris,omitempty"`
	Methods     []string       `yaml:"methods,omitempty" json:"methods,omitempty"`
	Hosts       []string       `yaml:"hosts,omitempty" json:"hosts,omitempty"`
	Priority    int            `yaml:"priority,omitempty" json:"priority,omitempty"`
	ServiceID   string         `yaml:"service_id,omitempty" json:"service_id,omitempty"`
	UpstreamID  string         `yaml:"upstream_id,omitempty" json:"upstream_id,omitempty"`
	Plugins     map[string]any `yaml:"plugins,omitempty" json:"plugins,omitempty"`
	OperationID string         `yaml:"operation_id,omitempty" json:"operation_id,omitempty"`
	// Headers are injected into the synthesised request for routes derived
	// from MCP tool bindings.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
}

// GetURIs returns the route's path patterns, folding the singular form in.
func (r *Route) GetURIs() []string {
	if r.URI != "" {
		return append([]string{r.URI}, r.URIs...)
	}
	return r.URIs
}

// GlobalRule applies plugins to every request ahead of route plugins.
type GlobalRule struct {
	ID      string         `yaml:"id" json:"id"`
	Plugins map[string]any `yaml:"plugins" json:"plugins"`
}

// SSL carries TLS material matched by SNI at accept time.
type SSL struct {
	ID   string   `yaml:"id" json:"id"`
	Cert string   `yaml:"cert" json:"cert"`
	Key  string   `yaml:"key" json:"key"`
	SNIs []string `yaml:"snis" json:"snis"`
}

// McpRouteMeta describes one explicitly configured MCP tool route.
type McpRouteMeta struct {
	ID      string            `yaml:"id,omitempty" json:"id,omitempty"`
	URI     string            `yaml:"uri" json:"uri"`
	Method  string            `yaml:"method,omitempty" json:"method,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Meta    McpToolMeta       `yaml:"meta" json:"meta"`
}

// McpToolMeta is the tool descriptor surface of an explicit MCP route.
type McpToolMeta struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	InputSchema map[string]any `yaml:"inputSchema,omitempty" json:"inputSchema,omitempty"`
}

// McpService exposes an HTTP API as MCP tools, either compiled from an
// OpenAPI document (Path) or declared explicitly (Routes).
type McpService struct {
	ID         string         `yaml:"id" json:"id"`
	UpstreamID string         `yaml:"upstream_id,omitempty" json:"upstream_id,omitempty"`
	Path       string         `yaml:"path,omitempty" json:"path,omitempty"`
	Routes     []McpRouteMeta `yaml:"routes,omitempty" json:"routes,omitempty"`
}

// Listener is one data-plane bind address.
type Listener struct {
	Address string `yaml:"address" json:"address"`
	TLS     bool   `yaml:"tls,omitempty" json:"tls,omitempty"`
}

// Admin configures the admin plane bind and auth.
type Admin struct {
	Address string `yaml:"address" json:"address"`
	APIKey  string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
}

// AccessPoint is the gateway-facing block of the configuration file.
type AccessPoint struct {
	Listeners []Listener `yaml:"listeners" json:"listeners"`
	Admin     *Admin     `yaml:"admin,omitempty" json:"admin,omitempty"`
}

// Runtime tunes the embedded server runtime. The knobs mirror the process
// supervisor options of the original deployment; threads sets GOMAXPROCS and
// pid_file is written at startup, the rest is recorded for operators.
type Runtime struct {
	Threads     int    `yaml:"threads,omitempty" json:"threads,omitempty"`
	PidFile     string `yaml:"pid_file,omitempty" json:"pid_file,omitempty"`
	UpgradeSock string `yaml:"upgrade_sock,omitempty" json:"upgrade_sock,omitempty"`
	User        string `yaml:"user,omitempty" json:"user,omitempty"`
	Group       string `yaml:"group,omitempty" json:"group,omitempty"`
}

// Config is the root of the YAML configuration file.
type Config struct {
	Runtime     Runtime      `yaml:"pingora,omitempty" json:"pingora,omitempty"`
	AccessPoint AccessPoint  `yaml:"access_point" json:"access_point"`
	Mcps        []McpService `yaml:"mcps,omitempty" json:"mcps,omitempty"`
	Upstreams   []Upstream   `yaml:"upstreams,omitempty" json:"upstreams,omitempty"`
	Routes      []Route      `yaml:"routes,omitempty" json:"routes,omitempty"`
	Services    []Service    `yaml:"services,omitempty" json:"services,omitempty"`
	GlobalRules []GlobalRule `yaml:"global_rules,omitempty" json:"global_rules,omitempty"`
	SSLs        []SSL        `yaml:"ssls,omitempty" json:"ssls,omitempty"`
	LogLevel    string       `yaml:"log_level,omitempty" json:"log_level,omitempty"`
}
