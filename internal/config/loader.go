package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/wudi/accesspoint/internal/errors"
)

// nodeKeyRe accepts "host", "host:port", IPv4 and bracketed IPv6 node keys.
var nodeKeyRe = regexp.MustCompile(`(?i)^(?:(?:\d{1,3}\.){3}\d{1,3}|\[[0-9a-f:]+\]|[a-z0-9.-]+)(?::\d+)?$`)

// Load reads and parses the YAML configuration file at path, applies
// defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfigParse, fmt.Sprintf("read config file %s", path))
	}
	return Parse(data)
}

// Parse parses raw YAML configuration bytes, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindConfigParse, "parse config")
	}
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills zero values with their documented defaults.
func ApplyDefaults(cfg *Config) {
	for i := range cfg.Upstreams {
		ApplyUpstreamDefaults(&cfg.Upstreams[i])
	}
	if cfg.AccessPoint.Listeners == nil {
		cfg.AccessPoint.Listeners = []Listener{{Address: "0.0.0.0:8080"}}
	}
}

// ApplyUpstreamDefaults fills an upstream's zero values in place.
func ApplyUpstreamDefaults(u *Upstream) {
	if u.Type == "" {
		u.Type = SelectionRoundRobin
	}
	if u.Scheme == "" {
		u.Scheme = SchemeHTTP
	}
	if u.PassHost == "" {
		u.PassHost = PassHostPass
	}
	if u.Timeout == nil {
		u.Timeout = &Timeout{Connect: 10, Read: 30, Send: 30}
	}
	if u.HealthCheck != nil && u.HealthCheck.Active != nil {
		a := u.HealthCheck.Active
		if a.Path == "" {
			a.Path = "/"
		}
		if a.Interval == 0 {
			a.Interval = 5
		}
		if a.HealthyThreshold == 0 {
			a.HealthyThreshold = 2
		}
		if a.UnhealthyThreshold == 0 {
			a.UnhealthyThreshold = 3
		}
	}
	if u.HealthCheck != nil && u.HealthCheck.Passive != nil {
		p := u.HealthCheck.Passive
		if p.TimeoutThreshold == 0 {
			p.TimeoutThreshold = 30
		}
		if p.ErrorThreshold == 0 {
			p.ErrorThreshold = 5
		}
	}
}

// Validate checks the whole configuration. Reference validation between
// resources is the registry's job; this pass checks each value's format.
func Validate(cfg *Config) error {
	for _, l := range cfg.AccessPoint.Listeners {
		if _, _, err := net.SplitHostPort(l.Address); err != nil {
			return errors.Validation("access_point.listeners.address", fmt.Sprintf("invalid address %q", l.Address))
		}
	}
	if cfg.AccessPoint.Admin != nil {
		if _, _, err := net.SplitHostPort(cfg.AccessPoint.Admin.Address); err != nil {
			return errors.Validation("access_point.admin.address", fmt.Sprintf("invalid address %q", cfg.AccessPoint.Admin.Address))
		}
	}
	for i := range cfg.Upstreams {
		if err := ValidateUpstream(&cfg.Upstreams[i]); err != nil {
			return err
		}
	}
	for i := range cfg.Services {
		if err := ValidateService(&cfg.Services[i]); err != nil {
			return err
		}
	}
	for i := range cfg.Routes {
		if err := ValidateRoute(&cfg.Routes[i]); err != nil {
			return err
		}
	}
	for i := range cfg.SSLs {
		if err := ValidateSSL(&cfg.SSLs[i]); err != nil {
			return err
		}
	}
	for i := range cfg.Mcps {
		if err := ValidateMcpService(&cfg.Mcps[i]); err != nil {
			return err
		}
	}
	return nil
}

// ValidateUpstream checks a single upstream value.
func ValidateUpstream(u *Upstream) error {
	if len(u.Nodes) == 0 {
		return errors.Validation("upstream.nodes", "at least one node is required")
	}
	for node, weight := range u.Nodes {
		if !nodeKeyRe.MatchString(node) {
			return errors.Validation("upstream.nodes", fmt.Sprintf("invalid node key %q", node))
		}
		if weight == 0 {
			return errors.Validation("upstream.nodes", fmt.Sprintf("node %q has zero weight", node))
		}
	}
	switch u.Type {
	case "", SelectionRoundRobin, SelectionRandom, SelectionIPHash, SelectionConsistentHash:
	default:
		return errors.Validation("upstream.type", fmt.Sprintf("unknown balancer type %q", u.Type))
	}
	switch u.Scheme {
	case "", SchemeHTTP, SchemeHTTPS:
	default:
		return errors.Validation("upstream.scheme", fmt.Sprintf("unknown scheme %q", u.Scheme))
	}
	switch u.PassHost {
	case "", PassHostPass, PassHostRewrite, PassHostNode:
	default:
		return errors.Validation("upstream.pass_host", fmt.Sprintf("unknown pass_host %q", u.PassHost))
	}
	if u.PassHost == PassHostRewrite && u.UpstreamHost == "" {
		return errors.Validation("upstream.upstream_host", "required when pass_host is rewrite")
	}
	return nil
}

// ValidateService checks a single service value.
func ValidateService(s *Service) error {
	if s.UpstreamID == "" {
		return errors.Validation("service.upstream_id", "required")
	}
	return nil
}

// ValidateRoute checks a single route value.
func ValidateRoute(r *Route) error {
	if len(r.GetURIs()) == 0 {
		return errors.Validation("route.uri", "uri or uris is required")
	}
	for _, uri := range r.GetURIs() {
		if !strings.HasPrefix(uri, "/") {
			return errors.Validation("route.uri", fmt.Sprintf("uri %q must start with /", uri))
		}
	}
	if r.ServiceID == "" && r.UpstreamID == "" {
		return errors.Validation("route", "service_id or upstream_id is required")
	}
	for _, m := range r.Methods {
		switch strings.ToUpper(m) {
		case "GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS":
		default:
			return errors.Validation("route.methods", fmt.Sprintf("unknown method %q", m))
		}
	}
	return nil
}

// ValidateSSL checks a single SSL value.
func ValidateSSL(s *SSL) error {
	if s.Cert == "" || s.Key == "" {
		return errors.Validation("ssl", "cert and key are required")
	}
	if len(s.SNIs) == 0 {
		return errors.Validation("ssl.snis", "at least one SNI is required")
	}
	return nil
}

// ValidateMcpService checks a single MCP service value. Exactly one of path
// or routes must be present.
func ValidateMcpService(m *McpService) error {
	hasPath := m.Path != ""
	hasRoutes := len(m.Routes) > 0
	if hasPath == hasRoutes {
		return errors.Validation("mcp_service", "exactly one of path or routes must be set")
	}
	for i := range m.Routes {
		r := &m.Routes[i]
		if r.URI == "" {
			return errors.Validation("mcp_service.routes.uri", "required")
		}
		if r.Meta.Name == "" {
			return errors.Validation("mcp_service.routes.meta.name", "required")
		}
	}
	return nil
}
