package registry

import (
	"time"

	"github.com/wudi/accesspoint/internal/config"
)

// Snapshot is an immutable bundle of the full resource graph. The live
// snapshot pointer is swapped atomically; a published snapshot is never
// mutated again, so request paths may hold one without locking.
type Snapshot struct {
	Version uint64

	Upstreams   map[string]*config.Upstream
	Services    map[string]*config.Service
	Routes      map[string]*config.Route
	GlobalRules map[string]*config.GlobalRule
	SSLs        map[string]*config.SSL
	McpServices map[string]*config.McpService

	updated map[config.ResourceType]time.Time
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Upstreams:   map[string]*config.Upstream{},
		Services:    map[string]*config.Service{},
		Routes:      map[string]*config.Route{},
		GlobalRules: map[string]*config.GlobalRule{},
		SSLs:        map[string]*config.SSL{},
		McpServices: map[string]*config.McpService{},
		updated:     map[config.ResourceType]time.Time{},
	}
}

// clone copies the snapshot's maps. Resource values are shared: mutation is
// replace-whole, so a value pointer is never written through after publish.
func (s *Snapshot) clone() *Snapshot {
	c := &Snapshot{
		Version:     s.Version,
		Upstreams:   make(map[string]*config.Upstream, len(s.Upstreams)),
		Services:    make(map[string]*config.Service, len(s.Services)),
		Routes:      make(map[string]*config.Route, len(s.Routes)),
		GlobalRules: make(map[string]*config.GlobalRule, len(s.GlobalRules)),
		SSLs:        make(map[string]*config.SSL, len(s.SSLs)),
		McpServices: make(map[string]*config.McpService, len(s.McpServices)),
		updated:     make(map[config.ResourceType]time.Time, len(s.updated)),
	}
	for k, v := range s.Upstreams {
		c.Upstreams[k] = v
	}
	for k, v := range s.Services {
		c.Services[k] = v
	}
	for k, v := range s.Routes {
		c.Routes[k] = v
	}
	for k, v := range s.GlobalRules {
		c.GlobalRules[k] = v
	}
	for k, v := range s.SSLs {
		c.SSLs[k] = v
	}
	for k, v := range s.McpServices {
		c.McpServices[k] = v
	}
	for k, v := range s.updated {
		c.updated[k] = v
	}
	return c
}

// Get returns the resource of the given type and id, or nil.
func (s *Snapshot) Get(typ config.ResourceType, id string) any {
	switch typ {
	case config.ResourceUpstreams:
		if v, ok := s.Upstreams[id]; ok {
			return v
		}
	case config.ResourceServices:
		if v, ok := s.Services[id]; ok {
			return v
		}
	case config.ResourceRoutes:
		if v, ok := s.Routes[id]; ok {
			return v
		}
	case config.ResourceGlobalRules:
		if v, ok := s.GlobalRules[id]; ok {
			return v
		}
	case config.ResourceSSLs:
		if v, ok := s.SSLs[id]; ok {
			return v
		}
	case config.ResourceMcpServices:
		if v, ok := s.McpServices[id]; ok {
			return v
		}
	}
	return nil
}

// List returns all resources of the given type keyed by id.
func (s *Snapshot) List(typ config.ResourceType) map[string]any {
	out := map[string]any{}
	switch typ {
	case config.ResourceUpstreams:
		for k, v := range s.Upstreams {
			out[k] = v
		}
	case config.ResourceServices:
		for k, v := range s.Services {
			out[k] = v
		}
	case config.ResourceRoutes:
		for k, v := range s.Routes {
			out[k] = v
		}
	case config.ResourceGlobalRules:
		for k, v := range s.GlobalRules {
			out[k] = v
		}
	case config.ResourceSSLs:
		for k, v := range s.SSLs {
			out[k] = v
		}
	case config.ResourceMcpServices:
		for k, v := range s.McpServices {
			out[k] = v
		}
	}
	return out
}

// Count returns the number of resources of the given type.
func (s *Snapshot) Count(typ config.ResourceType) int {
	switch typ {
	case config.ResourceUpstreams:
		return len(s.Upstreams)
	case config.ResourceServices:
		return len(s.Services)
	case config.ResourceRoutes:
		return len(s.Routes)
	case config.ResourceGlobalRules:
		return len(s.GlobalRules)
	case config.ResourceSSLs:
		return len(s.SSLs)
	case config.ResourceMcpServices:
		return len(s.McpServices)
	}
	return 0
}

// set inserts or replaces a resource. Only call on unpublished clones.
func (s *Snapshot) set(typ config.ResourceType, id string, value any, now time.Time) {
	switch typ {
	case config.ResourceUpstreams:
		s.Upstreams[id] = value.(*config.Upstream)
	case config.ResourceServices:
		s.Services[id] = value.(*config.Service)
	case config.ResourceRoutes:
		s.Routes[id] = value.(*config.Route)
	case config.ResourceGlobalRules:
		s.GlobalRules[id] = value.(*config.GlobalRule)
	case config.ResourceSSLs:
		s.SSLs[id] = value.(*config.SSL)
	case config.ResourceMcpServices:
		s.McpServices[id] = value.(*config.McpService)
	}
	s.updated[typ] = now
}

// remove deletes a resource. Only call on unpublished clones.
func (s *Snapshot) remove(typ config.ResourceType, id string, now time.Time) {
	switch typ {
	case config.ResourceUpstreams:
		delete(s.Upstreams, id)
	case config.ResourceServices:
		delete(s.Services, id)
	case config.ResourceRoutes:
		delete(s.Routes, id)
	case config.ResourceGlobalRules:
		delete(s.GlobalRules, id)
	case config.ResourceSSLs:
		delete(s.SSLs, id)
	case config.ResourceMcpServices:
		delete(s.McpServices, id)
	}
	s.updated[typ] = now
}

// Referrers lists "type/id" names of every resource referencing (typ, id).
// Upstreams are referenced by services, routes and MCP services; services are
// referenced by routes through service_id.
func (s *Snapshot) Referrers(typ config.ResourceType, id string) []string {
	var refs []string
	if typ == config.ResourceServices {
		for rid, rt := range s.Routes {
			if rt.ServiceID == id {
				refs = append(refs, string(config.ResourceRoutes)+"/"+rid)
			}
		}
		return refs
	}
	if typ != config.ResourceUpstreams {
		return refs
	}
	for sid, svc := range s.Services {
		if svc.UpstreamID == id {
			refs = append(refs, string(config.ResourceServices)+"/"+sid)
		}
	}
	for rid, rt := range s.Routes {
		if rt.UpstreamID == id {
			refs = append(refs, string(config.ResourceRoutes)+"/"+rid)
		}
	}
	for mid, m := range s.McpServices {
		if m.UpstreamID == id {
			refs = append(refs, string(config.ResourceMcpServices)+"/"+mid)
		}
	}
	return refs
}

// checkReferences verifies every dependency declared by value resolves
// inside this snapshot.
func (s *Snapshot) checkReferences(typ config.ResourceType, value any) error {
	switch typ {
	case config.ResourceServices:
		svc := value.(*config.Service)
		if _, ok := s.Upstreams[svc.UpstreamID]; !ok {
			return errMissingRef("service", "upstream_id", svc.UpstreamID)
		}
	case config.ResourceRoutes:
		rt := value.(*config.Route)
		if rt.ServiceID != "" {
			if _, ok := s.Services[rt.ServiceID]; !ok {
				return errMissingRef("route", "service_id", rt.ServiceID)
			}
		} else if rt.UpstreamID != "" {
			if _, ok := s.Upstreams[rt.UpstreamID]; !ok {
				return errMissingRef("route", "upstream_id", rt.UpstreamID)
			}
		}
	case config.ResourceMcpServices:
		m := value.(*config.McpService)
		if m.UpstreamID != "" {
			if _, ok := s.Upstreams[m.UpstreamID]; !ok {
				return errMissingRef("mcp_service", "upstream_id", m.UpstreamID)
			}
		}
	}
	return nil
}
