package registry

import (
	"encoding/json"
	"sort"

	"github.com/wudi/accesspoint/internal/config"
	"github.com/wudi/accesspoint/internal/errors"
)

// BatchOp is one operation inside an atomic batch.
type BatchOp struct {
	Op    string              `json:"op"` // create | update | delete
	Type  config.ResourceType `json:"resource_type"`
	ID    string              `json:"resource_id"`
	Value json.RawMessage     `json:"value,omitempty"`
}

// typeRank orders resource types from leaves to roots for batch application:
// creates flow leaves upward, deletes roots downward.
var typeRank = map[config.ResourceType]int{
	config.ResourceUpstreams:   0,
	config.ResourceServices:    1,
	config.ResourceSSLs:        2,
	config.ResourceGlobalRules: 2,
	config.ResourceRoutes:      3,
	config.ResourceMcpServices: 3,
}

// Batch applies ops against a cloned snapshot and publishes the result
// atomically. Any failure aborts the whole batch; the live snapshot is
// unchanged. With dryRun, validation and ordering run but nothing publishes.
func (r *Registry) Batch(ops []BatchOp, dryRun bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.live.Load().clone()
	now := r.now()
	changed := map[config.ResourceType]bool{}

	ordered := make([]BatchOp, len(ops))
	copy(ordered, ops)
	sort.SliceStable(ordered, func(i, j int) bool {
		oi, oj := ordered[i], ordered[j]
		di, dj := oi.Op == "delete", oj.Op == "delete"
		if di != dj {
			return !di // creates and updates before deletes
		}
		if di {
			return typeRank[oi.Type] > typeRank[oj.Type] // deletes: roots first
		}
		return typeRank[oi.Type] < typeRank[oj.Type] // creates: leaves first
	})

	for _, op := range ordered {
		typ, ok := config.ParseResourceType(string(op.Type))
		if !ok {
			return errors.Newf(errors.KindValidationFailed, "unknown resource type %q", op.Type)
		}
		switch op.Op {
		case "create", "update":
			value, err := DecodeResource(typ, op.ID, op.Value)
			if err != nil {
				return err
			}
			if op.Op == "create" && next.Get(typ, op.ID) != nil {
				return errors.Newf(errors.KindAlreadyExists, "%s/%s already exists", typ, op.ID)
			}
			next.set(typ, op.ID, value, now)
		case "delete":
			if next.Get(typ, op.ID) == nil {
				return errors.Newf(errors.KindNotFound, "%s/%s not found", typ, op.ID)
			}
			if refs := next.Referrers(typ, op.ID); len(refs) > 0 {
				return errors.InUse(string(typ)+"/"+op.ID, refs)
			}
			next.remove(typ, op.ID, now)
		default:
			return errors.Newf(errors.KindValidationFailed, "unknown batch op %q", op.Op)
		}
		changed[typ] = true
	}

	if err := validateSnapshot(next); err != nil {
		return err
	}

	if dryRun {
		return nil
	}
	r.publish(next, changed)
	return nil
}

// validateSnapshot re-checks every dependency edge of the candidate snapshot
// and rejects reference cycles.
func validateSnapshot(s *Snapshot) error {
	for _, svc := range s.Services {
		if err := s.checkReferences(config.ResourceServices, svc); err != nil {
			return err
		}
	}
	for _, rt := range s.Routes {
		if err := s.checkReferences(config.ResourceRoutes, rt); err != nil {
			return err
		}
	}
	for _, m := range s.McpServices {
		if err := s.checkReferences(config.ResourceMcpServices, m); err != nil {
			return err
		}
	}
	return detectCycles(s)
}

// detectCycles walks the dependency edges and rejects any cycle. The current
// schema only admits Route → Service and Service/Route/McpService → Upstream
// edges, which cannot cycle; the walk guards future resource kinds that
// reference each other.
func detectCycles(s *Snapshot) error {
	edges := map[string][]string{}
	for id, svc := range s.Services {
		from := string(config.ResourceServices) + "/" + id
		edges[from] = append(edges[from], string(config.ResourceUpstreams)+"/"+svc.UpstreamID)
	}
	for id, rt := range s.Routes {
		from := string(config.ResourceRoutes) + "/" + id
		if rt.ServiceID != "" {
			edges[from] = append(edges[from], string(config.ResourceServices)+"/"+rt.ServiceID)
		}
		if rt.UpstreamID != "" {
			edges[from] = append(edges[from], string(config.ResourceUpstreams)+"/"+rt.UpstreamID)
		}
	}
	for id, m := range s.McpServices {
		if m.UpstreamID != "" {
			from := string(config.ResourceMcpServices) + "/" + id
			edges[from] = append(edges[from], string(config.ResourceUpstreams)+"/"+m.UpstreamID)
		}
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := map[string]int{}
	var visit func(n string) bool
	visit = func(n string) bool {
		switch color[n] {
		case grey:
			return false
		case black:
			return true
		}
		color[n] = grey
		for _, next := range edges[n] {
			if !visit(next) {
				return false
			}
		}
		color[n] = black
		return true
	}
	for n := range edges {
		if !visit(n) {
			return errors.Newf(errors.KindValidationFailed, "dependency cycle involving %s", n)
		}
	}
	return nil
}
