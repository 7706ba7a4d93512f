package registry

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wudi/accesspoint/internal/config"
	"github.com/wudi/accesspoint/internal/errors"
)

func errMissingRef(owner, field, id string) error {
	return errors.Validation(owner+"."+field, fmt.Sprintf("referenced resource %q does not exist", id))
}

// Listener is notified after each publish with the new snapshot and the set
// of resource types the publish touched.
type Listener func(snap *Snapshot, changed map[config.ResourceType]bool)

// Registry is the versioned, dependency-checked store of the resource graph.
// Reads are lock-free through the atomic snapshot pointer; writers are
// serialised and publish copy-on-write clones.
type Registry struct {
	live      atomic.Pointer[Snapshot]
	mu        sync.Mutex // serialises writers and listener registration
	listeners []Listener
	now       func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	r := &Registry{now: time.Now}
	r.live.Store(NewSnapshot())
	return r
}

// Snapshot returns the live snapshot. Callers may hold it for the duration
// of a request; it will never change underneath them.
func (r *Registry) Snapshot() *Snapshot {
	return r.live.Load()
}

// OnChange registers a listener invoked after each publish.
func (r *Registry) OnChange(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// publish swaps the live snapshot and notifies listeners. Caller holds r.mu.
func (r *Registry) publish(snap *Snapshot, changed map[config.ResourceType]bool) {
	snap.Version = r.live.Load().Version + 1
	r.live.Store(snap)
	for _, l := range r.listeners {
		l(snap, changed)
	}
}

// Reload re-notifies listeners for the given types against the live
// snapshot so derived indexes rebuild without a data change.
func (r *Registry) Reload(types ...config.ResourceType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := map[config.ResourceType]bool{}
	for _, t := range types {
		changed[t] = true
	}
	snap := r.live.Load()
	for _, l := range r.listeners {
		l(snap, changed)
	}
}

// Get returns the resource of the given type and id.
func (r *Registry) Get(typ config.ResourceType, id string) (any, error) {
	if v := r.Snapshot().Get(typ, id); v != nil {
		return v, nil
	}
	return nil, errors.Newf(errors.KindNotFound, "%s/%s not found", typ, id)
}

// List returns all resources of the given type.
func (r *Registry) List(typ config.ResourceType) map[string]any {
	return r.Snapshot().List(typ)
}

// Create inserts a new resource. It fails with AlreadyExists when the id is
// taken, and with ValidationFailed when the value or its references are bad.
func (r *Registry) Create(typ config.ResourceType, id string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.live.Load()
	if snap.Get(typ, id) != nil {
		return errors.Newf(errors.KindAlreadyExists, "%s/%s already exists", typ, id)
	}
	return r.applyReplace(snap, typ, id, value)
}

// Update inserts or replaces a resource (create-or-replace semantics).
func (r *Registry) Update(typ config.ResourceType, id string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyReplace(r.live.Load(), typ, id, value)
}

// applyReplace validates and publishes a single set. Caller holds r.mu.
func (r *Registry) applyReplace(snap *Snapshot, typ config.ResourceType, id string, value any) error {
	value, err := normalizeValue(typ, id, value)
	if err != nil {
		return err
	}

	next := snap.clone()
	next.set(typ, id, value, r.now())
	if err := next.checkReferences(typ, value); err != nil {
		return err
	}
	r.publish(next, map[config.ResourceType]bool{typ: true})
	return nil
}

// Delete removes a resource. It refuses with InUse when any resource in the
// live snapshot still references it.
func (r *Registry) Delete(typ config.ResourceType, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.live.Load()
	if snap.Get(typ, id) == nil {
		return errors.Newf(errors.KindNotFound, "%s/%s not found", typ, id)
	}
	if refs := snap.Referrers(typ, id); len(refs) > 0 {
		return errors.InUse(string(typ)+"/"+id, refs)
	}

	next := snap.clone()
	next.remove(typ, id, r.now())
	r.publish(next, map[config.ResourceType]bool{typ: true})
	return nil
}

// Validate runs format and reference validation for a value without
// publishing anything.
func (r *Registry) Validate(typ config.ResourceType, id string, value any) error {
	value, err := normalizeValue(typ, id, value)
	if err != nil {
		return err
	}
	return r.Snapshot().checkReferences(typ, value)
}

// TypeStat is the externally visible per-type stats entry.
type TypeStat struct {
	Count       int        `json:"count"`
	LastUpdated *Timestamp `json:"last_updated,omitempty"`
}

// Timestamp serialises a wall-clock instant in the admin contract's shape.
type Timestamp struct {
	SecsSinceEpoch  int64 `json:"secs_since_epoch"`
	NanosSinceEpoch int64 `json:"nanos_since_epoch"`
}

// NewTimestamp converts a time.Time into the wire shape.
func NewTimestamp(t time.Time) *Timestamp {
	return &Timestamp{
		SecsSinceEpoch:  t.Unix(),
		NanosSinceEpoch: int64(t.Nanosecond()),
	}
}

// Stats returns per-type counts and last-updated instants, keyed by type.
func (r *Registry) Stats() map[config.ResourceType]TypeStat {
	snap := r.Snapshot()
	out := make(map[config.ResourceType]TypeStat, len(config.ResourceTypes))
	for _, typ := range config.ResourceTypes {
		stat := TypeStat{Count: snap.Count(typ)}
		if ts, ok := snap.updated[typ]; ok {
			stat.LastUpdated = NewTimestamp(ts)
		}
		out[typ] = stat
	}
	return out
}

// ReplaceAll swaps in a complete snapshot built from a parsed configuration
// file. The candidate is validated as a whole; on failure the live snapshot
// is untouched.
func (r *Registry) ReplaceAll(cfg *config.Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	next := NewSnapshot()
	for i := range cfg.Upstreams {
		u := cfg.Upstreams[i]
		config.ApplyUpstreamDefaults(&u)
		next.set(config.ResourceUpstreams, u.ID, &u, now)
	}
	for i := range cfg.Services {
		s := cfg.Services[i]
		next.set(config.ResourceServices, s.ID, &s, now)
	}
	for i := range cfg.Routes {
		rt := cfg.Routes[i]
		next.set(config.ResourceRoutes, rt.ID, &rt, now)
	}
	for i := range cfg.GlobalRules {
		g := cfg.GlobalRules[i]
		next.set(config.ResourceGlobalRules, g.ID, &g, now)
	}
	for i := range cfg.SSLs {
		s := cfg.SSLs[i]
		next.set(config.ResourceSSLs, s.ID, &s, now)
	}
	for i := range cfg.Mcps {
		m := cfg.Mcps[i]
		next.set(config.ResourceMcpServices, m.ID, &m, now)
	}

	for _, svc := range next.Services {
		if err := next.checkReferences(config.ResourceServices, svc); err != nil {
			return err
		}
	}
	for _, rt := range next.Routes {
		if err := next.checkReferences(config.ResourceRoutes, rt); err != nil {
			return err
		}
	}
	for _, m := range next.McpServices {
		if err := next.checkReferences(config.ResourceMcpServices, m); err != nil {
			return err
		}
	}

	changed := map[config.ResourceType]bool{}
	for _, typ := range config.ResourceTypes {
		changed[typ] = true
	}
	r.publish(next, changed)
	return nil
}

// DecodeResource unmarshals a JSON body into the typed resource value for
// typ, stamping the id from the URL when the body omits it.
func DecodeResource(typ config.ResourceType, id string, data []byte) (any, error) {
	decode := func(v any) (any, error) {
		if err := json.Unmarshal(data, v); err != nil {
			return nil, errors.Wrap(err, errors.KindValidationFailed, "decode resource body")
		}
		return v, nil
	}
	var value any
	var err error
	switch typ {
	case config.ResourceUpstreams:
		value, err = decode(&config.Upstream{})
	case config.ResourceServices:
		value, err = decode(&config.Service{})
	case config.ResourceRoutes:
		value, err = decode(&config.Route{})
	case config.ResourceGlobalRules:
		value, err = decode(&config.GlobalRule{})
	case config.ResourceSSLs:
		value, err = decode(&config.SSL{})
	case config.ResourceMcpServices:
		value, err = decode(&config.McpService{})
	default:
		return nil, errors.Newf(errors.KindNotFound, "unknown resource type %q", typ)
	}
	if err != nil {
		return nil, err
	}
	return normalizeValue(typ, id, value)
}

// normalizeValue stamps the id, applies defaults and runs format validation.
func normalizeValue(typ config.ResourceType, id string, value any) (any, error) {
	switch v := value.(type) {
	case *config.Upstream:
		v.ID = id
		config.ApplyUpstreamDefaults(v)
		return v, config.ValidateUpstream(v)
	case *config.Service:
		v.ID = id
		return v, config.ValidateService(v)
	case *config.Route:
		v.ID = id
		return v, config.ValidateRoute(v)
	case *config.GlobalRule:
		v.ID = id
		return v, nil
	case *config.SSL:
		v.ID = id
		return v, config.ValidateSSL(v)
	case *config.McpService:
		v.ID = id
		return v, config.ValidateMcpService(v)
	}
	return nil, errors.Newf(errors.KindValidationFailed, "unsupported value for %s", typ)
}
