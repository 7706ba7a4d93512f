package upstream

import (
	"sync"

	"go.uber.org/zap"

	"github.com/wudi/accesspoint/internal/errors"
	"github.com/wudi/accesspoint/internal/logging"
	"github.com/wudi/accesspoint/internal/registry"
)

// Pool maintains one Entry per configured upstream. Rebuild diffs against
// the new snapshot: unchanged upstreams keep their entry (and its health
// state and connections), changed ones are replaced wholesale.
type Pool struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	resolver *Resolver
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{
		entries:  make(map[string]*Entry),
		resolver: NewResolver(),
	}
}

// Get returns the entry for an upstream id.
func (p *Pool) Get(id string) (*Entry, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.entries[id]; ok {
		return e, nil
	}
	return nil, errors.Newf(errors.KindNotFound, "upstream %s not found", id)
}

// Rebuild reconciles the pool with a registry snapshot. Resource mutation is
// replace-whole, so pointer equality identifies unchanged upstreams.
func (p *Pool) Rebuild(snap *registry.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, u := range snap.Upstreams {
		existing, ok := p.entries[id]
		if ok && existing.Upstream == u {
			continue
		}
		if ok {
			existing.close()
		}
		p.entries[id] = newEntry(u, p.resolver)
		logging.Debug("upstream entry built", zap.String("upstream", id))
	}

	for id, e := range p.entries {
		if _, ok := snap.Upstreams[id]; !ok {
			e.close()
			delete(p.entries, id)
			logging.Debug("upstream entry removed", zap.String("upstream", id))
		}
	}
}

// Close stops every entry's background tasks.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.entries {
		e.close()
		delete(p.entries, id)
	}
}
