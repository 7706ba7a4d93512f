package loadbalancer

import (
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/wudi/accesspoint/internal/config"
)

// Node represents one upstream origin (host:port).
type Node struct {
	Address        string
	Weight         int
	Healthy        bool
	ActiveRequests int64
}

// IncrActive atomically increments the active request count.
func (n *Node) IncrActive() { atomic.AddInt64(&n.ActiveRequests, 1) }

// DecrActive atomically decrements the active request count.
func (n *Node) DecrActive() { atomic.AddInt64(&n.ActiveRequests, -1) }

// Balancer is the interface for upstream node selection.
type Balancer interface {
	// Next returns the next node to use, or nil when none is healthy.
	Next() *Node
	// NextForRequest picks a node using request attributes (client IP,
	// hash header). Algorithms without request affinity fall back to Next.
	NextForRequest(r *http.Request) *Node
	// UpdateNodes replaces the node set, preserving known health state.
	UpdateNodes(nodes []*Node)
	// MarkHealthy marks a node as healthy.
	MarkHealthy(addr string)
	// MarkUnhealthy marks a node as unhealthy.
	MarkUnhealthy(addr string)
	// GetNodes returns a copy of all nodes.
	GetNodes() []*Node
	// HealthyCount returns the number of healthy nodes.
	HealthyCount() int
}

// New builds a balancer for the upstream's selection type. Nodes are ordered
// by a stable sort of the nodes map so selection is deterministic across
// rebuilds from the same set.
func New(u *config.Upstream) Balancer {
	nodes := NodesFromMap(u.Nodes)
	switch u.Type {
	case config.SelectionRandom:
		return NewRandom(nodes)
	case config.SelectionIPHash:
		return NewIPHash(nodes)
	case config.SelectionConsistentHash:
		return NewConsistentHash(nodes, u.HashKey)
	default:
		return NewRoundRobin(nodes)
	}
}

// NodesFromMap converts the config node map into a weight-initialised,
// address-sorted node slice.
func NodesFromMap(m map[string]uint) []*Node {
	nodes := make([]*Node, 0, len(m))
	for addr, weight := range m {
		w := int(weight)
		if w == 0 {
			w = 1
		}
		nodes = append(nodes, &Node{Address: addr, Weight: w, Healthy: true})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Address < nodes[j].Address })
	return nodes
}

// baseBalancer provides common node bookkeeping for balancers.
type baseBalancer struct {
	nodes         []*Node
	addrIndex     map[string]int // address → index for O(1) health mark
	cachedHealthy atomic.Value   // []*Node — rebuilt on health changes, read lock-free
	mu            sync.RWMutex
}

// buildIndex rebuilds the address index. Caller must hold the write lock.
func (b *baseBalancer) buildIndex() {
	b.addrIndex = make(map[string]int, len(b.nodes))
	for i, n := range b.nodes {
		b.addrIndex[n.Address] = i
	}
	b.rebuildHealthyCache()
}

// rebuildHealthyCache updates the atomic healthy slice. Caller must hold the
// write lock (or be in init).
func (b *baseBalancer) rebuildHealthyCache() {
	healthy := make([]*Node, 0, len(b.nodes))
	for _, n := range b.nodes {
		if n.Healthy {
			healthy = append(healthy, n)
		}
	}
	b.cachedHealthy.Store(healthy)
}

// healthyNodes returns the pre-computed healthy slice (lock-free).
func (b *baseBalancer) healthyNodes() []*Node {
	if v := b.cachedHealthy.Load(); v != nil {
		return v.([]*Node)
	}
	return nil
}

// UpdateNodes replaces the node set, carrying over health state by address.
func (b *baseBalancer) UpdateNodes(nodes []*Node) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.addrIndex != nil {
		for _, n := range nodes {
			if idx, ok := b.addrIndex[n.Address]; ok {
				n.Healthy = b.nodes[idx].Healthy
			} else {
				n.Healthy = true
			}
		}
	} else {
		for _, n := range nodes {
			n.Healthy = true
		}
	}

	b.nodes = nodes
	b.buildIndex()
}

// MarkHealthy marks a node as healthy.
func (b *baseBalancer) MarkHealthy(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx, ok := b.addrIndex[addr]; ok {
		b.nodes[idx].Healthy = true
		b.rebuildHealthyCache()
	}
}

// MarkUnhealthy marks a node as unhealthy.
func (b *baseBalancer) MarkUnhealthy(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if idx, ok := b.addrIndex[addr]; ok {
		b.nodes[idx].Healthy = false
		b.rebuildHealthyCache()
	}
}

// GetNodes returns a copy of all nodes.
func (b *baseBalancer) GetNodes() []*Node {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*Node, len(b.nodes))
	for i, n := range b.nodes {
		out[i] = &Node{
			Address:        n.Address,
			Weight:         n.Weight,
			Healthy:        n.Healthy,
			ActiveRequests: atomic.LoadInt64(&n.ActiveRequests),
		}
	}
	return out
}

// HealthyCount returns the number of healthy nodes.
func (b *baseBalancer) HealthyCount() int {
	return len(b.healthyNodes())
}

// sumWeights adds up the weights of the given nodes.
func sumWeights(nodes []*Node) int {
	total := 0
	for _, n := range nodes {
		total += n.Weight
	}
	return total
}

// ClientIP extracts the client IP from X-Forwarded-For or RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			xff = xff[:i]
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
