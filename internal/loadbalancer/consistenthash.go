package loadbalancer

import (
	"net/http"
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// ringReplicas is the virtual node base count; each node contributes
// ringReplicas × weight ring entries.
const ringReplicas = 150

// ConsistentHash implements a hash-ring balancer keyed by a request header.
// Requests carrying the same key always land on the same node while the
// node set is stable.
type ConsistentHash struct {
	baseBalancer
	headerName string
	ring       []ringEntry
	ringMu     sync.RWMutex
}

type ringEntry struct {
	hash uint64
	node *Node
}

// NewConsistentHash creates a consistent-hash balancer keyed by headerName.
func NewConsistentHash(nodes []*Node, headerName string) *ConsistentHash {
	ch := &ConsistentHash{headerName: headerName}
	ch.nodes = nodes
	ch.buildIndex()
	ch.rebuildRing()
	return ch
}

// rebuildRing rebuilds the hash ring from healthy nodes.
func (ch *ConsistentHash) rebuildRing() {
	healthy := ch.healthyNodes()

	var ring []ringEntry
	for _, n := range healthy {
		vnodes := ringReplicas * n.Weight
		for i := 0; i < vnodes; i++ {
			h := xxhash.Sum64String(n.Address + "#" + strconv.Itoa(i))
			ring = append(ring, ringEntry{hash: h, node: n})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })

	ch.ringMu.Lock()
	ch.ring = ring
	ch.ringMu.Unlock()
}

// Next returns the first ring entry; used only when no request is available.
func (ch *ConsistentHash) Next() *Node {
	ch.ringMu.RLock()
	defer ch.ringMu.RUnlock()
	if len(ch.ring) == 0 {
		return nil
	}
	return ch.ring[0].node
}

// NextForRequest selects a node for the request's hash key.
func (ch *ConsistentHash) NextForRequest(r *http.Request) *Node {
	key := r.Header.Get(ch.headerName)
	if key == "" {
		key = r.URL.Path
	}
	h := xxhash.Sum64String(key)

	ch.ringMu.RLock()
	ring := ch.ring
	ch.ringMu.RUnlock()

	if len(ring) == 0 {
		return nil
	}

	idx := sort.Search(len(ring), func(i int) bool { return ring[i].hash >= h })
	if idx >= len(ring) {
		idx = 0 // wrap around
	}
	return ring[idx].node
}

// UpdateNodes replaces the node set and rebuilds the ring.
func (ch *ConsistentHash) UpdateNodes(nodes []*Node) {
	ch.baseBalancer.UpdateNodes(nodes)
	ch.rebuildRing()
}

// MarkHealthy marks a node healthy and rebuilds the ring.
func (ch *ConsistentHash) MarkHealthy(addr string) {
	ch.baseBalancer.MarkHealthy(addr)
	ch.rebuildRing()
}

// MarkUnhealthy marks a node unhealthy and rebuilds the ring.
func (ch *ConsistentHash) MarkUnhealthy(addr string) {
	ch.baseBalancer.MarkUnhealthy(addr)
	ch.rebuildRing()
}
