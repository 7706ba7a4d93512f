package loadbalancer

import (
	"net/http"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// IPHash maps a client IP to a node by hashing the IP modulo the sum of
// weights over the weight-sorted healthy node list. The same client keeps
// hitting the same node for as long as the node set is stable.
type IPHash struct {
	baseBalancer
}

// NewIPHash creates a new IP-hash balancer.
func NewIPHash(nodes []*Node) *IPHash {
	ih := &IPHash{}
	ih.nodes = nodes
	ih.buildIndex()
	return ih
}

// Next falls back to hashing an empty key; used only when no request is
// available (warm-up, tests).
func (ih *IPHash) Next() *Node {
	return ih.pick("")
}

// NextForRequest selects the node for the request's client IP.
func (ih *IPHash) NextForRequest(r *http.Request) *Node {
	return ih.pick(ClientIP(r))
}

func (ih *IPHash) pick(key string) *Node {
	healthy := ih.healthyNodes()
	if len(healthy) == 0 {
		return nil
	}

	// Buckets are laid out over the weight-sorted node list so the mapping
	// is stable for a given node set.
	sorted := make([]*Node, len(healthy))
	copy(sorted, healthy)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Weight != sorted[j].Weight {
			return sorted[i].Weight > sorted[j].Weight
		}
		return sorted[i].Address < sorted[j].Address
	})

	total := sumWeights(sorted)
	bucket := int(xxhash.Sum64String(key) % uint64(total))
	for _, n := range sorted {
		bucket -= n.Weight
		if bucket < 0 {
			return n
		}
	}
	return sorted[len(sorted)-1]
}
