package loadbalancer

import (
	"net/http"
)

// RoundRobin implements weighted round-robin selection. Ties between equal
// weights are broken by the stable address order of the node set.
type RoundRobin struct {
	baseBalancer
	current   int
	curWeight int
}

// NewRoundRobin creates a new weighted round-robin balancer.
func NewRoundRobin(nodes []*Node) *RoundRobin {
	rr := &RoundRobin{current: -1}
	rr.nodes = nodes
	rr.buildIndex()
	return rr
}

// Next returns the next healthy node using weighted round-robin.
func (rr *RoundRobin) Next() *Node {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	healthy := rr.healthyNodes()
	if len(healthy) == 0 {
		return nil
	}

	maxWeight := 0
	gcdWeight := healthy[0].Weight
	for _, n := range healthy {
		if n.Weight > maxWeight {
			maxWeight = n.Weight
		}
		gcdWeight = gcd(gcdWeight, n.Weight)
	}

	// Standard weighted round-robin over the healthy slice
	for {
		rr.current = (rr.current + 1) % len(healthy)
		if rr.current == 0 {
			rr.curWeight -= gcdWeight
			if rr.curWeight <= 0 {
				rr.curWeight = maxWeight
			}
		}
		if healthy[rr.current].Weight >= rr.curWeight {
			return healthy[rr.current]
		}
	}
}

// NextForRequest ignores the request; round-robin has no affinity.
func (rr *RoundRobin) NextForRequest(_ *http.Request) *Node {
	return rr.Next()
}

// UpdateNodes replaces the node set and resets the rotation.
func (rr *RoundRobin) UpdateNodes(nodes []*Node) {
	rr.baseBalancer.UpdateNodes(nodes)
	rr.mu.Lock()
	rr.current = -1
	rr.curWeight = 0
	rr.mu.Unlock()
}

// gcd calculates the greatest common divisor.
func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
