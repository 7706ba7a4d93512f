package loadbalancer

import (
	"math/rand/v2"
	"net/http"
)

// Random implements weighted random selection.
type Random struct {
	baseBalancer
}

// NewRandom creates a new weighted random balancer.
func NewRandom(nodes []*Node) *Random {
	r := &Random{}
	r.nodes = nodes
	r.buildIndex()
	return r
}

// Next returns a random healthy node, biased by weight.
func (rb *Random) Next() *Node {
	healthy := rb.healthyNodes()
	if len(healthy) == 0 {
		return nil
	}

	total := sumWeights(healthy)
	pick := rand.IntN(total)
	for _, n := range healthy {
		pick -= n.Weight
		if pick < 0 {
			return n
		}
	}
	return healthy[len(healthy)-1]
}

// NextForRequest ignores the request; random has no affinity.
func (rb *Random) NextForRequest(_ *http.Request) *Node {
	return rb.Next()
}
