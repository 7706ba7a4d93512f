package loadbalancer

import (
	"net/http/httptest"
	"testing"

	"github.com/wudi/accesspoint/internal/config"
)

func nodes(weights map[string]uint) []*Node {
	return NodesFromMap(weights)
}

func TestRoundRobinFairness(t *testing.T) {
	rr := NewRoundRobin(nodes(map[string]uint{
		"127.0.0.1:8001": 1,
		"127.0.0.1:8002": 2,
		"127.0.0.1:8003": 3,
	}))

	const n = 600
	counts := map[string]int{}
	for i := 0; i < n; i++ {
		counts[rr.Next().Address]++
	}

	// Each node must land within ±1 of n·w/Σw.
	expected := map[string]int{
		"127.0.0.1:8001": n * 1 / 6,
		"127.0.0.1:8002": n * 2 / 6,
		"127.0.0.1:8003": n * 3 / 6,
	}
	for addr, want := range expected {
		got := counts[addr]
		if got < want-1 || got > want+1 {
			t.Errorf("node %s: got %d requests, want %d±1", addr, got, want)
		}
	}
}

func TestRoundRobinSkipsUnhealthy(t *testing.T) {
	rr := NewRoundRobin(nodes(map[string]uint{
		"127.0.0.1:8001": 1,
		"127.0.0.1:8002": 1,
	}))
	rr.MarkUnhealthy("127.0.0.1:8002")

	for i := 0; i < 10; i++ {
		if got := rr.Next().Address; got != "127.0.0.1:8001" {
			t.Fatalf("expected only healthy node, got %s", got)
		}
	}

	rr.MarkHealthy("127.0.0.1:8002")
	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		seen[rr.Next().Address] = true
	}
	if len(seen) != 2 {
		t.Errorf("expected both nodes after recovery, got %v", seen)
	}
}

func TestRoundRobinAllUnhealthy(t *testing.T) {
	rr := NewRoundRobin(nodes(map[string]uint{"127.0.0.1:8001": 1}))
	rr.MarkUnhealthy("127.0.0.1:8001")
	if rr.Next() != nil {
		t.Error("expected nil when no node is healthy")
	}
}

func TestRandomRespectsWeights(t *testing.T) {
	rb := NewRandom(nodes(map[string]uint{
		"127.0.0.1:8001": 9,
		"127.0.0.1:8002": 1,
	}))

	counts := map[string]int{}
	for i := 0; i < 2000; i++ {
		counts[rb.Next().Address]++
	}
	if counts["127.0.0.1:8001"] < counts["127.0.0.1:8002"] {
		t.Errorf("weighted random skew wrong: %v", counts)
	}
}

func TestIPHashStability(t *testing.T) {
	ih := NewIPHash(nodes(map[string]uint{
		"127.0.0.1:8001": 1,
		"127.0.0.1:8002": 1,
		"127.0.0.1:8003": 1,
	}))

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.1.2.3:55555"

	first := ih.NextForRequest(r).Address
	for i := 0; i < 20; i++ {
		if got := ih.NextForRequest(r).Address; got != first {
			t.Fatalf("same client must map to the same node: %s vs %s", got, first)
		}
	}

	r2 := httptest.NewRequest("GET", "/", nil)
	r2.Header.Set("X-Forwarded-For", "10.9.9.9")
	_ = ih.NextForRequest(r2) // must not panic; may or may not differ
}

func TestConsistentHashStability(t *testing.T) {
	ch := NewConsistentHash(nodes(map[string]uint{
		"127.0.0.1:8001": 1,
		"127.0.0.1:8002": 1,
		"127.0.0.1:8003": 1,
	}), "X-Session-Key")

	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Session-Key", "user-42")

	first := ch.NextForRequest(r).Address
	for i := 0; i < 20; i++ {
		if got := ch.NextForRequest(r).Address; got != first {
			t.Fatalf("same key must map to the same node: %s vs %s", got, first)
		}
	}

	// Marking the key's own node unhealthy moves the key off it; recovery
	// brings it back.
	ch.MarkUnhealthy(first)
	moved := ch.NextForRequest(r).Address
	if moved == first {
		t.Errorf("key must move off an unhealthy node")
	}
	ch.MarkHealthy(first)
	if got := ch.NextForRequest(r).Address; got != first {
		t.Errorf("key should return to its node after recovery: %s vs %s", got, first)
	}
}

func TestUpdateNodesPreservesHealth(t *testing.T) {
	rr := NewRoundRobin(nodes(map[string]uint{
		"127.0.0.1:8001": 1,
		"127.0.0.1:8002": 1,
	}))
	rr.MarkUnhealthy("127.0.0.1:8002")

	rr.UpdateNodes(nodes(map[string]uint{
		"127.0.0.1:8002": 1,
		"127.0.0.1:8003": 1,
	}))

	for _, n := range rr.GetNodes() {
		switch n.Address {
		case "127.0.0.1:8002":
			if n.Healthy {
				t.Error("existing node health must carry over")
			}
		case "127.0.0.1:8003":
			if !n.Healthy {
				t.Error("new node must start healthy")
			}
		}
	}
}

func TestFactory(t *testing.T) {
	u := &config.Upstream{
		Nodes: map[string]uint{"127.0.0.1:8001": 1},
		Type:  config.SelectionConsistentHash,
	}
	if _, ok := New(u).(*ConsistentHash); !ok {
		t.Error("expected consistent hash balancer")
	}
	u.Type = config.SelectionIPHash
	if _, ok := New(u).(*IPHash); !ok {
		t.Error("expected ip hash balancer")
	}
	u.Type = config.SelectionRandom
	if _, ok := New(u).(*Random); !ok {
		t.Error("expected random balancer")
	}
	u.Type = ""
	if _, ok := New(u).(*RoundRobin); !ok {
		t.Error("expected round robin balancer by default")
	}
}
