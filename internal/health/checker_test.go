package health

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/accesspoint/internal/config"
)

func addrOf(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	parsed, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	return parsed.Host
}

func TestCheckerMarksHealthyAfterThreshold(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("probe path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	addr := addrOf(t, srv)

	var mu sync.Mutex
	transitions := map[string]bool{}
	cfg := config.ActiveCheck{Path: "/health", Interval: 1, HealthyThreshold: 2, UnhealthyThreshold: 2}
	c := NewChecker("u1", cfg, config.SchemeHTTP, []string{addr}, func(a string, healthy bool) {
		mu.Lock()
		transitions[a] = healthy
		mu.Unlock()
	})
	defer c.Stop()

	// Drive probes directly instead of waiting for the ticker.
	c.probe(addr)
	if c.GetStatus(addr) == StatusHealthy {
		t.Error("one pass must not flip to healthy yet")
	}
	c.probe(addr)
	if c.GetStatus(addr) != StatusHealthy {
		t.Error("two passes must flip to healthy")
	}

	mu.Lock()
	healthy, fired := transitions[addr]
	mu.Unlock()
	if !fired || !healthy {
		t.Error("onChange must fire on the transition")
	}
}

func TestCheckerMarksUnhealthyAfterFailures(t *testing.T) {
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	addr := addrOf(t, srv)

	cfg := config.ActiveCheck{Path: "/", Interval: 1, HealthyThreshold: 1, UnhealthyThreshold: 2}
	c := NewChecker("u1", cfg, config.SchemeHTTP, []string{addr}, nil)
	defer c.Stop()

	c.probe(addr)
	if c.GetStatus(addr) != StatusHealthy {
		t.Fatal("expected healthy after one pass")
	}

	failing.Store(true)
	c.probe(addr)
	if c.GetStatus(addr) != StatusHealthy {
		t.Error("one failure must not flip yet")
	}
	c.probe(addr)
	if c.GetStatus(addr) != StatusUnhealthy {
		t.Error("two failures must flip to unhealthy")
	}
}

func TestPassiveTrackerOpensAfterErrors(t *testing.T) {
	var mu sync.Mutex
	state := map[string]bool{}
	cfg := config.PassiveCheck{TimeoutThreshold: 30, ErrorThreshold: 3}
	tr := NewPassiveTracker("u1", cfg, func(addr string, healthy bool) {
		mu.Lock()
		state[addr] = healthy
		mu.Unlock()
	})

	addr := "127.0.0.1:8090"
	if !tr.Allow(addr) {
		t.Fatal("fresh node must admit traffic")
	}

	for i := 0; i < 3; i++ {
		tr.Report(addr, false)
	}
	if tr.Allow(addr) {
		t.Error("breaker must open after crossing the error threshold")
	}
	mu.Lock()
	healthy, fired := state[addr]
	mu.Unlock()
	if !fired || healthy {
		t.Error("onChange must mark the node unhealthy")
	}
}

func TestPassiveTrackerStaysClosedOnSuccess(t *testing.T) {
	cfg := config.PassiveCheck{TimeoutThreshold: 30, ErrorThreshold: 3}
	tr := NewPassiveTracker("u1", cfg, func(string, bool) {})

	addr := "127.0.0.1:8090"
	for i := 0; i < 50; i++ {
		tr.Report(addr, true)
	}
	if !tr.Allow(addr) {
		t.Error("successes must keep the breaker closed")
	}
}

func TestCheckerLoopProbesPeriodically(t *testing.T) {
	var probes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
	}))
	defer srv.Close()

	cfg := config.ActiveCheck{Path: "/", Interval: 1, HealthyThreshold: 1, UnhealthyThreshold: 1}
	c := NewChecker("u1", cfg, config.SchemeHTTP, []string{addrOf(t, srv)}, nil)
	c.Start()
	defer c.Stop()

	deadline := time.After(3 * time.Second)
	for probes.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("no probe within 3s")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
