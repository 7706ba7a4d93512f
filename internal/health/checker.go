package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/accesspoint/internal/config"
	"github.com/wudi/accesspoint/internal/logging"
)

// Status represents node health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Checker actively probes the nodes of one upstream. A node flips state
// only after the configured number of consecutive successes or failures.
type Checker struct {
	upstreamID string
	cfg        config.ActiveCheck
	scheme     config.Scheme
	client     *http.Client
	nodes      map[string]*nodeState
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc
	onChange   func(addr string, healthy bool)
}

type nodeState struct {
	status          Status
	lastCheck       time.Time
	lastError       error
	consecutivePass uint
	consecutiveFail uint
}

// NewChecker creates a checker for the upstream's nodes. onChange fires on
// every healthy↔unhealthy transition.
func NewChecker(upstreamID string, cfg config.ActiveCheck, scheme config.Scheme, addrs []string, onChange func(addr string, healthy bool)) *Checker {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Checker{
		upstreamID: upstreamID,
		cfg:        cfg,
		scheme:     scheme,
		client: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		nodes:    make(map[string]*nodeState, len(addrs)),
		ctx:      ctx,
		cancel:   cancel,
		onChange: onChange,
	}
	for _, addr := range addrs {
		c.nodes[addr] = &nodeState{status: StatusUnknown}
	}
	return c
}

// Start launches the probe loop.
func (c *Checker) Start() {
	go c.loop()
}

// Stop terminates the probe loop.
func (c *Checker) Stop() {
	c.cancel()
}

func (c *Checker) loop() {
	interval := time.Duration(c.cfg.Interval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.probeAll()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.probeAll()
		}
	}
}

func (c *Checker) probeAll() {
	c.mu.RLock()
	addrs := make([]string, 0, len(c.nodes))
	for addr := range c.nodes {
		addrs = append(addrs, addr)
	}
	c.mu.RUnlock()

	var wg sync.WaitGroup
	for _, addr := range addrs {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			c.probe(addr)
		}(addr)
	}
	wg.Wait()
}

func (c *Checker) probe(addr string) {
	url := string(c.scheme) + "://" + addr + c.cfg.Path

	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, url, nil)
	if err != nil {
		c.record(addr, false, err)
		return
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.record(addr, false, err)
		return
	}
	resp.Body.Close()
	c.record(addr, resp.StatusCode < 500, nil)
}

// record applies a probe result to the node's counters and fires onChange
// on state transitions.
func (c *Checker) record(addr string, pass bool, err error) {
	c.mu.Lock()
	state, ok := c.nodes[addr]
	if !ok {
		c.mu.Unlock()
		return
	}
	state.lastCheck = time.Now()
	state.lastError = err

	var transition *bool
	if pass {
		state.consecutivePass++
		state.consecutiveFail = 0
		if state.status != StatusHealthy && state.consecutivePass >= c.cfg.HealthyThreshold {
			state.status = StatusHealthy
			v := true
			transition = &v
		}
	} else {
		state.consecutiveFail++
		state.consecutivePass = 0
		if state.status != StatusUnhealthy && state.consecutiveFail >= c.cfg.UnhealthyThreshold {
			state.status = StatusUnhealthy
			v := false
			transition = &v
		}
	}
	c.mu.Unlock()

	if transition != nil {
		logging.Info("upstream node health changed",
			zap.String("upstream", c.upstreamID),
			zap.String("node", addr),
			zap.Bool("healthy", *transition),
			zap.Error(err))
		if c.onChange != nil {
			c.onChange(addr, *transition)
		}
	}
}

// GetStatus returns the current status of a node.
func (c *Checker) GetStatus(addr string) Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if state, ok := c.nodes[addr]; ok {
		return state.status
	}
	return StatusUnknown
}
