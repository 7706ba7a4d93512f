package health

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/wudi/accesspoint/internal/config"
	"github.com/wudi/accesspoint/internal/logging"
)

var errUpstreamFailure = errors.New("upstream failure")

// PassiveTracker drives per-node circuit breakers from live traffic.
// Crossing error_threshold failures within the timeout_threshold window
// opens the node's breaker, which marks it unhealthy for a cooldown of the
// same window; a successful trial request closes it again.
type PassiveTracker struct {
	upstreamID string
	cfg        config.PassiveCheck
	breakers   map[string]*gobreaker.CircuitBreaker[struct{}]
	mu         sync.Mutex
	onChange   func(addr string, healthy bool)
}

// NewPassiveTracker creates a tracker for the upstream's nodes.
func NewPassiveTracker(upstreamID string, cfg config.PassiveCheck, onChange func(addr string, healthy bool)) *PassiveTracker {
	return &PassiveTracker{
		upstreamID: upstreamID,
		cfg:        cfg,
		breakers:   make(map[string]*gobreaker.CircuitBreaker[struct{}]),
		onChange:   onChange,
	}
}

func (t *PassiveTracker) breaker(addr string) *gobreaker.CircuitBreaker[struct{}] {
	t.mu.Lock()
	defer t.mu.Unlock()

	if cb, ok := t.breakers[addr]; ok {
		return cb
	}

	window := time.Duration(t.cfg.TimeoutThreshold) * time.Second
	threshold := t.cfg.ErrorThreshold
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        t.upstreamID + "/" + addr,
		MaxRequests: 1,
		Interval:    window,
		Timeout:     window,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info("passive health state change",
				zap.String("node", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			switch to {
			case gobreaker.StateOpen:
				t.onChange(addr, false)
			case gobreaker.StateClosed:
				t.onChange(addr, true)
			}
		},
	})
	t.breakers[addr] = cb
	return cb
}

// Report feeds one request outcome for a node. Connection errors and 5xx
// responses count as failures.
func (t *PassiveTracker) Report(addr string, success bool) {
	cb := t.breaker(addr)
	// Execute only records the outcome; when the breaker is already open it
	// rejects, which is fine — the node is marked unhealthy anyway.
	cb.Execute(func() (struct{}, error) {
		if success {
			return struct{}{}, nil
		}
		return struct{}{}, errUpstreamFailure
	})
}

// Allow reports whether the node's breaker currently admits traffic.
func (t *PassiveTracker) Allow(addr string) bool {
	return t.breaker(addr).State() != gobreaker.StateOpen
}
