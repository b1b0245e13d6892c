// Package resilience wraps worker communication with a circuit breaker per
// worker and exponential-backoff retry helpers for the gateway's log
// writer.
package resilience

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// CircuitState mirrors gobreaker.State with names that read naturally in
// logs and metrics.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
	CircuitOpen     CircuitState = "OPEN"
)

// CircuitConfig configures the per-worker breakers a CircuitManager creates.
type CircuitConfig struct {
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

// DefaultCircuitConfig trips a worker's breaker once at least 3 requests
// have been seen in a 10s window and 60% or more of them failed, and gives
// it 30s before trying again — short enough that a transient hiccup doesn't
// strand capacity for long.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		MaxRequests:  3,
		Interval:     10 * time.Second,
		Timeout:      30 * time.Second,
		FailureRatio: 0.6,
		MinRequests:  3,
	}
}

// CircuitManager tracks one breaker per worker ID, created lazily on first
// use.
type CircuitManager struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	config   CircuitConfig
	onChange func(workerID string, from, to CircuitState)
}

func NewCircuitManager(cfg CircuitConfig) *CircuitManager {
	return &CircuitManager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		config:   cfg,
	}
}

// OnStateChange registers a callback invoked whenever any worker's breaker
// changes state. The orchestrator uses this to force a recycle the moment
// a worker's breaker opens, rather than waiting for a threshold-based
// recycle.
func (m *CircuitManager) OnStateChange(fn func(workerID string, from, to CircuitState)) {
	m.onChange = fn
}

func (m *CircuitManager) getOrCreate(workerID string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[workerID]
	m.mu.RUnlock()
	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, exists = m.breakers[workerID]; exists {
		return cb
	}

	settings := gobreaker.Settings{
		Name:        workerID,
		MaxRequests: m.config.MaxRequests,
		Interval:    m.config.Interval,
		Timeout:     m.config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < m.config.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= m.config.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			fromState := gobreakerStateToCircuitState(from)
			toState := gobreakerStateToCircuitState(to)
			log.Info().Str("worker_id", name).Str("from", string(fromState)).Str("to", string(toState)).Msg("worker circuit breaker state change")
			if m.onChange != nil {
				m.onChange(name, fromState, toState)
			}
		},
	}

	cb = gobreaker.NewCircuitBreaker(settings)
	m.breakers[workerID] = cb
	return cb
}

// Execute runs fn through workerID's breaker, rejecting immediately with
// gobreaker.ErrOpenState if the breaker is open.
func (m *CircuitManager) Execute(workerID string, fn func() (interface{}, error)) (interface{}, error) {
	cb := m.getOrCreate(workerID)
	return cb.Execute(fn)
}

func (m *CircuitManager) IsOpen(workerID string) bool {
	m.mu.RLock()
	cb, exists := m.breakers[workerID]
	m.mu.RUnlock()
	if !exists {
		return false
	}
	return cb.State() == gobreaker.StateOpen
}

func (m *CircuitManager) GetState(workerID string) CircuitState {
	m.mu.RLock()
	cb, exists := m.breakers[workerID]
	m.mu.RUnlock()
	if !exists {
		return CircuitClosed
	}
	return gobreakerStateToCircuitState(cb.State())
}

func (m *CircuitManager) GetAllStates() map[string]CircuitState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CircuitState, len(m.breakers))
	for id, cb := range m.breakers {
		out[id] = gobreakerStateToCircuitState(cb.State())
	}
	return out
}

// Remove drops a worker's breaker. Orchestrator.Replace calls it when a
// worker is swapped out, so the replacement — which keeps the same ID —
// starts with a fresh, closed breaker.
func (m *CircuitManager) Remove(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.breakers, workerID)
}

func gobreakerStateToCircuitState(state gobreaker.State) CircuitState {
	switch state {
	case gobreaker.StateClosed:
		return CircuitClosed
	case gobreaker.StateHalfOpen:
		return CircuitHalfOpen
	case gobreaker.StateOpen:
		return CircuitOpen
	default:
		return CircuitClosed
	}
}
