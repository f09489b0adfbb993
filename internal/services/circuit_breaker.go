package services

import (
	"sync"
	"time"
)

// CircuitBreakerState breaker state.
type CircuitBreakerState int

const (
	StateClosedCB   CircuitBreakerState = iota // normal
	StateOpenCB                                // failing fast
	StateHalfOpenCB                            // probing
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosedCB:
		return "closed"
	case StateOpenCB:
		return "open"
	case StateHalfOpenCB:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig breaker thresholds.
type CircuitBreakerConfig struct {
	MaxFailures     int           `yaml:"max_failures"`
	ResetTimeout    time.Duration `yaml:"reset_timeout"`
	HalfOpenMaxReqs int           `yaml:"half_open_max_reqs"`
}

func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		MaxFailures:     5,
		ResetTimeout:    60 * time.Second,
		HalfOpenMaxReqs: 1,
	}
}

// CircuitBreaker guards a flaky dependency. After MaxFailures consecutive failures it
// rejects calls until ResetTimeout has passed, then lets HalfOpenMaxReqs probes through.
type CircuitBreaker struct {
	config       *CircuitBreakerConfig
	state        CircuitBreakerState
	failureCount int
	lastFailTime time.Time
	halfOpenReqs int
	mutex        sync.RWMutex
	now          func() time.Time
}

func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(DefaultCircuitBreakerConfig())
}

func NewCircuitBreakerWithConfig(config *CircuitBreakerConfig) *CircuitBreaker {
	if config == nil {
		config = DefaultCircuitBreakerConfig()
	}
	return &CircuitBreaker{
		config: config,
		state:  StateClosedCB,
		now:    time.Now,
	}
}

// Allow reports whether a call may go through.
func (cb *CircuitBreaker) Allow() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateClosedCB:
		return true
	case StateOpenCB:
		if cb.now().Sub(cb.lastFailTime) > cb.config.ResetTimeout {
			cb.state = StateHalfOpenCB
			cb.halfOpenReqs = 1
			return true
		}
		return false
	case StateHalfOpenCB:
		if cb.halfOpenReqs < cb.config.HalfOpenMaxReqs {
			cb.halfOpenReqs++
			return true
		}
		return false
	default:
		return false
	}
}

func (cb *CircuitBreaker) OnSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateClosedCB:
		cb.failureCount = 0
	case StateHalfOpenCB:
		cb.state = StateClosedCB
		cb.failureCount = 0
		cb.halfOpenReqs = 0
	}
}

func (cb *CircuitBreaker) OnFailure() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.failureCount++
	cb.lastFailTime = cb.now()

	switch cb.state {
	case StateClosedCB:
		if cb.failureCount >= cb.config.MaxFailures {
			cb.state = StateOpenCB
		}
	case StateHalfOpenCB:
		cb.state = StateOpenCB
		cb.halfOpenReqs = 0
	}
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.state
}

func (cb *CircuitBreaker) FailureCount() int {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.failureCount
}

func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.state = StateClosedCB
	cb.failureCount = 0
	cb.halfOpenReqs = 0
}

// Stats is exposed on the readiness endpoint.
func (cb *CircuitBreaker) Stats() map[string]interface{} {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()

	return map[string]interface{}{
		"state":              cb.state.String(),
		"failure_count":      cb.failureCount,
		"last_fail_time":     cb.lastFailTime,
		"max_failures":       cb.config.MaxFailures,
		"reset_timeout":      cb.config.ResetTimeout.String(),
		"half_open_max_reqs": cb.config.HalfOpenMaxReqs,
	}
}
