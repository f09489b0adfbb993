package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_Transitions(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreakerWithConfig(&CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute, HalfOpenMaxReqs: 1})
	cb.now = func() time.Time { return now }

	assert.Equal(t, StateClosedCB, cb.State())
	cb.OnFailure()
	assert.Equal(t, StateClosedCB, cb.State())
	cb.OnFailure()
	assert.Equal(t, StateOpenCB, cb.State())
	assert.False(t, cb.Allow())

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.Allow())
	assert.Equal(t, StateHalfOpenCB, cb.State())
	// only one probe while half-open
	assert.False(t, cb.Allow())

	cb.OnSuccess()
	assert.Equal(t, StateClosedCB, cb.State())
	assert.Equal(t, 0, cb.FailureCount())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreakerWithConfig(&CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Second, HalfOpenMaxReqs: 1})
	cb.now = func() time.Time { return now }

	cb.OnFailure()
	now = now.Add(2 * time.Second)
	assert.True(t, cb.Allow())
	cb.OnFailure()
	assert.Equal(t, StateOpenCB, cb.State())
	assert.False(t, cb.Allow())

	cb.Reset()
	assert.Equal(t, StateClosedCB, cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitBreakerState_String(t *testing.T) {
	tests := []struct {
		state    CircuitBreakerState
		expected string
	}{
		{StateClosedCB, "closed"},
		{StateOpenCB, "open"},
		{StateHalfOpenCB, "half-open"},
		{CircuitBreakerState(99), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.state.String())
	}
}

func TestDefaultCircuitBreakerConfig(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig()
	assert.Equal(t, 5, cfg.MaxFailures)
	assert.Equal(t, 60*time.Second, cfg.ResetTimeout)
	assert.Equal(t, 1, cfg.HalfOpenMaxReqs)

	stats := NewCircuitBreakerWithConfig(nil).Stats()
	assert.Equal(t, "closed", stats["state"])
}
