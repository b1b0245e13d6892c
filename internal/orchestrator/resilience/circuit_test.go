package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCircuitConfig() CircuitConfig {
	return CircuitConfig{
		MaxRequests:  1,
		Interval:     time.Second,
		Timeout:      20 * time.Millisecond,
		FailureRatio: 0.5,
		MinRequests:  2,
	}
}

func TestCircuitManagerStartsClosed(t *testing.T) {
	m := NewCircuitManager(testCircuitConfig())
	assert.Equal(t, CircuitClosed, m.GetState("worker-1"))
	assert.False(t, m.IsOpen("worker-1"))
}

func TestCircuitManagerOpensAfterRepeatedFailures(t *testing.T) {
	m := NewCircuitManager(testCircuitConfig())
	failing := func() (interface{}, error) { return nil, errors.New("boom") }

	for i := 0; i < 5; i++ {
		_, _ = m.Execute("worker-1", failing)
	}

	assert.True(t, m.IsOpen("worker-1"))
	assert.Equal(t, CircuitOpen, m.GetState("worker-1"))
}

func TestCircuitManagerFiresOnStateChangeCallback(t *testing.T) {
	m := NewCircuitManager(testCircuitConfig())

	var transitions []CircuitState
	m.OnStateChange(func(workerID string, from, to CircuitState) {
		transitions = append(transitions, to)
	})

	failing := func() (interface{}, error) { return nil, errors.New("boom") }
	for i := 0; i < 5; i++ {
		_, _ = m.Execute("worker-1", failing)
	}

	require.NotEmpty(t, transitions)
	assert.Equal(t, CircuitOpen, transitions[len(transitions)-1])
}

func TestCircuitManagerIndependentPerWorker(t *testing.T) {
	m := NewCircuitManager(testCircuitConfig())
	failing := func() (interface{}, error) { return nil, errors.New("boom") }

	for i := 0; i < 5; i++ {
		_, _ = m.Execute("worker-1", failing)
	}

	assert.True(t, m.IsOpen("worker-1"))
	assert.False(t, m.IsOpen("worker-2"))
}

func TestCircuitManagerRemoveResetsState(t *testing.T) {
	m := NewCircuitManager(testCircuitConfig())
	failing := func() (interface{}, error) { return nil, errors.New("boom") }
	for i := 0; i < 5; i++ {
		_, _ = m.Execute("worker-1", failing)
	}
	require.True(t, m.IsOpen("worker-1"))

	m.Remove("worker-1")
	assert.Equal(t, CircuitClosed, m.GetState("worker-1"))
}

func TestCircuitManagerExecuteReturnsSuccessValue(t *testing.T) {
	m := NewCircuitManager(testCircuitConfig())
	result, err := m.Execute("worker-1", func() (interface{}, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}
