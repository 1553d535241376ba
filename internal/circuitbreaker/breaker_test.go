package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietConfig(name string, failures uint32, timeout time.Duration) *Config {
	return &Config{Name: name, ConsecutiveFailures: failures, Timeout: timeout}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := New(quietConfig("db", 3, time.Minute))

	for i := 0; i < 3; i++ {
		gen, err := cb.Allow()
		require.NoError(t, err)
		cb.Record(gen, false)
	}
	assert.Equal(t, StateOpen, cb.State())

	_, err := cb.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCountsTrackOneRequestPerAdmission(t *testing.T) {
	cb := New(quietConfig("db", 5, time.Minute))

	gen, err := cb.Allow()
	require.NoError(t, err)
	cb.Record(gen, true)
	gen, err = cb.Allow()
	require.NoError(t, err)
	cb.Record(gen, false)

	c := cb.Counts()
	assert.Equal(t, uint32(2), c.Requests)
	assert.Equal(t, uint32(1), c.TotalSuccesses)
	assert.Equal(t, uint32(1), c.TotalFailures)
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	cb := New(quietConfig("db", 3, time.Minute))

	for i := 0; i < 2; i++ {
		gen, _ := cb.Allow()
		cb.Record(gen, false)
	}
	gen, _ := cb.Allow()
	cb.Record(gen, true)
	for i := 0; i < 2; i++ {
		gen, _ := cb.Allow()
		cb.Record(gen, false)
	}

	// 2 failures, success, 2 failures: never 3 consecutive.
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenAndRecovery(t *testing.T) {
	cb := New(quietConfig("db", 1, 10*time.Millisecond))

	gen, _ := cb.Allow()
	cb.Record(gen, false)
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Single half-open success closes the circuit.
	gen, err := cb.Allow()
	require.NoError(t, err)
	cb.Record(gen, true)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := New(quietConfig("db", 1, 10*time.Millisecond))

	gen, _ := cb.Allow()
	cb.Record(gen, false)
	time.Sleep(20 * time.Millisecond)

	gen, err := cb.Allow()
	require.NoError(t, err)
	cb.Record(gen, false)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerStaleGenerationIgnored(t *testing.T) {
	cb := New(quietConfig("db", 1, time.Minute))

	staleGen, _ := cb.Allow()
	gen, _ := cb.Allow()
	cb.Record(gen, false) // trips the breaker, bumping the generation

	// A result from before the trip must not touch the new generation.
	cb.Record(staleGen, true)
	assert.Equal(t, StateOpen, cb.State())
}

func TestExecute(t *testing.T) {
	cb := New(quietConfig("db", 2, time.Minute))
	boom := errors.New("boom")

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.ErrorIs(t, cb.Execute(func() error { return boom }), boom)
	assert.ErrorIs(t, cb.Execute(func() error { return boom }), boom)

	err := cb.Execute(func() error {
		t.Fatal("must not run while open")
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestManagerReusesBreakers(t *testing.T) {
	m := NewManager(quietConfig("", 5, time.Minute))

	a := m.Get("pool:auth")
	b := m.Get("pool:auth")
	assert.Same(t, a, b)
	assert.Equal(t, "pool:auth", a.Name())

	m.Get("pool:read")
	states := m.States()
	assert.Len(t, states, 2)
	assert.Equal(t, StateClosed, states["pool:read"])
}
