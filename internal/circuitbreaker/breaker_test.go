package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failN(t *testing.T, cb *CircuitBreaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := cb.Execute(func() (interface{}, error) { return nil, errBoom })
		require.Error(t, err)
	}
}

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	cb := New(TaskConfig("poll"))

	failN(t, cb, 2)
	assert.Equal(t, StateClosed, cb.State())

	failN(t, cb, 1)
	assert.Equal(t, StateOpen, cb.State())

	_, err := cb.Execute(func() (interface{}, error) { return "unreached", nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	cb := New(TaskConfig("poll"))

	failN(t, cb, 2)
	_, err := cb.Execute(func() (interface{}, error) { return nil, nil })
	require.NoError(t, err)
	failN(t, cb, 2)

	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenSingleProbe(t *testing.T) {
	cfg := TaskConfig("probe")
	cfg.Timeout = 10 * time.Millisecond
	cb := New(cfg)

	failN(t, cb, 3)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(15 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	// Probe succeeds: circuit closes again.
	_, err := cb.Execute(func() (interface{}, error) { return nil, nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	cfg := TaskConfig("probe")
	cfg.Timeout = 10 * time.Millisecond
	cb := New(cfg)

	failN(t, cb, 3)
	time.Sleep(15 * time.Millisecond)

	failN(t, cb, 1)
	assert.Equal(t, StateOpen, cb.State())
}

func TestHalfOpenRejectsSecondConcurrentProbe(t *testing.T) {
	cfg := TaskConfig("probe")
	cfg.Timeout = 10 * time.Millisecond
	cb := New(cfg)

	failN(t, cb, 3)
	time.Sleep(15 * time.Millisecond)

	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		cb.Execute(func() (interface{}, error) {
			<-release
			return nil, nil
		})
	}()

	// Give the first probe time to enter the breaker.
	time.Sleep(5 * time.Millisecond)
	_, err := cb.Execute(func() (interface{}, error) { return nil, nil })
	assert.ErrorIs(t, err, ErrTooManyRequests)

	close(release)
	<-done
}

func TestStateChangeCallback(t *testing.T) {
	var transitions []string
	cfg := TaskConfig("cb")
	cfg.OnStateChange = func(name string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}
	cb := New(cfg)

	failN(t, cb, 3)
	assert.Equal(t, []string{"CLOSED->OPEN"}, transitions)
}

func TestUpstreamProfileCountsWindowedFailures(t *testing.T) {
	cfg := UpstreamConfig("hub")
	cfg.Interval = 20 * time.Millisecond
	cb := New(cfg)

	failN(t, cb, 4)
	assert.Equal(t, StateClosed, cb.State())

	// Window rolls over; old failures are cleared.
	time.Sleep(25 * time.Millisecond)
	failN(t, cb, 4)
	assert.Equal(t, StateClosed, cb.State())

	failN(t, cb, 1)
	assert.Equal(t, StateOpen, cb.State())
}

func TestManagerReturnsSameBreakerPerName(t *testing.T) {
	m := NewManager(TaskConfig(""))

	a := m.Get("task-a")
	b := m.Get("task-a")
	c := m.Get("task-b")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)

	stats := m.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, StateClosed, stats["task-a"].State)
}
