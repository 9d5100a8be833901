package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loa-labs/loa-finn/internal/circuitbreaker"
)

func shortDelays(t *testing.T) {
	t.Helper()
	old := minDelay
	minDelay = 5 * time.Millisecond
	t.Cleanup(func() { minDelay = old })
}

func TestTaskRunsRepeatedly(t *testing.T) {
	shortDelays(t)
	s := New()
	var runs atomic.Int64
	require.NoError(t, s.Register(Task{
		ID:       "tick",
		Interval: 5 * time.Millisecond,
		Handler: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	s.Start(context.Background())
	defer s.Stop()

	assert.Eventually(t, func() bool { return runs.Load() >= 3 },
		2*time.Second, 10*time.Millisecond)
}

func TestRegisterAfterStartRejected(t *testing.T) {
	shortDelays(t)
	s := New()
	s.Start(context.Background())
	defer s.Stop()

	err := s.Register(Task{ID: "late"})
	assert.Error(t, err)
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	shortDelays(t)
	s := New()
	var attempts atomic.Int64
	require.NoError(t, s.Register(Task{
		ID:       "flaky",
		Interval: 5 * time.Millisecond,
		Handler: func(context.Context) error {
			attempts.Add(1)
			return errors.New("boom")
		},
	}))

	s.Start(context.Background())
	defer s.Stop()

	// Three consecutive failures open the circuit.
	assert.Eventually(t, func() bool {
		stats, ok := s.BreakerStats()["flaky"]
		return ok && stats.State == circuitbreaker.StateOpen
	}, 2*time.Second, 10*time.Millisecond)

	// Once open, the handler stops being invoked.
	settled := attempts.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, attempts.Load())
}

func TestStopWaitsForInflightHandler(t *testing.T) {
	shortDelays(t)
	s := New()
	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, s.Register(Task{
		ID:       "slow",
		Interval: 5 * time.Millisecond,
		Handler: func(context.Context) error {
			select {
			case started <- struct{}{}:
			default:
			}
			time.Sleep(30 * time.Millisecond)
			finished.Store(true)
			return nil
		},
	}))

	s.Start(context.Background())
	<-started
	s.Stop()
	assert.True(t, finished.Load())
}

func TestJitterStaysWithinBounds(t *testing.T) {
	s := New()
	task := Task{Interval: 10 * time.Second, Jitter: 2 * time.Second}
	for i := 0; i < 100; i++ {
		d := s.nextDelay(task)
		assert.GreaterOrEqual(t, d, 8*time.Second)
		assert.LessOrEqual(t, d, 12*time.Second)
	}
}
