// Package schedule runs the gateway's recurring jobs: budget polls, the
// API-key cache sweep, JWKS refresh. Each task carries its own circuit
// breaker and its own jitter so a fleet of pods does not thundering-herd the
// upstream.
package schedule

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/loa-labs/loa-finn/internal/circuitbreaker"
)

// minDelay floors every schedule so a mis-configured interval cannot spin.
// Tests shorten it.
var minDelay = time.Second

// Task is one recurring job.
type Task struct {
	ID       string
	Interval time.Duration
	Jitter   time.Duration
	Handler  func(ctx context.Context) error
}

// Scheduler executes registered tasks on jittered timers. The next run is
// scheduled only after the current one settles, so a slow handler stretches
// its own cadence instead of stacking.
type Scheduler struct {
	breakers *circuitbreaker.Manager
	rand     *rand.Rand

	mu      sync.Mutex
	tasks   []Task
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New() *Scheduler {
	return &Scheduler{
		breakers: circuitbreaker.NewManager(circuitbreaker.TaskConfig("")),
		rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register adds a task. Registration after Start is rejected to keep the
// run-loop ownership simple.
func (s *Scheduler) Register(task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already started")
	}
	s.tasks = append(s.tasks, task)
	return nil
}

// Start launches one goroutine per task. Idempotent start is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)
	for _, task := range s.tasks {
		s.wg.Add(1)
		go s.run(ctx, task)
	}
	slog.Info("[Scheduler] started", "tasks", len(s.tasks))
}

// Stop cancels all tasks and waits for in-flight handlers to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	slog.Info("[Scheduler] stopped")
}

func (s *Scheduler) run(ctx context.Context, task Task) {
	defer s.wg.Done()
	breaker := s.breakers.Get(task.ID)

	timer := time.NewTimer(s.nextDelay(task))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		_, err := breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
			return nil, task.Handler(ctx)
		})
		switch {
		case err == nil:
		case errors.Is(err, circuitbreaker.ErrCircuitOpen),
			errors.Is(err, circuitbreaker.ErrTooManyRequests):
			// The breaker is rationing retries; nothing to log per tick.
		case ctx.Err() != nil:
			return
		default:
			slog.Warn("[Scheduler] task failed", "task", task.ID, "error", err)
		}

		timer.Reset(s.nextDelay(task))
	}
}

// nextDelay is interval ± uniform jitter, floored at one second.
func (s *Scheduler) nextDelay(task Task) time.Duration {
	delay := task.Interval
	if task.Jitter > 0 {
		s.mu.Lock()
		delay += time.Duration(s.rand.Int63n(int64(2*task.Jitter))) - task.Jitter
		s.mu.Unlock()
	}
	if delay < minDelay {
		delay = minDelay
	}
	return delay
}

// BreakerStats exposes per-task breaker state for the health surface.
func (s *Scheduler) BreakerStats() map[string]circuitbreaker.Stats {
	return s.breakers.Stats()
}
