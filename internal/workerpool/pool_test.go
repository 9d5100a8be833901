package workerpool

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loa-labs/loa-finn/internal/core"
)

// fakeProc scripts a worker child in-process. Behavior is selected by the
// spec's first argument: "echo" answers, "sleep <ms>" answers late but honors
// aborts, "wedge" never answers anything, "crash" dies mid-job.
type fakeProc struct {
	id      int
	gen     uint64
	deliver func(event)
	killed  atomic.Bool
	abort   chan string
}

func fakeFactory() ProcessFactory {
	return func(workerID int, gen uint64, deliver func(event)) (workerProcess, error) {
		return &fakeProc{
			id:      workerID,
			gen:     gen,
			deliver: deliver,
			abort:   make(chan string, 8),
		}, nil
	}
}

func (f *fakeProc) Send(cmd Command) error {
	if f.killed.Load() {
		return errors.New("process is dead")
	}
	switch cmd.Type {
	case MsgAbort:
		f.abort <- cmd.JobID
		return nil
	case MsgExec:
		go f.run(cmd)
		return nil
	}
	return nil
}

func (f *fakeProc) run(cmd Command) {
	mode := "echo"
	if len(cmd.Spec.Args) > 0 {
		mode = cmd.Spec.Args[0]
	}

	switch mode {
	case "crash":
		f.Kill()
	case "wedge":
		// Never answers, never acknowledges aborts.
	case "sleep":
		ms, _ := strconv.Atoi(cmd.Spec.Args[1])
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			f.reply(Reply{Type: MsgResult, JobID: cmd.JobID,
				Result: &core.ExecResult{Stdout: "slept", ExitCode: 0, DurationMs: int64(ms)}})
		case id := <-f.abort:
			f.reply(Reply{Type: MsgAborted, JobID: id})
		}
	default:
		f.reply(Reply{Type: MsgResult, JobID: cmd.JobID,
			Result: &core.ExecResult{Stdout: "ok", ExitCode: 0}})
	}
}

func (f *fakeProc) reply(r Reply) {
	if !f.killed.Load() {
		f.deliver(evReply{workerID: f.id, gen: f.gen, reply: r})
	}
}

func (f *fakeProc) Kill() {
	if f.killed.CompareAndSwap(false, true) {
		f.deliver(evExit{workerID: f.id, gen: f.gen, err: errors.New("killed")})
	}
}

func newTestPool(t *testing.T, workers, depth int, hard time.Duration) *Pool {
	t.Helper()
	p, err := New(Config{
		InteractiveWorkers: workers,
		QueueDepth:         depth,
		HardTimeout:        hard,
		ShutdownDeadline:   200 * time.Millisecond,
		Factory:            fakeFactory(),
	})
	require.NoError(t, err)
	t.Cleanup(p.Shutdown)
	return p
}

func spec(args ...string) *core.ExecSpec {
	return &core.ExecSpec{BinaryPath: "/bin/fake", Args: args, TimeoutMs: 2000}
}

func TestSubmitReturnsResult(t *testing.T) {
	p := newTestPool(t, 2, 10, time.Second)
	res, err := p.Submit(context.Background(), LaneInteractive, spec("echo"))
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Stdout)
	assert.Equal(t, 0, res.ExitCode)
}

// S6: with two workers, a third job queues and dispatches when a worker
// frees up.
func TestQueuedJobDispatchesWhenWorkerFrees(t *testing.T) {
	p := newTestPool(t, 2, 10, time.Second)
	ctx := context.Background()

	a := make(chan error, 1)
	b := make(chan error, 1)
	go func() { _, err := p.Submit(ctx, LaneInteractive, spec("sleep", "150")); a <- err }()
	go func() { _, err := p.Submit(ctx, LaneInteractive, spec("sleep", "150")); b <- err }()

	require.Eventually(t, func() bool {
		return p.Stats().InteractiveBusy == 2
	}, time.Second, 5*time.Millisecond)

	res, err := p.Submit(ctx, LaneInteractive, spec("echo"))
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Stdout)
	require.NoError(t, <-a)
	require.NoError(t, <-b)
}

func TestFullQueueFailsWorkerUnavailable(t *testing.T) {
	p := newTestPool(t, 1, 2, time.Second)
	ctx := context.Background()

	// Occupy the worker and fill the queue.
	done := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { _, err := p.Submit(ctx, LaneInteractive, spec("sleep", "300")); done <- err }()
	}
	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.InteractiveBusy == 1 && s.InteractiveQueue == 2
	}, time.Second, 5*time.Millisecond)

	_, err := p.Submit(ctx, LaneInteractive, spec("echo"))
	assert.Equal(t, core.KindWorkerUnavailable, core.KindOf(err))

	for i := 0; i < 3; i++ {
		require.NoError(t, <-done)
	}
}

func TestLanesShareNoWorkers(t *testing.T) {
	p := newTestPool(t, 1, 10, time.Second)
	ctx := context.Background()

	// Saturate the interactive lane; the system lane must still answer
	// immediately.
	go p.Submit(ctx, LaneInteractive, spec("sleep", "300"))
	require.Eventually(t, func() bool {
		return p.Stats().InteractiveBusy == 1
	}, time.Second, 5*time.Millisecond)

	start := time.Now()
	res, err := p.Submit(ctx, LaneSystem, spec("echo"))
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Stdout)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestSoftTimeoutAbortsJob(t *testing.T) {
	p := newTestPool(t, 1, 10, time.Second)
	s := spec("sleep", "5000")
	s.TimeoutMs = 50

	_, err := p.Submit(context.Background(), LaneInteractive, s)
	assert.Equal(t, core.KindExecTimeout, core.KindOf(err))
}

// Property 9: a worker ignoring its abort is terminated at the hard deadline
// and replaced; the next job lands on the replacement.
func TestWedgedWorkerTerminatedAndReplaced(t *testing.T) {
	p := newTestPool(t, 1, 10, 100*time.Millisecond)
	s := spec("wedge")
	s.TimeoutMs = 50

	_, err := p.Submit(context.Background(), LaneInteractive, s)
	require.Equal(t, core.KindExecTimeout, core.KindOf(err))

	require.Eventually(t, func() bool {
		return p.Stats().Restarts >= 1
	}, time.Second, 5*time.Millisecond)

	res, err := p.Submit(context.Background(), LaneInteractive, spec("echo"))
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Stdout)
}

func TestCrashedWorkerFailsJobAndRecovers(t *testing.T) {
	p := newTestPool(t, 1, 10, time.Second)

	_, err := p.Submit(context.Background(), LaneInteractive, spec("crash"))
	require.Equal(t, core.KindWorkerCrashed, core.KindOf(err))

	require.Eventually(t, func() bool {
		return p.Stats().Restarts >= 1
	}, time.Second, 5*time.Millisecond)

	res, err := p.Submit(context.Background(), LaneInteractive, spec("echo"))
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Stdout)
}

func TestShutdownRejectsNewWork(t *testing.T) {
	p := newTestPool(t, 1, 10, time.Second)
	p.Shutdown()

	_, err := p.Submit(context.Background(), LaneInteractive, spec("echo"))
	assert.Equal(t, core.KindPoolShuttingDown, core.KindOf(err))
}

func TestShutdownRejectsQueuedJobs(t *testing.T) {
	p := newTestPool(t, 1, 10, time.Second)
	ctx := context.Background()

	busy := make(chan error, 1)
	queued := make(chan error, 1)
	go func() { _, err := p.Submit(ctx, LaneInteractive, spec("sleep", "500")); busy <- err }()
	require.Eventually(t, func() bool {
		return p.Stats().InteractiveBusy == 1
	}, time.Second, 5*time.Millisecond)
	go func() { _, err := p.Submit(ctx, LaneInteractive, spec("sleep", "500")); queued <- err }()
	require.Eventually(t, func() bool {
		return p.Stats().InteractiveQueue == 1
	}, time.Second, 5*time.Millisecond)

	p.Shutdown()

	assert.Equal(t, core.KindPoolShuttingDown, core.KindOf(<-queued))
	assert.Equal(t, core.KindPoolShuttingDown, core.KindOf(<-busy))
}

// Property 8: with sessions S,S,S,S,T queued and a new arrival from S, the
// queue becomes S,S,S,S,T,S.
func TestFairnessAppendsAfterDifferentSessionTail(t *testing.T) {
	p := &Pool{cfg: Config{QueueDepth: 8}}
	queue := []*job{
		{id: "1", session: "S"}, {id: "2", session: "S"},
		{id: "3", session: "S"}, {id: "4", session: "S"},
		{id: "5", session: "T"},
	}
	out := p.enqueueFair(LaneInteractive, queue, &job{id: "6", session: "S"})
	assert.Equal(t, []string{"S", "S", "S", "S", "T", "S"}, sessions(out))
	assert.Equal(t, "6", out[5].id)
}

// When the arrival matches the queue tail, it lands just after the nearest
// different-session job instead of extending the same-session run.
func TestFairnessBreaksUpSameSessionRun(t *testing.T) {
	p := &Pool{cfg: Config{QueueDepth: 4}}
	queue := []*job{
		{id: "1", session: "T"}, {id: "2", session: "S"}, {id: "3", session: "S"},
	}
	out := p.enqueueFair(LaneInteractive, queue, &job{id: "4", session: "S"})
	require.Len(t, out, 4)
	assert.Equal(t, "T", out[0].session)
	assert.Equal(t, "4", out[1].id)
}

func TestFairnessInactiveBelowHalfFull(t *testing.T) {
	p := &Pool{cfg: Config{QueueDepth: 10}}
	queue := []*job{{id: "1", session: "S"}, {id: "2", session: "S"}}
	out := p.enqueueFair(LaneInteractive, queue, &job{id: "3", session: "S"})
	assert.Equal(t, "3", out[2].id)
}

func sessions(queue []*job) []string {
	out := make([]string, len(queue))
	for i, j := range queue {
		out[i] = j.session
	}
	return out
}

func TestStaleRepliesDiscarded(t *testing.T) {
	p := newTestPool(t, 1, 10, time.Second)

	// Inject a reply for a job nobody owns; the pool must simply ignore it.
	p.deliver(evReply{workerID: 0, gen: 1, reply: Reply{Type: MsgResult, JobID: "ghost"}})

	res, err := p.Submit(context.Background(), LaneInteractive, spec("echo"))
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Stdout)
}
