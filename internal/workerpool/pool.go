package workerpool

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loa-labs/loa-finn/internal/core"
)

// Config sizes the pool. Factory defaults to the exec factory over
// WorkerCommand.
type Config struct {
	InteractiveWorkers int           // default 2
	QueueDepth         int           // default 10, per lane
	HardTimeout        time.Duration // default 10s
	ShutdownDeadline   time.Duration // default 5s
	JailRoot           string
	WorkerCommand      []string
	Factory            ProcessFactory
}

// jobResult is what a waiting caller receives.
type jobResult struct {
	res *core.ExecResult
	err error
}

// job is one queued or in-flight ExecSpec.
type job struct {
	id      string
	spec    *core.ExecSpec
	session string
	done    chan jobResult
}

// managedWorker is one long-lived child slot. On crash or wedge the record
// is mutated in place — generation bumped, process replaced — never
// reallocated, so nothing can keep a handler wired to the dead process.
type managedWorker struct {
	id   int
	lane Lane
	gen  uint64

	proc        workerProcess
	busy        bool
	job         *job
	softTimer   *time.Timer
	hardTimer   *time.Timer
	abortReason core.ErrorKind // why an abort was posted, if one was
	dead        bool           // no live process (respawn pending or shutdown)
}

// Supervisor events. Everything that touches pool state arrives as one of
// these on a single channel.
type event interface{}

type evSubmit struct {
	lane Lane
	j    *job
}
type evReply struct {
	workerID int
	gen      uint64
	reply    Reply
}
type evExit struct {
	workerID int
	gen      uint64
	err      error
}
type evSoftTimeout struct {
	workerID int
	jobID    string
}
type evHardTimeout struct {
	workerID int
	jobID    string
}
type evRespawn struct {
	workerID int
}
type evShutdown struct {
	done chan struct{}
}
type evShutdownExpired struct{}
type evStats struct {
	reply chan Stats
}

// Stats is a point-in-time view for the health surface and metrics.
type Stats struct {
	InteractiveBusy  int
	InteractiveIdle  int
	InteractiveQueue int
	SystemBusy       int
	SystemQueue      int
	Restarts         int64
}

// Pool is the public handle. All methods are safe for concurrent use.
type Pool struct {
	cfg    Config
	events chan event

	// Supervisor-owned; no other goroutine touches these.
	workers      []*managedWorker
	queues       map[Lane][]*job
	restarts     int64
	shuttingDown bool
	finished     bool
	shutdownDone chan struct{}

	stopped chan struct{}
}

// New builds and starts the pool: every worker is spawned up front so the
// first request pays no cold start.
func New(cfg Config) (*Pool, error) {
	if cfg.InteractiveWorkers <= 0 {
		cfg.InteractiveWorkers = 2
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 10
	}
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = 10 * time.Second
	}
	if cfg.ShutdownDeadline <= 0 {
		cfg.ShutdownDeadline = 5 * time.Second
	}
	if cfg.Factory == nil {
		cfg.Factory = NewExecProcessFactory(cfg.WorkerCommand)
	}

	p := &Pool{
		cfg:     cfg,
		events:  make(chan event, 256),
		queues:  map[Lane][]*job{LaneInteractive: nil, LaneSystem: nil},
		stopped: make(chan struct{}),
	}

	// Interactive workers first, then the single system worker.
	for i := 0; i < cfg.InteractiveWorkers+1; i++ {
		lane := LaneInteractive
		if i == cfg.InteractiveWorkers {
			lane = LaneSystem
		}
		w := &managedWorker{id: i, lane: lane, gen: 1}
		proc, err := cfg.Factory(w.id, w.gen, p.deliver)
		if err != nil {
			p.killAll()
			return nil, core.Wrap(core.KindWorkerUnavailable, "spawn worker", err)
		}
		w.proc = proc
		p.workers = append(p.workers, w)
	}

	go p.supervise()
	return p, nil
}

func (p *Pool) deliver(ev event) {
	select {
	case p.events <- ev:
	case <-p.stopped:
	}
}

// Submit dispatches spec on the lane and waits for its result. The caller
// suspends only on the completion handle; the dispatch itself never blocks
// on a worker.
func (p *Pool) Submit(ctx context.Context, lane Lane, spec *core.ExecSpec) (*core.ExecResult, error) {
	j := &job{
		id:      uuid.NewString(),
		spec:    spec,
		session: spec.SessionID,
		done:    make(chan jobResult, 1),
	}

	select {
	case p.events <- evSubmit{lane: lane, j: j}:
	case <-p.stopped:
		return nil, core.E(core.KindPoolShuttingDown, "worker pool is shut down")
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-j.done:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Shutdown stops accepting work, rejects the queues, aborts busy workers,
// and waits up to the configured deadline before killing stragglers.
func (p *Pool) Shutdown() {
	done := make(chan struct{})
	select {
	case p.events <- evShutdown{done: done}:
		<-done
	case <-p.stopped:
	}
}

// Stats snapshots the lanes.
func (p *Pool) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case p.events <- evStats{reply: reply}:
		return <-reply
	case <-p.stopped:
		return Stats{}
	}
}

// supervise is the single owner of pool state.
func (p *Pool) supervise() {
	for ev := range p.events {
		switch ev := ev.(type) {
		case evSubmit:
			p.handleSubmit(ev)
		case evReply:
			p.handleReply(ev)
		case evExit:
			p.handleExit(ev)
		case evSoftTimeout:
			p.handleSoftTimeout(ev)
		case evHardTimeout:
			p.handleHardTimeout(ev)
		case evRespawn:
			if w := p.workers[ev.workerID]; w.dead {
				p.respawn(w)
			}
		case evShutdown:
			p.beginShutdown(ev.done)
		case evShutdownExpired:
			p.finishShutdown(true)
			return
		case evStats:
			ev.reply <- p.statsLocked()
		}

		if p.shuttingDown && p.allIdleOrDead() {
			p.finishShutdown(false)
			return
		}
	}
}

func (p *Pool) handleSubmit(ev evSubmit) {
	if p.shuttingDown {
		ev.j.done <- jobResult{err: core.E(core.KindPoolShuttingDown, "worker pool is shutting down")}
		return
	}

	for _, w := range p.workers {
		if w.lane == ev.lane && !w.busy && !w.dead {
			p.dispatch(w, ev.j)
			return
		}
	}

	queue := p.queues[ev.lane]
	if len(queue) >= p.cfg.QueueDepth {
		ev.j.done <- jobResult{err: core.Ef(core.KindWorkerUnavailable,
			"%s lane queue is full", ev.lane)}
		return
	}
	p.queues[ev.lane] = p.enqueueFair(ev.lane, queue, ev.j)
}

// enqueueFair appends, except when the interactive queue is more than half
// full and the arrival's session matches the queue tail: then the job lands
// just behind the nearest different-session job, so one chatty session
// cannot monopolize the lane.
func (p *Pool) enqueueFair(lane Lane, queue []*job, j *job) []*job {
	if lane != LaneInteractive || j.session == "" ||
		len(queue)*2 <= p.cfg.QueueDepth || len(queue) == 0 ||
		queue[len(queue)-1].session != j.session {
		return append(queue, j)
	}

	for i := len(queue) - 1; i >= 0; i-- {
		if queue[i].session != j.session {
			out := make([]*job, 0, len(queue)+1)
			out = append(out, queue[:i+1]...)
			out = append(out, j)
			out = append(out, queue[i+1:]...)
			return out
		}
	}
	return append(queue, j)
}

func (p *Pool) dispatch(w *managedWorker, j *job) {
	w.busy = true
	w.job = j
	w.abortReason = ""

	cmd := Command{Type: MsgExec, JobID: j.id, Spec: j.spec, JailRoot: p.cfg.JailRoot}
	if err := w.proc.Send(cmd); err != nil {
		slog.Warn("[WorkerPool] dispatch write failed, replacing worker",
			"worker_id", w.id, "error", err)
		p.failCurrent(w, core.E(core.KindWorkerCrashed, "worker rejected dispatch"))
		w.proc.Kill()
		p.respawn(w)
		return
	}

	timeout := time.Duration(j.spec.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	jobID := j.id
	workerID := w.id
	w.softTimer = time.AfterFunc(timeout, func() {
		p.deliver(evSoftTimeout{workerID: workerID, jobID: jobID})
	})
}

func (p *Pool) handleReply(ev evReply) {
	w := p.workers[ev.workerID]
	if ev.gen != w.gen || !w.busy || w.job.id != ev.reply.JobID {
		slog.Debug("[WorkerPool] discarding stale reply",
			"worker_id", ev.workerID, "job_id", ev.reply.JobID)
		return
	}

	j := w.job
	reason := w.abortReason
	p.clearWorker(w)

	switch ev.reply.Type {
	case MsgResult:
		j.done <- jobResult{res: ev.reply.Result}
	case MsgAborted:
		if reason == "" {
			reason = core.KindExecTimeout
		}
		j.done <- jobResult{err: core.E(reason, "execution aborted")}
	default:
		j.done <- jobResult{err: core.Ef(core.KindInternal, "worker sent %q", ev.reply.Type)}
	}

	p.drainOne(w)
}

func (p *Pool) handleExit(ev evExit) {
	w := p.workers[ev.workerID]
	if ev.gen != w.gen {
		return // exit of an already-replaced process
	}

	if w.busy {
		slog.Warn("[WorkerPool] worker crashed while busy",
			"worker_id", w.id, "job_id", w.job.id, "error", ev.err)
		p.failCurrent(w, core.E(core.KindWorkerCrashed, "worker process exited during execution"))
	}
	w.dead = true
	if !p.shuttingDown {
		p.respawn(w)
	}
}

func (p *Pool) handleSoftTimeout(ev evSoftTimeout) {
	w := p.workers[ev.workerID]
	if !w.busy || w.job.id != ev.jobID {
		return // job already settled
	}

	w.abortReason = core.KindExecTimeout
	if err := w.proc.Send(Command{Type: MsgAbort, JobID: ev.jobID}); err != nil {
		slog.Warn("[WorkerPool] abort write failed", "worker_id", w.id, "error", err)
	}

	workerID, jobID := w.id, ev.jobID
	w.hardTimer = time.AfterFunc(p.cfg.HardTimeout, func() {
		p.deliver(evHardTimeout{workerID: workerID, jobID: jobID})
	})
}

func (p *Pool) handleHardTimeout(ev evHardTimeout) {
	w := p.workers[ev.workerID]
	if !w.busy || w.job.id != ev.jobID {
		return
	}

	// The worker ignored its abort: treat it as wedged, terminate, replace.
	slog.Error("[WorkerPool] worker wedged, terminating",
		"worker_id", w.id, "job_id", ev.jobID)
	p.failCurrent(w, core.E(core.KindExecTimeout, "worker wedged — terminated and replaced"))
	w.proc.Kill()
	w.dead = true
	p.respawn(w)
}

// failCurrent settles the worker's in-flight job with err and clears it.
func (p *Pool) failCurrent(w *managedWorker, err *core.Error) {
	j := w.job
	p.clearWorker(w)
	if j != nil {
		j.done <- jobResult{err: err}
	}
}

func (p *Pool) clearWorker(w *managedWorker) {
	if w.softTimer != nil {
		w.softTimer.Stop()
		w.softTimer = nil
	}
	if w.hardTimer != nil {
		w.hardTimer.Stop()
		w.hardTimer = nil
	}
	w.busy = false
	w.job = nil
	w.abortReason = ""
}

// respawn replaces the worker's process in place: same record, generation
// bumped. Allocating a fresh record would leak handler references to the
// old process.
func (p *Pool) respawn(w *managedWorker) {
	if p.shuttingDown {
		return
	}
	w.gen++
	w.dead = false
	proc, err := p.cfg.Factory(w.id, w.gen, p.deliver)
	if err != nil {
		slog.Error("[WorkerPool] respawn failed, retrying",
			"worker_id", w.id, "error", err)
		w.dead = true
		workerID := w.id
		time.AfterFunc(time.Second, func() {
			p.deliver(evRespawn{workerID: workerID})
		})
		return
	}
	w.proc = proc
	p.restarts++
	p.drainOne(w)
}

// drainOne hands the worker the next queued job on its lane, if any.
func (p *Pool) drainOne(w *managedWorker) {
	if p.shuttingDown || w.busy || w.dead {
		return
	}
	queue := p.queues[w.lane]
	if len(queue) == 0 {
		return
	}
	j := queue[0]
	p.queues[w.lane] = queue[1:]
	p.dispatch(w, j)
}

func (p *Pool) beginShutdown(done chan struct{}) {
	if p.shuttingDown {
		close(done)
		return
	}
	p.shuttingDown = true
	p.shutdownDone = done

	for lane, queue := range p.queues {
		for _, j := range queue {
			j.done <- jobResult{err: core.E(core.KindPoolShuttingDown, "worker pool is shutting down")}
		}
		p.queues[lane] = nil
	}

	for _, w := range p.workers {
		if w.busy {
			w.abortReason = core.KindPoolShuttingDown
			if err := w.proc.Send(Command{Type: MsgAbort, JobID: w.job.id}); err != nil {
				slog.Warn("[WorkerPool] shutdown abort write failed", "worker_id", w.id, "error", err)
			}
		}
	}

	// Safety timer: fires even if a worker never flips back to idle.
	time.AfterFunc(p.cfg.ShutdownDeadline, func() {
		p.deliver(evShutdownExpired{})
	})
}

func (p *Pool) allIdleOrDead() bool {
	for _, w := range p.workers {
		if w.busy {
			return false
		}
	}
	return true
}

// finishShutdown force-kills stragglers when the deadline expired, settles
// any jobs still pending, and stops the supervisor.
func (p *Pool) finishShutdown(expired bool) {
	if !p.shuttingDown || p.finished {
		return
	}
	p.finished = true
	for _, w := range p.workers {
		if w.busy {
			if expired {
				slog.Warn("[WorkerPool] forcing worker termination at shutdown deadline",
					"worker_id", w.id)
			}
			p.failCurrent(w, core.E(core.KindPoolShuttingDown, "worker pool is shutting down"))
		}
	}
	p.killAll()
	if p.shutdownDone != nil {
		close(p.shutdownDone)
		p.shutdownDone = nil
	}
	close(p.stopped)
	slog.Info("[WorkerPool] shutdown complete", "restarts", p.restarts)
}

func (p *Pool) killAll() {
	for _, w := range p.workers {
		if w.proc != nil {
			w.proc.Kill()
		}
	}
}

func (p *Pool) statsLocked() Stats {
	var s Stats
	for _, w := range p.workers {
		switch {
		case w.lane == LaneInteractive && w.busy:
			s.InteractiveBusy++
		case w.lane == LaneInteractive:
			s.InteractiveIdle++
		case w.busy:
			s.SystemBusy++
		}
	}
	s.InteractiveQueue = len(p.queues[LaneInteractive])
	s.SystemQueue = len(p.queues[LaneSystem])
	s.Restarts = p.restarts
	return s
}
