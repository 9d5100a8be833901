// agent-worker is the pool's child process. It speaks JSONL over stdio:
// exec commands in, result/aborted replies out. It never times work out on
// its own; the supervisor owns timeouts and sends aborts.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/loa-labs/loa-finn/internal/core"
	"github.com/loa-labs/loa-finn/internal/workerpool"
)

const defaultMaxOutput = 1 << 20

func main() {
	if len(os.Args) > 1 {
		fmt.Fprintln(os.Stderr, "usage: agent-worker (no arguments; spawned by the pool)")
		os.Exit(2)
	}

	w := &worker{
		enc:  json.NewEncoder(os.Stdout),
		jobs: make(map[string]context.CancelFunc),
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var cmd workerpool.Command
		if err := json.Unmarshal(line, &cmd); err != nil {
			fmt.Fprintf(os.Stderr, "agent-worker: undecodable command: %v\n", err)
			os.Exit(3)
		}
		w.handle(cmd)
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "agent-worker: stdin read: %v\n", err)
		os.Exit(3)
	}

	// Pool closed our stdin: orderly shutdown.
	w.wg.Wait()
}

type worker struct {
	mu  sync.Mutex
	enc *json.Encoder

	jobsMu sync.Mutex
	jobs   map[string]context.CancelFunc
	wg     sync.WaitGroup
}

func (w *worker) handle(cmd workerpool.Command) {
	switch cmd.Type {
	case workerpool.MsgExec:
		if cmd.Spec == nil {
			fmt.Fprintf(os.Stderr, "agent-worker: exec without spec, job %s\n", cmd.JobID)
			os.Exit(3)
		}
		ctx, cancel := context.WithCancel(context.Background())
		w.jobsMu.Lock()
		w.jobs[cmd.JobID] = cancel
		w.jobsMu.Unlock()

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.run(ctx, cmd)
		}()
	case workerpool.MsgAbort:
		// Aborts for jobs we no longer hold are stale; drop them.
		w.jobsMu.Lock()
		cancel, ok := w.jobs[cmd.JobID]
		w.jobsMu.Unlock()
		if ok {
			cancel()
		}
	default:
		fmt.Fprintf(os.Stderr, "agent-worker: unknown command type %q\n", cmd.Type)
		os.Exit(3)
	}
}

// run executes one spec and replies exactly once.
func (w *worker) run(ctx context.Context, cmd workerpool.Command) {
	defer func() {
		w.jobsMu.Lock()
		delete(w.jobs, cmd.JobID)
		w.jobsMu.Unlock()
	}()

	spec := cmd.Spec
	maxOut := spec.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = defaultMaxOutput
	}
	stdout := &cappedBuffer{max: maxOut}
	stderr := &cappedBuffer{max: maxOut}

	proc := exec.CommandContext(ctx, spec.BinaryPath, spec.Args...)
	proc.Stdout = stdout
	proc.Stderr = stderr
	proc.Dir = spec.WorkingDir
	if proc.Dir == "" {
		proc.Dir = cmd.JailRoot
	}
	proc.Env = environ(spec.Env)

	start := time.Now()
	err := proc.Run()
	elapsed := time.Since(start).Milliseconds()

	if ctx.Err() != nil {
		w.reply(workerpool.Reply{Type: workerpool.MsgAborted, JobID: cmd.JobID})
		return
	}

	result := &core.ExecResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		Truncated:  stdout.truncated || stderr.truncated,
		DurationMs: elapsed,
	}
	if err != nil {
		if exit, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exit.ExitCode()
		} else {
			result.ExitCode = 127
			result.Stderr = err.Error()
		}
	}
	w.reply(workerpool.Reply{Type: workerpool.MsgResult, JobID: cmd.JobID, Result: result})
}

func (w *worker) reply(r workerpool.Reply) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(r); err != nil {
		fmt.Fprintf(os.Stderr, "agent-worker: stdout write: %v\n", err)
		os.Exit(3)
	}
}

// environ builds the child environment from the spec alone, keeping only
// PATH from our own environment when the spec does not set one.
func environ(env map[string]string) []string {
	out := make([]string, 0, len(env)+1)
	hasPath := false
	for k, v := range env {
		if k == "PATH" {
			hasPath = true
		}
		out = append(out, k+"="+v)
	}
	if !hasPath {
		out = append(out, "PATH="+os.Getenv("PATH"))
	}
	return out
}

// cappedBuffer keeps the first max bytes and remembers that it dropped the
// rest. It is never written concurrently; os/exec serializes each stream.
type cappedBuffer struct {
	buf       []byte
	max       int64
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - int64(len(b.buf))
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if int64(len(p)) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *cappedBuffer) String() string { return string(b.buf) }
