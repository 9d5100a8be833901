package workerpool

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
)

// workerProcess is the pool's handle on one child. Send posts a command;
// replies and the eventual exit arrive through the deliver callback the
// factory captured. Kill is idempotent and asynchronous: the exit surfaces
// as an event like any crash.
type workerProcess interface {
	Send(cmd Command) error
	Kill()
}

// ProcessFactory spawns one worker child. The deliver callback feeds the
// supervisor's event channel; implementations tag everything they deliver
// with the workerID and generation they were created under so stale
// deliveries are discardable.
type ProcessFactory func(workerID int, gen uint64, deliver func(event)) (workerProcess, error)

// execProcess runs the agent-worker binary and speaks JSONL over its stdio.
type execProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	mu  sync.Mutex
	enc *json.Encoder
}

// NewExecProcessFactory builds the production factory for the given worker
// command line.
func NewExecProcessFactory(command []string) ProcessFactory {
	return func(workerID int, gen uint64, deliver func(event)) (workerProcess, error) {
		if len(command) == 0 {
			return nil, fmt.Errorf("empty worker command")
		}
		cmd := exec.Command(command[0], command[1:]...)
		cmd.Stderr = os.Stderr

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("worker stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("worker stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("start worker: %w", err)
		}

		p := &execProcess{cmd: cmd, stdin: stdin, enc: json.NewEncoder(stdin)}
		go p.read(workerID, gen, stdout, deliver)

		slog.Info("[WorkerPool] worker spawned",
			"worker_id", workerID, "gen", gen, "pid", cmd.Process.Pid)
		return p, nil
	}
}

// read pumps replies until the child's stdout closes, then reaps it and
// delivers the exit exactly once.
func (p *execProcess) read(workerID int, gen uint64, stdout io.Reader, deliver func(event)) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var reply Reply
		if err := json.Unmarshal(line, &reply); err != nil {
			slog.Warn("[WorkerPool] undecodable worker line",
				"worker_id", workerID, "gen", gen, "error", err)
			continue
		}
		deliver(evReply{workerID: workerID, gen: gen, reply: reply})
	}

	err := p.cmd.Wait()
	deliver(evExit{workerID: workerID, gen: gen, err: err})
}

func (p *execProcess) Send(cmd Command) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(cmd)
}

func (p *execProcess) Kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	_ = p.stdin.Close()
}
