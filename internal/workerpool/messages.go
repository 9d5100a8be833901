// Package workerpool dispatches sandboxed subprocess work across two
// priority lanes. A single supervisor goroutine owns every piece of mutable
// pool state; workers, timers, and callers reach it exclusively through its
// event channel. Timeouts are supervisor-authoritative: a wedged worker
// cannot report its own wedge, so the worker side never self-times-out.
package workerpool

import (
	"github.com/loa-labs/loa-finn/internal/core"
)

// Message types on the pool↔worker JSONL protocol.
const (
	MsgExec    = "exec"
	MsgAbort   = "abort"
	MsgResult  = "result"
	MsgAborted = "aborted"
)

// Command is one pool→worker message.
type Command struct {
	Type     string         `json:"type"`
	JobID    string         `json:"jobId"`
	Spec     *core.ExecSpec `json:"spec,omitempty"`
	JailRoot string         `json:"jailRoot,omitempty"`
}

// Reply is one worker→pool message. Replies carrying a jobId the receiver no
// longer recognizes are stale messages from aborted prior work and are
// silently discarded.
type Reply struct {
	Type   string           `json:"type"`
	JobID  string           `json:"jobId"`
	Result *core.ExecResult `json:"result,omitempty"`
}

// Lane selects the priority channel. The two lanes share no workers: system
// work (operator-initiated) never competes with interactive traffic.
type Lane int

const (
	LaneInteractive Lane = iota
	LaneSystem
)

func (l Lane) String() string {
	if l == LaneSystem {
		return "system"
	}
	return "interactive"
}
