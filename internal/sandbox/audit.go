package sandbox

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// AuditEntry is one line of the append-only execution audit. Timestamps are
// ISO-8601; Duration is milliseconds.
type AuditEntry struct {
	Timestamp  string   `json:"timestamp"`
	Action     string   `json:"action"` // allow | deny | update
	Command    string   `json:"command"`
	Args       []string `json:"args"`
	Reason     string   `json:"reason,omitempty"`
	Duration   int64    `json:"duration,omitempty"`
	OutputSize int      `json:"outputSize,omitempty"`
}

// AuditLog appends JSONL entries to a single file. Append errors are
// returned to the caller; the executor decides whether the command may
// proceed regardless.
type AuditLog struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func NewAuditLog(path string) *AuditLog {
	return &AuditLog{path: path, now: time.Now}
}

func (a *AuditLog) Append(entry AuditEntry) error {
	if a == nil || a.path == "" {
		return nil
	}
	if entry.Timestamp == "" {
		entry.Timestamp = a.now().UTC().Format(time.RFC3339)
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}
