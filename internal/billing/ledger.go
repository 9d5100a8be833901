package billing

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"
)

// LedgerEntry is one cost line. Micro amounts are decimal strings on disk.
type LedgerEntry struct {
	Timestamp    string `json:"ts"`
	RequestID    string `json:"request_id"`
	TenantID     string `json:"tenant_id"`
	KeyID        string `json:"key_id,omitempty"`
	Model        string `json:"model,omitempty"`
	AmountMicro  string `json:"amount_micro"`
	BalanceAfter string `json:"balance_after,omitempty"`
	EventType    string `json:"event_type"`
}

// Ledger appends cost lines to a JSONL file, fire-and-forget: an append
// failure is logged and dropped, never surfaced to the request. The billing
// system of record is Postgres; this file is the operator's grep surface.
type Ledger struct {
	mu     sync.Mutex
	file   *os.File
	logger *log.Logger
}

// NewLedger opens (or creates) the ledger file for appending. An empty path
// disables the ledger.
func NewLedger(path string) (*Ledger, error) {
	l := &Ledger{logger: log.New(os.Stdout, "[CostLedger] ", log.LstdFlags)}
	if path == "" {
		return l, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	l.file = f
	return l, nil
}

// Append writes one entry. Timestamp is stamped here if unset.
func (l *Ledger) Append(entry LedgerEntry) {
	if l.file == nil {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("marshal ledger entry failed: %v", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		l.logger.Printf("append ledger entry failed: %v", err)
	}
}

func (l *Ledger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
