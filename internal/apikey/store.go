package apikey

import (
	"context"
	"time"
)

// DebitResult is the outcome of one debit. Duplicate marks an idempotent
// replay: the balance did not move and BalanceAfter is the value the first
// debit committed.
type DebitResult struct {
	BalanceAfter int64
	Duplicate    bool
}

// BillingEvent is one append-only ledger row, keyed uniquely by RequestID.
type BillingEvent struct {
	KeyID        string
	RequestID    string
	AmountMicro  int64
	BalanceAfter int64
	EventType    string
	Metadata     map[string]string
	CreatedAt    time.Time
}

// KeyStore is the persistence contract. PostgresStore is the production
// implementation; MemoryStore backs tests. Errors are tagged: unknown key →
// KEY_NOT_FOUND, revoked → API_KEY_REVOKED, balance short →
// INSUFFICIENT_CREDITS.
type KeyStore interface {
	Insert(ctx context.Context, rec *Record) error
	GetByLookupHash(ctx context.Context, lookupHash string) (*Record, error)
	GetByKeyID(ctx context.Context, keyID string) (*Record, error)
	Revoke(ctx context.Context, keyID string) error

	// Debit atomically checks and subtracts cost from the key's balance and
	// records the billing event in the same transactional unit. A repeated
	// RequestID is a no-op returning the previously committed BalanceAfter.
	Debit(ctx context.Context, keyID, requestID string, costMicro int64, eventType string) (*DebitResult, error)
}
