package apikey

import (
	"context"
	"sync"
	"time"

	"github.com/loa-labs/loa-finn/internal/core"
)

// MemoryStore is an in-process KeyStore with the same refusal semantics as
// Postgres. Tests and the preflight checker use it; it is not a production
// backend.
type MemoryStore struct {
	mu     sync.Mutex
	keys   map[string]*Record       // by keyID
	byHash map[string]string        // lookupHash → keyID
	events map[string]*BillingEvent // by requestID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys:   make(map[string]*Record),
		byHash: make(map[string]string),
		events: make(map[string]*BillingEvent),
	}
}

func (s *MemoryStore) Insert(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	now := time.Now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.keys[rec.KeyID] = &cp
	s.byHash[rec.LookupHash] = rec.KeyID
	return nil
}

func (s *MemoryStore) GetByLookupHash(_ context.Context, lookupHash string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keyID, ok := s.byHash[lookupHash]
	if !ok {
		return nil, core.E(core.KindKeyNotFound, "api key not found")
	}
	cp := *s.keys[keyID]
	return &cp, nil
}

func (s *MemoryStore) GetByKeyID(_ context.Context, keyID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.keys[keyID]
	if !ok {
		return nil, core.E(core.KindKeyNotFound, "api key not found")
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) Revoke(_ context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.keys[keyID]
	if !ok {
		return core.E(core.KindKeyNotFound, "api key not found")
	}
	rec.Revoked = true
	rec.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) Debit(_ context.Context, keyID, requestID string, costMicro int64, eventType string) (*DebitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev, ok := s.events[requestID]; ok {
		return &DebitResult{BalanceAfter: ev.BalanceAfter, Duplicate: true}, nil
	}

	rec, ok := s.keys[keyID]
	if !ok {
		return nil, core.E(core.KindKeyNotFound, "api key not found")
	}
	if rec.Revoked {
		return nil, core.E(core.KindAPIKeyRevoked, "api key is revoked")
	}
	if rec.BalanceMicro < costMicro {
		return nil, core.E(core.KindInsufficientCredits, "insufficient credits")
	}

	rec.BalanceMicro -= costMicro
	rec.UpdatedAt = time.Now()
	s.events[requestID] = &BillingEvent{
		KeyID:        keyID,
		RequestID:    requestID,
		AmountMicro:  costMicro,
		BalanceAfter: rec.BalanceMicro,
		EventType:    eventType,
		CreatedAt:    time.Now(),
	}
	return &DebitResult{BalanceAfter: rec.BalanceMicro}, nil
}

// Event exposes a recorded billing event to tests.
func (s *MemoryStore) Event(requestID string) (*BillingEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[requestID]
	if !ok {
		return nil, false
	}
	cp := *ev
	return &cp, true
}
