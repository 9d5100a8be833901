package ratelimit

import (
	"sync"
	"time"
)

// fallbackWindow is the clamp applied while the store is unreachable: one
// request per minute per identifier, regardless of tier.
const fallbackWindow = time.Minute

// memoryLimiter is the per-process degraded limiter. It deliberately ignores
// tier budgets: with the store down there is no cross-process view, so the
// only safe posture is a hard clamp.
type memoryLimiter struct {
	now func() time.Time

	mu        sync.Mutex
	lastAllow map[string]time.Time
	lastSweep time.Time
}

func newMemoryLimiter(now func() time.Time) *memoryLimiter {
	return &memoryLimiter{
		now:       now,
		lastAllow: make(map[string]time.Time),
	}
}

func (m *memoryLimiter) check(identifier string) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.sweepLocked(now)

	last, seen := m.lastAllow[identifier]
	if seen && now.Sub(last) < fallbackWindow {
		retry := int((fallbackWindow - now.Sub(last)).Seconds()) + 1
		return Decision{
			Allowed:       false,
			Limit:         1,
			Remaining:     0,
			RetryAfterSec: retry,
			ResetUnix:     last.Add(fallbackWindow).Unix(),
		}
	}

	m.lastAllow[identifier] = now
	return Decision{
		Allowed:   true,
		Limit:     1,
		Remaining: 0,
		ResetUnix: now.Add(fallbackWindow).Unix(),
	}
}

// sweepLocked drops identifiers idle past the window so a long store outage
// does not grow the map without bound. At most once per minute.
func (m *memoryLimiter) sweepLocked(now time.Time) {
	if now.Sub(m.lastSweep) < time.Minute {
		return
	}
	m.lastSweep = now
	for id, last := range m.lastAllow {
		if now.Sub(last) >= fallbackWindow {
			delete(m.lastAllow, id)
		}
	}
}
