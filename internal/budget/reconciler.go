// Package budget keeps the local view of tenant spend reconciled against the
// authoritative upstream budget service, degrading to bounded fail-open and
// then fail-closed while the upstream is unreachable.
package budget

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/loa-labs/loa-finn/internal/store"
)

// State is the per-tenant reconciliation mode.
type State int

const (
	Synced State = iota
	FailOpen
	FailClosed
)

func (s State) String() string {
	switch s {
	case Synced:
		return "SYNCED"
	case FailOpen:
		return "FAIL_OPEN"
	case FailClosed:
		return "FAIL_CLOSED"
	default:
		return "UNKNOWN"
	}
}

// View is the upstream's answer for one tenant. Micro fields arrive as
// decimal strings on the wire; the client parses them before this struct.
type View struct {
	CommittedMicro int64
	ReservedMicro  int64
	LimitMicro     int64
	WindowStart    time.Time
	WindowEnd      time.Time
}

// Fetcher is the upstream budget collaborator.
type Fetcher interface {
	FetchBudget(ctx context.Context, tenant string) (*View, error)
}

// StateChangeFunc observes transitions; fired exactly once per transition.
type StateChangeFunc func(tenant string, from, to State, reason string)

// Config tunes the state machine. All amounts are integer micro-units.
type Config struct {
	DriftThresholdMicro int64
	HeadroomPct         int64
	AbsCapMicro         int64
	MaxFailOpenDuration time.Duration
	OnStateChange       StateChangeFunc
	Store               store.Store // optional spend mirror for warm restart
	Prefix              string
	Now                 func() time.Time
}

// tenantState is owned by its mutex; Snapshot copies it out for readers.
type tenantState struct {
	mu sync.Mutex

	state             State
	localSpend        int64
	committed         int64
	reserved          int64
	limit             int64
	windowStart       time.Time
	windowEnd         time.Time
	headroomRemaining int64
	failOpenStartedAt time.Time
}

// Snapshot is the read-side copy of one tenant's state.
type Snapshot struct {
	State             State
	LocalSpend        int64
	CommittedMicro    int64
	ReservedMicro     int64
	LimitMicro        int64
	WindowStart       time.Time
	WindowEnd         time.Time
	HeadroomRemaining int64
	FailOpenStartedAt time.Time
}

// Reconciler tracks a fixed set of tenants. Tenants without a budget
// contract are not tracked and are always allowed.
type Reconciler struct {
	fetcher  Fetcher
	cfg      Config
	onChange StateChangeFunc
	now      func() time.Time

	mu      sync.RWMutex
	tenants map[string]*tenantState
}

// New builds a reconciler over the given tenant limits. Every tenant starts
// SYNCED; local spend is seeded from the store mirror when one is configured,
// so a restart does not reset the drift comparison to zero.
func New(fetcher Fetcher, limits map[string]int64, cfg Config) *Reconciler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HeadroomPct <= 0 {
		cfg.HeadroomPct = 10
	}
	if cfg.MaxFailOpenDuration <= 0 {
		cfg.MaxFailOpenDuration = 5 * time.Minute
	}

	tenants := make(map[string]*tenantState, len(limits))
	for tenant, limit := range limits {
		tenants[tenant] = &tenantState{state: Synced, limit: limit, localSpend: seedSpend(cfg, tenant)}
	}
	return &Reconciler{
		fetcher:  fetcher,
		cfg:      cfg,
		onChange: cfg.OnStateChange,
		now:      cfg.Now,
		tenants:  tenants,
	}
}

// seedSpend reads the mirrored spend counter written by RecordLocalSpend. A
// missing or unreadable counter seeds zero.
func seedSpend(cfg Config, tenant string) int64 {
	if cfg.Store == nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	raw, err := cfg.Store.Get(ctx, cfg.Prefix+"budget:spend:"+tenant)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Debug("[BudgetReconciler] spend mirror read failed", "tenant", tenant, "error", err)
		}
		return 0
	}
	micro, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Debug("[BudgetReconciler] spend mirror is not an integer", "tenant", tenant, "value", raw)
		return 0
	}
	return micro
}

func (r *Reconciler) tenant(id string) (*tenantState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ts, ok := r.tenants[id]
	return ts, ok
}

// Tenants lists the tracked tenant ids.
func (r *Reconciler) Tenants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tenants))
	for id := range r.tenants {
		ids = append(ids, id)
	}
	return ids
}

// RecordLocalSpend adds micro to the tenant's local counter. In FAIL_OPEN it
// also burns headroom; headroom only ever decreases, and reaching zero flips
// to FAIL_CLOSED.
func (r *Reconciler) RecordLocalSpend(tenant string, micro int64) {
	ts, ok := r.tenant(tenant)
	if !ok {
		return
	}

	ts.mu.Lock()
	ts.localSpend += micro
	if ts.state == FailOpen {
		ts.headroomRemaining -= micro
		if ts.headroomRemaining <= 0 {
			ts.headroomRemaining = 0
			r.transitionLocked(tenant, ts, FailClosed, "fail-open headroom exhausted")
		}
	}
	ts.mu.Unlock()

	if r.cfg.Store != nil {
		// Best-effort mirror; a warm restart seeds localSpend from it.
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := r.cfg.Store.IncrementInt(ctx, r.cfg.Prefix+"budget:spend:"+tenant, micro); err != nil {
			slog.Debug("[BudgetReconciler] spend mirror write failed", "tenant", tenant, "error", err)
		}
	}
}

// Poll fetches the upstream view for one tenant and applies the transition
// rules: any fetch success returns to SYNCED; a SYNCED tenant with excessive
// drift, or any fetch failure, enters FAIL_OPEN.
func (r *Reconciler) Poll(ctx context.Context, tenant string) error {
	ts, ok := r.tenant(tenant)
	if !ok {
		return nil
	}

	view, err := r.fetcher.FetchBudget(ctx, tenant)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if err != nil {
		if ts.state == Synced {
			r.enterFailOpenLocked(tenant, ts, "upstream poll failed: "+err.Error())
		}
		return err
	}

	ts.committed = view.CommittedMicro
	ts.reserved = view.ReservedMicro
	if view.LimitMicro > 0 {
		ts.limit = view.LimitMicro
	}
	ts.windowStart = view.WindowStart
	ts.windowEnd = view.WindowEnd

	drift := ts.localSpend - ts.committed
	if drift < 0 {
		drift = -drift
	}

	switch ts.state {
	case FailOpen, FailClosed:
		r.transitionLocked(tenant, ts, Synced, "upstream reachable again")
	case Synced:
		if r.cfg.DriftThresholdMicro > 0 && drift > r.cfg.DriftThresholdMicro {
			r.enterFailOpenLocked(tenant, ts, "local/upstream drift exceeds threshold")
		}
	}
	return nil
}

// ShouldAllowRequest is the admission gate. FAIL_OPEN admits only while
// headroom remains and the mode has not outlived its cap; the duration check
// lazily completes the FAIL_OPEN → FAIL_CLOSED transition.
func (r *Reconciler) ShouldAllowRequest(tenant string) bool {
	ts, ok := r.tenant(tenant)
	if !ok {
		return true
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	switch ts.state {
	case Synced:
		return true
	case FailOpen:
		if r.now().Sub(ts.failOpenStartedAt) >= r.cfg.MaxFailOpenDuration {
			r.transitionLocked(tenant, ts, FailClosed, "fail-open duration cap exceeded")
			return false
		}
		return ts.headroomRemaining > 0
	default:
		return false
	}
}

// SnapshotFor returns a copy of the tenant's state for the HTTP surface.
func (r *Reconciler) SnapshotFor(tenant string) (Snapshot, bool) {
	ts, ok := r.tenant(tenant)
	if !ok {
		return Snapshot{}, false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return Snapshot{
		State:             ts.state,
		LocalSpend:        ts.localSpend,
		CommittedMicro:    ts.committed,
		ReservedMicro:     ts.reserved,
		LimitMicro:        ts.limit,
		WindowStart:       ts.windowStart,
		WindowEnd:         ts.windowEnd,
		HeadroomRemaining: ts.headroomRemaining,
		FailOpenStartedAt: ts.failOpenStartedAt,
	}, true
}

// enterFailOpenLocked seeds the headroom budget:
// min(limit × pct / 100, absCap).
func (r *Reconciler) enterFailOpenLocked(tenant string, ts *tenantState, reason string) {
	headroom := ts.limit * r.cfg.HeadroomPct / 100
	if r.cfg.AbsCapMicro > 0 && headroom > r.cfg.AbsCapMicro {
		headroom = r.cfg.AbsCapMicro
	}
	ts.headroomRemaining = headroom
	ts.failOpenStartedAt = r.now()
	r.transitionLocked(tenant, ts, FailOpen, reason)
}

func (r *Reconciler) transitionLocked(tenant string, ts *tenantState, to State, reason string) {
	if ts.state == to {
		return
	}
	from := ts.state
	ts.state = to
	slog.Warn("[BudgetReconciler] state change",
		"tenant", tenant, "from", from.String(), "to", to.String(), "reason", reason)
	if r.onChange != nil {
		r.onChange(tenant, from, to, reason)
	}
}
