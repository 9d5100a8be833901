package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loa-labs/loa-finn/internal/store"
)

type fakeFetcher struct {
	mu   sync.Mutex
	view *View
	err  error
}

func (f *fakeFetcher) FetchBudget(context.Context, string) (*View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.view
	return &cp, nil
}

func (f *fakeFetcher) set(view *View, err error) {
	f.mu.Lock()
	f.view, f.err = view, err
	f.mu.Unlock()
}

type transition struct {
	tenant   string
	from, to State
}

type fixture struct {
	rec     *Reconciler
	fetcher *fakeFetcher
	clock   *time.Time
	mu      *sync.Mutex

	transMu     sync.Mutex
	transitions []transition
}

func newFixture(t *testing.T, limit int64) *fixture {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	var mu sync.Mutex
	f := &fixture{
		fetcher: &fakeFetcher{view: &View{CommittedMicro: 0, LimitMicro: limit}},
		clock:   &now,
		mu:      &mu,
	}
	f.rec = New(f.fetcher, map[string]int64{"tenant-a": limit}, Config{
		DriftThresholdMicro: 500_000,
		HeadroomPct:         10,
		AbsCapMicro:         1_000,
		MaxFailOpenDuration: 5 * time.Minute,
		OnStateChange: func(tenant string, from, to State, _ string) {
			f.transMu.Lock()
			f.transitions = append(f.transitions, transition{tenant, from, to})
			f.transMu.Unlock()
		},
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		},
	})
	return f
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	*f.clock = f.clock.Add(d)
	f.mu.Unlock()
}

func (f *fixture) failOpen(t *testing.T) {
	t.Helper()
	f.fetcher.set(nil, errors.New("connection refused"))
	_ = f.rec.Poll(context.Background(), "tenant-a")
	snap, ok := f.rec.SnapshotFor("tenant-a")
	require.True(t, ok)
	require.Equal(t, FailOpen, snap.State)
}

func TestSyncedAllowsRequests(t *testing.T) {
	f := newFixture(t, 100_000_000)
	assert.True(t, f.rec.ShouldAllowRequest("tenant-a"))
}

func TestUntrackedTenantAlwaysAllowed(t *testing.T) {
	f := newFixture(t, 100_000_000)
	assert.True(t, f.rec.ShouldAllowRequest("stranger"))
	f.rec.RecordLocalSpend("stranger", 1) // must not panic
}

func TestPollFailureEntersFailOpen(t *testing.T) {
	f := newFixture(t, 100_000_000)
	f.failOpen(t)

	snap, _ := f.rec.SnapshotFor("tenant-a")
	// Headroom capped at abs cap, not 10% of the limit.
	assert.Equal(t, int64(1_000), snap.HeadroomRemaining)
	assert.True(t, f.rec.ShouldAllowRequest("tenant-a"))
}

func TestHeadroomDecreasesMonotonically(t *testing.T) {
	f := newFixture(t, 100_000_000)
	f.failOpen(t)

	f.rec.RecordLocalSpend("tenant-a", 300)
	snap, _ := f.rec.SnapshotFor("tenant-a")
	assert.Equal(t, int64(700), snap.HeadroomRemaining)

	f.rec.RecordLocalSpend("tenant-a", 300)
	snap, _ = f.rec.SnapshotFor("tenant-a")
	assert.Equal(t, int64(400), snap.HeadroomRemaining)

	// Another failed poll while already FAIL_OPEN must not refill headroom.
	_ = f.rec.Poll(context.Background(), "tenant-a")
	snap, _ = f.rec.SnapshotFor("tenant-a")
	assert.Equal(t, int64(400), snap.HeadroomRemaining)
}

// S7: spending past the abs cap flips to FAIL_CLOSED.
func TestHeadroomExhaustionFailsClosed(t *testing.T) {
	f := newFixture(t, 100_000_000)
	f.failOpen(t)

	f.rec.RecordLocalSpend("tenant-a", 1_001)
	snap, _ := f.rec.SnapshotFor("tenant-a")
	assert.Equal(t, FailClosed, snap.State)
	assert.False(t, f.rec.ShouldAllowRequest("tenant-a"))
}

func TestFailOpenDurationCapFailsClosed(t *testing.T) {
	f := newFixture(t, 100_000_000)
	f.failOpen(t)
	require.True(t, f.rec.ShouldAllowRequest("tenant-a"))

	f.advance(6 * time.Minute)
	assert.False(t, f.rec.ShouldAllowRequest("tenant-a"))
	snap, _ := f.rec.SnapshotFor("tenant-a")
	assert.Equal(t, FailClosed, snap.State)
}

func TestRecoveryReturnsToSynced(t *testing.T) {
	f := newFixture(t, 100_000_000)
	f.failOpen(t)

	f.fetcher.set(&View{CommittedMicro: 0, LimitMicro: 100_000_000}, nil)
	require.NoError(t, f.rec.Poll(context.Background(), "tenant-a"))

	snap, _ := f.rec.SnapshotFor("tenant-a")
	assert.Equal(t, Synced, snap.State)
	assert.True(t, f.rec.ShouldAllowRequest("tenant-a"))
}

func TestDriftEntersFailOpen(t *testing.T) {
	f := newFixture(t, 100_000_000)
	f.rec.RecordLocalSpend("tenant-a", 2_000_000)

	// Upstream committed far below local spend.
	f.fetcher.set(&View{CommittedMicro: 0, LimitMicro: 100_000_000}, nil)
	require.NoError(t, f.rec.Poll(context.Background(), "tenant-a"))

	snap, _ := f.rec.SnapshotFor("tenant-a")
	assert.Equal(t, FailOpen, snap.State)
}

func TestTransitionsFireExactlyOnce(t *testing.T) {
	f := newFixture(t, 100_000_000)
	f.failOpen(t)
	// Repeated failures while already FAIL_OPEN fire nothing.
	_ = f.rec.Poll(context.Background(), "tenant-a")
	_ = f.rec.Poll(context.Background(), "tenant-a")

	f.transMu.Lock()
	defer f.transMu.Unlock()
	require.Len(t, f.transitions, 1)
	assert.Equal(t, transition{"tenant-a", Synced, FailOpen}, f.transitions[0])
}

// A restarted process must resume the drift comparison from the mirrored
// spend counter, not from zero.
func TestSpendMirrorSurvivesRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStoreFromClient(rdb, 2*time.Second)
	t.Cleanup(func() { st.Close() })

	limits := map[string]int64{"tenant-a": 100_000_000}
	cfg := Config{Store: st, Prefix: "finn:", DriftThresholdMicro: 500_000}
	fetcher := &fakeFetcher{view: &View{CommittedMicro: 0, LimitMicro: 100_000_000}}

	first := New(fetcher, limits, cfg)
	first.RecordLocalSpend("tenant-a", 750_000)
	first.RecordLocalSpend("tenant-a", 250_000)

	second := New(fetcher, limits, cfg)
	snap, ok := second.SnapshotFor("tenant-a")
	require.True(t, ok)
	assert.Equal(t, int64(1_000_000), snap.LocalSpend)

	// The seeded spend feeds drift detection: upstream committed stays zero,
	// so the first poll after restart enters FAIL_OPEN.
	require.NoError(t, second.Poll(context.Background(), "tenant-a"))
	snap, _ = second.SnapshotFor("tenant-a")
	assert.Equal(t, FailOpen, snap.State)
}

func TestSeedIgnoresMissingMirror(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewRedisStoreFromClient(rdb, 2*time.Second)
	t.Cleanup(func() { st.Close() })

	rec := New(&fakeFetcher{view: &View{}}, map[string]int64{"tenant-a": 1}, Config{Store: st, Prefix: "finn:"})
	snap, ok := rec.SnapshotFor("tenant-a")
	require.True(t, ok)
	assert.Zero(t, snap.LocalSpend)
}

func TestPollUpdatesUpstreamView(t *testing.T) {
	f := newFixture(t, 100_000_000)
	start := time.Unix(1_700_000_000, 0)
	end := start.Add(24 * time.Hour)
	f.fetcher.set(&View{
		CommittedMicro: 42_000_000,
		ReservedMicro:  1_000_000,
		LimitMicro:     200_000_000,
		WindowStart:    start,
		WindowEnd:      end,
	}, nil)

	require.NoError(t, f.rec.Poll(context.Background(), "tenant-a"))
	snap, _ := f.rec.SnapshotFor("tenant-a")
	assert.Equal(t, int64(42_000_000), snap.CommittedMicro)
	assert.Equal(t, int64(1_000_000), snap.ReservedMicro)
	assert.Equal(t, int64(200_000_000), snap.LimitMicro)
	assert.Equal(t, start, snap.WindowStart)
}
