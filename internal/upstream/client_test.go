package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loa-labs/loa-finn/internal/core"
)

func TestSignAndVerifyRoundtrip(t *testing.T) {
	s := NewSigner("finn-1", "primary-secret", "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/budget/acme", nil)
	s.Sign(req, nil, "trace-1")

	assert.Equal(t, "finn-1", req.Header.Get(HeaderKeyID))
	assert.NotEmpty(t, req.Header.Get(HeaderNonce))
	require.NoError(t, s.Verify(http.MethodGet, "/api/v1/budget/acme", nil, req.Header))
}

func TestVerifyAcceptsSecondarySecret(t *testing.T) {
	old := NewSigner("finn-1", "old-secret", "")
	rotated := NewSigner("finn-1", "new-secret", "old-secret")

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	old.Sign(req, nil, "t")
	assert.NoError(t, rotated.Verify(http.MethodGet, "/x", nil, req.Header))
}

func TestVerifyRejectsTampering(t *testing.T) {
	s := NewSigner("finn-1", "secret", "")
	req := httptest.NewRequest(http.MethodPost, "/x", nil)
	body := []byte(`{"a":1}`)
	s.Sign(req, body, "t")

	assert.Error(t, s.Verify(http.MethodPost, "/x", []byte(`{"a":2}`), req.Header))
	assert.Error(t, s.Verify(http.MethodPost, "/y", body, req.Header))
	assert.Error(t, s.Verify(http.MethodGet, "/x", body, req.Header))
	assert.NoError(t, s.Verify(http.MethodPost, "/x", body, req.Header))
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	s := NewSigner("finn-1", "secret", "")
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	s.Sign(req, nil, "t")

	late := NewSigner("finn-1", "secret", "")
	late.now = func() time.Time { return time.Now().Add(45 * time.Second) }
	assert.Error(t, late.Verify(http.MethodGet, "/x", nil, req.Header))
}

const budgetBody = `{
	"committed_micro": "1500000",
	"reserved_micro": "250000",
	"limit_micro": "10000000",
	"window_start": "2026-08-01T00:00:00Z",
	"window_end": "2026-09-01T00:00:00Z"
}`

func newHubClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient(Config{
		BaseURL:   srv.URL,
		Signer:    NewSigner("finn-1", "secret", ""),
		RetryBase: time.Millisecond,
	})
	c.sleep = func(context.Context, time.Duration) error { return nil }
	return c
}

func TestFetchBudgetParsesDecimalStrings(t *testing.T) {
	c := newHubClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/budget/acme", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get(HeaderSignature))
		w.Write([]byte(budgetBody))
	})

	view, err := c.FetchBudget(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(1_500_000), view.CommittedMicro)
	assert.Equal(t, int64(250_000), view.ReservedMicro)
	assert.Equal(t, int64(10_000_000), view.LimitMicro)
	assert.Equal(t, 2026, view.WindowStart.Year())
}

func TestFetchBudgetRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	c := newHubClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(budgetBody))
	})

	view, err := c.FetchBudgetRetry(context.Background(), "acme", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1_500_000), view.CommittedMicro)
	assert.Equal(t, int64(3), calls.Load())
}

func TestFetchBudgetDoesNotRetryAuthFailures(t *testing.T) {
	var calls atomic.Int64
	c := newHubClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := c.FetchBudgetRetry(context.Background(), "acme", 3)
	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load())
}

func TestFetchBudgetSingleAttemptForPoll(t *testing.T) {
	var calls atomic.Int64
	c := newHubClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.FetchBudget(context.Background(), "acme")
	require.Error(t, err)
	assert.Equal(t, core.KindBudgetUnavailable, core.KindOf(err))
	assert.Equal(t, int64(1), calls.Load())
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	c := newHubClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := 0; i < 6; i++ {
		c.FetchBudget(context.Background(), "acme")
	}

	_, err := c.FetchBudget(context.Background(), "acme")
	require.Error(t, err)
	assert.Equal(t, core.KindBudgetUnavailable, core.KindOf(err))
	assert.NotEqual(t, int64(0), int64(c.BreakerState()))
}
