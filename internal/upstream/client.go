package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/loa-labs/loa-finn/internal/budget"
	"github.com/loa-labs/loa-finn/internal/circuitbreaker"
	"github.com/loa-labs/loa-finn/internal/core"
)

// Config builds a hub client.
type Config struct {
	BaseURL   string
	Signer    *Signer
	Timeout   time.Duration
	RetryBase time.Duration
	HTTP      *http.Client
}

// Client reads tenant budgets from the hub. It satisfies budget.Fetcher with
// a single attempt; the budget HTTP handler calls FetchBudgetRetry with up
// to three.
type Client struct {
	baseURL   string
	signer    *Signer
	http      *http.Client
	breaker   *circuitbreaker.CircuitBreaker
	retryBase time.Duration
	sleep     func(context.Context, time.Duration) error
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTP
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 3 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	retryBase := cfg.RetryBase
	if retryBase == 0 {
		retryBase = 250 * time.Millisecond
	}
	return &Client{
		baseURL:   cfg.BaseURL,
		signer:    cfg.Signer,
		http:      httpClient,
		breaker:   circuitbreaker.New(circuitbreaker.UpstreamConfig("hub-budget")),
		retryBase: retryBase,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// budgetPayload is the hub's wire shape. Micro amounts are decimal strings;
// int64 micro-USD does not survive every JSON parser as a number.
type budgetPayload struct {
	CommittedMicro string `json:"committed_micro"`
	ReservedMicro  string `json:"reserved_micro"`
	LimitMicro     string `json:"limit_micro"`
	WindowStart    string `json:"window_start"`
	WindowEnd      string `json:"window_end"`
}

// FetchBudget is the single-attempt read used by the reconciliation poll.
func (c *Client) FetchBudget(ctx context.Context, tenant string) (*budget.View, error) {
	return c.FetchBudgetRetry(ctx, tenant, 1)
}

// FetchBudgetRetry reads the tenant budget with exponential backoff.
// Retryable statuses are the transient ones; auth and shape errors fail
// immediately.
func (c *Client) FetchBudgetRetry(ctx context.Context, tenant string, attempts int) (*budget.View, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, c.backoff(attempt)); err != nil {
				return nil, core.Wrap(core.KindBudgetUnavailable, "retry interrupted", err)
			}
		}

		view, retryable, err := c.fetchOnce(ctx, tenant)
		if err == nil {
			return view, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		slog.Warn("[Upstream] budget fetch failed",
			"tenant", tenant, "attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

func (c *Client) fetchOnce(ctx context.Context, tenant string) (*budget.View, bool, error) {
	result, err := c.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return c.doFetch(ctx, tenant)
	})
	if err == circuitbreaker.ErrCircuitOpen || err == circuitbreaker.ErrTooManyRequests {
		return nil, false, core.Wrap(core.KindBudgetUnavailable, "hub circuit open", err)
	}
	if err != nil {
		if core.KindOf(err) == core.KindBudgetUnavailable {
			return nil, true, err
		}
		return nil, false, err
	}
	return result.(*budget.View), false, nil
}

type httpError struct {
	status int
}

func (e *httpError) Error() string { return fmt.Sprintf("hub returned %d", e.status) }

func retryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func (c *Client) doFetch(ctx context.Context, tenant string) (*budget.View, error) {
	path := "/api/v1/budget/" + tenant
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, core.Wrap(core.KindBudgetUnavailable, "build hub request", err)
	}
	c.signer.Sign(req, nil, core.RequestIDFrom(ctx))

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, core.Wrap(core.KindBudgetUnavailable, "hub unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		he := &httpError{status: resp.StatusCode}
		if retryableStatus(resp.StatusCode) {
			return nil, core.Wrap(core.KindBudgetUnavailable, he.Error(), he)
		}
		return nil, core.Wrap(core.KindInternal, he.Error(), he)
	}

	var payload budgetPayload
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return nil, core.Wrap(core.KindInternal, "undecodable hub response", err)
	}
	return payload.toView()
}

func (p *budgetPayload) toView() (*budget.View, error) {
	committed, err := parseMicro(p.CommittedMicro, "committed_micro")
	if err != nil {
		return nil, err
	}
	reserved, err := parseMicro(p.ReservedMicro, "reserved_micro")
	if err != nil {
		return nil, err
	}
	limit, err := parseMicro(p.LimitMicro, "limit_micro")
	if err != nil {
		return nil, err
	}
	view := &budget.View{
		CommittedMicro: committed,
		ReservedMicro:  reserved,
		LimitMicro:     limit,
	}
	if p.WindowStart != "" {
		if view.WindowStart, err = time.Parse(time.RFC3339, p.WindowStart); err != nil {
			return nil, core.Wrap(core.KindInternal, "malformed window_start", err)
		}
	}
	if p.WindowEnd != "" {
		if view.WindowEnd, err = time.Parse(time.RFC3339, p.WindowEnd); err != nil {
			return nil, core.Wrap(core.KindInternal, "malformed window_end", err)
		}
	}
	return view, nil
}

func parseMicro(s, field string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, core.Wrap(core.KindInternal, "malformed "+field, err)
	}
	return v, nil
}

// backoff is base×2^attempt with ±25% jitter.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.retryBase << uint(attempt-1)
	jitter := time.Duration(rand.Int63n(int64(d)/2+1)) - d/4
	return d + jitter
}

// BreakerState exposes the hub breaker for the health surface.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}
