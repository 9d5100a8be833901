// Package api is the admission orchestrator: the only layer that turns
// tagged error kinds into HTTP status codes, and the wiring point for
// authentication, payment, budget gating, and dispatch.
package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loa-labs/loa-finn/internal/agent"
	"github.com/loa-labs/loa-finn/internal/apikey"
	"github.com/loa-labs/loa-finn/internal/auth"
	"github.com/loa-labs/loa-finn/internal/billing"
	"github.com/loa-labs/loa-finn/internal/budget"
	"github.com/loa-labs/loa-finn/internal/config"
	"github.com/loa-labs/loa-finn/internal/core"
	"github.com/loa-labs/loa-finn/internal/payment"
	"github.com/loa-labs/loa-finn/internal/persona"
	"github.com/loa-labs/loa-finn/internal/sandbox"
	"github.com/loa-labs/loa-finn/internal/workerpool"
)

// maxBodyBytes bounds every request body the gateway reads.
const maxBodyBytes = 1 << 20

// BudgetFetcher is the slice of the hub client the budget handler needs.
type BudgetFetcher interface {
	FetchBudgetRetry(ctx context.Context, tenant string, attempts int) (*budget.View, error)
}

// Deps wires the server. Everything is constructed in cmd/server and
// injected so tests can swap fakes per concern.
type Deps struct {
	Config     *config.Config
	Validator  *auth.Validator
	JWKS       *auth.JWKSCache
	Decider    *payment.Decider
	Keys       *apikey.Manager
	Budget     *budget.Reconciler
	Hub        BudgetFetcher
	Invoker    *agent.Invoker
	Personas   persona.Provider
	Pricing    *billing.Pricing
	Ledger     *billing.Ledger
	Sandbox    *sandbox.Executor
	Pool       *workerpool.Pool
	Registry   *prometheus.Registry
	PoolStats  func() workerpool.Stats
}

// Server is the HTTP surface.
type Server struct {
	cfg       *config.Config
	validator *auth.Validator
	jwks      *auth.JWKSCache
	decider   *payment.Decider
	keys      *apikey.Manager
	budget    *budget.Reconciler
	hub       BudgetFetcher
	invoker   *agent.Invoker
	personas  persona.Provider
	pricing   *billing.Pricing
	ledger    *billing.Ledger
	sandbox   *sandbox.Executor
	metrics   *Metrics
	registry  *prometheus.Registry
	poolStats func() workerpool.Stats

	httpServer *http.Server
}

func NewServer(deps Deps) *Server {
	registry := deps.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	s := &Server{
		cfg:       deps.Config,
		validator: deps.Validator,
		jwks:      deps.JWKS,
		decider:   deps.Decider,
		keys:      deps.Keys,
		budget:    deps.Budget,
		hub:       deps.Hub,
		invoker:   deps.Invoker,
		personas:  deps.Personas,
		pricing:   deps.Pricing,
		ledger:    deps.Ledger,
		sandbox:   deps.Sandbox,
		metrics:   NewMetrics(registry),
		registry:  registry,
		poolStats: deps.PoolStats,
	}
	if s.poolStats == nil && deps.Pool != nil {
		s.poolStats = deps.Pool.Stats
	}
	return s
}

// Router builds the full route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	// Outside the admission chain entirely.
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// Free surface: rate-limited per IP through the payment decider.
	r.HandleFunc("/health", s.free(s.handleHealth)).Methods(http.MethodGet)
	r.HandleFunc("/llms.txt", s.free(s.handleLLMsTxt)).Methods(http.MethodGet)
	r.HandleFunc("/.well-known/jwks.json", s.free(s.handleJWKS)).Methods(http.MethodGet)

	// Paid surface.
	r.HandleFunc("/api/v1/agent/chat", s.handleChat).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/invoke", s.handleInvoke).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/agent/exec", s.handleExec).Methods(http.MethodPost)

	// Key lifecycle, JWT-gated.
	r.HandleFunc("/api/v1/keys", s.requireJWT(auth.ClassInvoke, s.handleCreateKey)).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/keys/{key_id}", s.requireJWT(auth.ClassInvoke, s.handleRevokeKey)).Methods(http.MethodDelete)
	r.HandleFunc("/api/v1/keys/{key_id}/balance", s.requireJWT(auth.ClassInvoke, s.handleKeyBalance)).Methods(http.MethodGet)

	// Budget read-through, JWT-gated to the owning tenant.
	r.HandleFunc("/api/v1/budget/{tenant}", s.requireJWT(auth.ClassInvoke, s.handleBudget)).Methods(http.MethodGet)

	// Admin surface.
	r.HandleFunc("/admin/jwks/invalidate",
		s.requireScope(auth.ClassAdmin, "admin:jwks", s.handleJWKSInvalidate)).Methods(http.MethodPost)

	r.Use(requestIDMiddleware)
	r.Use(s.accessLogMiddleware)
	return r
}

// Start runs the server until ctx is canceled, then drains with a deadline.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.Router(),
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeoutSec) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("[HTTPServer] listening", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// free wraps the unauthenticated surface: same decider, free branch.
func (s *Server) free(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		outcome, err := s.decider.Decide(r.Context(), payment.Input{
			Method:    r.Method,
			Path:      r.URL.Path,
			RequestID: core.RequestIDFrom(r.Context()),
			ClientIP:  clientIP(r),
		})
		if err != nil {
			s.countRefusal(err, outcome)
			writeError(w, err, outcome)
			return
		}
		if outcome.Rate != nil {
			setRateHeaders(w, outcome.Rate)
		}
		next(w, r)
	}
}

// admit runs the payment matrix and the budget gate for a paid route. body
// has already been read. On refusal the response is written and ok=false.
func (s *Server) admit(w http.ResponseWriter, r *http.Request, body []byte, costMicro int64, eventType string) (*payment.Outcome, bool) {
	in := payment.Input{
		Method:    r.Method,
		Path:      r.URL.Path,
		Body:      body,
		RequestID: core.RequestIDFrom(r.Context()),
		ClientIP:  clientIP(r),
		CostMicro: costMicro,
		EventType: eventType,
	}
	if key, ok := apiKeyFrom(r); ok {
		in.APIKey = key
		in.HasAPIKey = true
	}
	if receipt := r.Header.Get(payment.HeaderReceipt); receipt != "" ||
		r.Header.Get(payment.HeaderNonce) != "" {
		in.Receipt = receipt
		in.ReceiptNonce = r.Header.Get(payment.HeaderNonce)
		in.ReceiptPayer = r.Header.Get(payment.HeaderPayer)
		in.HasReceipt = true
	}

	outcome, err := s.decider.Decide(r.Context(), in)
	if err != nil {
		s.countRefusal(err, outcome)
		writeError(w, err, outcome)
		return outcome, false
	}
	if outcome.Rate != nil {
		setRateHeaders(w, outcome.Rate)
	}

	// Budget gate applies to tenants under contract; everyone else passes.
	if tenant := outcomeTenant(outcome); tenant != "" {
		if !s.budget.ShouldAllowRequest(tenant) {
			err := core.Ef(core.KindBudgetUnavailable, "budget window closed for tenant")
			s.countRefusal(err, outcome)
			writeError(w, err, outcome)
			return outcome, false
		}
	}
	return outcome, true
}

func outcomeTenant(outcome *payment.Outcome) string {
	if outcome != nil && outcome.Decision != nil && outcome.Decision.Key != nil {
		return outcome.Decision.Key.TenantID
	}
	return ""
}

func (s *Server) countRefusal(err error, outcome *payment.Outcome) {
	if core.KindOf(err) == core.KindRateLimited && outcome != nil && outcome.Rate != nil {
		s.metrics.RateLimitDenials.WithLabelValues(string(outcome.Rate.Tier)).Inc()
	}
}

// settle records the post-response billing side effects. Failures are logged
// and never surfaced; the response has already been committed.
func (s *Server) settle(ctx context.Context, outcome *payment.Outcome, model string, amountMicro int64, eventType string) {
	requestID := core.RequestIDFrom(ctx)
	entry := billing.LedgerEntry{
		RequestID:   requestID,
		AmountMicro: billing.MicroString(amountMicro),
		Model:       model,
		EventType:   eventType,
	}
	if outcome != nil && outcome.Decision != nil {
		if key := outcome.Decision.Key; key != nil {
			entry.TenantID = key.TenantID
			entry.KeyID = key.KeyID
			s.budget.RecordLocalSpend(key.TenantID, amountMicro)
		}
		if debit := outcome.Decision.Debit; debit != nil {
			entry.BalanceAfter = billing.MicroString(debit.BalanceAfter)
			s.metrics.DebitOutcomes.WithLabelValues("ok").Inc()
		}
	}
	s.ledger.Append(entry)
	s.syncGauges()
}

// syncGauges refreshes the pool and JWKS gauges opportunistically on the
// request path; the scheduler covers quiet periods.
func (s *Server) syncGauges() {
	if s.poolStats != nil {
		stats := s.poolStats()
		s.metrics.PoolBusy.WithLabelValues("interactive").Set(float64(stats.InteractiveBusy))
		s.metrics.PoolBusy.WithLabelValues("system").Set(float64(stats.SystemBusy))
		s.metrics.PoolQueue.WithLabelValues("interactive").Set(float64(stats.InteractiveQueue))
		s.metrics.PoolQueue.WithLabelValues("system").Set(float64(stats.SystemQueue))
		s.metrics.WorkerRestarts.Set(float64(stats.Restarts))
	}
	if s.jwks != nil {
		s.metrics.JWKSState.Set(jwksGaugeValue(s.jwks.State()))
	}
	if s.budget != nil {
		for _, tenant := range s.budget.Tenants() {
			if snap, ok := s.budget.SnapshotFor(tenant); ok {
				s.metrics.BudgetState.WithLabelValues(tenant).Set(float64(snap.State))
			}
		}
	}
}

func jwksGaugeValue(state auth.JWKSState) float64 {
	switch state {
	case auth.JWKSHealthy:
		return 0
	case auth.JWKSStale:
		return 1
	default:
		return 2
	}
}

func readBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, core.Wrap(core.KindMalformedRequest, "unreadable request body", err)
	}
	return body, nil
}
