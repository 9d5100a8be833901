package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the gateway's Prometheus surface. Registration is per-instance
// so tests can run multiple servers against private registries.
type Metrics struct {
	AdmissionOutcomes *prometheus.CounterVec
	RateLimitDenials  *prometheus.CounterVec
	DebitOutcomes     *prometheus.CounterVec
	PoolBusy          *prometheus.GaugeVec
	PoolQueue         *prometheus.GaugeVec
	WorkerRestarts    prometheus.Gauge
	BudgetState       *prometheus.GaugeVec
	JWKSState         prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AdmissionOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "finn_admission_outcomes_total",
			Help: "Requests by final admission outcome code.",
		}, []string{"code"}),
		RateLimitDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "finn_rate_limit_denials_total",
			Help: "Rate-limited requests by tier.",
		}, []string{"tier"}),
		DebitOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "finn_debit_outcomes_total",
			Help: "API-key debit attempts by outcome.",
		}, []string{"outcome"}),
		PoolBusy: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "finn_pool_busy_workers",
			Help: "Busy workers per lane.",
		}, []string{"lane"}),
		PoolQueue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "finn_pool_queue_depth",
			Help: "Queued jobs per lane.",
		}, []string{"lane"}),
		WorkerRestarts: factory.NewGauge(prometheus.GaugeOpts{
			Name: "finn_pool_worker_restarts_total",
			Help: "Workers respawned after a crash or wedge.",
		}),
		BudgetState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "finn_budget_state",
			Help: "Budget reconciliation state per tenant (0 synced, 1 fail-open, 2 fail-closed).",
		}, []string{"tenant"}),
		JWKSState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "finn_jwks_state",
			Help: "JWKS cache state (0 healthy, 1 stale, 2 degraded).",
		}),
	}
}
