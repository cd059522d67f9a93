package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_decisions_total",
			Help: "Total number of arbitration decisions",
		},
		[]string{"tenant_id", "strategy", "outcome"},
	)

	SelectionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arbiter_selection_duration_seconds",
			Help:    "Time spent building, scoring and selecting candidates",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
		[]string{"strategy"},
	)

	ExclusionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_exclusions_total",
			Help: "Candidates removed before scoring, by reason",
		},
		[]string{"reason"},
	)

	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_dispatch_attempts_total",
			Help: "Dispatch attempts against providers, by outcome",
		},
		[]string{"provider", "model", "outcome"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arbiter_dispatch_duration_seconds",
			Help:    "Provider call duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"tenant_id", "provider", "model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_cost_usd_total",
			Help: "Total cost in USD",
		},
		[]string{"tenant_id", "provider", "model"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arbiter_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"circuit"},
	)

	QuotaDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_quota_denials_total",
			Help: "Total number of quota denials",
		},
		[]string{"limit"},
	)

	BudgetUsageRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arbiter_budget_usage_ratio",
			Help: "Current budget usage ratio (0-1)",
		},
		[]string{"scope"},
	)

	BudgetAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_budget_alerts_total",
			Help: "Budget threshold crossings reported",
		},
		[]string{"level"},
	)

	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_catalog_cache_lookups_total",
			Help: "Catalog cache lookups by backend and result",
		},
		[]string{"backend", "result"},
	)

	SinkDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arbiter_sink_drops_total",
			Help: "Audit, notification and persistence events dropped",
		},
		[]string{"sink"},
	)
)

func RecordDecision(tenantID, strategy, outcome string, durationSec float64) {
	DecisionsTotal.WithLabelValues(tenantID, strategy, outcome).Inc()
	SelectionDuration.WithLabelValues(strategy).Observe(durationSec)
}

func RecordExclusion(reason string) {
	ExclusionsTotal.WithLabelValues(reason).Inc()
}

func RecordDispatch(provider, model, outcome string, durationSec float64) {
	DispatchAttempts.WithLabelValues(provider, model, outcome).Inc()
	if durationSec > 0 {
		DispatchDuration.WithLabelValues(provider, model).Observe(durationSec)
	}
}

func RecordTokens(tenantID, provider, model string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(tenantID, provider, model, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(tenantID, provider, model, "output").Add(float64(outputTokens))
}

func RecordCost(tenantID, provider, model string, costUSD float64) {
	CostTotal.WithLabelValues(tenantID, provider, model).Add(costUSD)
}

func RecordQuotaDenial(limit string) {
	QuotaDenials.WithLabelValues(limit).Inc()
}

func RecordBudgetAlert(level string) {
	BudgetAlerts.WithLabelValues(level).Inc()
}

func RecordCacheLookup(backend, result string) {
	CacheLookups.WithLabelValues(backend, result).Inc()
}

func RecordSinkDrop(sink string) {
	SinkDrops.WithLabelValues(sink).Inc()
}

func SetCircuitBreakerState(circuit string, state int) {
	CircuitBreakerState.WithLabelValues(circuit).Set(float64(state))
}

func SetBudgetUsage(scope string, ratio float64) {
	BudgetUsageRatio.WithLabelValues(scope).Set(ratio)
}
