// Package dispatch sends a decided request to providers, walking the
// fallback chain until one succeeds. Every attempt passes through the circuit
// registry and the quota enforcer, and a success is charged to the budget
// ledger exactly once.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/felipepmaragno/model-arbiter/internal/budget"
	"github.com/felipepmaragno/model-arbiter/internal/circuitbreaker"
	"github.com/felipepmaragno/model-arbiter/internal/cost"
	"github.com/felipepmaragno/model-arbiter/internal/domain"
	"github.com/felipepmaragno/model-arbiter/internal/metrics"
	"github.com/felipepmaragno/model-arbiter/internal/provider"
	"github.com/felipepmaragno/model-arbiter/internal/ratelimit"
	"github.com/felipepmaragno/model-arbiter/internal/telemetry"
)

const (
	DefaultTimeout             = 30 * time.Second
	DefaultMaxFallbackAttempts = 3
)

type Arbiter interface {
	Arbitrate(ctx context.Context, actx domain.ArbitrationContext) (*domain.Decision, error)
}

type CircuitAcquirer interface {
	Acquire(id string) (*circuitbreaker.Permit, error)
}

type QuotaReserver interface {
	CheckAndReserve(ctx context.Context, identifier, item string, cost ratelimit.Cost) (*ratelimit.Reservation, error)
}

type UsageLedger interface {
	RecordUsage(ctx context.Context, scope domain.BudgetScope, actualCost float64) (*budget.State, error)
}

type AdapterSource interface {
	Get(name string) (provider.Adapter, error)
}

type PerformanceRecorder interface {
	Record(provider, modelID string, latency time.Duration, success bool)
}

// UsageRecorder stores completed calls. It must not block the caller.
type UsageRecorder interface {
	Record(ctx context.Context, record cost.UsageRecord) error
}

// Result is a successful dispatch.
type Result struct {
	Decision  *domain.Decision
	Candidate domain.Candidate
	Response  *domain.CompletionResponse
	Attempts  int
	Failures  []domain.AttemptFailure
	CostUSD   float64
	// Budget is the most specific budget state after the charge, nil when the
	// request has no configured budget.
	Budget *budget.State
}

type Coordinator struct {
	arbiter     Arbiter
	adapters    AdapterSource
	circuits    CircuitAcquirer
	quota       QuotaReserver
	ledger      UsageLedger
	estimator   *cost.Estimator
	performance PerformanceRecorder
	usage       UsageRecorder
	clock       clock.Clock

	timeout      time.Duration
	maxFallbacks int
}

type Option func(*Coordinator)

func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) {
		c.clock = clk
	}
}

func WithArbiter(a Arbiter) Option {
	return func(c *Coordinator) {
		c.arbiter = a
	}
}

func WithQuota(q QuotaReserver) Option {
	return func(c *Coordinator) {
		c.quota = q
	}
}

func WithLedger(l UsageLedger) Option {
	return func(c *Coordinator) {
		c.ledger = l
	}
}

func WithEstimator(e *cost.Estimator) Option {
	return func(c *Coordinator) {
		c.estimator = e
	}
}

func WithPerformance(p PerformanceRecorder) Option {
	return func(c *Coordinator) {
		c.performance = p
	}
}

func WithUsageRecorder(u UsageRecorder) Option {
	return func(c *Coordinator) {
		c.usage = u
	}
}

// WithTimeout bounds each provider call.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithMaxFallbackAttempts(n int) Option {
	return func(c *Coordinator) {
		if n >= 0 {
			c.maxFallbacks = n
		}
	}
}

func NewCoordinator(adapters AdapterSource, circuits CircuitAcquirer, opts ...Option) *Coordinator {
	c := &Coordinator{
		adapters:     adapters,
		circuits:     circuits,
		estimator:    cost.NewEstimator(1, 0),
		clock:        clock.New(),
		timeout:      DefaultTimeout,
		maxFallbacks: DefaultMaxFallbackAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute arbitrates and then dispatches the request.
func (c *Coordinator) Execute(ctx context.Context, actx domain.ArbitrationContext, req domain.CompletionRequest) (*Result, error) {
	if c.arbiter == nil {
		return nil, errors.New("dispatch: no arbiter configured")
	}
	d, err := c.arbiter.Arbitrate(ctx, actx)
	if err != nil {
		return nil, err
	}
	return c.Dispatch(ctx, d, actx, req)
}

// Dispatch tries the selected candidate and then the fallbacks in order,
// bounded by the fallback limit. It returns on the first success or when the
// caller's context ends. A request the provider rejected as malformed ends the
// chain early; either way the caller gets an AllModelsFailedError.
func (c *Coordinator) Dispatch(ctx context.Context, d *domain.Decision, actx domain.ArbitrationContext, req domain.CompletionRequest) (*Result, error) {
	chain := d.Chain()
	if len(chain) > c.maxFallbacks+1 {
		chain = chain[:c.maxFallbacks+1]
	}

	var failures []domain.AttemptFailure
	for i, cand := range chain {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := c.attempt(ctx, d, actx, req, cand, i+1)
		if err == nil {
			res.Failures = failures
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		failures = append(failures, domain.AttemptFailure{ModelID: cand.ModelID, Provider: cand.Provider, Err: err})
		if !provider.Retryable(err) {
			slog.Warn("dispatch stopped on rejected request",
				"request_id", actx.RequestID,
				"circuit_id", cand.CircuitID,
				"error", err,
			)
			break
		}
	}

	return nil, &domain.AllModelsFailedError{RequestID: actx.RequestID, Attempts: failures}
}

func (c *Coordinator) attempt(ctx context.Context, d *domain.Decision, actx domain.ArbitrationContext, req domain.CompletionRequest, cand domain.Candidate, n int) (*Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "dispatch.attempt")
	defer span.End()
	telemetry.AddCandidateAttributes(span, cand, n)

	adapter, err := c.adapters.Get(cand.Provider)
	if err != nil {
		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}

	permit, err := c.circuits.Acquire(cand.CircuitID)
	if err != nil {
		metrics.RecordDispatch(cand.Provider, cand.ModelID, "circuit_open", 0)
		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}

	reservations, err := c.reserve(ctx, actx, cand)
	if err != nil {
		permit.Cancel()
		metrics.RecordDispatch(cand.Provider, cand.ModelID, "rate_limited", 0)
		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}

	start := c.clock.Now()
	resp, err := adapter.SendCompletion(ctx, cand, req, c.timeout)
	elapsed := c.clock.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			// The caller went away; nothing was learned about the provider.
			permit.Cancel()
			releaseAll(context.WithoutCancel(ctx), reservations)
			metrics.RecordDispatch(cand.Provider, cand.ModelID, "cancelled", elapsed.Seconds())
			return nil, ctx.Err()
		}
		if provider.Retryable(err) {
			permit.Failure(err)
		} else {
			// A malformed request says nothing about the provider's health.
			permit.Cancel()
		}
		if c.performance != nil {
			c.performance.Record(cand.Provider, cand.ModelID, elapsed, false)
		}
		metrics.RecordDispatch(cand.Provider, cand.ModelID, "failure", elapsed.Seconds())
		telemetry.AddErrorAttribute(span, err)
		slog.Warn("provider call failed",
			"request_id", actx.RequestID,
			"circuit_id", cand.CircuitID,
			"attempt", n,
			"latency_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return nil, err
	}

	permit.Success()
	if resp.Latency <= 0 {
		resp.Latency = elapsed
	}

	actual := c.estimator.Actual(cand.Model, resp.Usage)
	if resp.Usage.Total() == 0 {
		actual = cand.EstimatedCost
	}

	// The call succeeded; charge it even if the caller cancels from here on.
	bg := context.WithoutCancel(ctx)
	var state *budget.State
	if c.ledger != nil {
		if state, err = c.ledger.RecordUsage(bg, actx.Scope(), actual); err != nil {
			slog.Error("failed to record budget usage", "request_id", actx.RequestID, "error", err)
		}
	}
	if c.performance != nil {
		c.performance.Record(cand.Provider, cand.ModelID, resp.Latency, true)
	}
	if c.usage != nil {
		rec := cost.UsageRecord{
			TenantID:      actx.TenantID,
			ProjectID:     actx.ProjectID,
			UserID:        actx.UserID,
			RequestID:     actx.RequestID,
			DecisionID:    d.ID,
			Model:         cand.ModelID,
			Provider:      cand.Provider,
			InputTokens:   resp.Usage.InputTokens,
			OutputTokens:  resp.Usage.OutputTokens,
			EstimatedCost: cand.EstimatedCost,
			CostUSD:       actual,
			LatencyMs:     resp.Latency.Milliseconds(),
			Attempt:       n,
			Timestamp:     c.clock.Now(),
		}
		if err := c.usage.Record(bg, rec); err != nil {
			slog.Warn("failed to record usage", "request_id", actx.RequestID, "error", err)
		}
	}

	metrics.RecordDispatch(cand.Provider, cand.ModelID, "success", elapsed.Seconds())
	metrics.RecordTokens(actx.TenantID, cand.Provider, cand.ModelID, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	metrics.RecordCost(actx.TenantID, cand.Provider, cand.ModelID, actual)
	telemetry.AddTokenAttributes(span, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	telemetry.AddCostAttribute(span, actual)

	slog.Info("dispatch succeeded",
		"request_id", actx.RequestID,
		"decision_id", d.ID,
		"circuit_id", cand.CircuitID,
		"attempt", n,
		"latency_ms", resp.Latency.Milliseconds(),
		"cost_usd", actual,
	)

	return &Result{
		Decision:  d,
		Candidate: cand,
		Response:  resp,
		Attempts:  n,
		CostUSD:   actual,
		Budget:    state,
	}, nil
}

// reserve takes quota under every identifier the request counts against. A
// denial releases what was already taken. Backend errors other than a denial
// do not block the call.
func (c *Coordinator) reserve(ctx context.Context, actx domain.ArbitrationContext, cand domain.Candidate) ([]*ratelimit.Reservation, error) {
	if c.quota == nil {
		return nil, nil
	}
	amount := ratelimit.RequestCost(actx.ExpectedInputTokens + actx.ExpectedOutputTokens)

	var held []*ratelimit.Reservation
	for _, id := range ratelimit.Identifiers(actx, cand.Provider) {
		r, err := c.quota.CheckAndReserve(ctx, id, cand.CircuitID, amount)
		if err == nil {
			held = append(held, r)
			continue
		}
		if errors.Is(err, domain.ErrRateLimitExceeded) {
			releaseAll(context.WithoutCancel(ctx), held)
			return nil, err
		}
		slog.Warn("quota reservation failed", "identifier", id, "circuit_id", cand.CircuitID, "error", err)
	}
	return held, nil
}

func releaseAll(ctx context.Context, held []*ratelimit.Reservation) {
	for _, r := range held {
		if err := r.Release(ctx); err != nil {
			slog.Warn("failed to release quota", "reservation_id", r.ID, "identifier", r.Identifier, "error", err)
		}
	}
}
