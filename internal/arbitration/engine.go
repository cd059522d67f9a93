// Package arbitration selects the model that serves a request. It builds
// candidates, removes those that cannot be served right now (open circuit,
// exhausted quota or budget, rule filters), scores the rest and returns a
// Decision with the winner and an ordered fallback chain.
package arbitration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/felipepmaragno/model-arbiter/internal/budget"
	"github.com/felipepmaragno/model-arbiter/internal/circuitbreaker"
	"github.com/felipepmaragno/model-arbiter/internal/domain"
	"github.com/felipepmaragno/model-arbiter/internal/metrics"
	"github.com/felipepmaragno/model-arbiter/internal/ratelimit"
	"github.com/felipepmaragno/model-arbiter/internal/rules"
	"github.com/felipepmaragno/model-arbiter/internal/telemetry"
)

const DefaultMaxFallbackAttempts = 3

type CandidateSource interface {
	Build(ctx context.Context, actx domain.ArbitrationContext) ([]domain.Candidate, []domain.Exclusion)
}

// CircuitGate is the read side of the circuit registry.
type CircuitGate interface {
	CanDispatch(id string) (bool, time.Duration)
	State(id string) circuitbreaker.State
}

type QuotaChecker interface {
	Peek(ctx context.Context, identifier, item string, cost ratelimit.Cost) error
}

type BudgetChecker interface {
	CheckBudget(scope domain.BudgetScope, estimatedCost float64) budget.BudgetCheckResult
	UsagePercentage(scope domain.BudgetScope) float64
}

// DecisionPublisher receives every decision. It must not block.
type DecisionPublisher interface {
	PublishDecision(ctx context.Context, actx domain.ArbitrationContext, d *domain.Decision)
}

type Engine struct {
	builder   CandidateSource
	evaluator *rules.Evaluator
	circuits  CircuitGate
	quota     QuotaChecker
	ledger    BudgetChecker
	publisher DecisionPublisher
	clock     clock.Clock

	maxFallbacks int
}

type Option func(*Engine)

func WithClock(clk clock.Clock) Option {
	return func(e *Engine) {
		e.clock = clk
	}
}

func WithQuota(q QuotaChecker) Option {
	return func(e *Engine) {
		e.quota = q
	}
}

func WithBudget(b BudgetChecker) Option {
	return func(e *Engine) {
		e.ledger = b
	}
}

func WithPublisher(p DecisionPublisher) Option {
	return func(e *Engine) {
		e.publisher = p
	}
}

// WithMaxFallbackAttempts caps the fallback chain. Zero disables fallbacks.
func WithMaxFallbackAttempts(n int) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.maxFallbacks = n
		}
	}
}

func NewEngine(builder CandidateSource, evaluator *rules.Evaluator, circuits CircuitGate, opts ...Option) *Engine {
	e := &Engine{
		builder:      builder,
		evaluator:    evaluator,
		circuits:     circuits,
		clock:        clock.New(),
		maxFallbacks: DefaultMaxFallbackAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) MaxFallbackAttempts() int {
	return e.maxFallbacks
}

// Arbitrate returns the decision for one request. It reserves nothing: quota
// and circuit permits are taken by the dispatcher.
func (e *Engine) Arbitrate(ctx context.Context, actx domain.ArbitrationContext) (*domain.Decision, error) {
	start := e.clock.Now()
	ctx, span := telemetry.StartSpan(ctx, "arbitration.arbitrate")
	defer span.End()
	telemetry.AddRequestAttributes(span, actx)

	if actx.TenantID == "" {
		err := fmt.Errorf("%w: tenant is required", domain.ErrInvalidRequest)
		telemetry.AddErrorAttribute(span, err)
		return nil, err
	}
	if actx.Timestamp.IsZero() {
		actx.Timestamp = start
	}

	candidates, exclusions := e.builder.Build(ctx, actx)
	g := gates{engine: e, actx: actx}
	g.budgetExhausted = e.budgetExhausted(actx)

	survivors := make([]domain.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if ex, ok := g.check(ctx, c); !ok {
			exclusions = append(exclusions, ex)
			continue
		}
		c.Health = e.circuits.State(c.CircuitID).String()
		survivors = append(survivors, c)
	}

	var budgetPercent float64
	if e.ledger != nil {
		budgetPercent = e.ledger.UsagePercentage(actx.Scope())
	}
	result := e.evaluator.Evaluate(actx, budgetPercent, survivors)
	exclusions = append(exclusions, result.Exclusions...)
	for _, ex := range exclusions {
		metrics.RecordExclusion(string(ex.Reason))
	}

	strategy := Strategy(result.Rule, actx)
	ranked := Rank(result.Candidates)
	if len(ranked) == 0 {
		err := g.failure(exclusions)
		e.finish(actx, strategy, outcome(err), start)
		telemetry.AddErrorAttribute(span, err)
		slog.Info("no suitable model",
			"request_id", actx.RequestID,
			"tenant_id", actx.TenantID,
			"exclusions", len(exclusions),
			"error", err,
		)
		return nil, err
	}

	selected := ranked[0]
	if e.ledger != nil && !actx.BudgetOverride {
		if err := e.ledger.CheckBudget(actx.Scope(), selected.EstimatedCost).Err(selected.EstimatedCost); err != nil {
			e.finish(actx, strategy, outcome(err), start)
			telemetry.AddErrorAttribute(span, err)
			return nil, err
		}
	}

	fallbacks := ranked[1:]
	if len(fallbacks) > e.maxFallbacks {
		fallbacks = fallbacks[:e.maxFallbacks]
	}

	breakdown := make(map[string]map[domain.Dimension]float64, len(ranked))
	for _, c := range ranked {
		breakdown[c.Key()] = c.Scores
	}

	d := &domain.Decision{
		ID:             uuid.New().String(),
		RequestID:      actx.RequestID,
		TenantID:       actx.TenantID,
		Selected:       selected,
		Fallbacks:      append([]domain.Candidate(nil), fallbacks...),
		Exclusions:     exclusions,
		ScoreBreakdown: breakdown,
		Strategy:       strategy,
		SelectionTime:  e.clock.Since(start),
		CreatedAt:      start,
	}

	e.finish(actx, strategy, "selected", start)
	telemetry.AddDecisionAttributes(span, d)
	slog.Info("arbitration decision",
		"decision_id", d.ID,
		"request_id", d.RequestID,
		"tenant_id", d.TenantID,
		"selected", selected.CircuitID,
		"score", selected.FinalScore,
		"strategy", strategy,
		"fallbacks", len(d.Fallbacks),
		"exclusions", len(d.Exclusions),
	)

	if e.publisher != nil {
		e.publisher.PublishDecision(ctx, actx, d)
	}
	return d, nil
}

func (e *Engine) finish(actx domain.ArbitrationContext, strategy, result string, start time.Time) {
	metrics.RecordDecision(actx.TenantID, strategy, result, e.clock.Since(start).Seconds())
}

// budgetExhausted returns the check result when the request's scope has no
// budget left at all.
func (e *Engine) budgetExhausted(actx domain.ArbitrationContext) *budget.BudgetCheckResult {
	if e.ledger == nil || actx.BudgetOverride {
		return nil
	}
	r := e.ledger.CheckBudget(actx.Scope(), 0)
	if r.IsAllowed && (r.Amount <= 0 || r.UsedAmount < r.Amount) {
		return nil
	}
	return &r
}

// gates applies the per-candidate availability checks in order: circuit,
// quota, budget.
type gates struct {
	engine          *Engine
	actx            domain.ArbitrationContext
	budgetExhausted *budget.BudgetCheckResult
	quotaDenials    []*domain.RateLimitExceededError
}

func (g *gates) check(ctx context.Context, c domain.Candidate) (domain.Exclusion, bool) {
	ex := domain.Exclusion{ModelID: c.ModelID, Provider: c.Provider}

	if ok, retry := g.engine.circuits.CanDispatch(c.CircuitID); !ok {
		ex.Reason = domain.ExcludedCircuitOpen
		if retry > 0 {
			ex.Detail = fmt.Sprintf("retry after %s", retry)
		}
		return ex, false
	}

	if q := g.engine.quota; q != nil {
		cost := ratelimit.RequestCost(g.actx.ExpectedInputTokens + g.actx.ExpectedOutputTokens)
		for _, id := range ratelimit.Identifiers(g.actx, c.Provider) {
			err := q.Peek(ctx, id, c.CircuitID, cost)
			if err == nil {
				continue
			}
			var rle *domain.RateLimitExceededError
			if !errors.As(err, &rle) {
				// Quota backend trouble does not block routing.
				slog.Warn("quota check failed", "identifier", id, "circuit_id", c.CircuitID, "error", err)
				continue
			}
			g.quotaDenials = append(g.quotaDenials, rle)
			ex.Reason = domain.ExcludedQuota
			ex.Detail = fmt.Sprintf("%s on %s", rle.Limit, rle.Identifier)
			return ex, false
		}
	}

	if g.budgetExhausted != nil {
		ex.Reason = domain.ExcludedBudget
		ex.Detail = g.budgetExhausted.Scope.Key()
		return ex, false
	}
	return domain.Exclusion{}, true
}

// failure picks the error for a request that lost every candidate. When
// budget or quota alone removed them, that is the more useful error.
func (g *gates) failure(exclusions []domain.Exclusion) error {
	switch {
	case onlyReason(exclusions, domain.ExcludedBudget):
		r := g.budgetExhausted
		return &domain.BudgetExceededError{Scope: r.Scope, Amount: r.Amount, Used: r.UsedAmount}
	case onlyReason(exclusions, domain.ExcludedQuota) && len(g.quotaDenials) > 0:
		soonest := g.quotaDenials[0]
		for _, d := range g.quotaDenials[1:] {
			if d.RetryAfter < soonest.RetryAfter {
				soonest = d
			}
		}
		return soonest
	default:
		return &domain.NoSuitableModelError{RequestID: g.actx.RequestID, Exclusions: exclusions}
	}
}

func onlyReason(exclusions []domain.Exclusion, reason domain.ExclusionReason) bool {
	if len(exclusions) == 0 {
		return false
	}
	for _, ex := range exclusions {
		if ex.Reason != reason {
			return false
		}
	}
	return true
}

func outcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrBudgetExceeded):
		return "budget_exceeded"
	case errors.Is(err, domain.ErrRateLimitExceeded):
		return "rate_limited"
	default:
		return "no_suitable_model"
	}
}

// Rank orders candidates by final score, highest first. Ties go to the lower
// estimated cost, then the higher reliability, then input order.
func Rank(candidates []domain.Candidate) []domain.Candidate {
	ranked := make([]domain.Candidate, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.FinalScore != b.FinalScore {
			return a.FinalScore > b.FinalScore
		}
		if a.EstimatedCost != b.EstimatedCost {
			return a.EstimatedCost < b.EstimatedCost
		}
		return a.Prediction.ReliabilityScore > b.Prediction.ReliabilityScore
	})
	return ranked
}

// Strategy names how the decision was made, for logs, metrics and the audit
// record.
func Strategy(rule *rules.Rule, actx domain.ArbitrationContext) string {
	switch {
	case rule != nil:
		return rule.DisplayName()
	case len(actx.Constraints.RequiredCapabilities) > 0:
		return "capability_match"
	case actx.Constraints.MaxCost > 0:
		return "cost_optimized"
	case actx.Constraints.MaxLatency > 0:
		return "performance"
	default:
		return "balanced"
	}
}
