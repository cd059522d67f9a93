package rules

import (
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/felipepmaragno/model-arbiter/internal/domain"
)

// Evaluator applies the highest-priority applicable rule to candidates.
// It holds no mutable state and is safe for concurrent use.
type Evaluator struct {
	rules          []Rule
	defaultMaxCost float64
	clock          clock.Clock
}

type Option func(*Evaluator)

func WithClock(clk clock.Clock) Option {
	return func(e *Evaluator) {
		e.clock = clk
	}
}

func WithDefaultMaxCost(usd float64) Option {
	return func(e *Evaluator) {
		if usd > 0 {
			e.defaultMaxCost = usd
		}
	}
}

// NewEvaluator validates the rules and keeps the enabled ones ordered by
// priority. Rules with equal priority keep their load order.
func NewEvaluator(rules []Rule, opts ...Option) (*Evaluator, error) {
	compiled := make([]Rule, len(rules))
	copy(compiled, rules)
	if err := Validate(compiled); err != nil {
		return nil, err
	}

	e := &Evaluator{
		defaultMaxCost: DefaultMaxCost,
		clock:          clock.New(),
	}
	for _, r := range compiled {
		if r.IsEnabled() {
			e.rules = append(e.rules, r)
		}
	}
	sort.SliceStable(e.rules, func(i, j int) bool {
		return e.rules[i].Priority < e.rules[j].Priority
	})
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

func (e *Evaluator) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

func (e *Evaluator) DefaultMaxCost() float64 {
	return e.defaultMaxCost
}

func (e *Evaluator) now(actx domain.ArbitrationContext) time.Time {
	if !actx.Timestamp.IsZero() {
		return actx.Timestamp
	}
	return e.clock.Now()
}

// Applicable returns the highest-priority rule whose condition holds, or nil.
func (e *Evaluator) Applicable(actx domain.ArbitrationContext, budgetPercent float64) *Rule {
	now := e.now(actx)
	for i := range e.rules {
		if e.rules[i].Condition.Matches(actx, now, budgetPercent) {
			r := e.rules[i]
			return &r
		}
	}
	return nil
}

type Result struct {
	// Rule is nil when no rule applied and the balanced blend was used.
	Rule       *Rule
	Candidates []domain.Candidate
	Exclusions []domain.Exclusion
}

// Evaluate scores every candidate and removes those the applicable rule
// filters out. The input slice is not modified.
func (e *Evaluator) Evaluate(actx domain.ArbitrationContext, budgetPercent float64, candidates []domain.Candidate) Result {
	rule := e.Applicable(actx, budgetPercent)
	res := Result{Rule: rule}

	weights := EqualWeights
	if rule != nil {
		weights = rule.Weights
	}
	reqs, compliance := requirements(rule, actx)
	effectiveMax := EffectiveMaxCost(rule, actx, e.defaultMaxCost)

	for _, c := range candidates {
		if rule != nil {
			if ex, excluded := e.filter(rule, actx, c); excluded {
				res.Exclusions = append(res.Exclusions, ex)
				continue
			}
		}

		scores := map[domain.Dimension]float64{
			domain.DimensionCost:        CostScore(c.EstimatedCost, effectiveMax),
			domain.DimensionPerformance: PerformanceScore(c.Prediction.ExpectedLatency),
			domain.DimensionAccuracy:    AccuracyScore(c.Model),
			domain.DimensionCapability:  CapabilityScore(c.Model, reqs),
			domain.DimensionCompliance:  ComplianceScore(c.Model, compliance),
		}
		c.Scores = scores
		c.FinalScore = Combine(scores, weights)
		if rule != nil {
			c.RuleID = rule.ID
		}
		res.Candidates = append(res.Candidates, c)
	}
	return res
}

func (e *Evaluator) filter(rule *Rule, actx domain.ArbitrationContext, c domain.Candidate) (domain.Exclusion, bool) {
	if rule.EnforceMaxCost {
		ceiling := filterCeiling(rule, actx, e.defaultMaxCost)
		if c.EstimatedCost > ceiling {
			return domain.Exclusion{
				ModelID:  c.ModelID,
				Provider: c.Provider,
				Reason:   domain.ExcludedMaxCost,
				Detail:   fmt.Sprintf("rule %s: cost %.6f > %.6f", rule.ID, c.EstimatedCost, ceiling),
			}, true
		}
	}
	for i := range rule.HardFilters {
		p := &rule.HardFilters[i]
		if !p.Match(c, actx) {
			return domain.Exclusion{
				ModelID:  c.ModelID,
				Provider: c.Provider,
				Reason:   domain.ExcludedRule,
				Detail:   fmt.Sprintf("rule %s: %s", rule.ID, p),
			}, true
		}
	}
	return domain.Exclusion{}, false
}
