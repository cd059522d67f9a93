package arbitration

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/felipepmaragno/model-arbiter/internal/budget"
	"github.com/felipepmaragno/model-arbiter/internal/circuitbreaker"
	"github.com/felipepmaragno/model-arbiter/internal/domain"
	"github.com/felipepmaragno/model-arbiter/internal/ratelimit"
	"github.com/felipepmaragno/model-arbiter/internal/rules"
)

var errUpstream = errors.New("upstream 503")

type staticSource []domain.Candidate

func (s staticSource) Build(context.Context, domain.ArbitrationContext) ([]domain.Candidate, []domain.Exclusion) {
	out := make([]domain.Candidate, len(s))
	copy(out, s)
	return out, nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	decisions []*domain.Decision
}

func (p *recordingPublisher) PublishDecision(_ context.Context, _ domain.ArbitrationContext, d *domain.Decision) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decisions = append(p.decisions, d)
}

type brokenQuota struct{}

func (brokenQuota) Peek(context.Context, string, string, ratelimit.Cost) error {
	return errors.New("redis: connection refused")
}

func candidate(provider, model string, intelligence, cost float64) domain.Candidate {
	return domain.Candidate{
		ModelID:       model,
		Provider:      provider,
		CircuitID:     domain.CircuitID(provider, model),
		Model:         domain.ModelCatalogEntry{ID: model, Provider: provider, IntelligenceScore: intelligence, Active: true},
		EstimatedCost: cost,
		Prediction: domain.PerformancePrediction{
			ExpectedLatency:  time.Second,
			ReliabilityScore: 0.5,
		},
	}
}

func testCandidates() staticSource {
	return staticSource{
		candidate("bedrock", "claude-3-haiku", 70, 0.001),
		candidate("bedrock", "claude-3-sonnet", 85, 0.01),
		candidate("openai", "gpt-4o", 90, 0.02),
		candidate("openai", "gpt-4o-mini", 60, 0.0005),
	}
}

func testRequest() domain.ArbitrationContext {
	return domain.ArbitrationContext{
		RequestID:            "req-1",
		TenantID:             "acme",
		ExpectedInputTokens:  1000,
		ExpectedOutputTokens: 500,
	}
}

type fixture struct {
	clock    *clock.Mock
	circuits *circuitbreaker.Registry
	ledger   *budget.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	return &fixture{
		clock:    mock,
		circuits: circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), circuitbreaker.WithClock(mock)),
		ledger:   budget.NewLedger(budget.WithClock(mock)),
	}
}

func (f *fixture) engine(t *testing.T, src CandidateSource, ruleSet []rules.Rule, opts ...Option) *Engine {
	t.Helper()
	ev, err := rules.NewEvaluator(ruleSet, rules.WithClock(f.clock))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	base := []Option{WithClock(f.clock), WithBudget(f.ledger)}
	return NewEngine(src, ev, f.circuits, append(base, opts...)...)
}

func (f *fixture) trip(t *testing.T, id string) {
	t.Helper()
	for i := 0; i < circuitbreaker.DefaultConfig().FailureThreshold; i++ {
		p, err := f.circuits.Acquire(id)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		p.Failure(errUpstream)
	}
	if got := f.circuits.State(id); got != circuitbreaker.StateOpen {
		t.Fatalf("f.circuits.State(id) = %v, want %v", got, circuitbreaker.StateOpen)
	}
}

func TestArbitrate_SelectsHighestScore(t *testing.T) {
	f := newFixture(t)
	pub := &recordingPublisher{}
	e := f.engine(t, testCandidates(), nil, WithPublisher(pub))

	d, err := e.Arbitrate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := d.Selected.ModelID; got != "gpt-4o" {
		t.Errorf("d.Selected.ModelID = %v, want %v", got, "gpt-4o")
	}
	if got := d.Strategy; got != "balanced" {
		t.Errorf("d.Strategy = %v, want %v", got, "balanced")
	}
	if d.ID == "" {
		t.Error("decision has no ID")
	}
	if got := d.RequestID; got != "req-1" {
		t.Errorf("d.RequestID = %v, want %v", got, "req-1")
	}
	if got := d.Selected.Health; got != "closed" {
		t.Errorf("d.Selected.Health = %v, want %v", got, "closed")
	}

	chain := d.Chain()
	if got := len(chain); got != 4 {
		t.Fatalf("len(chain) = %d, want %d", got, 4)
	}
	for i := 1; i < len(chain); i++ {
		if got := chain[i-1].FinalScore; got < chain[i].FinalScore {
			t.Errorf("chain[i-1].FinalScore = %v, want >= %v", got, chain[i].FinalScore)
		}
	}
	if got := len(d.ScoreBreakdown); got != 4 {
		t.Errorf("len(d.ScoreBreakdown) = %d, want %d", got, 4)
	}
	if _, ok := d.ScoreBreakdown["openai:gpt-4o"]; !ok {
		t.Errorf("ScoreBreakdown = %v, want an openai:gpt-4o entry", d.ScoreBreakdown)
	}

	if got := len(pub.decisions); got != 1 {
		t.Fatalf("len(pub.decisions) = %d, want %d", got, 1)
	}
	if pub.decisions[0] != d {
		t.Errorf("got a different pointer")
	}
}

func TestArbitrate_OpenCircuitNeverSelected(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, testCandidates(), nil)
	f.trip(t, "openai:gpt-4o")

	for i := 0; i < 1000; i++ {
		d, err := e.Arbitrate(context.Background(), testRequest())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, c := range d.Chain() {
			if got := c.CircuitID; got == "openai:gpt-4o" {
				t.Fatalf("c.CircuitID = %v, want something else", got)
			}
		}
		if got := len(d.Exclusions); got != 1 {
			t.Fatalf("len(d.Exclusions) = %d, want %d", got, 1)
		}
		if got := d.Exclusions[0].Reason; got != domain.ExcludedCircuitOpen {
			t.Errorf("d.Exclusions[0].Reason = %v, want %v", got, domain.ExcludedCircuitOpen)
		}
	}
}

func TestArbitrate_HalfOpenCircuitIsEligible(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, testCandidates(), nil)
	f.trip(t, "openai:gpt-4o")
	f.clock.Add(circuitbreaker.DefaultConfig().ResetTimeout)

	d, err := e.Arbitrate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := d.Selected.ModelID; got != "gpt-4o" {
		t.Errorf("d.Selected.ModelID = %v, want %v", got, "gpt-4o")
	}
	if got := d.Selected.Health; got != "half-open" {
		t.Errorf("d.Selected.Health = %v, want %v", got, "half-open")
	}
}

func TestArbitrate_FallbackCap(t *testing.T) {
	tests := []struct {
		name string
		max  int
		want int
	}{
		{"default", DefaultMaxFallbackAttempts, 3},
		{"one", 1, 1},
		{"none", 0, 0},
		{"more than available", 10, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			e := f.engine(t, testCandidates(), nil, WithMaxFallbackAttempts(tt.max))
			d, err := e.Arbitrate(context.Background(), testRequest())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := len(d.Fallbacks); got != tt.want {
				t.Errorf("len(d.Fallbacks) = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestArbitrate_InvalidRequest(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, testCandidates(), nil)

	_, err := e.Arbitrate(context.Background(), domain.ArbitrationContext{RequestID: "r"})
	if !errors.Is(err, domain.ErrInvalidRequest) {
		t.Errorf("error = %v, want %v", err, domain.ErrInvalidRequest)
	}
}

func TestArbitrate_NoCandidates(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, staticSource{}, nil)

	_, err := e.Arbitrate(context.Background(), testRequest())
	var nsm *domain.NoSuitableModelError
	if !errors.As(err, &nsm) {
		t.Fatalf("error = %v, want %T", err, nsm)
	}
	if got := nsm.RequestID; got != "req-1" {
		t.Errorf("nsm.RequestID = %v, want %v", got, "req-1")
	}
	if len(nsm.Exclusions) != 0 {
		t.Errorf("nsm.Exclusions = %v, want none", nsm.Exclusions)
	}
}

func TestArbitrate_AllCircuitsOpen(t *testing.T) {
	f := newFixture(t)
	src := testCandidates()
	e := f.engine(t, src, nil)
	for _, c := range src {
		f.trip(t, c.CircuitID)
	}

	_, err := e.Arbitrate(context.Background(), testRequest())
	var nsm *domain.NoSuitableModelError
	if !errors.As(err, &nsm) {
		t.Fatalf("error = %v, want %T", err, nsm)
	}
	if got := len(nsm.Exclusions); got != len(src) {
		t.Errorf("len(nsm.Exclusions) = %d, want %d", got, len(src))
	}
}

func TestArbitrate_BudgetExhausted(t *testing.T) {
	f := newFixture(t)
	if err := f.ledger.Configure(budget.State{Scope: domain.BudgetScope{TenantID: "acme"}, Amount: 1}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	_, err := f.ledger.RecordUsage(context.Background(), domain.BudgetScope{TenantID: "acme"}, 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e := f.engine(t, testCandidates(), nil)

	_, err = e.Arbitrate(context.Background(), testRequest())
	var bee *domain.BudgetExceededError
	if !errors.As(err, &bee) {
		t.Fatalf("error = %v, want %T", err, bee)
	}
	if got := bee.Scope.Key(); got != "tenant:acme" {
		t.Errorf("bee.Scope.Key() = %v, want %v", got, "tenant:acme")
	}
	if got := bee.Used; got != 1.0 {
		t.Errorf("bee.Used = %v, want %v", got, 1.0)
	}

	req := testRequest()
	req.BudgetOverride = true
	d, err := e.Arbitrate(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := d.Selected.ModelID; got != "gpt-4o" {
		t.Errorf("d.Selected.ModelID = %v, want %v", got, "gpt-4o")
	}
}

func TestArbitrate_WinnerOverBudget(t *testing.T) {
	f := newFixture(t)
	if err := f.ledger.Configure(budget.State{Scope: domain.BudgetScope{TenantID: "acme"}, Amount: 0.015}); err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	e := f.engine(t, testCandidates(), nil)

	_, err := e.Arbitrate(context.Background(), testRequest())
	var bee *domain.BudgetExceededError
	if !errors.As(err, &bee) {
		t.Fatalf("error = %v, want %T", err, bee)
	}
	if got := bee.Requested; got != 0.02 {
		t.Error("gpt-4o wins and its estimate does not fit")
	}
}

func TestArbitrate_QuotaExhausted(t *testing.T) {
	f := newFixture(t)
	quota := ratelimit.NewInMemoryEnforcer([]ratelimit.Limit{
		{Name: "tenant-rpm", Scope: "tenant", Max: 1, Window: time.Minute},
	}, ratelimit.WithClock(f.clock))
	_, err := quota.CheckAndReserve(context.Background(), "tenant:acme", "", ratelimit.RequestCost(0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e := f.engine(t, testCandidates(), nil, WithQuota(quota))

	_, err = e.Arbitrate(context.Background(), testRequest())
	var rle *domain.RateLimitExceededError
	if !errors.As(err, &rle) {
		t.Fatalf("error = %v, want %T", err, rle)
	}
	if got := rle.Limit; got != "tenant-rpm" {
		t.Errorf("rle.Limit = %v, want %v", got, "tenant-rpm")
	}
	if got := rle.RetryAfter; got <= 0 {
		t.Errorf("rle.RetryAfter = %v, want > 0", got)
	}

	other := testRequest()
	other.TenantID = "globex"
	_, err = e.Arbitrate(context.Background(), other)
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestArbitrate_ProviderQuotaExcludesOnlyThatProvider(t *testing.T) {
	f := newFixture(t)
	quota := ratelimit.NewInMemoryEnforcer([]ratelimit.Limit{
		{Name: "openai-rpm", Scope: "provider", Max: 1, Window: time.Minute, Items: []string{"openai:*"}},
	}, ratelimit.WithClock(f.clock))
	_, err := quota.CheckAndReserve(context.Background(), "provider:openai", "openai:gpt-4o", ratelimit.RequestCost(0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e := f.engine(t, testCandidates(), nil, WithQuota(quota))

	d, err := e.Arbitrate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, c := range d.Chain() {
		if got := c.Provider; got != "bedrock" {
			t.Errorf("c.Provider = %v, want %v", got, "bedrock")
		}
	}
	if got := len(d.Exclusions); got != 2 {
		t.Fatalf("len(d.Exclusions) = %d, want %d", got, 2)
	}
	for _, ex := range d.Exclusions {
		if got := ex.Reason; got != domain.ExcludedQuota {
			t.Errorf("ex.Reason = %v, want %v", got, domain.ExcludedQuota)
		}
	}
}

func TestArbitrate_QuotaBackendErrorDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, testCandidates(), nil, WithQuota(brokenQuota{}))

	d, err := e.Arbitrate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(d.Exclusions) != 0 {
		t.Errorf("d.Exclusions = %v, want none", d.Exclusions)
	}
}

func TestArbitrate_RuleDrivesSelection(t *testing.T) {
	f := newFixture(t)
	cheap := rules.Rule{
		ID:             "cheap",
		Name:           "cost_saver",
		Weights:        map[domain.Dimension]float64{domain.DimensionCost: 1},
		MaxCost:        0.005,
		EnforceMaxCost: true,
	}
	e := f.engine(t, testCandidates(), []rules.Rule{cheap})

	d, err := e.Arbitrate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := d.Strategy; got != "cost_saver" {
		t.Errorf("d.Strategy = %v, want %v", got, "cost_saver")
	}
	if got := d.Selected.ModelID; got != "gpt-4o-mini" {
		t.Errorf("d.Selected.ModelID = %v, want %v", got, "gpt-4o-mini")
	}
	if got := d.Selected.RuleID; got != "cheap" {
		t.Errorf("d.Selected.RuleID = %v, want %v", got, "cheap")
	}

	var maxCost int
	for _, ex := range d.Exclusions {
		if ex.Reason == domain.ExcludedMaxCost {
			maxCost++
		}
	}
	if got := maxCost; got != 2 {
		t.Errorf("maxCost = %v, want %v", got, 2)
	}
}

func TestRank_TieBreaks(t *testing.T) {
	a := candidate("p", "a", 0, 0.02)
	b := candidate("p", "b", 0, 0.01)
	c := candidate("p", "c", 0, 0.01)
	c.Prediction.ReliabilityScore = 0.9
	d := candidate("p", "d", 0, 0.5)
	for _, x := range []*domain.Candidate{&a, &b, &c} {
		x.FinalScore = 80
	}
	d.FinalScore = 95

	ranked := Rank([]domain.Candidate{a, b, c, d})
	var got []string
	for _, r := range ranked {
		got = append(got, r.ModelID)
	}
	if !reflect.DeepEqual(got, []string{"d", "c", "b", "a"}) {
		t.Errorf("got = %v, want %v", got, []string{"d", "c", "b", "a"})
	}
}

func TestRank_EqualScoresFallBackToCost(t *testing.T) {
	ev, err := rules.NewEvaluator([]rules.Rule{{
		ID: "quality",
		Weights: map[domain.Dimension]float64{
			domain.DimensionPerformance: 0.17,
			domain.DimensionAccuracy:    0.31,
			domain.DimensionCapability:  0.23,
			domain.DimensionCompliance:  0.29,
		},
	}})
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}

	pricey := candidate("bedrock", "pricey", 73.37, 0.002)
	cheap := candidate("openai", "cheap", 73.37, 0.001)
	pricey.Prediction.ExpectedLatency = 1370 * time.Millisecond
	cheap.Prediction.ExpectedLatency = 1370 * time.Millisecond

	for i := 0; i < 500; i++ {
		res := ev.Evaluate(testRequest(), 0, []domain.Candidate{pricey, cheap})
		if got, want := res.Candidates[0].FinalScore, res.Candidates[1].FinalScore; got != want {
			t.Fatalf("run %d: scores differ: %v vs %v", i, got, want)
		}
		if top := Rank(res.Candidates)[0].ModelID; top != "cheap" {
			t.Fatalf("run %d: Rank()[0] = %s, want cheap", i, top)
		}
	}
}

func TestStrategy(t *testing.T) {
	named := &rules.Rule{ID: "r1", Name: "night"}
	unnamed := &rules.Rule{ID: "r2"}

	tests := []struct {
		name string
		rule *rules.Rule
		c    domain.Constraints
		want string
	}{
		{"named rule", named, domain.Constraints{MaxCost: 1}, "night"},
		{"unnamed rule", unnamed, domain.Constraints{}, "r2"},
		{"capabilities", nil, domain.Constraints{RequiredCapabilities: []domain.CapabilityType{domain.CapabilityCode}, MaxCost: 1}, "capability_match"},
		{"cost", nil, domain.Constraints{MaxCost: 0.1, MaxLatency: time.Second}, "cost_optimized"},
		{"latency", nil, domain.Constraints{MaxLatency: time.Second}, "performance"},
		{"nothing", nil, domain.Constraints{}, "balanced"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Strategy(tt.rule, domain.ArbitrationContext{Constraints: tt.c}); got != tt.want {
				t.Errorf("Strategy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestArbitrate_ConcurrentRequests(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t, testCandidates(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := e.Arbitrate(context.Background(), testRequest())
			if err != nil {
				t.Errorf("Arbitrate() error = %v", err)
				return
			}
			if got := d.Selected.ModelID; got != "gpt-4o" {
				t.Errorf("d.Selected.ModelID = %v, want %v", got, "gpt-4o")
			}
		}()
	}
	wg.Wait()
}
