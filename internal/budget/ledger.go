package budget

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/felipepmaragno/model-arbiter/internal/domain"
	"github.com/felipepmaragno/model-arbiter/internal/metrics"
)

const shardCount = 32

// Ledger holds one State per configured scope. A request is governed by every
// configured scope that encloses it: the tenant, the tenant's project, and the
// user within that project.
type Ledger struct {
	clock  clock.Clock
	dedup  AlertDeduplicator
	shards [shardCount]ledgerShard

	mu        sync.RWMutex
	handlers  []AlertHandler
	listeners []func(State)
}

type ledgerShard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type entry struct {
	mu    sync.Mutex
	state State
}

type Option func(*Ledger)

func WithClock(clk clock.Clock) Option {
	return func(l *Ledger) {
		l.clock = clk
	}
}

func WithDeduplicator(d AlertDeduplicator) Option {
	return func(l *Ledger) {
		l.dedup = d
	}
}

func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{clock: clock.New()}
	for i := range l.shards {
		l.shards[i].entries = make(map[string]*entry)
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnAlert registers a handler called for each threshold crossing.
func (l *Ledger) OnAlert(handler AlertHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, handler)
}

// OnRecord registers a listener called with the updated state after every
// RecordUsage. Listeners must not block.
func (l *Ledger) OnRecord(listener func(State)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, listener)
}

func (l *Ledger) shard(key string) *ledgerShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &l.shards[h.Sum32()%shardCount]
}

func (l *Ledger) lookup(key string) (*entry, bool) {
	s := l.shard(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

// Configure installs or replaces the state for s.Scope. Missing thresholds
// default to 80/95 percent and missing period bounds to the current period.
// A restored state keeps its usage and sent flags.
func (l *Ledger) Configure(s State) error {
	if s.Scope.TenantID == "" {
		return fmt.Errorf("%w: budget scope requires a tenant", domain.ErrInvalidRequest)
	}
	if s.Amount < 0 {
		return fmt.Errorf("%w: negative budget amount for %s", domain.ErrInvalidRequest, s.Scope.Key())
	}
	if s.Period == "" {
		s.Period = PeriodMonthly
	}
	if s.WarningThreshold <= 0 {
		s.WarningThreshold = DefaultThresholds().Warning
	}
	if s.CriticalThreshold <= 0 {
		s.CriticalThreshold = DefaultThresholds().Critical
	}
	if s.PeriodStart.IsZero() || s.PeriodEnd.IsZero() {
		s.PeriodStart, s.PeriodEnd = s.Period.Bounds(l.clock.Now())
	}

	key := s.Scope.Key()
	sh := l.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.entries[key]; ok {
		e.mu.Lock()
		e.state = s
		e.mu.Unlock()
		return nil
	}
	sh.entries[key] = &entry{state: s}
	return nil
}

// Get returns the current state for exactly this scope.
func (l *Ledger) Get(scope domain.BudgetScope) (State, bool) {
	e, ok := l.lookup(scope.Key())
	if !ok {
		return State{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s, _ := e.state.rolled(l.clock.Now())
	return s, true
}

func (l *Ledger) States() []State {
	now := l.clock.Now()
	var out []State
	for i := range l.shards {
		sh := &l.shards[i]
		sh.mu.RLock()
		for _, e := range sh.entries {
			e.mu.Lock()
			s, _ := e.state.rolled(now)
			e.mu.Unlock()
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Scope.Key() < out[j].Scope.Key()
	})
	return out
}

// chain lists the configured entries governing scope, broadest first.
func (l *Ledger) chain(scope domain.BudgetScope) []*entry {
	if scope.TenantID == "" {
		return nil
	}
	scopes := []domain.BudgetScope{{TenantID: scope.TenantID}}
	if scope.ProjectID != "" {
		scopes = append(scopes, domain.BudgetScope{TenantID: scope.TenantID, ProjectID: scope.ProjectID})
	}
	if scope.UserID != "" {
		scopes = append(scopes, scope)
	}

	var out []*entry
	for _, s := range scopes {
		if e, ok := l.lookup(s.Key()); ok {
			out = append(out, e)
		}
	}
	return out
}

// CheckBudget projects estimatedCost against every scope governing the
// request and returns the tightest result. It never modifies the ledger.
// A request with no configured budget is allowed.
func (l *Ledger) CheckBudget(scope domain.BudgetScope, estimatedCost float64) BudgetCheckResult {
	now := l.clock.Now()
	result := BudgetCheckResult{Scope: scope, IsAllowed: true, ProjectedUsage: estimatedCost}

	first := true
	for _, e := range l.chain(scope) {
		e.mu.Lock()
		s, _ := e.state.rolled(now)
		e.mu.Unlock()

		r := project(s, estimatedCost)
		warn := result.WillExceedWarning || r.WillExceedWarning
		crit := result.WillExceedCritical || r.WillExceedCritical
		if first || tighter(r, result) {
			result = r
			first = false
		}
		result.WillExceedWarning = warn
		result.WillExceedCritical = crit
	}
	return result
}

func tighter(a, b BudgetCheckResult) bool {
	if a.IsAllowed != b.IsAllowed {
		return !a.IsAllowed
	}
	return a.ProjectedPercentage > b.ProjectedPercentage
}

// UsagePercentage is the highest usage percentage among the scopes governing
// the request, or 0 when none is configured.
func (l *Ledger) UsagePercentage(scope domain.BudgetScope) float64 {
	now := l.clock.Now()
	var highest float64
	for _, e := range l.chain(scope) {
		e.mu.Lock()
		s, _ := e.state.rolled(now)
		e.mu.Unlock()
		if pct := s.UsagePercentage(); pct > highest {
			highest = pct
		}
	}
	return highest
}

// RecordUsage charges actualCost to every scope governing the request. It is
// the only operation that changes usage. The returned state is the most
// specific configured scope, or nil if none is configured.
func (l *Ledger) RecordUsage(ctx context.Context, scope domain.BudgetScope, actualCost float64) (*State, error) {
	if actualCost < 0 {
		return nil, fmt.Errorf("%w: negative cost %.6f", domain.ErrInvalidRequest, actualCost)
	}

	now := l.clock.Now()
	var (
		last    *State
		alerts  []Alert
		updated []State
		stale   []string
	)
	for _, e := range l.chain(scope) {
		e.mu.Lock()
		s, rolledOver := e.state.rolled(now)
		if rolledOver {
			stale = append(stale, periodKey(e.state.Scope.Key(), e.state.PeriodStart))
		}
		s.UsedAmount += actualCost
		if a, ok := crossing(&s); ok {
			a.Timestamp = now
			alerts = append(alerts, a)
		}
		e.state = s
		e.mu.Unlock()

		metrics.SetBudgetUsage(s.Scope.Key(), s.UsagePercentage()/100)
		updated = append(updated, s)
		cp := s
		last = &cp
	}

	l.mu.RLock()
	handlers := make([]AlertHandler, len(l.handlers))
	copy(handlers, l.handlers)
	listeners := make([]func(State), len(l.listeners))
	copy(listeners, l.listeners)
	l.mu.RUnlock()

	if l.dedup != nil {
		for _, key := range stale {
			l.dedup.ClearAlert(ctx, key)
		}
	}
	for _, a := range alerts {
		if l.dedup != nil && !l.dedup.ShouldAlert(ctx, dedupKey(a), a.Level) {
			continue
		}
		metrics.RecordBudgetAlert(string(a.Level))
		for _, h := range handlers {
			h(a)
		}
	}
	for _, s := range updated {
		for _, fn := range listeners {
			fn(s)
		}
	}
	return last, nil
}

// crossing marks the highest newly reached level as sent, along with every
// level below it, and returns the alert to report.
func crossing(s *State) (Alert, bool) {
	var level AlertLevel
	switch {
	case s.IsExceeded() && !s.ExceededSent:
		level = AlertLevelExceeded
		s.ExceededSent, s.CriticalSent, s.WarningSent = true, true, true
	case s.IsCriticalThresholdReached() && !s.CriticalSent:
		level = AlertLevelCritical
		s.CriticalSent, s.WarningSent = true, true
	case s.IsWarningThresholdReached() && !s.WarningSent:
		level = AlertLevelWarning
		s.WarningSent = true
	default:
		return Alert{}, false
	}
	return Alert{
		Scope:       s.Scope.Key(),
		TenantID:    s.Scope.TenantID,
		Level:       level,
		Amount:      s.Amount,
		UsedAmount:  s.UsedAmount,
		Percentage:  s.UsagePercentage(),
		PeriodStart: s.PeriodStart,
	}, true
}

func dedupKey(a Alert) string {
	return periodKey(a.Scope, a.PeriodStart)
}

func periodKey(scope string, start time.Time) string {
	return fmt.Sprintf("%s:%d", scope, start.Unix())
}

// Forecast is the linear end-of-period projection for exactly this scope.
func (l *Ledger) Forecast(scope domain.BudgetScope) float64 {
	s, ok := l.Get(scope)
	if !ok {
		return 0
	}
	return s.ForecastedUsage(l.clock.Now())
}
