package cost

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/model-arbiter/internal/domain"
)

// UsageRecord is one completed dispatch attempt.
type UsageRecord struct {
	TenantID      string
	ProjectID     string
	UserID        string
	RequestID     string
	DecisionID    string
	Model         string
	Provider      string
	InputTokens   int
	OutputTokens  int
	EstimatedCost float64
	CostUSD       float64
	LatencyMs     int64
	Attempt       int
	Timestamp     time.Time
}

// InScope reports whether the record counts against scope. Empty project or
// user fields in scope match any value.
func (r UsageRecord) InScope(scope domain.BudgetScope) bool {
	if r.TenantID != scope.TenantID {
		return false
	}
	if scope.ProjectID != "" && r.ProjectID != scope.ProjectID {
		return false
	}
	return scope.UserID == "" || r.UserID == scope.UserID
}

// Tracker stores completed attempts and answers spend queries per budget
// scope.
type Tracker interface {
	Record(ctx context.Context, record UsageRecord) error
	Usage(ctx context.Context, scope domain.BudgetScope, since time.Time) ([]UsageRecord, error)
	Spend(ctx context.Context, scope domain.BudgetScope, since time.Time) (float64, error)
}

// InMemoryTracker keeps records for the life of the process.
type InMemoryTracker struct {
	mu      sync.RWMutex
	records []UsageRecord
}

func NewInMemoryTracker() *InMemoryTracker {
	return &InMemoryTracker{}
}

func (t *InMemoryTracker) Record(_ context.Context, record UsageRecord) error {
	t.mu.Lock()
	t.records = append(t.records, record)
	t.mu.Unlock()
	return nil
}

// Usage returns records in scope at or after since, newest first.
func (t *InMemoryTracker) Usage(_ context.Context, scope domain.BudgetScope, since time.Time) ([]UsageRecord, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []UsageRecord
	for i := len(t.records) - 1; i >= 0; i-- {
		r := t.records[i]
		if r.InScope(scope) && !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *InMemoryTracker) Spend(ctx context.Context, scope domain.BudgetScope, since time.Time) (float64, error) {
	records, err := t.Usage(ctx, scope, since)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, r := range records {
		total += r.CostUSD
	}
	return total, nil
}

func (t *InMemoryTracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}
