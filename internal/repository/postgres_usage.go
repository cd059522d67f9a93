package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/felipepmaragno/model-arbiter/internal/cost"
	"github.com/felipepmaragno/model-arbiter/internal/domain"
)

const usageColumns = `tenant_id, project_id, user_id, request_id, decision_id, model, provider,
	input_tokens, output_tokens, estimated_cost_usd, cost_usd, latency_ms, attempt, created_at`

// UsageRepository stores dispatch attempts in usage_records and implements
// cost.Tracker.
type UsageRepository struct {
	db *sql.DB
}

func NewUsageRepository(db *sql.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

func (r *UsageRepository) Record(ctx context.Context, rec cost.UsageRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO usage_records (`+usageColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		rec.TenantID, rec.ProjectID, rec.UserID, rec.RequestID, rec.DecisionID,
		rec.Model, rec.Provider, rec.InputTokens, rec.OutputTokens,
		rec.EstimatedCost, rec.CostUSD, rec.LatencyMs, rec.Attempt, rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert usage record %s/%d: %w", rec.RequestID, rec.Attempt, err)
	}
	return nil
}

// scopeFilter renders the WHERE clause for scope and since. Project and user
// conditions are only added when the scope sets them.
func scopeFilter(scope domain.BudgetScope, since time.Time) (string, []any) {
	conds := []string{"tenant_id = $1", "created_at >= $2"}
	args := []any{scope.TenantID, since}
	add := func(col, v string) {
		args = append(args, v)
		conds = append(conds, col+" = $"+strconv.Itoa(len(args)))
	}
	if scope.ProjectID != "" {
		add("project_id", scope.ProjectID)
	}
	if scope.UserID != "" {
		add("user_id", scope.UserID)
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Usage returns records in scope at or after since, newest first.
func (r *UsageRepository) Usage(ctx context.Context, scope domain.BudgetScope, since time.Time) ([]cost.UsageRecord, error) {
	where, args := scopeFilter(scope, since)
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+usageColumns+" FROM usage_records"+where+" ORDER BY created_at DESC", args...)
	if err != nil {
		return nil, fmt.Errorf("query usage for %s: %w", scope.Key(), err)
	}
	defer rows.Close()

	var out []cost.UsageRecord
	for rows.Next() {
		var rec cost.UsageRecord
		if err := rows.Scan(
			&rec.TenantID, &rec.ProjectID, &rec.UserID, &rec.RequestID, &rec.DecisionID,
			&rec.Model, &rec.Provider, &rec.InputTokens, &rec.OutputTokens,
			&rec.EstimatedCost, &rec.CostUSD, &rec.LatencyMs, &rec.Attempt, &rec.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Spend sums actual cost in scope at or after since.
func (r *UsageRepository) Spend(ctx context.Context, scope domain.BudgetScope, since time.Time) (float64, error) {
	where, args := scopeFilter(scope, since)
	var total float64
	err := r.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(cost_usd), 0) FROM usage_records"+where, args...).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum spend for %s: %w", scope.Key(), err)
	}
	return total, nil
}
