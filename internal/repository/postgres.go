// Package repository persists ledger, quota and performance state in Postgres
// so a restarted process resumes with the spend, quota usage and history it
// had.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/felipepmaragno/model-arbiter/internal/budget"
	"github.com/felipepmaragno/model-arbiter/internal/cost"
	"github.com/felipepmaragno/model-arbiter/internal/domain"
	"github.com/felipepmaragno/model-arbiter/internal/ratelimit"
)

// SnapshotStore saves and loads budget states, quota windows and performance
// history.
type SnapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) SaveBudgetState(ctx context.Context, st budget.State) error {
	query := `
		INSERT INTO budget_states (scope_key, tenant_id, project_id, user_id, period, period_start, period_end,
		                           amount, used_amount, warning_threshold, critical_threshold,
		                           warning_sent, critical_sent, exceeded_sent, last_period_used, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (scope_key) DO UPDATE
		SET period = EXCLUDED.period, period_start = EXCLUDED.period_start, period_end = EXCLUDED.period_end,
		    amount = EXCLUDED.amount, used_amount = EXCLUDED.used_amount,
		    warning_threshold = EXCLUDED.warning_threshold, critical_threshold = EXCLUDED.critical_threshold,
		    warning_sent = EXCLUDED.warning_sent, critical_sent = EXCLUDED.critical_sent,
		    exceeded_sent = EXCLUDED.exceeded_sent, last_period_used = EXCLUDED.last_period_used,
		    updated_at = EXCLUDED.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		st.Scope.Key(),
		st.Scope.TenantID,
		st.Scope.ProjectID,
		st.Scope.UserID,
		string(st.Period),
		st.PeriodStart,
		st.PeriodEnd,
		st.Amount,
		st.UsedAmount,
		st.WarningThreshold,
		st.CriticalThreshold,
		st.WarningSent,
		st.CriticalSent,
		st.ExceededSent,
		st.LastPeriodUsed,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("upsert budget state %s: %w", st.Scope.Key(), err)
	}
	return nil
}

func (s *SnapshotStore) LoadBudgetStates(ctx context.Context) ([]budget.State, error) {
	query := `
		SELECT tenant_id, project_id, user_id, period, period_start, period_end,
		       amount, used_amount, warning_threshold, critical_threshold,
		       warning_sent, critical_sent, exceeded_sent, last_period_used
		FROM budget_states
		ORDER BY scope_key
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query budget states: %w", err)
	}
	defer rows.Close()

	var states []budget.State
	for rows.Next() {
		var (
			st     budget.State
			period string
		)
		err := rows.Scan(
			&st.Scope.TenantID,
			&st.Scope.ProjectID,
			&st.Scope.UserID,
			&period,
			&st.PeriodStart,
			&st.PeriodEnd,
			&st.Amount,
			&st.UsedAmount,
			&st.WarningThreshold,
			&st.CriticalThreshold,
			&st.WarningSent,
			&st.CriticalSent,
			&st.ExceededSent,
			&st.LastPeriodUsed,
		)
		if err != nil {
			return nil, fmt.Errorf("scan budget state: %w", err)
		}
		st.Period = budget.Period(period)
		states = append(states, st)
	}
	return states, rows.Err()
}

// RestoreBudgets loads every saved state into the ledger. For scopes already
// configured, the configured amount, period and thresholds win and the saved
// usage and sent flags are kept.
func (s *SnapshotStore) RestoreBudgets(ctx context.Context, l *budget.Ledger) (int, error) {
	states, err := s.LoadBudgetStates(ctx)
	if err != nil {
		return 0, err
	}
	for _, st := range states {
		if cur, ok := l.Get(st.Scope); ok {
			st.Amount = cur.Amount
			st.Period = cur.Period
			st.WarningThreshold = cur.WarningThreshold
			st.CriticalThreshold = cur.CriticalThreshold
		}
		if err := l.Configure(st); err != nil {
			return 0, fmt.Errorf("restore %s: %w", st.Scope.Key(), err)
		}
	}
	return len(states), nil
}

func (s *SnapshotStore) SavePerformance(ctx context.Context, stats []cost.PerformanceStats) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO performance_stats (circuit_id, provider, model_id, stats, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (circuit_id) DO UPDATE
		SET stats = EXCLUDED.stats, updated_at = EXCLUDED.updated_at
	`
	for _, ps := range stats {
		body, err := json.Marshal(ps)
		if err != nil {
			return fmt.Errorf("marshal stats: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query,
			domain.CircuitID(ps.Provider, ps.ModelID),
			ps.Provider,
			ps.ModelID,
			body,
			ps.UpdatedAt,
		); err != nil {
			return fmt.Errorf("upsert performance %s: %w", domain.CircuitID(ps.Provider, ps.ModelID), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SnapshotStore) LoadPerformance(ctx context.Context) ([]cost.PerformanceStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stats FROM performance_stats ORDER BY circuit_id`)
	if err != nil {
		return nil, fmt.Errorf("query performance stats: %w", err)
	}
	defer rows.Close()

	var out []cost.PerformanceStats
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan performance stats: %w", err)
		}
		var ps cost.PerformanceStats
		if err := json.Unmarshal(body, &ps); err != nil {
			return nil, fmt.Errorf("decode performance stats: %w", err)
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

// SaveQuotaWindows replaces the stored quota windows with ws. Windows missing
// from ws had no usage and are dropped.
func (s *SnapshotStore) SaveQuotaWindows(ctx context.Context, ws []ratelimit.WindowState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM quota_windows`); err != nil {
		return fmt.Errorf("clear quota windows: %w", err)
	}

	query := `
		INSERT INTO quota_windows (identifier, limit_name, algorithm, count, max_count, window_start, window_end, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	now := time.Now()
	for _, w := range ws {
		if _, err := tx.ExecContext(ctx, query,
			w.Identifier,
			w.Limit,
			string(w.Algorithm),
			w.Count,
			w.Max,
			w.Start,
			w.End,
			now,
		); err != nil {
			return fmt.Errorf("insert quota window %s/%s: %w", w.Identifier, w.Limit, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SnapshotStore) LoadQuotaWindows(ctx context.Context) ([]ratelimit.WindowState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT identifier, limit_name, algorithm, count, max_count, window_start, window_end
		FROM quota_windows
		ORDER BY identifier, limit_name
	`)
	if err != nil {
		return nil, fmt.Errorf("query quota windows: %w", err)
	}
	defer rows.Close()

	var out []ratelimit.WindowState
	for rows.Next() {
		var (
			w         ratelimit.WindowState
			algorithm string
		)
		if err := rows.Scan(&w.Identifier, &w.Limit, &algorithm, &w.Count, &w.Max, &w.Start, &w.End); err != nil {
			return nil, fmt.Errorf("scan quota window: %w", err)
		}
		w.Algorithm = ratelimit.Algorithm(algorithm)
		out = append(out, w)
	}
	return out, rows.Err()
}

// RestoreQuotas seeds the enforcer with the saved windows it still has limits
// for. It returns the number of windows applied.
func (s *SnapshotStore) RestoreQuotas(ctx context.Context, e *ratelimit.InMemoryEnforcer) (int, error) {
	ws, err := s.LoadQuotaWindows(ctx)
	if err != nil {
		return 0, err
	}
	return e.Restore(ws), nil
}
