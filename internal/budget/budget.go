// Package budget tracks spend against allocated amounts per budget scope
// (tenant, project, user) and reports threshold crossings once per period.
package budget

import (
	"log/slog"
	"time"

	"github.com/felipepmaragno/model-arbiter/internal/domain"
)

type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// Bounds returns the period containing t, in UTC. Weeks start on Monday.
func (p Period) Bounds(t time.Time) (start, end time.Time) {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch p {
	case PeriodDaily:
		return day, day.AddDate(0, 0, 1)
	case PeriodWeekly:
		offset := (int(day.Weekday()) + 6) % 7
		start = day.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7)
	default:
		start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	}
}

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthExceeded HealthStatus = "exceeded"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

// Thresholds are percentages of the allocated amount.
type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  80,
		Critical: 95,
	}
}

// State is the ledger entry for one scope and period.
type State struct {
	Scope             domain.BudgetScope `json:"scope"`
	Period            Period             `json:"period"`
	PeriodStart       time.Time          `json:"period_start"`
	PeriodEnd         time.Time          `json:"period_end"`
	Amount            float64            `json:"amount"`
	UsedAmount        float64            `json:"used_amount"`
	WarningThreshold  float64            `json:"warning_threshold"`
	CriticalThreshold float64            `json:"critical_threshold"`
	WarningSent       bool               `json:"warning_sent"`
	CriticalSent      bool               `json:"critical_sent"`
	ExceededSent      bool               `json:"exceeded_sent"`
	LastPeriodUsed    float64            `json:"last_period_used"`
}

// RemainingAmount never goes below zero, even when usage overshoots.
func (s State) RemainingAmount() float64 {
	if s.UsedAmount >= s.Amount {
		return 0
	}
	return s.Amount - s.UsedAmount
}

// UsagePercentage is 0-100+, or 0 when no amount is allocated.
func (s State) UsagePercentage() float64 {
	if s.Amount <= 0 {
		return 0
	}
	return s.UsedAmount / s.Amount * 100
}

func (s State) IsWarningThresholdReached() bool {
	return s.Amount > 0 && s.UsagePercentage() >= s.WarningThreshold
}

func (s State) IsCriticalThresholdReached() bool {
	return s.Amount > 0 && s.UsagePercentage() >= s.CriticalThreshold
}

func (s State) IsExceeded() bool {
	return s.Amount > 0 && s.UsedAmount >= s.Amount
}

func (s State) HealthStatus() HealthStatus {
	switch {
	case s.IsExceeded():
		return HealthExceeded
	case s.IsCriticalThresholdReached():
		return HealthCritical
	case s.IsWarningThresholdReached():
		return HealthWarning
	default:
		return HealthHealthy
	}
}

// TimeElapsedPercentage is how far now is into the period, 0-100.
func (s State) TimeElapsedPercentage(now time.Time) float64 {
	total := s.PeriodEnd.Sub(s.PeriodStart)
	if total <= 0 {
		return 0
	}
	elapsed := now.Sub(s.PeriodStart)
	if elapsed <= 0 {
		return 0
	}
	if elapsed >= total {
		return 100
	}
	return float64(elapsed) / float64(total) * 100
}

// ForecastedUsage extrapolates current spend linearly to the end of the period.
func (s State) ForecastedUsage(now time.Time) float64 {
	elapsed := s.TimeElapsedPercentage(now)
	if elapsed <= 0 {
		return 0
	}
	return s.UsagePercentage() / elapsed * s.Amount
}

// rolled returns the state advanced to the period containing now.
func (s State) rolled(now time.Time) (State, bool) {
	if s.PeriodEnd.IsZero() || now.Before(s.PeriodEnd) {
		return s, false
	}
	s.LastPeriodUsed = s.UsedAmount
	s.UsedAmount = 0
	s.WarningSent = false
	s.CriticalSent = false
	s.ExceededSent = false
	s.PeriodStart, s.PeriodEnd = s.Period.Bounds(now)
	return s, true
}

// BudgetCheckResult is the projection of a prospective charge.
type BudgetCheckResult struct {
	Scope               domain.BudgetScope `json:"scope"`
	IsAllowed           bool               `json:"is_allowed"`
	WillExceedWarning   bool               `json:"will_exceed_warning"`
	WillExceedCritical  bool               `json:"will_exceed_critical"`
	WillExceedBudget    bool               `json:"will_exceed_budget"`
	Amount              float64            `json:"amount"`
	UsedAmount          float64            `json:"used_amount"`
	ProjectedUsage      float64            `json:"projected_usage"`
	ProjectedPercentage float64            `json:"projected_percentage"`
}

func project(s State, estimatedCost float64) BudgetCheckResult {
	r := BudgetCheckResult{
		Scope:          s.Scope,
		IsAllowed:      true,
		Amount:         s.Amount,
		UsedAmount:     s.UsedAmount,
		ProjectedUsage: s.UsedAmount + estimatedCost,
	}
	if s.Amount <= 0 {
		return r
	}
	r.ProjectedPercentage = r.ProjectedUsage / s.Amount * 100
	r.WillExceedWarning = r.ProjectedPercentage >= s.WarningThreshold
	r.WillExceedCritical = r.ProjectedPercentage >= s.CriticalThreshold
	r.WillExceedBudget = r.ProjectedUsage > s.Amount
	r.IsAllowed = !r.WillExceedBudget
	return r
}

// Err returns a *domain.BudgetExceededError when the check disallows the charge.
func (r BudgetCheckResult) Err(requested float64) error {
	if r.IsAllowed {
		return nil
	}
	return &domain.BudgetExceededError{
		Scope:     r.Scope,
		Amount:    r.Amount,
		Used:      r.UsedAmount,
		Requested: requested,
	}
}

type Alert struct {
	Scope       string     `json:"scope"`
	TenantID    string     `json:"tenant_id"`
	Level       AlertLevel `json:"level"`
	Amount      float64    `json:"amount"`
	UsedAmount  float64    `json:"used_amount"`
	Percentage  float64    `json:"percentage"`
	PeriodStart time.Time  `json:"period_start"`
	Timestamp   time.Time  `json:"timestamp"`
}

type AlertHandler func(alert Alert)

func LogAlertHandler(alert Alert) {
	slog.Warn("budget alert",
		"scope", alert.Scope,
		"tenant_id", alert.TenantID,
		"level", alert.Level,
		"amount", alert.Amount,
		"used_amount", alert.UsedAmount,
		"percentage", alert.Percentage,
	)
}
