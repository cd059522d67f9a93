package notifications

import (
	"context"
	"fmt"
	"strings"

	"github.com/felipepmaragno/model-arbiter/internal/budget"
	"github.com/felipepmaragno/model-arbiter/internal/circuitbreaker"
)

// BudgetAlertHandler forwards ledger alerts to n.
func BudgetAlertHandler(n Notifier) budget.AlertHandler {
	return func(alert budget.Alert) {
		var typ NotificationType
		switch alert.Level {
		case budget.AlertLevelCritical:
			typ = NotificationBudgetCritical
		case budget.AlertLevelExceeded:
			typ = NotificationBudgetExceeded
		default:
			typ = NotificationBudgetWarning
		}
		n.Send(context.Background(), Notification{
			Type:       typ,
			TenantID:   alert.TenantID,
			Subject:    alert.Scope,
			OccurredAt: alert.Timestamp,
			Message:  fmt.Sprintf("budget %s at %.1f%% of %.2f USD", alert.Scope, alert.Percentage, alert.Amount),
			Data: map[string]any{
				"scope":        alert.Scope,
				"level":        string(alert.Level),
				"amount":       alert.Amount,
				"used_amount":  alert.UsedAmount,
				"percentage":   alert.Percentage,
				"period_start": alert.PeriodStart,
			},
		})
	}
}

// CircuitStateHandler reports circuits opening and closing. Half-open
// transitions are not reported.
func CircuitStateHandler(n Notifier) circuitbreaker.StateChangeFunc {
	return func(id string, from, to circuitbreaker.State, snap circuitbreaker.Snapshot) {
		var typ NotificationType
		switch {
		case to == circuitbreaker.StateOpen && from == circuitbreaker.StateClosed:
			typ = NotificationProviderDown
		case to == circuitbreaker.StateClosed && from != circuitbreaker.StateClosed:
			typ = NotificationProviderUp
		default:
			return
		}
		provider, model, _ := strings.Cut(id, ":")
		n.Send(context.Background(), Notification{
			Type:       typ,
			Subject:    id,
			OccurredAt: snap.LastStateChange,
			Message:    fmt.Sprintf("circuit %s is %s", id, to),
			Data: map[string]any{
				"circuit_id":           id,
				"provider":             provider,
				"model":                model,
				"consecutive_failures": snap.ConsecutiveFailures,
				"last_error":           snap.LastError,
			},
		})
	}
}
