// Package notifications publishes operational events: budget threshold
// crossings and provider circuits going down or recovering.
package notifications

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type NotificationType string

const (
	NotificationBudgetWarning  NotificationType = "budget_warning"
	NotificationBudgetCritical NotificationType = "budget_critical"
	NotificationBudgetExceeded NotificationType = "budget_exceeded"
	NotificationProviderDown   NotificationType = "provider_down"
	NotificationProviderUp     NotificationType = "provider_up"
)

// Severity is what operators page on.
func (t NotificationType) Severity() string {
	switch t {
	case NotificationBudgetExceeded, NotificationProviderDown:
		return "critical"
	case NotificationBudgetCritical, NotificationBudgetWarning:
		return "warning"
	}
	return "info"
}

type Notification struct {
	Type     NotificationType `json:"type"`
	TenantID string           `json:"tenant_id,omitempty"`
	// Subject is the budget scope key or circuit ID the event is about.
	Subject    string         `json:"subject,omitempty"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// InMemoryNotifier records notifications. It is the sink when no topic is
// configured, and what tests assert against.
type InMemoryNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (m *InMemoryNotifier) Send(_ context.Context, n Notification) error {
	m.mu.Lock()
	m.sent = append(m.sent, n)
	m.mu.Unlock()
	slog.Info("notification", "type", n.Type, "subject", n.Subject, "message", n.Message)
	return nil
}

func (m *InMemoryNotifier) GetNotifications() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Notification, len(m.sent))
	copy(out, m.sent)
	return out
}
