package notifications

import (
	"context"

	"github.com/felipepmaragno/model-arbiter/internal/async"
)

// Async delivers notifications from a background goroutine so callers never
// wait on the sink. When the buffer is full the notification is dropped and
// counted.
type Async struct {
	queue *async.Queue[Notification]
}

func NewAsync(next Notifier, buffer int) *Async {
	return &Async{
		queue: async.New("notifications", buffer, next.Send,
			async.WithLogAttrs(func(n Notification) []any {
				return []any{"type", n.Type, "tenant_id", n.TenantID}
			}),
		),
	}
}

// Send enqueues the notification. It never blocks and never fails.
func (a *Async) Send(_ context.Context, n Notification) error {
	a.queue.Offer(n)
	return nil
}

// Close stops accepting notifications and waits for queued ones to be sent.
func (a *Async) Close() {
	a.queue.Close()
}
