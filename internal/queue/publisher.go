package queue

import (
	"context"

	"github.com/felipepmaragno/model-arbiter/internal/async"
	"github.com/felipepmaragno/model-arbiter/internal/domain"
	"github.com/felipepmaragno/model-arbiter/internal/telemetry"
)

// Publisher hands decisions to an AuditQueue from a background goroutine.
// The request path never waits on the queue; when the buffer is full the
// record is dropped and counted.
type Publisher struct {
	records *async.Queue[AuditRecord]
}

func NewPublisher(q AuditQueue, buffer int) *Publisher {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Publisher{
		records: async.New("audit", buffer, q.Publish,
			async.WithLogAttrs(func(rec AuditRecord) []any {
				return []any{"decision_id", rec.Decision.ID, "tenant_id", rec.Decision.TenantID}
			}),
		),
	}
}

// PublishDecision enqueues a decision for the audit log.
func (p *Publisher) PublishDecision(ctx context.Context, actx domain.ArbitrationContext, d *domain.Decision) {
	rec := AuditRecord{
		Decision:  d,
		ProjectID: actx.ProjectID,
		UserID:    actx.UserID,
		TaskType:  string(actx.TaskType),
		TraceID:   telemetry.GetTraceID(ctx),
		CreatedAt: d.CreatedAt,
	}
	p.records.Offer(rec)
}

// Close stops accepting records and flushes the ones already queued.
func (p *Publisher) Close() {
	p.records.Close()
}
