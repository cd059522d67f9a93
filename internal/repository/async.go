package repository

import (
	"context"

	"github.com/felipepmaragno/model-arbiter/internal/async"
	"github.com/felipepmaragno/model-arbiter/internal/budget"
	"github.com/felipepmaragno/model-arbiter/internal/cost"
)

const DefaultWriteBuffer = 1024

type BudgetSaver interface {
	SaveBudgetState(ctx context.Context, st budget.State) error
}

// AsyncWriter moves persistence off the request path. Writes are queued and
// run by one goroutine; when the buffer is full the write is dropped and
// counted.
type AsyncWriter struct {
	budgets BudgetSaver
	usage   cost.Tracker
	jobs    *async.Queue[job]
}

type job struct {
	name string
	run  func(ctx context.Context) error
}

func NewAsyncWriter(budgets BudgetSaver, usage cost.Tracker, buffer int) *AsyncWriter {
	if buffer <= 0 {
		buffer = DefaultWriteBuffer
	}
	jobs := async.New("repository", buffer,
		func(ctx context.Context, j job) error { return j.run(ctx) },
		async.WithLogAttrs(func(j job) []any { return []any{"write", j.name} }),
	)
	return &AsyncWriter{budgets: budgets, usage: usage, jobs: jobs}
}

// SaveBudgetState queues st for persistence. It fits budget.Ledger.OnRecord.
func (w *AsyncWriter) SaveBudgetState(st budget.State) {
	if w.budgets == nil {
		return
	}
	w.jobs.Offer(job{name: "budget_state", run: func(ctx context.Context) error {
		return w.budgets.SaveBudgetState(ctx, st)
	}})
}

// Record queues a usage record. It never blocks and never fails; drops are
// logged and counted.
func (w *AsyncWriter) Record(_ context.Context, rec cost.UsageRecord) error {
	if w.usage == nil {
		return nil
	}
	w.jobs.Offer(job{name: "usage_record", run: func(ctx context.Context) error {
		return w.usage.Record(ctx, rec)
	}})
	return nil
}

// Close stops accepting writes and waits for queued ones to finish.
func (w *AsyncWriter) Close() {
	w.jobs.Close()
}
