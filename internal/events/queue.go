package events

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"

	"github.com/thorgate/relay/internal/models"
)

// RecordEventArgs is the River job carrying one audit event.
type RecordEventArgs struct {
	Event models.Event `json:"event"`
}

func (RecordEventArgs) Kind() string { return "record_event" }

// InsertFunc enqueues a job. It is bound to the River client after the client
// is created, which in turn needs the worker registered first.
type InsertFunc func(ctx context.Context, args RecordEventArgs) error

// QueueRecorder enqueues events for asynchronous persistence. When enqueueing
// fails the event is written to the log so it is not lost silently.
type QueueRecorder struct {
	insert   InsertFunc
	fallback *LogRecorder
	log      *slog.Logger
}

func NewQueueRecorder(insert InsertFunc, log *slog.Logger) *QueueRecorder {
	if log == nil {
		log = slog.Default()
	}
	return &QueueRecorder{insert: insert, fallback: NewLogRecorder(log), log: log}
}

func (r *QueueRecorder) Record(ctx context.Context, e models.Event) {
	e = stamp(e)
	if err := r.insert(context.WithoutCancel(ctx), RecordEventArgs{Event: e}); err != nil {
		r.log.Warn("enqueue event failed", "kind", e.Kind, "error", err)
		r.fallback.Record(ctx, e)
	}
}

// Store persists audit events.
type Store interface {
	InsertEvent(ctx context.Context, e models.Event) error
}

// Worker drains record_event jobs into the store.
type Worker struct {
	river.WorkerDefaults[RecordEventArgs]
	store Store
}

func NewWorker(store Store) *Worker {
	return &Worker{store: store}
}

func (w *Worker) Work(ctx context.Context, job *river.Job[RecordEventArgs]) error {
	if err := w.store.InsertEvent(ctx, job.Args.Event); err != nil {
		return fmt.Errorf("persist event %s: %w", job.Args.Event.Kind, err)
	}
	return nil
}
