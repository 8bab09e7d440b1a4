// Package events delivers fire-and-forget audit notifications. Recording
// never fails the operation that triggered it.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/thorgate/relay/internal/models"
)

// Recorder accepts audit events. Implementations log delivery failures
// instead of returning them.
type Recorder interface {
	Record(ctx context.Context, e models.Event)
}

// LogRecorder writes events to the structured log.
type LogRecorder struct {
	log *slog.Logger
}

func NewLogRecorder(log *slog.Logger) *LogRecorder {
	if log == nil {
		log = slog.Default()
	}
	return &LogRecorder{log: log}
}

func (r *LogRecorder) Record(ctx context.Context, e models.Event) {
	attrs := []any{"kind", e.Kind, "message", e.Message}
	if e.AccountID != nil {
		attrs = append(attrs, "account_id", *e.AccountID)
	}
	for k, v := range e.Attributes {
		attrs = append(attrs, k, v)
	}
	r.log.InfoContext(ctx, "event", attrs...)
}

// Collector keeps events in memory.
type Collector struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *Collector) Record(_ context.Context, e models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, stamp(e))
}

// Events returns a copy of everything recorded so far.
func (c *Collector) Events() []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Event(nil), c.events...)
}

// Kinds returns the recorded event kinds in order.
func (c *Collector) Kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Kind
	}
	return out
}

func stamp(e models.Event) models.Event {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return e
}

var (
	_ Recorder = (*LogRecorder)(nil)
	_ Recorder = (*Collector)(nil)
	_ Recorder = (*QueueRecorder)(nil)
)
