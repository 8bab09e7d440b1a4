package events

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/thorgate/relay/internal/models"
)

type memStore struct {
	events []models.Event
	err    error
}

func (m *memStore) InsertEvent(_ context.Context, e models.Event) error {
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func TestQueueRecorder_Enqueues(t *testing.T) {
	var got []RecordEventArgs
	r := NewQueueRecorder(func(_ context.Context, args RecordEventArgs) error {
		got = append(got, args)
		return nil
	}, nil)

	id := uuid.New()
	r.Record(context.Background(), models.Event{Kind: models.EventAccountCreated, AccountID: &id, Message: "created"})

	if len(got) != 1 {
		t.Fatalf("expected 1 job, got %d", len(got))
	}
	if got[0].Event.Kind != models.EventAccountCreated || got[0].Event.CreatedAt.IsZero() {
		t.Errorf("unexpected job args: %+v", got[0])
	}
	if got[0].Kind() != "record_event" {
		t.Errorf("job kind = %q", got[0].Kind())
	}
}

func TestQueueRecorder_FallsBackToLog(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))
	r := NewQueueRecorder(func(context.Context, RecordEventArgs) error {
		return errors.New("queue down")
	}, log)

	r.Record(context.Background(), models.Event{Kind: models.EventCreditAdjusted, Message: "adjusted"})

	out := buf.String()
	if !strings.Contains(out, "enqueue event failed") || !strings.Contains(out, models.EventCreditAdjusted) {
		t.Errorf("expected fallback log, got %s", out)
	}
}

func TestWorker_Persists(t *testing.T) {
	store := &memStore{}
	w := NewWorker(store)
	job := &river.Job[RecordEventArgs]{Args: RecordEventArgs{Event: models.Event{Kind: models.EventAccountRemoved}}}

	if err := w.Work(context.Background(), job); err != nil {
		t.Fatalf("Work: %v", err)
	}
	if len(store.events) != 1 || store.events[0].Kind != models.EventAccountRemoved {
		t.Errorf("store = %+v", store.events)
	}

	store.err = errors.New("insert failed")
	if err := w.Work(context.Background(), job); err == nil {
		t.Error("expected error so River retries the job")
	}
}

func TestCollector(t *testing.T) {
	var c Collector
	c.Record(context.Background(), models.Event{Kind: "a"})
	c.Record(context.Background(), models.Event{Kind: "b"})
	if kinds := c.Kinds(); len(kinds) != 2 || kinds[0] != "a" || kinds[1] != "b" {
		t.Errorf("kinds = %v", kinds)
	}
}
