package testutil

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/HerbHall/herbarium/internal/event"
	"github.com/HerbHall/herbarium/pkg/models"
)

func TestLogger_NotNil(t *testing.T) {
	l := Logger(t)
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
	l.Debug("record store ready", zap.String("driver", "sqlite"))
}

func TestObservedLogger_KeepsEntriesAtLevel(t *testing.T) {
	l, logs := ObservedLogger(zapcore.WarnLevel)
	l.Info("page loaded")
	l.Warn("bridge dropped event", zap.String("topic", "record.created"))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["topic"]; got != "record.created" {
		t.Errorf("topic = %v, want record.created", got)
	}
}

func TestNewStore_Usable(t *testing.T) {
	db := NewStore(t)
	if db == nil {
		t.Fatal("expected non-nil store")
	}
	if err := db.DB().PingContext(context.Background()); err != nil {
		t.Fatalf("PingContext: %v", err)
	}
}

func TestMockBus_RecordsEvents(t *testing.T) {
	bus := NewMockBus()

	ev := event.Event{Topic: event.TopicRecordCreated, Source: "test"}
	if err := bus.Publish(context.Background(), ev); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	bus.PublishAsync(context.Background(), event.Event{Topic: event.TopicRecordDeleted, Source: "test"})

	topics := bus.Topics()
	if len(topics) != 2 {
		t.Fatalf("Events len = %d, want 2", len(topics))
	}
	if topics[0] != event.TopicRecordCreated {
		t.Errorf("topics[0] = %q, want %q", topics[0], event.TopicRecordCreated)
	}
	if topics[1] != event.TopicRecordDeleted {
		t.Errorf("topics[1] = %q, want %q", topics[1], event.TopicRecordDeleted)
	}
}

func TestMockBus_Reset(t *testing.T) {
	bus := NewMockBus()
	_ = bus.Publish(context.Background(), event.Event{Topic: "a"})
	bus.Reset()
	if len(bus.Events()) != 0 {
		t.Error("expected empty events after Reset")
	}
}

func TestNewRecord_Defaults(t *testing.T) {
	r := NewRecord()
	if r.ID == "" {
		t.Error("expected non-empty ID")
	}
	if r.ImageRef != models.NoImage {
		t.Errorf("ImageRef = %q, want %q", r.ImageRef, models.NoImage)
	}
}

func TestNewRecord_WithOptions(t *testing.T) {
	r := NewRecord(
		WithID("fixed"),
		WithTitle("Fern"),
		WithDescription("Boston fern"),
		WithImage("content://media/7"),
	)
	if r.ID != "fixed" || r.Title != "Fern" || r.Description != "Boston fern" || r.ImageRef != "content://media/7" {
		t.Errorf("options not applied: %+v", r)
	}
}

func TestSeed_AssignsIDs(t *testing.T) {
	rs := NewRecordStore(t, nil)
	recs := Seed(t, rs, Titles(3)...)
	if len(recs) != 3 {
		t.Fatalf("Seed returned %d records, want 3", len(recs))
	}
	for _, r := range recs {
		got, err := rs.Get(context.Background(), r.ID)
		if err != nil {
			t.Fatalf("Get(%q): %v", r.ID, err)
		}
		if got.Title != r.Title {
			t.Errorf("Title = %q, want %q", got.Title, r.Title)
		}
	}
}
