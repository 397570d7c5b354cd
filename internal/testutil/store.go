package testutil

import (
	"context"
	"testing"

	"github.com/HerbHall/herbarium/internal/event"
	"github.com/HerbHall/herbarium/internal/records"
	"github.com/HerbHall/herbarium/internal/store"
	"github.com/HerbHall/herbarium/pkg/models"
)

// NewStore creates an in-memory SQLiteStore for testing.
// The store is automatically closed when the test completes.
func NewStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("testutil.NewStore: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// NewRecordStore returns a migrated in-memory record store. events may be
// nil.
func NewRecordStore(t *testing.T, events event.Publisher) *records.SQLiteStore {
	t.Helper()
	rs, err := records.NewSQLiteStore(context.Background(), NewStore(t), events)
	if err != nil {
		t.Fatalf("testutil.NewRecordStore: %v", err)
	}
	return rs
}

// Seed inserts one record per title and returns them with IDs assigned.
func Seed(t *testing.T, s records.Store, titles ...string) []models.Record {
	t.Helper()
	out := make([]models.Record, 0, len(titles))
	for _, title := range titles {
		rec := NewRecord(WithTitle(title))
		if err := s.Insert(context.Background(), &rec); err != nil {
			t.Fatalf("testutil.Seed %q: %v", title, err)
		}
		out = append(out, rec)
	}
	return out
}
