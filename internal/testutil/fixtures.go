package testutil

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/HerbHall/herbarium/pkg/models"
)

// NewRecord returns a Record with sensible defaults, suitable for test fixtures.
// Override individual fields after creation as needed.
func NewRecord(opts ...func(*models.Record)) models.Record {
	r := models.Record{
		ID:          uuid.New().String(),
		Title:       "Monstera",
		Description: "Swiss cheese plant",
		ImageRef:    models.NoImage,
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// WithID sets the record ID.
func WithID(id string) func(*models.Record) {
	return func(r *models.Record) { r.ID = id }
}

// WithTitle sets the record title.
func WithTitle(title string) func(*models.Record) {
	return func(r *models.Record) { r.Title = title }
}

// WithDescription sets the record description.
func WithDescription(d string) func(*models.Record) {
	return func(r *models.Record) { r.Description = d }
}

// WithImage sets the record image reference.
func WithImage(ref string) func(*models.Record) {
	return func(r *models.Record) { r.ImageRef = ref }
}

// Titles returns n zero-padded titles ("Plant 001", "Plant 002", ...) that
// sort in generation order.
func Titles(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("Plant %03d", i+1)
	}
	return out
}
