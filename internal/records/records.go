// Package records provides the persistent record table behind Herbarium:
// a store interface with SQLite and PostgreSQL implementations, the single
// ORDER BY builder for every supported sort order, and YAML seed import.
package records

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/HerbHall/herbarium/pkg/models"
)

// Sentinel errors returned by stores.
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrInvalidRecord = errors.New("invalid record")
	ErrUnknownOrder  = errors.New("unknown sort order")
)

// Searcher runs offset/limit reads filtered by title substring.
type Searcher interface {
	// Search returns at most limit records whose title contains text
	// (case-insensitive), ordered by order with ID ascending as tie-break,
	// skipping the first offset matches.
	Search(ctx context.Context, text string, order models.SortOrder, limit, offset int) ([]models.Record, error)
}

// Store is the full record table: reads for browsing plus the write path.
type Store interface {
	Searcher

	// Get returns a single record by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*models.Record, error)

	// Insert stores a new record. An empty ID is replaced with a fresh UUID
	// and an empty ImageRef with models.NoImage. IDs of live or deleted
	// records are rejected with ErrAlreadyExists.
	Insert(ctx context.Context, rec *models.Record) error

	// Update replaces the mutable fields of an existing record.
	Update(ctx context.Context, rec *models.Record) error

	// Delete removes a record by ID. The ID is never accepted again.
	Delete(ctx context.Context, id string) error
}

// searchPrealloc caps the result capacity reserved up front; limit is only
// an upper bound on the rows a search returns.
const searchPrealloc = 64

// orderBy is the one place that maps a SortOrder to SQL. collate is
// appended to the title and id columns so every backend compares both
// byte-wise.
func orderBy(order models.SortOrder, collate string) (string, error) {
	switch order {
	case models.SortAscByTitle:
		return "title" + collate + " ASC, id" + collate + " ASC", nil
	case models.SortDescByTitle:
		return "title" + collate + " DESC, id" + collate + " ASC", nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownOrder, order)
}

// likePattern wraps text for a substring LIKE match, escaping the LIKE
// metacharacters with a backslash.
func likePattern(text string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(text) + "%"
}

// prepare validates rec and fills defaults before insert.
func prepare(rec *models.Record, newID func() string) error {
	if strings.TrimSpace(rec.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidRecord)
	}
	if rec.ID == "" {
		rec.ID = newID()
	}
	if rec.ImageRef == "" {
		rec.ImageRef = models.NoImage
	}
	return nil
}
