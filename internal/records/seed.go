package records

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/HerbHall/herbarium/pkg/models"
)

// seedFile is the top-level structure of a YAML seed file:
//
//	records:
//	  - title: Ficus
//	    description: Weeping fig
type seedFile struct {
	Records []models.Record `yaml:"records"`
}

// LoadSeed parses records from a YAML seed document.
func LoadSeed(r io.Reader) ([]models.Record, error) {
	var f seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("seed: parse yaml: %w", err)
	}
	for i, rec := range f.Records {
		if rec.Title == "" {
			return nil, fmt.Errorf("seed: record %d: %w: title is required", i, ErrInvalidRecord)
		}
	}
	return f.Records, nil
}

// SeedResult summarizes an Import run.
type SeedResult struct {
	Inserted int
	Skipped  int
}

// Import inserts recs into s. Records whose ID exists or was deleted are
// skipped.
func Import(ctx context.Context, s Store, recs []models.Record) (SeedResult, error) {
	var res SeedResult
	for i := range recs {
		rec := recs[i]
		err := s.Insert(ctx, &rec)
		switch {
		case err == nil:
			res.Inserted++
		case errors.Is(err, ErrAlreadyExists):
			res.Skipped++
		default:
			return res, fmt.Errorf("seed record %q: %w", rec.Title, err)
		}
	}
	return res, nil
}
