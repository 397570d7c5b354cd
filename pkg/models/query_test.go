package models

import (
	"slices"
	"testing"
)

func TestParseSortOrder(t *testing.T) {
	tests := []struct {
		in      string
		want    SortOrder
		wantErr bool
	}{
		{"", SortAscByTitle, false},
		{"asc", SortAscByTitle, false},
		{"title_asc", SortAscByTitle, false},
		{"DESC", SortDescByTitle, false},
		{"title_desc", SortDescByTitle, false},
		{"newest", "", true},
	}
	for _, tt := range tests {
		got, err := ParseSortOrder(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSortOrder(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSortOrder(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSortOrderValid(t *testing.T) {
	for _, o := range SortOrders {
		if !o.Valid() {
			t.Errorf("%q.Valid() = false", o)
		}
	}
	if SortOrder("random").Valid() {
		t.Error(`"random".Valid() = true`)
	}
}

func TestCompareOrdersByTitle(t *testing.T) {
	recs := []Record{
		{ID: "3", Title: "Fern"},
		{ID: "1", Title: "Cactus"},
		{ID: "2", Title: "Ficus"},
	}

	asc := slices.Clone(recs)
	slices.SortFunc(asc, func(a, b Record) int { return Compare(a, b, SortAscByTitle) })
	if got := titles(asc); !slices.Equal(got, []string{"Cactus", "Fern", "Ficus"}) {
		t.Errorf("ascending = %v", got)
	}

	desc := slices.Clone(recs)
	slices.SortFunc(desc, func(a, b Record) int { return Compare(a, b, SortDescByTitle) })
	if got := titles(desc); !slices.Equal(got, []string{"Ficus", "Fern", "Cactus"}) {
		t.Errorf("descending = %v", got)
	}
}

func TestCompareTieBreakIsIDAscending(t *testing.T) {
	a := Record{ID: "a", Title: "Moss"}
	b := Record{ID: "b", Title: "Moss"}
	for _, o := range SortOrders {
		if Compare(a, b, o) >= 0 {
			t.Errorf("%s: Compare(a, b) >= 0, want a before b", o)
		}
		if Compare(a, a, o) != 0 {
			t.Errorf("%s: Compare(a, a) != 0", o)
		}
	}
}

func TestCompareIsCaseSensitive(t *testing.T) {
	upper := Record{ID: "1", Title: "Zebra"}
	lower := Record{ID: "2", Title: "aloe"}
	if Compare(upper, lower, SortAscByTitle) >= 0 {
		t.Error("expected byte-wise order to place uppercase before lowercase")
	}
}

func TestRecordHasImage(t *testing.T) {
	if (Record{ImageRef: NoImage}).HasImage() {
		t.Error("NoImage record reports an image")
	}
	if (Record{}).HasImage() {
		t.Error("empty ImageRef reports an image")
	}
	if !(Record{ImageRef: "content://media/42"}).HasImage() {
		t.Error("record with reference reports no image")
	}
}

func titles(recs []Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Title
	}
	return out
}
