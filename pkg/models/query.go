package models

import (
	"cmp"
	"fmt"
	"strings"
)

// SortOrder selects how records are ordered within a browsing session.
type SortOrder string

const (
	SortAscByTitle  SortOrder = "title_asc"
	SortDescByTitle SortOrder = "title_desc"
)

// SortOrders lists every supported ordering.
var SortOrders = []SortOrder{SortAscByTitle, SortDescByTitle}

// Valid reports whether o is one of the supported orderings.
func (o SortOrder) Valid() bool {
	switch o {
	case SortAscByTitle, SortDescByTitle:
		return true
	}
	return false
}

// ParseSortOrder maps a user-facing value to a SortOrder. The empty string
// selects SortAscByTitle. "asc" and "desc" are accepted as shorthands.
func ParseSortOrder(s string) (SortOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "asc", string(SortAscByTitle):
		return SortAscByTitle, nil
	case "desc", string(SortDescByTitle):
		return SortDescByTitle, nil
	}
	return "", fmt.Errorf("unknown sort order %q", s)
}

// Compare orders a and b by title (byte-wise, case-sensitive) in the
// direction given by o. Equal titles fall back to ID ascending for every
// order so the result is total.
func Compare(a, b Record, o SortOrder) int {
	c := strings.Compare(a.Title, b.Title)
	if o == SortDescByTitle {
		c = -c
	}
	if c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Query holds the parameters of one browsing session. A Query never changes
// once a session has started; new parameters start a new session.
type Query struct {
	Search string    `json:"search"`
	Order  SortOrder `json:"sort"`
}

// Page is an ordered batch of records produced by a single load.
type Page struct {
	Session uint64   `json:"session"`
	Offset  int      `json:"offset"`
	Records []Record `json:"records"`
	Last    bool     `json:"last"`
}
