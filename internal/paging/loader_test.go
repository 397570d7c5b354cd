package paging_test

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/HerbHall/herbarium/internal/paging"
	"github.com/HerbHall/herbarium/internal/testutil"
	"github.com/HerbHall/herbarium/pkg/models"
)

type searchCall struct {
	text   string
	order  models.SortOrder
	limit  int
	offset int
}

// stubSearcher returns canned rows and records how it was called.
type stubSearcher struct {
	rows  []models.Record
	err   error
	block bool
	calls []searchCall
}

func (s *stubSearcher) Search(ctx context.Context, text string, order models.SortOrder, limit, offset int) ([]models.Record, error) {
	s.calls = append(s.calls, searchCall{text, order, limit, offset})
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.rows, s.err
}

type observer struct {
	n    int
	errs int
}

func (o *observer) ObserveLoad(_ time.Duration, err error) {
	o.n++
	if err != nil {
		o.errs++
	}
}

func rows(titles ...string) []models.Record {
	out := make([]models.Record, len(titles))
	for i, title := range titles {
		out[i] = models.Record{ID: title, Title: title}
	}
	return out
}

var ascQuery = models.Query{Order: models.SortAscByTitle}

func TestLoaderTrimsLookaheadRow(t *testing.T) {
	src := &stubSearcher{rows: rows("a", "b", "c")}
	l := paging.NewLoader(src, 0, zap.NewNop())

	page, err := l.Load(context.Background(), models.Query{Search: "x", Order: models.SortAscByTitle}, 2, 4)
	require.NoError(t, err)

	assert.False(t, page.Last)
	assert.Equal(t, 4, page.Offset)
	assert.Equal(t, rows("a", "b"), page.Records)
	require.Len(t, src.calls, 1)
	assert.Equal(t, searchCall{"x", models.SortAscByTitle, 3, 4}, src.calls[0])
}

func TestLoaderLastPage(t *testing.T) {
	tests := []struct {
		name string
		rows []models.Record
	}{
		{"full page", rows("a", "b")},
		{"short page", rows("a")},
		{"empty", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := paging.NewLoader(&stubSearcher{rows: tt.rows}, 0, zap.NewNop())
			page, err := l.Load(context.Background(), ascQuery, 2, 0)
			require.NoError(t, err)
			assert.True(t, page.Last)
			assert.Len(t, page.Records, len(tt.rows))
		})
	}
}

func TestLoaderRejectsInvalidParameters(t *testing.T) {
	tests := []struct {
		name   string
		q      models.Query
		limit  int
		offset int
	}{
		{"zero limit", ascQuery, 0, 0},
		{"negative limit", ascQuery, -1, 0},
		{"negative offset", ascQuery, 10, -1},
		{"unknown order", models.Query{Order: "popular"}, 10, 0},
		{"limit above max", ascQuery, paging.MaxPageSize + 1, 0},
		{"max int limit", ascQuery, math.MaxInt, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &stubSearcher{}
			l := paging.NewLoader(src, 0, zap.NewNop())
			_, err := l.Load(context.Background(), tt.q, tt.limit, tt.offset)
			assert.ErrorIs(t, err, paging.ErrInvalidParameters)
			assert.Empty(t, src.calls, "store must not be called")
		})
	}
}

func TestLoaderMaxLimitOption(t *testing.T) {
	src := &stubSearcher{}
	l := paging.NewLoader(src, 0, zap.NewNop(), paging.WithMaxLimit(5))

	_, err := l.Load(context.Background(), ascQuery, 6, 0)
	assert.ErrorIs(t, err, paging.ErrInvalidParameters)

	_, err = l.Load(context.Background(), ascQuery, 5, 0)
	assert.NoError(t, err)
	require.Len(t, src.calls, 1)
}

func TestLoaderWrapsStoreErrors(t *testing.T) {
	cause := errors.New("disk on fire")
	obs := &observer{}
	l := paging.NewLoader(&stubSearcher{err: cause}, 0, zap.NewNop(), paging.WithObserver(obs))

	_, err := l.Load(context.Background(), ascQuery, 10, 0)
	assert.ErrorIs(t, err, paging.ErrStoreUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, obs.n)
	assert.Equal(t, 1, obs.errs)
}

func TestLoaderTimeout(t *testing.T) {
	l := paging.NewLoader(&stubSearcher{block: true}, 10*time.Millisecond, zap.NewNop())

	_, err := l.Load(context.Background(), ascQuery, 10, 0)
	assert.ErrorIs(t, err, paging.ErrStoreUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLoaderCallerCancellation(t *testing.T) {
	l := paging.NewLoader(&stubSearcher{block: true}, time.Minute, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Load(ctx, ascQuery, 10, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, paging.ErrStoreUnavailable)
}

func TestLoaderDetectsOutOfOrderRows(t *testing.T) {
	tests := []struct {
		name  string
		order models.SortOrder
		rows  []models.Record
	}{
		{"asc reversed", models.SortAscByTitle, rows("b", "a")},
		{"desc ascending", models.SortDescByTitle, rows("a", "b")},
		{"duplicate id", models.SortAscByTitle, []models.Record{{ID: "x", Title: "A"}, {ID: "x", Title: "A"}}},
		{"tie broken by descending id", models.SortDescByTitle, []models.Record{{ID: "2", Title: "A"}, {ID: "1", Title: "A"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, logs := testutil.ObservedLogger(zapcore.ErrorLevel)
			l := paging.NewLoader(&stubSearcher{rows: tt.rows}, 0, logger)
			_, err := l.Load(context.Background(), models.Query{Order: tt.order}, 10, 0)
			assert.ErrorIs(t, err, paging.ErrInvariantViolation)
			entries := logs.FilterMessage("store returned records out of order").All()
			require.Len(t, entries, 1)
			assert.Equal(t, string(tt.order), entries[0].ContextMap()["order"])
		})
	}
}

func TestLoaderAgainstSQLite(t *testing.T) {
	rs := testutil.NewRecordStore(t, nil)
	testutil.Seed(t, rs, testutil.Titles(45)...)
	l := paging.NewLoader(rs, time.Second, testutil.Logger(t))
	ctx := context.Background()

	var titles []string
	for offset := 0; ; offset += 20 {
		page, err := l.Load(ctx, ascQuery, 20, offset)
		require.NoError(t, err)
		for _, r := range page.Records {
			titles = append(titles, r.Title)
		}
		if page.Last {
			assert.Equal(t, 40, offset)
			assert.Len(t, page.Records, 5)
			break
		}
		require.Len(t, page.Records, 20)
	}
	assert.Equal(t, testutil.Titles(45), titles)
}
