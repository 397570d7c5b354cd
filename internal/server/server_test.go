package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/HerbHall/herbarium/internal/event"
	"github.com/HerbHall/herbarium/internal/metrics"
	"github.com/HerbHall/herbarium/internal/notify"
	"github.com/HerbHall/herbarium/internal/records"
	"github.com/HerbHall/herbarium/internal/repository"
	"github.com/HerbHall/herbarium/internal/server"
	"github.com/HerbHall/herbarium/internal/testutil"
	"github.com/HerbHall/herbarium/internal/worker"
	"github.com/HerbHall/herbarium/pkg/models"
)

type testServer struct {
	url   string
	store *records.SQLiteStore
}

func newTestServer(t *testing.T, cfg server.Config) *testServer {
	t.Helper()
	logger := zap.NewNop()
	bus := event.NewBus(logger)
	hub := notify.NewHub(logger)
	bridge := notify.NewBusBridge(bus, hub, logger)
	require.NoError(t, bridge.Start(context.Background()))

	pool, err := worker.New(worker.DefaultConfig(), logger)
	require.NoError(t, err)

	m := metrics.New()
	m.RegisterPool(pool)
	rs := testutil.NewRecordStore(t, bus)
	repo := repository.New(rs, pool, hub, repository.Config{PageSize: 2, LoadTimeout: time.Second}, logger,
		repository.WithObserver(m))

	ts := httptest.NewServer(server.New(cfg, repo, m, logger).Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = bridge.Stop(context.Background())
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
	})
	return &testServer{url: ts.URL, store: rs}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, ts.url+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

type pageBody struct {
	Records    []models.Record `json:"records"`
	Offset     int             `json:"offset"`
	Limit      int             `json:"limit"`
	Last       bool            `json:"last"`
	NextOffset *int            `json:"next_offset"`
}

func titles(recs []models.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Title
	}
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, server.Config{})
	resp := ts.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "dev", resp.Header.Get("X-Herbarium-Version"))

	body := decode[map[string]any](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "herbarium", body["service"])
}

func TestListRecords(t *testing.T) {
	ts := newTestServer(t, server.Config{})
	testutil.Seed(t, ts.store, "Fern", "Cactus", "Ficus")

	resp := ts.do(t, http.MethodGet, "/api/v1/records", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	page := decode[pageBody](t, resp)
	assert.Equal(t, []string{"Cactus", "Fern"}, titles(page.Records))
	assert.Equal(t, 2, page.Limit, "default limit is the page size")
	assert.False(t, page.Last)
	require.NotNil(t, page.NextOffset)
	assert.Equal(t, 2, *page.NextOffset)

	resp = ts.do(t, http.MethodGet, "/api/v1/records?offset=2", nil)
	page = decode[pageBody](t, resp)
	assert.Equal(t, []string{"Ficus"}, titles(page.Records))
	assert.True(t, page.Last)
	assert.Nil(t, page.NextOffset)

	resp = ts.do(t, http.MethodGet, "/api/v1/records?search=fi&sort=desc&limit=10", nil)
	page = decode[pageBody](t, resp)
	assert.Equal(t, []string{"Ficus"}, titles(page.Records))

	resp = ts.do(t, http.MethodGet, "/api/v1/records?search=zzz", nil)
	page = decode[pageBody](t, resp)
	assert.NotNil(t, page.Records)
	assert.Empty(t, page.Records)
	assert.True(t, page.Last)
}

func TestListRecordsRejectsBadParameters(t *testing.T) {
	ts := newTestServer(t, server.Config{})
	for _, path := range []string{
		"/api/v1/records?sort=popular",
		"/api/v1/records?limit=x",
		"/api/v1/records?limit=-1",
		"/api/v1/records?offset=-5",
		"/api/v1/records?limit=1001",
		"/api/v1/records?limit=10000000000",
		"/api/v1/records?limit=9223372036854775807",
	} {
		resp := ts.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
		assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"), path)
	}
}

func TestRecordCRUD(t *testing.T) {
	ts := newTestServer(t, server.Config{})

	resp := ts.do(t, http.MethodPost, "/api/v1/records", map[string]string{"title": "Aloe"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[models.Record](t, resp)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.NoImage, created.ImageRef)
	assert.Equal(t, "/api/v1/records/"+created.ID, resp.Header.Get("Location"))

	resp = ts.do(t, http.MethodGet, "/api/v1/records/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created, decode[models.Record](t, resp))

	resp = ts.do(t, http.MethodPost, "/api/v1/records", map[string]string{"id": created.ID, "title": "Aloe"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.do(t, http.MethodPut, "/api/v1/records/"+created.ID,
		map[string]string{"title": "Aloe vera", "description": "Succulent"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Aloe vera", decode[models.Record](t, resp).Title)

	resp = ts.do(t, http.MethodPut, "/api/v1/records/"+created.ID, map[string]string{"id": "other", "title": "X"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodDelete, "/api/v1/records/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = ts.do(t, http.MethodGet, "/api/v1/records/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = ts.do(t, http.MethodDelete, "/api/v1/records/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = ts.do(t, http.MethodPut, "/api/v1/records/missing", map[string]string{"title": "X"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateRecordValidation(t *testing.T) {
	ts := newTestServer(t, server.Config{})

	resp := ts.do(t, http.MethodPost, "/api/v1/records", map[string]string{"title": " "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.do(t, http.MethodPost, "/api/v1/records", map[string]string{"title": "A", "colour": "green"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown fields are rejected")
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, server.Config{RateLimit: 0.001, RateBurst: 1})

	resp := ts.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = ts.do(t, http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, server.Config{})
	ts.do(t, http.MethodGet, "/api/v1/records", nil)

	resp := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(b)
	assert.Contains(t, body, `herbarium_http_requests_total{code="200",route="GET /api/v1/records"} 1`)
	assert.Contains(t, body, `herbarium_page_loads_total{result="ok"} 1`)
}

type streamMessage struct {
	Type    string          `json:"type"`
	Session uint64          `json:"session"`
	Offset  int             `json:"offset"`
	Records []models.Record `json:"records"`
	Last    bool            `json:"last"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func dialStream(t *testing.T, ts *testServer) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	u := "ws" + strings.TrimPrefix(ts.url, "http") + "/api/v1/records/stream"
	c, _, err := websocket.Dial(ctx, u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.CloseNow() })
	return c, ctx
}

func read(t *testing.T, ctx context.Context, c *websocket.Conn) streamMessage {
	t.Helper()
	var m streamMessage
	require.NoError(t, wsjson.Read(ctx, c, &m))
	return m
}

func TestStreamPagesAndReset(t *testing.T) {
	ts := newTestServer(t, server.Config{})
	testutil.Seed(t, ts.store, "Basil", "Dill", "Mint")
	c, ctx := dialStream(t, ts)

	require.NoError(t, wsjson.Write(ctx, c, map[string]string{"type": "subscribe"}))
	m := read(t, ctx, c)
	require.Equal(t, "page", m.Type)
	assert.Equal(t, 0, m.Offset)
	assert.Equal(t, []string{"Basil", "Dill"}, titles(m.Records))
	first := m.Session

	require.NoError(t, wsjson.Write(ctx, c, map[string]string{"type": "more"}))
	m = read(t, ctx, c)
	require.Equal(t, "page", m.Type)
	assert.Equal(t, 2, m.Offset)
	assert.Equal(t, []string{"Mint"}, titles(m.Records))
	assert.True(t, m.Last)

	resp := ts.do(t, http.MethodPost, "/api/v1/records", map[string]string{"title": "Anise"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	m = read(t, ctx, c)
	require.Equal(t, "reset", m.Type)
	assert.Greater(t, m.Session, first)
	m = read(t, ctx, c)
	require.Equal(t, "page", m.Type)
	assert.Equal(t, []string{"Anise", "Basil"}, titles(m.Records))
}

func TestStreamQueryChange(t *testing.T) {
	ts := newTestServer(t, server.Config{})
	testutil.Seed(t, ts.store, "Fern", "Cactus", "Ficus")
	c, ctx := dialStream(t, ts)

	require.NoError(t, wsjson.Write(ctx, c, map[string]string{"type": "subscribe", "sort": "desc"}))
	m := read(t, ctx, c)
	assert.Equal(t, []string{"Ficus", "Fern"}, titles(m.Records))

	require.NoError(t, wsjson.Write(ctx, c, map[string]string{"type": "query", "search": "fi"}))
	m = read(t, ctx, c)
	require.Equal(t, "reset", m.Type)
	m = read(t, ctx, c)
	require.Equal(t, "page", m.Type)
	assert.Equal(t, []string{"Ficus"}, titles(m.Records))
	assert.True(t, m.Last)

	require.NoError(t, wsjson.Write(ctx, c, map[string]string{"type": "query", "sort": "sideways"}))
	m = read(t, ctx, c)
	assert.Equal(t, "error", m.Type)
	assert.Equal(t, "invalid_parameters", m.Code)
}

func TestStreamRequiresSubscribeFirst(t *testing.T) {
	ts := newTestServer(t, server.Config{})
	c, ctx := dialStream(t, ts)

	require.NoError(t, wsjson.Write(ctx, c, map[string]string{"type": "more"}))
	var m streamMessage
	err := wsjson.Read(ctx, c, &m)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusPolicyViolation, websocket.CloseStatus(err))
}
