package download

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"candlefetch/internal/market"
	"candlefetch/internal/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, p provider.Provider) (*HTTPServer, *Store) {
	t.Helper()
	store := newTestStore(t)
	hub := NewHub()
	t.Cleanup(hub.Close)
	catalog, err := NewCatalog(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })
	runner, err := NewRunner(RunnerConfig{
		Store:         store,
		Catalog:       catalog,
		Hub:           hub,
		Providers:     map[string]provider.Provider{"fake": p},
		MaxConcurrent: 2,
		Engine: EngineConfig{
			DataDir:     t.TempDir(),
			BackoffBase: time.Millisecond,
			MaxAttempts: 2,
			Now:         func() time.Time { return time.UnixMilli(100 * dayMS) },
		},
	})
	require.NoError(t, err)
	t.Cleanup(runner.Close)
	srv, err := NewHTTPServer(HTTPConfig{
		Runner:  runner,
		Store:   store,
		Catalog: catalog,
		Hub:     hub,
	})
	require.NoError(t, err)
	return srv, store
}

func doJSON(t *testing.T, srv *HTTPServer, method, path, body string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	out := map[string]json.RawMessage{}
	if w.Body.Len() > 0 && strings.Contains(w.Header().Get("Content-Type"), "json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestHTTPSubmitAndGet(t *testing.T) {
	p := &fakeProvider{pages: func(call int, req provider.PageRequest) ([]market.Bar, bool, error) {
		return dailyBars(req.Start, int((req.End-req.Start)/dayMS)), false, nil
	}}
	srv, store := newTestServer(t, p)

	w, out := doJSON(t, srv, http.MethodPost, "/api/jobs",
		`{"platform":"fake","symbol":"BTC/USDT","period_id":"1DAY","start":1,"end":172800000}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var job Job
	require.NoError(t, json.Unmarshal(out["job"], &job))
	assert.NotEmpty(t, job.ID)

	final := waitTerminal(t, store, job.ID)
	assert.Equal(t, StatusCompleted, final.Status)

	w, out = doJSON(t, srv, http.MethodGet, "/api/jobs/"+job.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(out["job"], &job))
	assert.Equal(t, StatusCompleted, job.Status)

	w, _ = doJSON(t, srv, http.MethodGet, "/api/jobs", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHTTPSubmitDateStrings(t *testing.T) {
	p := &fakeProvider{pages: func(call int, req provider.PageRequest) ([]market.Bar, bool, error) {
		return dailyBars(req.Start, int((req.End-req.Start)/dayMS)), false, nil
	}}
	srv, store := newTestServer(t, p)

	// end_date 为纯日期时扩展到当日结束
	w, out := doJSON(t, srv, http.MethodPost, "/api/jobs",
		`{"platform":"fake","symbol":"BTC/USDT","period_id":"1DAY","start_date":"1970-01-02","end_date":"1970-01-03"}`)
	require.Equal(t, http.StatusAccepted, w.Code)

	var job Job
	require.NoError(t, json.Unmarshal(out["job"], &job))
	assert.Equal(t, int64(dayMS), job.Start)
	assert.Equal(t, int64(3*dayMS), job.End)
	waitTerminal(t, store, job.ID)

	// RFC3339 原样解析
	w, out = doJSON(t, srv, http.MethodPost, "/api/jobs",
		`{"platform":"fake","symbol":"BTC/USDT","period_id":"1DAY","start_date":"1970-01-02T00:00:00Z","end_date":"1970-01-04T00:00:00Z"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.NoError(t, json.Unmarshal(out["job"], &job))
	assert.Equal(t, int64(3*dayMS), job.End)

	w, _ = doJSON(t, srv, http.MethodPost, "/api/jobs",
		`{"platform":"fake","symbol":"BTC/USDT","period_id":"1DAY","start_date":"02/01/1970","end_date":"1970-01-03"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, srv, http.MethodPost, "/api/jobs",
		`{"platform":"fake","symbol":"BTC/USDT","period_id":"1DAY","end_date":"1970-01-03"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHTTPSeries(t *testing.T) {
	p := &fakeProvider{pages: func(call int, req provider.PageRequest) ([]market.Bar, bool, error) {
		return dailyBars(req.Start, int((req.End-req.Start)/dayMS)), false, nil
	}}
	srv, store := newTestServer(t, p)

	_, out := doJSON(t, srv, http.MethodPost, "/api/jobs",
		`{"platform":"fake","symbol":"BTC/USDT","period_id":"1DAY","start":86400000,"end":345600000}`)
	var job Job
	require.NoError(t, json.Unmarshal(out["job"], &job))
	waitTerminal(t, store, job.ID)

	w, out := doJSON(t, srv, http.MethodGet, "/api/series/"+job.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	var bars []market.Bar
	require.NoError(t, json.Unmarshal(out["bars"], &bars))
	assert.Len(t, bars, 3)

	w, _ = doJSON(t, srv, http.MethodGet, "/api/series/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHTTPSeriesNotReady(t *testing.T) {
	p := &fakeProvider{block: make(chan struct{}), pages: func(call int, req provider.PageRequest) ([]market.Bar, bool, error) {
		return nil, false, nil
	}}
	srv, store := newTestServer(t, p)

	_, out := doJSON(t, srv, http.MethodPost, "/api/jobs",
		`{"platform":"fake","symbol":"BTC/USDT","period_id":"1DAY","start":86400000,"end":345600000}`)
	var job Job
	require.NoError(t, json.Unmarshal(out["job"], &job))

	deadline := time.Now().Add(time.Second)
	for {
		got, err := store.Get(context.Background(), job.ID)
		require.NoError(t, err)
		if got.Status == StatusRunning || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	w, _ := doJSON(t, srv, http.MethodGet, "/api/series/"+job.ID, "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHTTPSubmitValidation(t *testing.T) {
	p := &fakeProvider{pages: func(call int, req provider.PageRequest) ([]market.Bar, bool, error) {
		return nil, false, nil
	}}
	srv, _ := newTestServer(t, p)

	// 缺少必填字段
	w, _ := doJSON(t, srv, http.MethodPost, "/api/jobs", `{"symbol":"BTC/USDT"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// 未知周期
	w, out := doJSON(t, srv, http.MethodPost, "/api/jobs",
		`{"platform":"fake","symbol":"BTC/USDT","period_id":"9MIN","start":1,"end":2}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, string(out["error"]), "period_id")
}

func TestHTTPJobNotFound(t *testing.T) {
	p := &fakeProvider{pages: func(call int, req provider.PageRequest) ([]market.Bar, bool, error) {
		return nil, false, nil
	}}
	srv, _ := newTestServer(t, p)

	w, _ := doJSON(t, srv, http.MethodGet, "/api/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = doJSON(t, srv, http.MethodDelete, "/api/jobs/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w, _ = doJSON(t, srv, http.MethodGet, "/api/download/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHTTPDownloadCSV(t *testing.T) {
	p := &fakeProvider{pages: func(call int, req provider.PageRequest) ([]market.Bar, bool, error) {
		return dailyBars(req.Start, int((req.End-req.Start)/dayMS)), false, nil
	}}
	srv, store := newTestServer(t, p)

	_, out := doJSON(t, srv, http.MethodPost, "/api/jobs",
		`{"platform":"fake","symbol":"BTC/USDT","period_id":"1DAY","start":1,"end":172800000}`)
	var job Job
	require.NoError(t, json.Unmarshal(out["job"], &job))
	waitTerminal(t, store, job.ID)

	w, _ := doJSON(t, srv, http.MethodGet, "/api/download/"+job.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	assert.True(t, strings.HasPrefix(w.Body.String(), "time,open"))
}

func TestHTTPDownloadBeforeCompleted(t *testing.T) {
	p := &fakeProvider{block: make(chan struct{}), pages: func(call int, req provider.PageRequest) ([]market.Bar, bool, error) {
		return nil, false, nil
	}}
	srv, store := newTestServer(t, p)

	_, out := doJSON(t, srv, http.MethodPost, "/api/jobs",
		`{"platform":"fake","symbol":"BTC/USDT","period_id":"1DAY","start":1,"end":172800000}`)
	var job Job
	require.NoError(t, json.Unmarshal(out["job"], &job))

	// 任务尚未完成时下载返回 404
	deadline := time.Now().Add(time.Second)
	for {
		got, err := store.Get(context.Background(), job.ID)
		require.NoError(t, err)
		if got.Status == StatusRunning || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	w, _ := doJSON(t, srv, http.MethodGet, "/api/download/"+job.ID, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHTTPResolutions(t *testing.T) {
	p := &fakeProvider{pages: func(call int, req provider.PageRequest) ([]market.Bar, bool, error) {
		return nil, false, nil
	}}
	srv, _ := newTestServer(t, p)

	w, out := doJSON(t, srv, http.MethodGet, "/api/resolutions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `"fake"`, string(out["platform"]))

	w, _ = doJSON(t, srv, http.MethodGet, "/api/resolutions?platform=unknown", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// fakeProvider 未实现元数据接口
	w, _ = doJSON(t, srv, http.MethodGet, "/api/exchanges", "")
	assert.Equal(t, http.StatusNotImplemented, w.Code)
}

func TestHTTPHealthz(t *testing.T) {
	p := &fakeProvider{pages: func(call int, req provider.PageRequest) ([]market.Bar, bool, error) {
		return nil, false, nil
	}}
	srv, _ := newTestServer(t, p)
	w, _ := doJSON(t, srv, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
