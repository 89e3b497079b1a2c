package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const coinapiPage = `[
  {"time_period_start":"2025-01-01T00:00:00.0000000Z","price_open":100,"price_high":110,"price_low":95,"price_close":105,"volume_traded":1000},
  {"time_period_start":"2025-01-02T00:00:00.0000000Z","price_open":105,"price_high":115,"price_low":100,"price_close":112,"volume_traded":800}
]`

func newTestCoinAPI(t *testing.T, handler http.HandlerFunc) (*CoinAPI, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := NewCoinAPI(Config{APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)
	return p, srv
}

func TestCoinAPIFetchPage(t *testing.T) {
	var gotPath, gotKey, gotStart string
	p, _ := newTestCoinAPI(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-CoinAPI-Key")
		gotStart = r.URL.Query().Get("time_start")
		w.Write([]byte(coinapiPage))
	})

	bars, hasMore, err := p.FetchPage(context.Background(), PageRequest{
		Symbol:   "BINANCE_SPOT_BTC_USDT",
		PeriodID: "1DAY",
		Start:    1735689600000,
		End:      1735948800000,
		Limit:    1000,
	})
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, "/ohlcv/BINANCE_SPOT_BTC_USDT/history", gotPath)
	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "2025-01-01T00:00:00Z", gotStart)
	assert.False(t, hasMore)

	assert.Equal(t, int64(1735689600000), bars[0].Time)
	assert.Equal(t, 100.0, bars[0].Open)
	assert.Equal(t, 105.0, bars[0].Close)
	// 55/45 估算
	assert.InDelta(t, 550.0, bars[0].BuyVolume, 1e-9)
	assert.InDelta(t, 450.0, bars[0].SellVolume, 1e-9)
}

func TestCoinAPIFetchPageHasMore(t *testing.T) {
	p, _ := newTestCoinAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(coinapiPage))
	})
	// 返回行数等于 limit 时视为可能还有后续页
	bars, hasMore, err := p.FetchPage(context.Background(), PageRequest{
		Symbol: "BINANCE_SPOT_BTC_USDT", PeriodID: "1DAY", Start: 1, Limit: 2,
	})
	require.NoError(t, err)
	assert.Len(t, bars, 2)
	assert.True(t, hasMore)
}

func TestCoinAPIStatusMapping(t *testing.T) {
	cases := []struct {
		status     int
		retryAfter string
		wantKind   Kind
		retryable  bool
	}{
		{http.StatusUnauthorized, "", KindAuth, false},
		{http.StatusForbidden, "", KindAuth, false},
		{http.StatusTooManyRequests, "2", KindRateLimit, true},
		{http.StatusNotFound, "", KindNotFound, false},
		{http.StatusInternalServerError, "", KindTransient, true},
		{http.StatusBadRequest, "", KindInvalidArg, false},
	}
	for _, tc := range cases {
		p, _ := newTestCoinAPI(t, func(w http.ResponseWriter, r *http.Request) {
			if tc.retryAfter != "" {
				w.Header().Set("Retry-After", tc.retryAfter)
			}
			w.WriteHeader(tc.status)
		})
		_, _, err := p.FetchPage(context.Background(), PageRequest{
			Symbol: "X", PeriodID: "1DAY", Start: 1, Limit: 10,
		})
		pe := AsError(err)
		require.NotNil(t, pe, "status %d", tc.status)
		assert.Equal(t, tc.wantKind, pe.Kind, "status %d", tc.status)
		assert.Equal(t, tc.retryable, pe.Retryable(), "status %d", tc.status)
		if tc.retryAfter != "" {
			assert.Equal(t, "2s", pe.RetryAfter.String())
		}
	}
}

func TestCoinAPIUnknownPeriod(t *testing.T) {
	p, _ := newTestCoinAPI(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("不应发起请求")
	})
	_, _, err := p.FetchPage(context.Background(), PageRequest{Symbol: "X", PeriodID: "9MIN"})
	pe := AsError(err)
	require.NotNil(t, pe)
	assert.Equal(t, KindInvalidArg, pe.Kind)
}

func TestCoinAPIExchangesFilter(t *testing.T) {
	p, _ := newTestCoinAPI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[
		  {"exchange_id":"BINANCE","name":"Binance","volume_1day_usd":5000000000},
		  {"exchange_id":"TINY","name":"Tiny","volume_1day_usd":5000},
		  {"exchange_id":"KRAKEN","name":"Kraken","volume_1day_usd":2000000}
		]`))
	})
	exchanges, err := p.Exchanges(context.Background())
	require.NoError(t, err)
	require.Len(t, exchanges, 2)
	assert.Equal(t, "BINANCE", exchanges[0].ID)
	assert.Equal(t, "KRAKEN", exchanges[1].ID)
}

func TestCoinAPISymbolsFilter(t *testing.T) {
	p, _ := newTestCoinAPI(t, func(w http.ResponseWriter, r *http.Request) {})
	all, err := p.Symbols(context.Background(), "", "")
	require.NoError(t, err)
	assert.NotEmpty(t, all)

	btc, err := p.Symbols(context.Background(), "btc", "KRAKEN")
	require.NoError(t, err)
	require.Len(t, btc, 1)
	assert.Equal(t, "KRAKEN_SPOT_BTC_USD", btc[0].SymbolID)
}
