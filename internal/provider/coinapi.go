package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"candlefetch/internal/market"

	"github.com/tidwall/gjson"
)

const (
	coinapiDefaultBase = "https://rest.coinapi.io/v1"
	coinapiMaxLimit    = 100000
	// CoinAPI 不提供主动买卖拆分，沿用 55/45 估算比例。
	coinapiBuyRatio = 0.55
)

// CoinAPI 基于 REST /v1/ohlcv/{symbol}/history。
type CoinAPI struct {
	apiKey  string
	baseURL string
	client  *http.Client

	resolutions []Resolution
	index       map[string]Resolution
}

func init() {
	Register("coinapi", func(cfg Config) (Provider, error) {
		return NewCoinAPI(cfg)
	})
}

func NewCoinAPI(cfg Config) (*CoinAPI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("coinapi 需要 api_key")
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = coinapiDefaultBase
	}
	list, err := Catalog("coinapi")
	if err != nil {
		return nil, err
	}
	return &CoinAPI{
		apiKey:      cfg.APIKey,
		baseURL:     base,
		client:      &http.Client{Timeout: 30 * time.Second},
		resolutions: list,
		index:       catalogIndex(list),
	}, nil
}

func (c *CoinAPI) Name() string { return "coinapi" }

func (c *CoinAPI) Resolutions() []Resolution { return c.resolutions }

func (c *CoinAPI) Resolution(id string) (Resolution, bool) {
	return lookup(c.index, id)
}

func (c *CoinAPI) FetchPage(ctx context.Context, req PageRequest) ([]market.Bar, bool, error) {
	if req.Symbol == "" {
		return nil, false, NewError(KindInvalidArg, "symbol 不能为空")
	}
	if _, ok := c.Resolution(req.PeriodID); !ok {
		return nil, false, NewError(KindInvalidArg, fmt.Sprintf("unknown period_id: %s", req.PeriodID))
	}
	limit := req.Limit
	if limit <= 0 || limit > coinapiMaxLimit {
		limit = 1000
	}

	u, err := url.Parse(c.baseURL + "/ohlcv/" + url.PathEscape(req.Symbol) + "/history")
	if err != nil {
		return nil, false, NewError(KindInvalidArg, fmt.Sprintf("bad symbol: %s", req.Symbol))
	}
	q := u.Query()
	q.Set("period_id", strings.ToUpper(req.PeriodID))
	q.Set("limit", strconv.Itoa(limit))
	if req.Start > 0 {
		q.Set("time_start", time.UnixMilli(req.Start).UTC().Format(time.RFC3339))
	}
	if req.End > 0 {
		q.Set("time_end", time.UnixMilli(req.End).UTC().Format(time.RFC3339))
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, false, Wrap(KindInvalidArg, "building request failed", err)
	}
	httpReq.Header.Set("X-CoinAPI-Key", c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, false, Wrap(KindTransient, "coinapi 请求失败", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, Wrap(KindTransient, "reading coinapi response failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, coinapiStatusError(resp, body)
	}

	bars := make([]market.Bar, 0)
	for _, item := range gjson.ParseBytes(body).Array() {
		ts, err := time.Parse(time.RFC3339, item.Get("time_period_start").String())
		if err != nil {
			return nil, false, Wrap(KindTransient, "bad time_period_start in response", err)
		}
		vol := item.Get("volume_traded").Float()
		bars = append(bars, market.Bar{
			Time:       ts.UnixMilli(),
			Open:       item.Get("price_open").Float(),
			High:       item.Get("price_high").Float(),
			Low:        item.Get("price_low").Float(),
			Close:      item.Get("price_close").Float(),
			Volume:     vol,
			BuyVolume:  vol * coinapiBuyRatio,
			SellVolume: vol * (1 - coinapiBuyRatio),
		})
	}
	return bars, len(bars) == limit, nil
}

func coinapiStatusError(resp *http.Response, body []byte) *Error {
	msg := fmt.Sprintf("coinapi status %d: %s", resp.StatusCode, truncateBody(body))
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return NewError(KindAuth, msg)
	case resp.StatusCode == http.StatusTooManyRequests:
		e := NewError(KindRateLimit, msg)
		if sec, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && sec > 0 {
			e.RetryAfter = time.Duration(sec) * time.Second
		}
		return e
	case resp.StatusCode == http.StatusNotFound:
		return NewError(KindNotFound, msg)
	case resp.StatusCode >= http.StatusInternalServerError:
		return NewError(KindTransient, msg)
	default:
		return NewError(KindInvalidArg, msg)
	}
}

func truncateBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		return s[:200] + "…"
	}
	return s
}

// Exchanges 返回日成交量超过 100 万美元的前 20 家交易所。
func (c *CoinAPI) Exchanges(ctx context.Context) ([]Exchange, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/exchanges", nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("X-CoinAPI-Key", c.apiKey)
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, Wrap(KindTransient, "coinapi 请求失败", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, coinapiStatusError(resp, body)
	}
	var out []Exchange
	for _, item := range gjson.ParseBytes(body).Array() {
		if item.Get("volume_1day_usd").Float() <= 1_000_000 {
			continue
		}
		out = append(out, Exchange{
			ID:   item.Get("exchange_id").String(),
			Name: item.Get("name").String(),
		})
		if len(out) >= 20 {
			break
		}
	}
	return out, nil
}

// coinapiSymbols 是内置的常用交易对清单（避免全量 symbols 接口的配额消耗）。
var coinapiSymbols = []Symbol{
	{SymbolID: "BINANCE_SPOT_BTC_USDT", ExchangeID: "BINANCE", Base: "BTC", Quote: "USDT"},
	{SymbolID: "BINANCE_SPOT_ETH_USDT", ExchangeID: "BINANCE", Base: "ETH", Quote: "USDT"},
	{SymbolID: "BINANCE_SPOT_ADA_USDT", ExchangeID: "BINANCE", Base: "ADA", Quote: "USDT"},
	{SymbolID: "BINANCE_SPOT_DOT_USDT", ExchangeID: "BINANCE", Base: "DOT", Quote: "USDT"},
	{SymbolID: "BINANCE_SPOT_LINK_USDT", ExchangeID: "BINANCE", Base: "LINK", Quote: "USDT"},
	{SymbolID: "COINBASE_SPOT_BTC_USD", ExchangeID: "COINBASE", Base: "BTC", Quote: "USD"},
	{SymbolID: "COINBASE_SPOT_ETH_USD", ExchangeID: "COINBASE", Base: "ETH", Quote: "USD"},
	{SymbolID: "KRAKEN_SPOT_BTC_USD", ExchangeID: "KRAKEN", Base: "BTC", Quote: "USD"},
	{SymbolID: "KRAKEN_SPOT_ETH_USD", ExchangeID: "KRAKEN", Base: "ETH", Quote: "USD"},
}

// Symbols 支持按关键词与交易所过滤内置清单。
func (c *CoinAPI) Symbols(_ context.Context, search, exchange string) ([]Symbol, error) {
	out := make([]Symbol, 0, len(coinapiSymbols))
	searchUpper := strings.ToUpper(strings.TrimSpace(search))
	exchangeUpper := strings.ToUpper(strings.TrimSpace(exchange))
	for _, s := range coinapiSymbols {
		if searchUpper != "" && !strings.Contains(s.SymbolID, searchUpper) && !strings.Contains(s.Base, searchUpper) {
			continue
		}
		if exchangeUpper != "" && s.ExchangeID != exchangeUpper {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}
