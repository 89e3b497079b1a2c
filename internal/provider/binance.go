package provider

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"candlefetch/internal/market"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
)

const binanceMaxLimit = 1000

// Binance 基于 go-binance 现货 klines 接口实现 Provider。
// 公共行情接口无需 api_key。
type Binance struct {
	client *gobinance.Client

	resolutions []Resolution
	index       map[string]Resolution
}

func init() {
	Register("binance", func(cfg Config) (Provider, error) {
		return NewBinance(cfg)
	})
}

func NewBinance(cfg Config) (*Binance, error) {
	client := gobinance.NewClient(cfg.APIKey, "")
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		client.BaseURL = strings.TrimRight(base, "/")
	}
	list, err := Catalog("binance")
	if err != nil {
		return nil, err
	}
	return &Binance{
		client:      client,
		resolutions: list,
		index:       catalogIndex(list),
	}, nil
}

func (b *Binance) Name() string { return "binance" }

func (b *Binance) Resolutions() []Resolution { return b.resolutions }

func (b *Binance) Resolution(id string) (Resolution, bool) {
	return lookup(b.index, id)
}

// Binance 要求无分隔符的交易对写法（ETH/USDT -> ETHUSDT）。
func binanceSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "/", "")
	return strings.ReplaceAll(s, "-", "")
}

func (b *Binance) FetchPage(ctx context.Context, req PageRequest) ([]market.Bar, bool, error) {
	symbol := binanceSymbol(req.Symbol)
	if symbol == "" {
		return nil, false, NewError(KindInvalidArg, "symbol 不能为空")
	}
	res, ok := b.Resolution(req.PeriodID)
	if !ok {
		return nil, false, NewError(KindInvalidArg, fmt.Sprintf("unknown period_id: %s", req.PeriodID))
	}
	limit := req.Limit
	if limit <= 0 || limit > binanceMaxLimit {
		limit = binanceMaxLimit
	}

	svc := b.client.NewKlinesService().
		Symbol(symbol).
		Interval(res.SourceInterval).
		Limit(limit)
	if req.Start > 0 {
		svc = svc.StartTime(req.Start)
	}
	if req.End > 0 {
		// 接口区间为闭区间，右端点回退 1ms 保持 [Start, End) 语义。
		svc = svc.EndTime(req.End - 1)
	}
	kls, err := svc.Do(ctx)
	if err != nil {
		return nil, false, binanceError(err)
	}

	bars := make([]market.Bar, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		vol := parseFloat(kl.Volume)
		buy := parseFloat(kl.TakerBuyBaseAssetVolume)
		if buy > vol {
			buy = vol
		}
		bars = append(bars, market.Bar{
			Time:       kl.OpenTime,
			Open:       parseFloat(kl.Open),
			High:       parseFloat(kl.High),
			Low:        parseFloat(kl.Low),
			Close:      parseFloat(kl.Close),
			Volume:     vol,
			BuyVolume:  buy,
			SellVolume: vol - buy,
		})
	}
	return bars, len(bars) == limit, nil
}

func binanceError(err error) *Error {
	if apiErr, ok := err.(*common.APIError); ok {
		msg := fmt.Sprintf("binance code %d: %s", apiErr.Code, apiErr.Message)
		switch apiErr.Code {
		case -1003: // WAF 限流
			e := NewError(KindRateLimit, msg)
			e.RetryAfter = time.Minute
			return e
		case -2014, -2015:
			return NewError(KindAuth, msg)
		case -1121:
			return NewError(KindNotFound, msg)
		case -1100, -1120, -1130:
			return NewError(KindInvalidArg, msg)
		default:
			return Wrap(KindTransient, msg, err)
		}
	}
	return Wrap(KindTransient, "binance 请求失败", err)
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}
