package provider

import (
	"context"

	"candlefetch/internal/market"
)

// PageRequest 描述一次分页拉取：[Start, End) 毫秒区间，最多 Limit 行。
type PageRequest struct {
	Symbol   string
	PeriodID string
	Start    int64 // Unix ms，含
	End      int64 // Unix ms，不含；0 表示不限制
	Limit    int
}

// Provider 统一不同行情平台的分页拉取行为。
// FetchPage 对相同参数幂等；返回的 hasMore 表示该区间可能还有后续页。
type Provider interface {
	Name() string
	Resolutions() []Resolution
	Resolution(id string) (Resolution, bool)
	FetchPage(ctx context.Context, req PageRequest) (bars []market.Bar, hasMore bool, err error)
}

// Exchange 与 Symbol 供元数据接口使用（前端搜索框等展示层）。
type Exchange struct {
	ID   string `json:"exchange_id"`
	Name string `json:"name,omitempty"`
}

type Symbol struct {
	SymbolID   string `json:"symbol_id"`
	ExchangeID string `json:"exchange_id"`
	Base       string `json:"asset_id_base"`
	Quote      string `json:"asset_id_quote"`
}

// MetaProvider 是可选能力：平台元数据查询。核心引擎只依赖 Provider。
type MetaProvider interface {
	Exchanges(ctx context.Context) ([]Exchange, error)
	Symbols(ctx context.Context, search, exchange string) ([]Symbol, error)
}
