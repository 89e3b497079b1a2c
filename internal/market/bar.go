package market

import "time"

// Bar 表示一根 OHLCV K 线，时间戳为 UTC 毫秒（整秒）。
type Bar struct {
	Time       int64   `json:"time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
	BuyVolume  float64 `json:"buy_volume"`
	SellVolume float64 `json:"sell_volume"`
}

// UTC 返回时间戳对应的 time.Time。
func (b Bar) UTC() time.Time {
	return time.UnixMilli(b.Time).UTC()
}

func (b Bar) valid() bool {
	return b.Open >= 0 && b.High >= 0 && b.Low >= 0 && b.Close >= 0 &&
		b.Volume >= 0 && b.BuyVolume >= 0 && b.SellVolume >= 0
}

// Gap 表示 [From, To) 区间内缺失的名义步长段，毫秒。
type Gap struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}
