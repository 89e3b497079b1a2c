package market

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"
)

// CSV 布局是与外部回测消费方的兼容契约，列序与命名不可变更。
var csvHeader = []string{"time", "open", "high", "low", "close", "volume", "buy_volume", "sell_volume"}

// csvTimeLayout 渲染带显式 UTC 偏移的 ISO-8601（如 2025-01-01 00:00:00+00:00）。
const csvTimeLayout = "2006-01-02 15:04:05-07:00"

// decStr 输出普通十进制记法（无科学计数、无千分位）。
func decStr(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func barRecord(b Bar) []string {
	return []string{
		b.UTC().Format(csvTimeLayout),
		decStr(b.Open),
		decStr(b.High),
		decStr(b.Low),
		decStr(b.Close),
		decStr(b.Volume),
		decStr(b.BuyVolume),
		decStr(b.SellVolume),
	}
}

// WriteCSV 按兼容布局写出整个序列（含表头）。
func WriteCSV(w io.Writer, bars []Bar) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, b := range bars {
		if err := cw.Write(barRecord(b)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadCSV 解析 CSV 序列，要求表头与契约一致。
func ReadCSV(r io.Reader) ([]Bar, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("csv missing header")
		}
		return nil, err
	}
	if len(header) != len(csvHeader) {
		return nil, fmt.Errorf("csv header mismatch: %v", header)
	}
	for i, col := range csvHeader {
		if header[i] != col {
			return nil, fmt.Errorf("csv header mismatch at column %d: %s", i, header[i])
		}
	}
	var bars []Bar
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		b, err := parseRecord(rec)
		if err != nil {
			return nil, err
		}
		bars = append(bars, b)
	}
	return bars, nil
}

func parseRecord(rec []string) (Bar, error) {
	if len(rec) != len(csvHeader) {
		return Bar{}, fmt.Errorf("csv row has %d columns, want %d", len(rec), len(csvHeader))
	}
	ts, err := time.Parse(csvTimeLayout, rec[0])
	if err != nil {
		return Bar{}, fmt.Errorf("parsing time %q: %w", rec[0], err)
	}
	fields := make([]float64, 7)
	for i := 0; i < 7; i++ {
		d, err := decimal.NewFromString(rec[i+1])
		if err != nil {
			return Bar{}, fmt.Errorf("parsing %s %q: %w", csvHeader[i+1], rec[i+1], err)
		}
		fields[i] = d.InexactFloat64()
	}
	return Bar{
		Time:       ts.UnixMilli(),
		Open:       fields[0],
		High:       fields[1],
		Low:        fields[2],
		Close:      fields[3],
		Volume:     fields[4],
		BuyVolume:  fields[5],
		SellVolume: fields[6],
	}, nil
}

// CSVWriter 逐页追加写序列文件：表头先落盘，之后每页 Append+Flush，
// 进程中途退出也只会留下合法前缀。
type CSVWriter struct {
	f *os.File
	w *csv.Writer
}

func NewCSVWriter(path string) (*CSVWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	w := csv.NewWriter(f)
	if err := w.Write(csvHeader); err != nil {
		f.Close()
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return nil, err
	}
	return &CSVWriter{f: f, w: w}, nil
}

// Append 写入一页并立即刷盘。
func (c *CSVWriter) Append(bars []Bar) error {
	for _, b := range bars {
		if err := c.w.Write(barRecord(b)); err != nil {
			return err
		}
	}
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		return err
	}
	return c.f.Sync()
}

func (c *CSVWriter) Close() error {
	c.w.Flush()
	if err := c.w.Error(); err != nil {
		c.f.Close()
		return err
	}
	return c.f.Close()
}
