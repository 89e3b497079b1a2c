package market

import (
	"fmt"
	"time"
)

// SeriesOrderError 表示写入的 K 线违反了序列不变量（乱序/重复/负值）。
// 视作内部缺陷信号：任务失败并记录完整上下文。
type SeriesOrderError struct {
	Symbol   string
	PeriodID string
	LastTime int64
	BadTime  int64
	Reason   string
}

func (e *SeriesOrderError) Error() string {
	return fmt.Sprintf("series order violation (%s %s): %s (last=%d bad=%d)",
		e.Symbol, e.PeriodID, e.Reason, e.LastTime, e.BadTime)
}

// Series 是单个 (symbol, period) 在 [start, end) 上的有序 K 线序列。
// 时间戳严格递增且与名义步长对齐；不做并发保护，由任务 worker 独占。
type Series struct {
	symbol   string
	periodID string
	step     time.Duration
	start    int64 // Unix ms，含
	end      int64 // Unix ms，不含
	bars     []Bar
}

func NewSeries(symbol, periodID string, step time.Duration, start, end int64) *Series {
	return &Series{
		symbol:   symbol,
		periodID: periodID,
		step:     step,
		start:    start,
		end:      end,
	}
}

// Append 合并一页 K 线；时间戳 <= 已有末尾的条目触发 *SeriesOrderError。
func (s *Series) Append(bars []Bar) error {
	for _, b := range bars {
		if !b.valid() {
			return &SeriesOrderError{
				Symbol:   s.symbol,
				PeriodID: s.periodID,
				LastTime: s.LastTime(),
				BadTime:  b.Time,
				Reason:   "negative price or volume",
			}
		}
		if last := s.LastTime(); last != 0 && b.Time <= last {
			return &SeriesOrderError{
				Symbol:   s.symbol,
				PeriodID: s.periodID,
				LastTime: last,
				BadTime:  b.Time,
				Reason:   "timestamp not strictly increasing",
			}
		}
		s.bars = append(s.bars, b)
	}
	return nil
}

func (s *Series) Symbol() string   { return s.symbol }
func (s *Series) PeriodID() string { return s.periodID }
func (s *Series) Len() int         { return len(s.bars) }
func (s *Series) Empty() bool      { return len(s.bars) == 0 }

// LastTime 返回末尾时间戳，空序列返回 0。
func (s *Series) LastTime() int64 {
	if len(s.bars) == 0 {
		return 0
	}
	return s.bars[len(s.bars)-1].Time
}

// Bars 返回内部切片的拷贝。
func (s *Series) Bars() []Bar {
	out := make([]Bar, len(s.bars))
	copy(out, s.bars)
	return out
}

// ExpectedCount 返回 [start, end) 按步长应有的 K 线数量。
func (s *Series) ExpectedCount() int64 {
	step := s.step.Milliseconds()
	if step <= 0 || s.end <= s.start {
		return 0
	}
	return (s.end - s.start) / step
}

// Gaps 重新扫描并返回缺失的名义步长区间（有限个，按时间升序）。
// 每次调用都重算，不携带状态。
func (s *Series) Gaps() []Gap {
	step := s.step.Milliseconds()
	if step <= 0 || s.end <= s.start {
		return nil
	}
	if len(s.bars) == 0 {
		return []Gap{{From: s.start, To: s.end}}
	}
	var gaps []Gap
	cursor := s.start
	for _, b := range s.bars {
		if b.Time > cursor {
			gaps = append(gaps, Gap{From: cursor, To: b.Time})
		}
		cursor = b.Time + step
	}
	if cursor < s.end {
		gaps = append(gaps, Gap{From: cursor, To: s.end})
	}
	return gaps
}

// MissingCount 返回缺失 K 线总数（按名义步长折算）。
func (s *Series) MissingCount() int64 {
	step := s.step.Milliseconds()
	if step <= 0 {
		return 0
	}
	var missing int64
	for _, g := range s.Gaps() {
		missing += (g.To - g.From) / step
	}
	return missing
}
