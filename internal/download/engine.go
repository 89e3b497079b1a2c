package download

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"candlefetch/internal/logger"
	"candlefetch/internal/market"
	"candlefetch/internal/provider"

	"golang.org/x/time/rate"
)

// EngineConfig 配置单任务拉取引擎。
type EngineConfig struct {
	DataDir     string
	PageLimit   int
	Limiter     *rate.Limiter
	BackoffBase time.Duration
	BackoffCap  time.Duration
	MaxAttempts int
	MaxGapRatio float64
	// Now 可注入以便测试；默认 time.Now。
	Now func() time.Time
}

func (c *EngineConfig) applyDefaults() {
	if c.PageLimit <= 0 {
		c.PageLimit = 1000
	}
	if c.Limiter == nil {
		c.Limiter = rate.NewLimiter(rate.Limit(100.0/60.0), 1)
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.MaxGapRatio <= 0 {
		c.MaxGapRatio = 0.5
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Result 是一次任务执行的产出。
type Result struct {
	FilePath string
	Fetched  int64
	Expected int64
	Missing  int64
	Gaps     []market.Gap
	NoData   bool
}

// Progress 在每页落盘后回调一次。
type Progress func(fetched, expected int64, pct float64)

// Engine 对单个任务执行完整的分页拉取与落盘。
// 页与页之间、退避等待期间均响应 ctx 取消。
type Engine struct {
	cfg EngineConfig
}

func NewEngine(cfg EngineConfig) *Engine {
	cfg.applyDefaults()
	return &Engine{cfg: cfg}
}

// Run 拉取 job 描述的区间并写出 CSV。进度通过 progress 回调上报。
func (e *Engine) Run(ctx context.Context, p provider.Provider, job *Job, progress Progress) (*Result, error) {
	res, ok := p.Resolution(job.PeriodID)
	if !ok {
		return nil, &ValidationError{Field: "period_id", Msg: fmt.Sprintf("平台 %s 不支持 %s", p.Name(), job.PeriodID)}
	}
	step := res.StepMillis()

	// 对齐到周期网格；右端裁剪到当前时刻，避免请求未闭合区间。
	start := alignDown(job.Start, step)
	end := alignDown(job.End, step)
	if nowMS := e.cfg.Now().UnixMilli(); end > nowMS {
		end = alignDown(nowMS, step)
	}
	if end < start {
		end = start
	}

	series := market.NewSeries(job.Symbol, job.PeriodID, res.Step, start, end)
	expected := series.ExpectedCount()

	filePath := e.filePath(job)
	writer, err := market.NewCSVWriter(filePath)
	if err != nil {
		return nil, fmt.Errorf("创建输出文件失败: %w", err)
	}
	defer writer.Close()

	if expected == 0 {
		logger.Infof("[download] 任务 %s 区间为空，直接完成", job.ID)
		if progress != nil {
			progress(0, 0, 100)
		}
		return &Result{FilePath: filePath, NoData: true}, nil
	}

	cursor := start
	var fetched int64
	for cursor < end {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		bars, hasMore, err := e.fetchPageWithRetry(ctx, p, provider.PageRequest{
			Symbol:   job.Symbol,
			PeriodID: job.PeriodID,
			Start:    cursor,
			End:      end,
			Limit:    e.cfg.PageLimit,
		})
		if err != nil {
			return nil, err
		}
		if len(bars) == 0 {
			break
		}
		page := make([]market.Bar, 0, len(bars))
		for _, bar := range bars {
			if bar.Time < cursor || bar.Time >= end {
				continue
			}
			page = append(page, bar)
		}
		if err := series.Append(page); err != nil {
			return nil, fmt.Errorf("数据源返回乱序数据: %w", err)
		}
		if len(page) > 0 {
			// 先落盘本页再推进游标，崩溃时文件只含完整页。
			if err := writer.Append(page); err != nil {
				return nil, fmt.Errorf("写出失败: %w", err)
			}
			fetched += int64(len(page))
			cursor = page[len(page)-1].Time + step
		} else {
			// 整页都在区间外，按最后一根推进避免死循环。
			cursor = bars[len(bars)-1].Time + step
		}
		if progress != nil {
			progress(fetched, expected, pct(fetched, expected))
		}
		if !hasMore {
			break
		}
	}

	if fetched == 0 {
		logger.Infof("[download] 任务 %s 区间内无数据", job.ID)
		return &Result{FilePath: filePath, Expected: expected, Missing: expected, NoData: true}, nil
	}

	gaps := series.Gaps()
	missing := series.MissingCount()
	if expected > 0 {
		if ratio := float64(missing) / float64(expected); ratio > e.cfg.MaxGapRatio {
			return nil, fmt.Errorf("数据缺口过大: 缺失 %d/%d (%.0f%%)", missing, expected, ratio*100)
		}
	}
	return &Result{
		FilePath: filePath,
		Fetched:  fetched,
		Expected: expected,
		Missing:  missing,
		Gaps:     gaps,
	}, nil
}

// fetchPageWithRetry 对可重试错误按指数退避重试；限速令牌在每次尝试前获取。
func (e *Engine) fetchPageWithRetry(ctx context.Context, p provider.Provider, req provider.PageRequest) ([]market.Bar, bool, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := e.cfg.Limiter.Wait(ctx); err != nil {
			return nil, false, err
		}
		bars, hasMore, err := p.FetchPage(ctx, req)
		if err == nil {
			return bars, hasMore, nil
		}
		lastErr = err
		pe := provider.AsError(err)
		if pe == nil || !pe.Retryable() {
			return nil, false, err
		}
		if attempt == e.cfg.MaxAttempts {
			break
		}
		wait := e.backoff(attempt)
		if pe.RetryAfter > wait {
			wait = pe.RetryAfter
		}
		logger.Warnf("[download] %s 第 %d 次拉取失败，%s 后重试: %v", req.Symbol, attempt, wait.Round(time.Millisecond), err)
		if err := sleepCtx(ctx, wait); err != nil {
			return nil, false, err
		}
	}
	return nil, false, fmt.Errorf("重试 %d 次后仍失败: %w", e.cfg.MaxAttempts, lastErr)
}

// backoff 返回第 attempt 次失败后的等待时长：base*2^(attempt-1)，上限 cap，±20% 抖动。
func (e *Engine) backoff(attempt int) time.Duration {
	wait := e.cfg.BackoffBase << (attempt - 1)
	if wait > e.cfg.BackoffCap || wait <= 0 {
		wait = e.cfg.BackoffCap
	}
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(wait) * jitter)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (e *Engine) filePath(job *Job) string {
	name := fmt.Sprintf("%s_%s_%s_%d_%d.csv", job.Platform, sanitizeSymbol(job.Symbol), job.PeriodID, job.Start, job.End)
	return filepath.Join(e.cfg.DataDir, name)
}

// sanitizeSymbol 去掉不适合做文件名的字符。
func sanitizeSymbol(symbol string) string {
	r := strings.NewReplacer("/", "-", "\\", "-", ":", "-", " ", "")
	return r.Replace(symbol)
}

func alignDown(ts, step int64) int64 {
	if step <= 0 {
		return ts
	}
	return ts - ts%step
}

func pct(fetched, expected int64) float64 {
	if expected <= 0 {
		return 100
	}
	p := float64(fetched) / float64(expected) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// 确保 DataDir 存在供 Engine 使用。
func ensureDataDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
