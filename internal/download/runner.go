package download

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"candlefetch/internal/logger"
	"candlefetch/internal/provider"
)

// RunnerConfig 配置任务调度器。
type RunnerConfig struct {
	Store         *Store
	Catalog       *Catalog
	Hub           *Hub
	Providers     map[string]provider.Provider
	Default       string // 默认平台名
	MaxConcurrent int
	Engine        EngineConfig
}

// Runner 负责任务排队、并发控制与生命周期事件。
type Runner struct {
	store     *Store
	catalog   *Catalog
	hub       *Hub
	providers map[string]provider.Provider
	defaultP  string
	engineCfg EngineConfig
	sem       chan struct{}

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	active   map[string]*activeJob
	deleting map[string]bool
	wg       sync.WaitGroup
}

type activeJob struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store 不能为空")
	}
	if cfg.Hub == nil {
		return nil, fmt.Errorf("hub 不能为空")
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("至少需要一个数据源")
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	if err := ensureDataDir(cfg.Engine.DataDir); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		store:      cfg.Store,
		catalog:    cfg.Catalog,
		hub:        cfg.Hub,
		providers:  make(map[string]provider.Provider, len(cfg.Providers)),
		defaultP:   strings.ToLower(cfg.Default),
		engineCfg:  cfg.Engine,
		sem:        make(chan struct{}, maxConcurrent),
		baseCtx:    ctx,
		baseCancel: cancel,
		active:     make(map[string]*activeJob),
		deleting:   make(map[string]bool),
	}
	for k, v := range cfg.Providers {
		r.providers[strings.ToLower(k)] = v
	}
	if r.defaultP == "" {
		for k := range r.providers {
			r.defaultP = k
			break
		}
	}
	return r, nil
}

// SetContext 注入宿主 ctx；宿主退出时所有任务一并取消。
func (r *Runner) SetContext(ctx context.Context) {
	if ctx == nil {
		return
	}
	r.baseCancel()
	r.baseCtx, r.baseCancel = context.WithCancel(ctx)
}

// Provider 按平台名取数据源；name 为空返回默认平台。
func (r *Runner) Provider(name string) (provider.Provider, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = r.defaultP
	}
	p, ok := r.providers[name]
	return p, ok
}

// Submit 校验并持久化任务，随后异步执行。返回已入库的 queued 任务快照。
func (r *Runner) Submit(ctx context.Context, spec Spec) (*Job, error) {
	if spec.Platform == "" {
		spec.Platform = r.defaultP
	}
	if err := spec.normalize(); err != nil {
		return nil, err
	}
	p, ok := r.Provider(spec.Platform)
	if !ok {
		return nil, &ValidationError{Field: "platform", Msg: fmt.Sprintf("未知平台 %s", spec.Platform)}
	}
	if _, ok := p.Resolution(spec.PeriodID); !ok {
		return nil, &ValidationError{Field: "period_id", Msg: fmt.Sprintf("平台 %s 不支持 %s", p.Name(), spec.PeriodID)}
	}

	job := newJob(spec)
	// 先落库，任务才算被接受；崩溃后可恢复。
	if err := r.store.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("持久化任务失败: %w", err)
	}
	logger.Infof("[download] 任务 %s 提交: %s %s %s [%d,%d)", job.ID, job.Platform, job.Symbol, job.PeriodID, job.Start, job.End)
	r.publishUpdate(job)

	jobCtx, cancel := context.WithCancel(r.baseCtx)
	aj := &activeJob{cancel: cancel, done: make(chan struct{})}
	r.mu.Lock()
	r.active[job.ID] = aj
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(jobCtx, p, job, aj)
	snapshot := *job
	return &snapshot, nil
}

func (r *Runner) run(ctx context.Context, p provider.Provider, job *Job, aj *activeJob) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("[download] 任务 %s panic: %v", job.ID, rec)
			r.markFailed(job.ID, StatusRunning, fmt.Sprintf("internal error: %v", rec))
		}
		r.mu.Lock()
		delete(r.active, job.ID)
		r.mu.Unlock()
		close(aj.done)
		aj.cancel()
		r.wg.Done()
	}()

	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		r.markFailed(job.ID, StatusQueued, "任务已取消")
		return
	}
	defer func() { <-r.sem }()

	if err := r.store.Transition(ctx, job.ID, StatusQueued, StatusRunning, ""); err != nil {
		// 排队期间被删除或状态被改写，放弃执行。
		logger.Warnf("[download] 任务 %s 启动失败: %v", job.ID, err)
		return
	}
	r.publishByID(job.ID)

	engine := NewEngine(r.engineCfg)
	result, err := engine.Run(ctx, p, job, func(fetched, expected int64, pct float64) {
		if err := r.store.UpdateProgress(context.Background(), job.ID, pct, fetched, expected); err != nil {
			logger.Warnf("[download] 任务 %s 进度写入失败: %v", job.ID, err)
		}
		r.publishByID(job.ID)
	})
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.Canceled) {
			msg = "任务已取消"
		}
		logger.Warnf("[download] 任务 %s 失败: %s", job.ID, msg)
		r.markFailed(job.ID, StatusRunning, msg)
		return
	}

	if err := r.store.FinishResult(context.Background(), job.ID, result.FilePath, result.Fetched, result.Expected, result.Missing); err != nil {
		logger.Errorf("[download] 任务 %s 结果写入失败: %v", job.ID, err)
	}
	if r.catalog != nil {
		rec := SeriesFile{
			ID:       job.ID,
			Platform: job.Platform,
			Symbol:   job.Symbol,
			PeriodID: job.PeriodID,
			StartTS:  job.Start,
			EndTS:    job.End,
			FilePath: result.FilePath,
			Rows:     result.Fetched,
			Missing:  result.Missing,
		}
		if err := r.catalog.Record(context.Background(), rec, result.Gaps); err != nil {
			logger.Errorf("[download] 任务 %s 登记目录失败: %v", job.ID, err)
		}
	}
	message := "下载完成"
	if result.NoData {
		message = "区间内无数据"
	} else if result.Missing > 0 {
		message = fmt.Sprintf("下载完成，缺失 %d 根", result.Missing)
	}
	if err := r.store.Transition(context.Background(), job.ID, StatusRunning, StatusCompleted, message); err != nil {
		logger.Warnf("[download] 任务 %s 完成态写入失败: %v", job.ID, err)
		return
	}
	logger.Infof("[download] 任务 %s 完成: %d/%d 根，缺口=%d", job.ID, result.Fetched, result.Expected, len(result.Gaps))
	r.publishByID(job.ID)
}

// markFailed 做受保护的失败迁移；任务已被删除时静默放弃。
func (r *Runner) markFailed(id string, from Status, message string) {
	err := r.store.Transition(context.Background(), id, from, StatusFailed, message)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			logger.Warnf("[download] 任务 %s 失败态写入失败: %v", id, err)
		}
		return
	}
	r.publishByID(id)
}

func (r *Runner) publishByID(id string) {
	job, err := r.store.Get(context.Background(), id)
	if err != nil {
		// 已删除的任务不再发事件
		return
	}
	r.publishUpdate(job)
}

func (r *Runner) publishUpdate(job *Job) {
	// 删除进行中的任务不再对外发状态事件，避免前端看到已删任务复活。
	r.mu.Lock()
	suppressed := r.deleting[job.ID]
	r.mu.Unlock()
	if suppressed {
		return
	}
	r.hub.Publish(Event{Type: "job_update", JobID: job.ID, Job: job})
}

// Delete 取消执行中的任务并清理落库记录、数据文件与目录项。
func (r *Runner) Delete(ctx context.Context, id string) error {
	job, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	aj := r.active[id]
	r.deleting[id] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.deleting, id)
		r.mu.Unlock()
	}()
	if aj != nil {
		aj.cancel()
		<-aj.done
		// 取消落库后重读终态文件路径
		if j, err := r.store.Get(ctx, id); err == nil {
			job = j
		}
	}

	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	// 失败任务未落 file_path，按命名规则推导以清理半成品文件。
	path := job.FilePath
	if path == "" {
		path = NewEngine(r.engineCfg).filePath(job)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warnf("[download] 删除数据文件失败: %v", err)
	}
	if r.catalog != nil {
		if err := r.catalog.Delete(ctx, id); err != nil {
			logger.Warnf("[download] 删除目录项失败: %v", err)
		}
	}
	logger.Infof("[download] 任务 %s 已删除", id)
	r.hub.Publish(Event{Type: "job_deleted", JobID: id})
	return nil
}

// Close 取消全部任务并等待退出。
func (r *Runner) Close() {
	r.baseCancel()
	r.wg.Wait()
}
