package app

import (
	"context"
	"fmt"
	"time"

	cfg "candlefetch/internal/config"
	"candlefetch/internal/download"
	"candlefetch/internal/logger"
	"candlefetch/internal/provider"

	"golang.org/x/time/rate"
)

// buildApp 按依赖顺序完成装配：存储→恢复→数据源→事件流→调度器→HTTP。
func buildApp(c *cfg.Config) (*App, error) {
	store, err := download.NewStore(c.Storage.StateDir)
	if err != nil {
		return nil, fmt.Errorf("初始化任务存储失败: %w", err)
	}

	// 上一进程遗留的 queued/running 任务统一标记失败，保持存储与现实一致。
	recovered, err := store.RecoverInterrupted(context.Background(), "进程重启中断")
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("恢复中断任务失败: %w", err)
	}
	if len(recovered) > 0 {
		logger.Warnf("启动恢复：%d 个未完成任务被标记为失败", len(recovered))
	}

	catalog, err := download.NewCatalog(c.Storage.StateDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("初始化数据目录失败: %w", err)
	}

	p, err := provider.New(c.Provider.Platform, provider.Config{
		APIKey:  c.Provider.APIKey,
		BaseURL: c.Provider.BaseURL,
	})
	if err != nil {
		catalog.Close()
		store.Close()
		return nil, fmt.Errorf("初始化数据源失败: %w", err)
	}
	logger.Infof("✓ 数据源就绪：%s，周期数=%d", p.Name(), len(p.Resolutions()))

	hub := download.NewHub()

	// 全局限速：所有任务共享一个调用预算
	limiter := rate.NewLimiter(rate.Limit(float64(c.Download.RateLimitPerMin)/60.0), 1)
	runner, err := download.NewRunner(download.RunnerConfig{
		Store:         store,
		Catalog:       catalog,
		Hub:           hub,
		Providers:     map[string]provider.Provider{p.Name(): p},
		Default:       p.Name(),
		MaxConcurrent: c.Download.MaxConcurrent,
		Engine: download.EngineConfig{
			DataDir:     c.Storage.DataDir,
			PageLimit:   c.Download.PageLimit,
			Limiter:     limiter,
			BackoffBase: time.Duration(c.Download.BackoffBaseSec * float64(time.Second)),
			BackoffCap:  time.Duration(c.Download.BackoffCapSec * float64(time.Second)),
			MaxAttempts: c.Download.MaxAttempts,
			MaxGapRatio: c.Download.MaxGapRatio,
		},
	})
	if err != nil {
		hub.Close()
		catalog.Close()
		store.Close()
		return nil, fmt.Errorf("初始化调度器失败: %w", err)
	}

	httpServer, err := download.NewHTTPServer(download.HTTPConfig{
		Addr:    c.App.HTTPAddr,
		Runner:  runner,
		Store:   store,
		Catalog: catalog,
		Hub:     hub,
	})
	if err != nil {
		runner.Close()
		hub.Close()
		catalog.Close()
		store.Close()
		return nil, fmt.Errorf("初始化 HTTP 服务失败: %w", err)
	}
	logger.Infof("✓ HTTP 服务监听 %s", c.App.HTTPAddr)

	return &App{
		cfg:     c,
		store:   store,
		catalog: catalog,
		hub:     hub,
		runner:  runner,
		http:    httpServer,
	}, nil
}
