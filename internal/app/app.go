package app

import (
	"context"
	"fmt"

	cfg "candlefetch/internal/config"
	"candlefetch/internal/download"
	"candlefetch/internal/logger"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→恢复中断任务→启动调度器与 HTTP 服务。
type App struct {
	cfg     *cfg.Config
	store   *download.Store
	catalog *download.Catalog
	hub     *download.Hub
	runner  *download.Runner
	http    *download.HTTPServer
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(c *cfg.Config) (*App, error) {
	if c == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(c.App.LogLevel)
	return buildApp(c)
}

// Run 启动 HTTP 服务，阻塞直到 ctx 取消。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	a.runner.SetContext(ctx)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.http.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})

	err := group.Wait()
	a.Close()
	return err
}

// Close 依次停掉调度器、事件流与存储。
func (a *App) Close() {
	if a.runner != nil {
		a.runner.Close()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.catalog != nil {
		if err := a.catalog.Close(); err != nil {
			logger.Warnf("关闭数据目录失败: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warnf("关闭任务存储失败: %v", err)
		}
	}
}

// Runner 暴露调度器实例（测试用）。
func (a *App) Runner() *download.Runner {
	if a == nil {
		return nil
	}
	return a.runner
}
