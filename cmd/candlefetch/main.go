package main

import (
	"context"
	"errors"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"candlefetch/internal/app"
	cfcfg "candlefetch/internal/config"
	"candlefetch/internal/logger"
)

func main() {
	cfgPath := os.Getenv("CANDLEFETCH_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}
	if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
		if err := cfcfg.WriteDefault(cfgPath); err != nil {
			log.Fatalf("生成默认配置失败: %v", err)
		}
		log.Printf("已生成默认配置 %s，请填入 api_key 后重新启动", cfgPath)
		return
	}

	c, err := cfcfg.Load(cfgPath)
	if err != nil {
		log.Fatalf("读取配置失败: %v", err)
	}
	logFile, err := setupLogOutput(c.App.LogPath)
	if err != nil {
		log.Fatalf("初始化日志文件失败: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	logger.SetLevel(c.App.LogLevel)
	logger.Infof("✓ 配置加载成功（环境=%s，平台=%s）", c.App.Env, c.Provider.Platform)

	// 配置热更新：日志级别等运行期可调项随文件变化生效
	cfcfg.Watch(cfgPath, c)

	a, err := app.NewApp(c)
	if err != nil {
		log.Fatalf("初始化应用失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := a.Run(ctx); err != nil {
		log.Fatalf("运行失败: %v", err)
	}
}

func setupLogOutput(path string) (*os.File, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, nil
	}
	dir := filepath.Dir(trimmed)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(trimmed, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	mw := io.MultiWriter(os.Stdout, file)
	log.SetOutput(mw)
	logger.SetOutput(mw)
	return file, nil
}
