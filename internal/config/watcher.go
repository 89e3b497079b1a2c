package config

import (
	"sync"

	"candlefetch/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ChangeListener 在配置文件变更并成功重载后被调用。
type ChangeListener func(*Config)

// Watcher 监听配置文件变更，热更新日志级别等可安全重载的字段。
type Watcher struct {
	path string

	mu        sync.Mutex
	current   *Config
	listeners []ChangeListener
}

// Watch 基于 viper 的 fsnotify 集成监听 path，重载失败时保留旧配置。
func Watch(path string, initial *Config) *Watcher {
	w := &Watcher{path: path, current: initial}
	v := viper.New()
	v.SetConfigFile(path)
	v.OnConfigChange(func(evt fsnotify.Event) {
		cfg, err := Load(w.path)
		if err != nil {
			logger.Errorf("config reload failed (%s): %v", evt.Name, err)
			return
		}
		w.mu.Lock()
		w.current = cfg
		listeners := append([]ChangeListener(nil), w.listeners...)
		w.mu.Unlock()
		logger.SetLevel(cfg.App.LogLevel)
		logger.Infof("配置已重载：log_level=%s", cfg.App.LogLevel)
		for _, fn := range listeners {
			fn(cfg)
		}
	})
	v.WatchConfig()
	return w
}

// Subscribe 注册变更监听器。
func (w *Watcher) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

// Snapshot 返回当前配置。
func (w *Watcher) Snapshot() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}
