package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Config 是平台工厂的通用入参。
type Config struct {
	APIKey  string
	BaseURL string // 留空使用平台默认
}

// Factory 由各平台实现注册，按配置构建 Provider。
type Factory func(Config) (Provider, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register 注册平台工厂（在各实现的 init 中调用）。
func Register(platform string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(strings.TrimSpace(platform))] = factory
}

// New 按平台名构建 Provider；启动时解析一次。
func New(platform string, cfg Config) (Provider, error) {
	registryMu.RLock()
	factory, ok := registry[strings.ToLower(strings.TrimSpace(platform))]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported platform %q, available: %s", platform, strings.Join(Platforms(), ", "))
	}
	return factory(cfg)
}

// Platforms 返回已注册平台名（排序后）。
func Platforms() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
