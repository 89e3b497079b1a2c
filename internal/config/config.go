package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Load 读取 YAML 配置并应用默认值与校验。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}
	cfg.applyDefaults()
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const defaultConfigYAML = `# candlefetch 配置示例
app:
  env: dev
  log_level: info
  http_addr: ":3010"
  # log_path: /data/logs/candlefetch.log

provider:
  platform: coinapi        # coinapi | binance
  api_key: ""              # CoinAPI 必填；Binance 行情接口可留空
  # base_url: ""           # 覆盖平台默认地址（测试用）

storage:
  data_dir: data
  state_dir: local_storage

download:
  page_limit: 1000
  rate_limit_per_min: 100
  max_concurrent: 2        # 同时执行的任务数
  backoff_base_seconds: 1
  backoff_cap_seconds: 60
  max_attempts: 5
  max_gap_ratio: 0.5
`

// WriteDefault 在配置缺失时生成带注释的样例文件。
func WriteDefault(path string) error {
	if path == "" {
		return fmt.Errorf("config path cannot be empty")
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists: %s", path)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}
