package config

// Config 是 candlefetch 的主配置载体。
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Provider ProviderConfig `mapstructure:"provider"`
	Download DownloadConfig `mapstructure:"download"`
	Storage  StorageConfig  `mapstructure:"storage"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
	HTTPAddr string `mapstructure:"http_addr"`
	LogPath  string `mapstructure:"log_path"`
}

// ProviderConfig 选择行情数据平台及其凭证。
type ProviderConfig struct {
	Platform string `mapstructure:"platform"` // "coinapi" | "binance"
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"` // 留空使用平台默认地址
}

// StorageConfig 指定序列文件与任务元数据的落盘目录。
type StorageConfig struct {
	DataDir  string `mapstructure:"data_dir"`  // 每个任务一个 CSV
	StateDir string `mapstructure:"state_dir"` // jobs.db / catalog.db
}

// DownloadConfig 控制分页拉取与重试节奏。
type DownloadConfig struct {
	PageLimit       int     `mapstructure:"page_limit"`
	RateLimitPerMin int     `mapstructure:"rate_limit_per_min"`
	MaxConcurrent   int     `mapstructure:"max_concurrent"` // 0 使用默认并发
	BackoffBaseSec  float64 `mapstructure:"backoff_base_seconds"`
	BackoffCapSec   float64 `mapstructure:"backoff_cap_seconds"`
	MaxAttempts     int     `mapstructure:"max_attempts"`
	MaxGapRatio     float64 `mapstructure:"max_gap_ratio"` // 缺口占比超过该值时任务判定失败
}
