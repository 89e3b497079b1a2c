package config

// 默认值常量
const (
	defaultAppEnv           = "dev"
	defaultAppLogLevel      = "info"
	defaultAppHTTPAddr      = ":3010"
	defaultProviderPlatform = "coinapi"
	defaultDataDir          = "data"
	defaultStateDir         = "local_storage"
	defaultPageLimit        = 1000
	defaultRatePerMin       = 100
	defaultBackoffBaseSec   = 1.0
	defaultBackoffCapSec    = 60.0
	defaultMaxAttempts      = 5
	defaultMaxGapRatio      = 0.5
)

// applyDefaults 为所有未设置的字段填入默认值。
func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = defaultAppEnv
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = defaultAppLogLevel
	}
	if c.App.HTTPAddr == "" {
		c.App.HTTPAddr = defaultAppHTTPAddr
	}
	if c.Provider.Platform == "" {
		c.Provider.Platform = defaultProviderPlatform
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = defaultDataDir
	}
	if c.Storage.StateDir == "" {
		c.Storage.StateDir = defaultStateDir
	}
	if c.Download.PageLimit <= 0 {
		c.Download.PageLimit = defaultPageLimit
	}
	if c.Download.RateLimitPerMin <= 0 {
		c.Download.RateLimitPerMin = defaultRatePerMin
	}
	if c.Download.BackoffBaseSec <= 0 {
		c.Download.BackoffBaseSec = defaultBackoffBaseSec
	}
	if c.Download.BackoffCapSec <= 0 {
		c.Download.BackoffCapSec = defaultBackoffCapSec
	}
	if c.Download.MaxAttempts <= 0 {
		c.Download.MaxAttempts = defaultMaxAttempts
	}
	if c.Download.MaxGapRatio <= 0 {
		c.Download.MaxGapRatio = defaultMaxGapRatio
	}
}
