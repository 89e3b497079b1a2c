package config

import (
	"fmt"
	"strings"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Provider.validate(); err != nil {
		return err
	}
	if err := c.Download.validate(); err != nil {
		return err
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	return nil
}

func (p *ProviderConfig) validate() error {
	if strings.TrimSpace(p.Platform) == "" {
		return fmt.Errorf("provider.platform cannot be empty")
	}
	return nil
}

func (d *DownloadConfig) validate() error {
	if d.MaxConcurrent < 0 {
		return fmt.Errorf("download.max_concurrent must be >= 0")
	}
	if d.BackoffCapSec < d.BackoffBaseSec {
		return fmt.Errorf("download.backoff_cap_seconds must be >= backoff_base_seconds")
	}
	if d.MaxGapRatio > 1 {
		return fmt.Errorf("download.max_gap_ratio must be within (0,1]")
	}
	return nil
}

func (s *StorageConfig) validate() error {
	if strings.TrimSpace(s.DataDir) == "" || strings.TrimSpace(s.StateDir) == "" {
		return fmt.Errorf("storage.data_dir/state_dir cannot be empty")
	}
	return nil
}
