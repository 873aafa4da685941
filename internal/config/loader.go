package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML config file over Defaults(). A missing path yields
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the broker cannot run with.
func (c *Config) Validate() error {
	if c.Service.Name == "" {
		return fmt.Errorf("service.name is empty")
	}
	if c.Broker.DefaultTimeout <= 0 {
		return fmt.Errorf("broker.default_timeout must be positive")
	}
	if c.Broker.WorkerThreshold < 0 || c.Broker.WorkerThreshold > 1 {
		return fmt.Errorf("broker.worker_threshold must be within (0, 1]")
	}
	if c.Broker.IOThreshold < 0 || c.Broker.IOThreshold > 1 {
		return fmt.Errorf("broker.io_threshold must be within (0, 1]")
	}
	if c.Helper.Path == "" {
		return fmt.Errorf("helper.path is empty")
	}
	if c.Audit.Enabled && c.Audit.Path == "" {
		return fmt.Errorf("audit.path is empty while audit is enabled")
	}
	if c.API.Enabled && c.API.Listen == "" {
		return fmt.Errorf("api.listen is empty while the API is enabled")
	}
	return nil
}
