package config

import "time"

// Config represents the complete webrelay configuration.
type Config struct {
	Service Service `yaml:"service"`
	Broker  Broker  `yaml:"broker"`
	Helper  Helper  `yaml:"helper"`
	Audit   Audit   `yaml:"audit"`
	API     API     `yaml:"api,omitempty"`
}

// Service defines core service settings.
type Service struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

// Broker defines dispatch and admission settings.
type Broker struct {
	DefaultTimeout  time.Duration `yaml:"default_timeout"`
	BindAddress     string        `yaml:"bind_address,omitempty"`
	WorkerThreshold float64       `yaml:"worker_threshold"`
	IOThreshold     float64       `yaml:"io_threshold"`
	MaxWorkers      int           `yaml:"max_workers"`
	MaxCompletions  int           `yaml:"max_completions"`
}

// Helper defines the external helper binary and its trusted source.
type Helper struct {
	Path                string        `yaml:"path"`
	DistributionURL     string        `yaml:"distribution_url"`
	ManualURL           string        `yaml:"manual_url"`
	MaxDownloadAttempts int           `yaml:"max_download_attempts"`
	FetchTimeout        time.Duration `yaml:"fetch_timeout,omitempty"`
}

// Audit defines request audit log storage.
type Audit struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// API defines HTTP status API settings.
type API struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	APIKey  string `yaml:"api_key"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: Service{
			Name:     "webrelay",
			LogLevel: "info",
		},
		Broker: Broker{
			DefaultTimeout:  30 * time.Second,
			WorkerThreshold: 0.75,
			IOThreshold:     0.60,
		},
		Helper: Helper{
			Path:                "./bin/webrelay-helper",
			MaxDownloadAttempts: 3,
		},
		Audit: Audit{
			Enabled: true,
			Path:    "./data/requests.db",
		},
		API: API{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
