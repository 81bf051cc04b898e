package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Output  OutputConfig  `yaml:"output"`
	Catalog CatalogConfig `yaml:"catalog"`
	Server  ServerConfig  `yaml:"server"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// OutputConfig holds settings for files written by extract and create
type OutputConfig struct {
	FileMode uint32 `yaml:"file_mode"`
	Fsync    bool   `yaml:"fsync"`
}

// CatalogConfig holds settings for the record of validated images
type CatalogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	HTTPAddr     string          `yaml:"http_addr"`
	MaxImageSize int64           `yaml:"max_image_size"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig holds per-client token bucket settings
type RateLimitConfig struct {
	Capacity   float64 `yaml:"capacity"`
	RefillRate float64 `yaml:"refill_rate"`
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Output: OutputConfig{
			FileMode: 0644,
			Fsync:    false,
		},
		Catalog: CatalogConfig{
			Enabled: false,
			Dir:     "./catalog",
		},
		Server: ServerConfig{
			HTTPAddr:     ":8080",
			MaxImageSize: 64 * 1024 * 1024, // 64MB
			RateLimit: RateLimitConfig{
				Capacity:   10,
				RefillRate: 1,
			},
		},
	}
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults if file doesn't exist
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads config from file or returns default
func LoadOrDefault(path string) *Config {
	if path == "" {
		return Default()
	}

	cfg, err := Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config: %v, using defaults\n", err)
		return Default()
	}

	return cfg
}

// Validate checks the configuration for values that cannot work
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	if c.Catalog.Enabled && c.Catalog.Dir == "" {
		return fmt.Errorf("catalog enabled without a directory")
	}
	if c.Server.MaxImageSize <= 0 {
		return fmt.Errorf("server max_image_size must be positive, got %d", c.Server.MaxImageSize)
	}
	if c.Output.FileMode > 0777 {
		return fmt.Errorf("output file_mode %o is not a permission mask", c.Output.FileMode)
	}
	return nil
}
