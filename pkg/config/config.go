// Package config holds client-level tunables for the tabular client:
// connection pooling, retry, and trace defaults. Values come from YAML or
// environment variables; secrets are environment-only.
package config

import "github.com/ilyakaznacheev/cleanenv"

// Config holds all configuration for the tabular client.
type Config struct {
	// Server connection defaults.
	Server ServerConfig `yaml:"server"`

	// Datasource connection management.
	Connection ConnectionConfig `yaml:"connection"`

	// Refresh defaults.
	Refresh RefreshConfig `yaml:"refresh"`
}

// ServerConfig holds the endpoint to connect to. Password/token are
// environment-only secrets, never read from YAML.
type ServerConfig struct {
	DataSource     string `yaml:"data_source" env:"TABULAR_DATA_SOURCE"`
	InitialCatalog string `yaml:"initial_catalog" env:"TABULAR_INITIAL_CATALOG"`
	UserID         string `yaml:"user_id" env:"TABULAR_USER_ID"`
	Password       string `yaml:"-" env:"TABULAR_PASSWORD"`
}

// ConnectionConfig controls the effective-user subconnection cache and
// retry behavior for transient connect failures.
type ConnectionConfig struct {
	EffectiveUserCacheSize int `yaml:"effective_user_cache_size" env:"TABULAR_EFFECTIVE_USER_CACHE_SIZE" env-default:"25"`
	MaxRetries             int `yaml:"max_retries" env:"TABULAR_MAX_RETRIES" env-default:"3"`
	ConnectTimeoutSeconds  int `yaml:"connect_timeout_seconds" env:"TABULAR_CONNECT_TIMEOUT_SECONDS" env-default:"30"`
}

// RefreshConfig controls orchestrator defaults.
type RefreshConfig struct {
	DefaultRowCountCheck bool `yaml:"default_row_count_check" env:"TABULAR_DEFAULT_ROW_COUNT_CHECK" env-default:"true"`
	TraceEnabled         bool `yaml:"trace_enabled" env:"TABULAR_TRACE_ENABLED" env-default:"true"`
}

// Load reads configuration from an optional YAML file and environment
// variables, with environment variables taking precedence for fields that
// support both.
func Load(yamlPath string) (*Config, error) {
	var cfg Config
	if yamlPath != "" {
		if err := cleanenv.ReadConfig(yamlPath, &cfg); err != nil {
			return nil, err
		}
		return &cfg, nil
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
