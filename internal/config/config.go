package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/taskfleet/dispatch/internal/output"
)

// Config holds the application configuration.
// I need settings for the server, logging, the backing stores, Consul,
// NATS, MinIO, and the bot protocol.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	// Empty DatabaseURL selects the in-memory stores.
	DatabaseURL string `yaml:"database_url"`

	ConsulAddress       string        `yaml:"consul_address"`
	ServiceName         string        `yaml:"service_name"`
	ServiceIDPrefix     string        `yaml:"service_id_prefix"`
	ServiceTags         []string      `yaml:"service_tags"`
	HealthCheckPath     string        `yaml:"health_check_path"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`

	// Empty NatsAddress disables event publishing.
	NatsAddress        string `yaml:"nats_address"`
	EventSubjectPrefix string `yaml:"event_subject_prefix"`

	// Minio.Endpoint empty selects the in-memory output store.
	Minio output.MinioConfig `yaml:"minio"`

	JwtSecret          string        `yaml:"jwt_secret"`
	ServerVersion      string        `yaml:"server_version"`
	ExpectedBotVersion string        `yaml:"expected_bot_version"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
}

// LoadConfig reads configuration from the given YAML file path.
// It creates a default config file if it doesn't exist.
func LoadConfig(path string) (*Config, error) {
	// I should set some sensible defaults first.
	defaultConfig := &Config{
		Port:                ":8080",
		LogLevel:            "info",
		DatabaseURL:         "",
		ConsulAddress:       "localhost:8500",
		ServiceName:         "dispatch",
		ServiceIDPrefix:     "dispatch-",
		ServiceTags:         []string{"taskfleet", "dispatch"},
		HealthCheckPath:     "/health",
		HealthCheckInterval: 10 * time.Second,
		HealthCheckTimeout:  2 * time.Second,
		RequestTimeout:      30 * time.Second,
		NatsAddress:         "",
		EventSubjectPrefix:  "dispatch.events",
		JwtSecret:           "dev-only-secret-change-me",
		ServerVersion:       "dev",
		ExpectedBotVersion:  "",
		SweepInterval:       60 * time.Second,
	}

	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		data, marshalErr := yaml.Marshal(defaultConfig)
		if marshalErr != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", marshalErr)
		}
		if mkdirErr := os.MkdirAll(filepath.Dir(path), 0755); mkdirErr != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", mkdirErr)
		}
		if writeErr := os.WriteFile(path, data, 0644); writeErr != nil {
			return nil, fmt.Errorf("failed to write default config file: %w", writeErr)
		}
		return defaultConfig, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to check config file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config data: %w", err)
	}

	applyDefaultsIfNotSet(&cfg, defaultConfig)

	return &cfg, nil
}

// applyDefaultsIfNotSet applies default values to cfg fields if they are zero-valued.
func applyDefaultsIfNotSet(cfg *Config, defaults *Config) {
	if cfg.Port == "" {
		cfg.Port = defaults.Port
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if cfg.ConsulAddress == "" {
		cfg.ConsulAddress = defaults.ConsulAddress
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaults.ServiceName
	}
	if cfg.ServiceIDPrefix == "" {
		cfg.ServiceIDPrefix = defaults.ServiceIDPrefix
	}
	if len(cfg.ServiceTags) == 0 {
		cfg.ServiceTags = defaults.ServiceTags
	}
	if cfg.HealthCheckPath == "" {
		cfg.HealthCheckPath = defaults.HealthCheckPath
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = defaults.HealthCheckInterval
	}
	if cfg.HealthCheckTimeout == 0 {
		cfg.HealthCheckTimeout = defaults.HealthCheckTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaults.RequestTimeout
	}
	if cfg.EventSubjectPrefix == "" {
		cfg.EventSubjectPrefix = defaults.EventSubjectPrefix
	}
	if cfg.JwtSecret == "" {
		cfg.JwtSecret = defaults.JwtSecret
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = defaults.ServerVersion
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
}

// GenerateServiceID builds a unique Consul service ID.
func GenerateServiceID(prefix string) string {
	// Using a UUID is a good way to ensure uniqueness.
	return prefix + uuid.New().String()
}
