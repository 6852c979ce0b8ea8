// Package config provides configuration management for the broker.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the broker.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Events    EventsConfig    `mapstructure:"events"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Poll      PollConfig      `mapstructure:"poll"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	// Empty value means derive from runtime data identity.
	Namespace string `mapstructure:"namespace"`
}

// AuthConfig holds administrative-surface authentication configuration.
// The broker authenticates dashboard/CLI callers with a single shared
// secret (§6.2) rather than a per-user JWT scheme: Secret is
// read from KANDEV_AUTH_SECRET if set, otherwise generated once and
// persisted (internal/admin writes it back through the Store) so it
// survives restarts.
type AuthConfig struct {
	Secret string `mapstructure:"secret"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// SchedulerConfig holds the reconciliation loop's tuning parameters (§4.5).
type SchedulerConfig struct {
	ProcessIntervalMS  int `mapstructure:"processIntervalMs"`
	AckTimeoutSec      int `mapstructure:"ackTimeoutSec"`      // T_ACK
	HeartbeatTimeoutSec int `mapstructure:"heartbeatTimeoutSec"` // T_HEARTBEAT
	StaleWaitTimeoutSec int `mapstructure:"staleWaitTimeoutSec"` // T_STALE_WAIT
}

// PollConfig holds the long-poll timeout bounds for wait_for_task/
// wait_for_completion (§4.4, §6.1).
type PollConfig struct {
	DefaultTimeoutSec int `mapstructure:"defaultTimeoutSec"`
	MaxTimeoutSec     int `mapstructure:"maxTimeoutSec"`
}

// ProcessInterval returns the scheduler loop interval as a time.Duration.
func (s *SchedulerConfig) ProcessInterval() time.Duration {
	return time.Duration(s.ProcessIntervalMS) * time.Millisecond
}

// AckTimeout returns T_ACK as a time.Duration.
func (s *SchedulerConfig) AckTimeout() time.Duration {
	return time.Duration(s.AckTimeoutSec) * time.Second
}

// HeartbeatTimeout returns T_HEARTBEAT as a time.Duration.
func (s *SchedulerConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(s.HeartbeatTimeoutSec) * time.Second
}

// StaleWaitTimeout returns T_STALE_WAIT as a time.Duration.
func (s *SchedulerConfig) StaleWaitTimeout() time.Duration {
	return time.Duration(s.StaleWaitTimeoutSec) * time.Second
}

// DefaultTimeout returns the default long-poll timeout as a time.Duration.
func (p *PollConfig) DefaultTimeout() time.Duration {
	return time.Duration(p.DefaultTimeoutSec) * time.Second
}

// MaxTimeout returns the maximum caller-requested long-poll timeout as a
// time.Duration.
func (p *PollConfig) MaxTimeout() time.Duration {
	return time.Duration(p.MaxTimeoutSec) * time.Second
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("KANDEV_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./kandev.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "kandev")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "kandev")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "kandev-cluster")
	v.SetDefault("nats.clientId", "kandev-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Events defaults
	v.SetDefault("events.namespace", "")

	// Auth defaults
	v.SetDefault("auth.secret", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Scheduler defaults (§4.5)
	v.SetDefault("scheduler.processIntervalMs", 250)
	v.SetDefault("scheduler.ackTimeoutSec", 30)
	v.SetDefault("scheduler.heartbeatTimeoutSec", 300)
	v.SetDefault("scheduler.staleWaitTimeoutSec", 580)

	// Poll defaults (§4.4, §6.1)
	v.SetDefault("poll.defaultTimeoutSec", 290)
	v.SetDefault("poll.maxTimeoutSec", 290)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix KANDEV_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/kandev/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("KANDEV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("logging.level", "KANDEV_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "KANDEV_EVENTS_NAMESPACE")
	_ = v.BindEnv("auth.secret", "KANDEV_AUTH_SECRET")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/kandev/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation
	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	// NATS validation - optional (uses in-memory event bus if not set)
	// No validation needed - empty URL means use in-memory

	// Auth validation - the admin surface generates and persists a secret
	// on first run if none is configured; internal/admin owns persistence,
	// config only seeds an in-process placeholder so Load never blocks on it.
	if cfg.Auth.Secret == "" {
		cfg.Auth.Secret = generateDevSecret()
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Scheduler.AckTimeoutSec <= 0 {
		errs = append(errs, "scheduler.ackTimeoutSec must be positive")
	}
	if cfg.Poll.MaxTimeoutSec <= 0 {
		errs = append(errs, "poll.maxTimeoutSec must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// generateDevSecret generates a placeholder admin secret for a process that
// has not yet persisted one. internal/admin replaces this on first run with
// a value written through the Store, per §6.2.
func generateDevSecret() string {
	return "dev-secret-change-in-production-" + fmt.Sprintf("%d", time.Now().UnixNano())
}
